package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/timeglass/internal/telemetry"
	"github.com/vjranagit/timeglass/pkg/sampler"
	"github.com/vjranagit/timeglass/pkg/types"
)

type staticSampler struct {
	calls atomic.Int64
	usage types.Usage
}

func (s *staticSampler) Sample(context.Context) sampler.Reading {
	s.calls.Add(1)
	return sampler.Reading{Status: sampler.StatusOK, Timestamp: time.Now(), Usage: s.usage}
}

// flakySampler succeeds on the first call and degrades afterwards.
type flakySampler struct {
	calls atomic.Int64
}

func (s *flakySampler) Sample(context.Context) sampler.Reading {
	if s.calls.Add(1) == 1 {
		return sampler.Reading{Status: sampler.StatusOK, Usage: types.Usage{CPUUsagePercent: 5}}
	}
	return sampler.Degraded("host went away")
}

func newCapture(s sampler.Sampler, opts ...Option) *Capture {
	return New(s, zerolog.Nop(), opts...)
}

func TestStartStop(t *testing.T) {
	s := &staticSampler{usage: types.Usage{CPUUsagePercent: 12, MemoryUsageMB: 512, MemoryUsagePercent: 40}}
	c := newCapture(s)
	ctx := context.Background()

	partial, err := c.Start(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", partial.RequestID)
	require.NotNil(t, partial.StartUsage)
	assert.Equal(t, 12.0, partial.StartUsage.CPUUsagePercent)

	time.Sleep(5 * time.Millisecond)

	rec, err := c.Stop(ctx, "req-1", partial)
	require.NoError(t, err)

	require.True(t, rec.Completed())
	assert.GreaterOrEqual(t, *rec.DurationMS, 5.0)
	assert.False(t, rec.EndTime.Before(rec.StartTime))
	assert.InDelta(t, float64(rec.EndTime.Sub(rec.StartTime))/float64(time.Millisecond), *rec.DurationMS, 0.001)
	assert.Equal(t, 12.0, *rec.CPUUsagePercent)
	assert.Equal(t, 512.0, *rec.MemoryUsageMB)
	assert.Equal(t, 40.0, *rec.MemoryUsagePercent)
	assert.Equal(t, int64(2), s.calls.Load())
}

func TestStartRejectsEmptyID(t *testing.T) {
	c := newCapture(&staticSampler{})

	_, err := c.Start(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyRequestID)
}

func TestStopRejectsMismatchedID(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newCapture(&staticSampler{}, WithMetrics(telemetry.New(reg)))
	ctx := context.Background()

	partial, err := c.Start(ctx, "a")
	require.NoError(t, err)

	rec, err := c.Stop(ctx, "b", partial)
	assert.ErrorIs(t, err, ErrRequestIDMismatch)
	assert.Empty(t, rec.RequestID)
	assert.Nil(t, rec.DurationMS)
}

func TestStopClampsNegativeDuration(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time {
		// The second reading jumps back one second.
		if tick.Add(1) == 1 {
			return base
		}
		return base.Add(-time.Second)
	}
	c := newCapture(&staticSampler{}, WithClock(clock))
	ctx := context.Background()

	partial, err := c.Start(ctx, "skewed")
	require.NoError(t, err)

	rec, err := c.Stop(ctx, "skewed", partial)
	require.NoError(t, err)
	assert.Equal(t, 0.0, *rec.DurationMS)
	assert.True(t, rec.EndTime.Equal(rec.StartTime))
}

func TestStopWithDegradedSample(t *testing.T) {
	c := newCapture(&flakySampler{})
	ctx := context.Background()

	partial, err := c.Start(ctx, "degraded")
	require.NoError(t, err)
	require.NotNil(t, partial.StartUsage)

	rec, err := c.Stop(ctx, "degraded", partial)
	require.NoError(t, err)
	require.NotNil(t, rec.DurationMS)
	assert.Nil(t, rec.CPUUsagePercent)
	assert.Nil(t, rec.MemoryUsageMB)
	assert.Nil(t, rec.MemoryUsagePercent)
}

func TestUnavailableSamplerStillTimes(t *testing.T) {
	c := New(nil, zerolog.Nop())
	ctx := context.Background()

	partial, err := c.Start(ctx, "timing-only")
	require.NoError(t, err)
	assert.Nil(t, partial.StartUsage)

	rec, err := c.Stop(ctx, "timing-only", partial)
	require.NoError(t, err)
	assert.NotNil(t, rec.DurationMS)
	assert.Nil(t, rec.CPUUsagePercent)
}

func TestConcurrentWindowsAreIndependent(t *testing.T) {
	c := newCapture(&staticSampler{})
	ctx := context.Background()

	const n = 200
	records := make([]types.ProfilingRecord, n)
	sleeps := make([]time.Duration, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sleeps[i] = time.Duration(i%10) * time.Millisecond
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			partial, err := c.Start(ctx, id)
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(sleeps[i])
			rec, err := c.Stop(ctx, id, partial)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, partial.StartTime.Equal(rec.StartTime))
			records[i] = rec
		}(i)
	}
	wg.Wait()

	for i, rec := range records {
		require.Equal(t, fmt.Sprintf("req-%d", i), rec.RequestID)
		require.NotNil(t, rec.DurationMS)
		assert.GreaterOrEqual(t, *rec.DurationMS, float64(sleeps[i])/float64(time.Millisecond))
		assert.InDelta(t, float64(rec.EndTime.Sub(rec.StartTime))/float64(time.Millisecond), *rec.DurationMS, 0.001)
	}
}
