package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHost(cpuFn func(context.Context) ([]float64, error), memFn func(context.Context) (*mem.VirtualMemoryStat, error)) *HostSampler {
	return &HostSampler{
		timeout:       50 * time.Millisecond,
		cpuCount:      8,
		totalMemoryMB: 16384,
		logger:        zerolog.Nop(),
		cpuPercent:    cpuFn,
		virtualMem:    memFn,
	}
}

func okMem(context.Context) (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{
		Total:       16 * 1024 * bytesPerMB,
		Used:        4 * 1024 * bytesPerMB,
		UsedPercent: 25,
	}, nil
}

func TestHostSampler_Sample(t *testing.T) {
	s := fakeHost(func(context.Context) ([]float64, error) { return []float64{42.5}, nil }, okMem)

	r := s.Sample(context.Background())

	require.True(t, r.OK())
	assert.Equal(t, 42.5, r.Usage.CPUUsagePercent)
	assert.Equal(t, 4096.0, r.Usage.MemoryUsageMB)
	assert.Equal(t, 25.0, r.Usage.MemoryUsagePercent)
	assert.Equal(t, int64(16384), r.Usage.TotalMemoryMB)
	assert.Equal(t, 8, r.Usage.CPUCount)
	assert.NotNil(t, r.UsagePtr())
}

func TestHostSampler_DegradesOnError(t *testing.T) {
	s := fakeHost(func(context.Context) ([]float64, error) { return nil, errors.New("boom") }, okMem)

	r := s.Sample(context.Background())

	assert.False(t, r.OK())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Contains(t, r.Reason, "boom")
	assert.Nil(t, r.UsagePtr())
	assert.Zero(t, r.Usage)
}

func TestHostSampler_DegradesOnEmptyCPU(t *testing.T) {
	s := fakeHost(func(context.Context) ([]float64, error) { return nil, nil }, okMem)

	assert.False(t, s.Sample(context.Background()).OK())
}

func TestHostSampler_BoundedByTimeout(t *testing.T) {
	stalled := func(ctx context.Context) ([]float64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := fakeHost(stalled, okMem)

	start := time.Now()
	r := s.Sample(context.Background())

	assert.False(t, r.OK())
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, r.Reason, "deadline")
}

func TestHostSampler_Concurrent(t *testing.T) {
	s := fakeHost(func(context.Context) ([]float64, error) { return []float64{10}, nil }, okMem)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, s.Sample(context.Background()).OK())
		}()
	}
	wg.Wait()
}

func TestNewHostSampler_RealHost(t *testing.T) {
	s, err := NewHostSampler(context.Background(), time.Second, zerolog.Nop())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}

	r := s.Sample(context.Background())
	if !r.OK() {
		t.Skipf("host sample degraded: %s", r.Reason)
	}
	assert.GreaterOrEqual(t, r.Usage.CPUUsagePercent, 0.0)
	assert.Greater(t, r.Usage.MemoryUsageMB, 0.0)
	assert.Greater(t, r.Usage.CPUCount, 0)
}

func TestSelect_Disabled(t *testing.T) {
	s := Select(context.Background(), Config{Enabled: false}, zerolog.Nop())

	_, ok := s.(Unavailable)
	require.True(t, ok)
	r := s.Sample(context.Background())
	assert.False(t, r.OK())
	assert.Equal(t, "resource sampling disabled", r.Reason)
}

func TestUnavailable_DefaultReason(t *testing.T) {
	r := Unavailable{}.Sample(context.Background())
	assert.Equal(t, "resource sampling unavailable", r.Reason)
	assert.Equal(t, "degraded", r.Status.String())
}
