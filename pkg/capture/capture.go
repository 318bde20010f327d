// Package capture opens and closes per-request profiling windows.
//
// Start returns the open window by value and Stop consumes it. Nothing is
// registered globally between the two calls, so any number of requests can
// be profiled concurrently without sharing state or taking locks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/internal/telemetry"
	"github.com/vjranagit/timeglass/pkg/sampler"
	"github.com/vjranagit/timeglass/pkg/types"
)

var (
	// ErrEmptyRequestID is returned by Start and Stop for an empty id.
	ErrEmptyRequestID = errors.New("request id must not be empty")
	// ErrRequestIDMismatch is returned by Stop when the partial record
	// belongs to another request.
	ErrRequestIDMismatch = errors.New("request id does not match partial record")
)

// Capture is the profiling engine. It is safe for concurrent use.
type Capture struct {
	sampler sampler.Sampler
	logger  zerolog.Logger
	now     func() time.Time
	metrics *telemetry.Metrics
}

// Option configures a Capture.
type Option func(*Capture)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Capture) { c.now = now }
}

// WithMetrics attaches self-metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Capture) { c.metrics = m }
}

// New creates a Capture around the sampler chosen at startup.
func New(s sampler.Sampler, logger zerolog.Logger, opts ...Option) *Capture {
	if s == nil {
		s = sampler.Unavailable{}
	}
	c := &Capture{
		sampler: s,
		logger:  logger.With().Str("component", "capture").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens a profiling window for requestID.
func (c *Capture) Start(ctx context.Context, requestID string) (types.PartialRecord, error) {
	if requestID == "" {
		return types.PartialRecord{}, ErrEmptyRequestID
	}

	start := c.now()
	reading := c.sample(ctx, requestID)

	return types.PartialRecord{
		RequestID:  requestID,
		StartTime:  start,
		StartUsage: reading.UsagePtr(),
	}, nil
}

// Stop closes the window opened by Start and returns the completed record.
// The record is not persisted.
func (c *Capture) Stop(ctx context.Context, requestID string, partial types.PartialRecord) (types.ProfilingRecord, error) {
	if requestID == "" {
		return types.ProfilingRecord{}, ErrEmptyRequestID
	}
	if partial.RequestID != requestID {
		return types.ProfilingRecord{}, fmt.Errorf("%w: stop %q, partial %q", ErrRequestIDMismatch, requestID, partial.RequestID)
	}

	end := c.now()
	reading := c.sample(ctx, requestID)

	elapsed := end.Sub(partial.StartTime)
	if elapsed < 0 {
		c.metrics.ClockAnomaly()
		c.logger.Warn().
			Str("request_id", requestID).
			Dur("elapsed", elapsed).
			Msg("Profiling window ended before it started, clamping duration to zero")
		elapsed = 0
		end = partial.StartTime
	}
	duration := float64(elapsed) / float64(time.Millisecond)

	rec := types.ProfilingRecord{
		RequestID:  requestID,
		StartTime:  partial.StartTime,
		EndTime:    &end,
		DurationMS: &duration,
	}

	if reading.OK() {
		cpu := reading.Usage.CPUUsagePercent
		memMB := reading.Usage.MemoryUsageMB
		memPct := reading.Usage.MemoryUsagePercent
		rec.CPUUsagePercent = &cpu
		rec.MemoryUsageMB = &memMB
		rec.MemoryUsagePercent = &memPct
	}

	c.metrics.RecordCaptured()
	return rec, nil
}

func (c *Capture) sample(ctx context.Context, requestID string) sampler.Reading {
	r := c.sampler.Sample(ctx)
	if !r.OK() {
		c.metrics.SampleDegraded()
		c.logger.Debug().
			Str("request_id", requestID).
			Str("reason", r.Reason).
			Msg("Profiling without resource sample")
	}
	return r
}
