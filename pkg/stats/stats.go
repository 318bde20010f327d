// Package stats aggregates stored profiling records into a summary.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vjranagit/timeglass/pkg/storage"
	"github.com/vjranagit/timeglass/pkg/types"
)

// DefaultWindow is how far back snapshots count towards "current" usage.
const DefaultWindow = time.Hour

// Source is the read side the aggregator needs. storage.Storage implements it.
type Source interface {
	ScanAllRecords(ctx context.Context, fn func(types.ProfilingRecord) bool) error
	ScanSnapshots(ctx context.Context, r storage.TimeRange, fn func(types.SystemSnapshot) bool) error
}

// Aggregator computes StatsSummary values on demand.
type Aggregator struct {
	src    Source
	window time.Duration
	now    func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindow sets the lookback for current CPU and memory usage.
func WithWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator reading from src.
func New(src Source, opts ...Option) *Aggregator {
	a := &Aggregator{src: src, window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// mean accumulates an average over the values it is given.
type mean struct {
	sum float64
	n   int64
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m *mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

// Summarize computes the summary over every completed record and the
// snapshots inside the window. Empty inputs produce all zeros.
func (a *Aggregator) Summarize(ctx context.Context) (types.StatsSummary, error) {
	var (
		duration, cpu, memory mean
		maxDur                = math.Inf(-1)
		minDur                = math.Inf(1)
	)

	err := a.src.ScanAllRecords(ctx, func(rec types.ProfilingRecord) bool {
		if rec.DurationMS == nil {
			return true
		}
		d := *rec.DurationMS
		duration.add(d)
		maxDur = math.Max(maxDur, d)
		minDur = math.Min(minDur, d)
		if rec.CPUUsagePercent != nil {
			cpu.add(*rec.CPUUsagePercent)
		}
		if rec.MemoryUsagePercent != nil {
			memory.add(*rec.MemoryUsagePercent)
		}
		return true
	})
	if err != nil {
		return types.StatsSummary{}, fmt.Errorf("failed to aggregate records: %w", err)
	}

	var currentCPU, currentMem mean
	from := a.now().Add(-a.window)
	err = a.src.ScanSnapshots(ctx, storage.TimeRange{From: &from}, func(s types.SystemSnapshot) bool {
		currentCPU.add(s.CPUUsagePercent)
		currentMem.add(s.MemoryUsagePercent)
		return true
	})
	if err != nil {
		return types.StatsSummary{}, fmt.Errorf("failed to aggregate snapshots: %w", err)
	}

	summary := types.StatsSummary{
		TotalRequests:        duration.n,
		AvgDurationMS:        duration.value(),
		AvgCPUPercent:        cpu.value(),
		AvgMemoryPercent:     memory.value(),
		CurrentCPUPercent:    currentCPU.value(),
		CurrentMemoryPercent: currentMem.value(),
	}
	if duration.n > 0 {
		summary.MaxDurationMS = maxDur
		summary.MinDurationMS = minDur
	}
	return summary, nil
}
