// Package query serves filtered, paged reads of stored profiling data.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/pkg/storage"
	"github.com/vjranagit/timeglass/pkg/types"
)

// Store is the read side of storage.Storage used by the layer.
type Store interface {
	GetRecord(ctx context.Context, id string) (types.ProfilingRecord, bool, error)
	ScanRecords(ctx context.Context, r storage.TimeRange, fn func(types.ProfilingRecord) bool) error
	ScanSnapshots(ctx context.Context, r storage.TimeRange, fn func(types.SystemSnapshot) bool) error
	QueryMetrics(ctx context.Context, requestID string) ([]types.QueryMetric, error)
}

// Layer answers record, snapshot and operation queries.
type Layer struct {
	store  Store
	cache  *Cache
	logger zerolog.Logger
}

// Option configures a Layer.
type Option func(*Layer)

// WithCache caches record listings in c.
func WithCache(c *Cache) Option {
	return func(l *Layer) { l.cache = c }
}

// NewLayer creates a query layer over store.
func NewLayer(store Store, logger zerolog.Logger, opts ...Option) *Layer {
	l := &Layer{
		store:  store,
		logger: logger.With().Str("component", "query").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Records returns records newest first. Filters apply before Offset and
// Limit. The result is never nil.
func (l *Layer) Records(ctx context.Context, p Params) ([]types.ProfilingRecord, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if l.cache != nil {
		if recs, ok := l.cache.Get(p); ok {
			return recs, nil
		}
	}

	out := make([]types.ProfilingRecord, 0, min(p.Limit, 64))
	skipped := 0
	err := l.store.ScanRecords(ctx, timeRange(p), func(rec types.ProfilingRecord) bool {
		if !p.matches(&rec) {
			return true
		}
		if skipped < p.Offset {
			skipped++
			return true
		}
		out = append(out, rec)
		return len(out) < p.Limit
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	if l.cache != nil {
		l.cache.Put(p, out)
	}

	l.logger.Debug().
		Int("limit", p.Limit).
		Int("offset", p.Offset).
		Int("results", len(out)).
		Msg("Records query executed")

	return out, nil
}

// Snapshots returns system snapshots newest first. Record filters are ignored.
func (l *Layer) Snapshots(ctx context.Context, p Params) ([]types.SystemSnapshot, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	out := make([]types.SystemSnapshot, 0, min(p.Limit, 64))
	skipped := 0
	err := l.store.ScanSnapshots(ctx, timeRange(p), func(s types.SystemSnapshot) bool {
		if skipped < p.Offset {
			skipped++
			return true
		}
		out = append(out, s)
		return len(out) < p.Limit
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	return out, nil
}

// Record returns the record for id; found is false when none exists.
func (l *Layer) Record(ctx context.Context, id string) (types.ProfilingRecord, bool, error) {
	if id == "" {
		return types.ProfilingRecord{}, false, fmt.Errorf("%w: request id is required", ErrInvalidParams)
	}
	return l.store.GetRecord(ctx, id)
}

// Operations returns the sub-operation timings recorded for a request.
func (l *Layer) Operations(ctx context.Context, id string) ([]types.QueryMetric, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrInvalidParams)
	}
	return l.store.QueryMetrics(ctx, id)
}

func timeRange(p Params) storage.TimeRange {
	return storage.TimeRange{From: p.StartTime, To: p.EndTime}
}

func (p *Params) matches(rec *types.ProfilingRecord) bool {
	if p.Method != "" && rec.Method != p.Method {
		return false
	}
	if p.StatusCode != 0 && rec.StatusCode != p.StatusCode {
		return false
	}
	if p.PathContains != "" && !strings.Contains(strings.ToLower(rec.Path), strings.ToLower(p.PathContains)) {
		return false
	}
	return true
}
