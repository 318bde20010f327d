// Package collector periodically records host usage snapshots.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/pkg/sampler"
	"github.com/vjranagit/timeglass/pkg/types"
)

// SnapshotStore persists snapshots. storage.Storage implements it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *types.SystemSnapshot) error
}

// Config configures the snapshot collector.
type Config struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Interval: 15 * time.Second,
	}
}

// SnapshotCollector samples the host on a ticker and stores the readings.
type SnapshotCollector struct {
	sampler sampler.Sampler
	store   SnapshotStore
	logger  zerolog.Logger
	config  Config
}

// NewSnapshotCollector creates a new snapshot collector.
func NewSnapshotCollector(s sampler.Sampler, store SnapshotStore, config Config, logger zerolog.Logger) *SnapshotCollector {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &SnapshotCollector{
		sampler: s,
		store:   store,
		logger:  logger.With().Str("component", "snapshot_collector").Logger(),
		config:  config,
	}
}

// Start collects immediately and then on every interval until ctx is
// cancelled.
func (c *SnapshotCollector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Info().Msg("Snapshot collector is disabled")
		return nil
	}
	if u, ok := c.sampler.(sampler.Unavailable); ok {
		c.logger.Info().Str("reason", u.Sample(ctx).Reason).Msg("Snapshot collector not started, host sampling unavailable")
		return nil
	}

	c.logger.Info().Dur("interval", c.config.Interval).Msg("Starting snapshot collector")

	c.collect(ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Stopping snapshot collector")
			return ctx.Err()
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect logs degraded samples at debug level and store failures as warnings.
func (c *SnapshotCollector) collect(ctx context.Context) {
	err := c.CollectOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded):
		c.logger.Debug().Err(err).Msg("Snapshot skipped")
	default:
		c.logger.Warn().Err(err).Msg("Failed to collect snapshot")
	}
}

// ErrDegraded is returned by CollectOnce when the host could not be sampled.
var ErrDegraded = errors.New("host sample degraded")

// CollectOnce takes one sample and stores it. Degraded samples are not stored.
func (c *SnapshotCollector) CollectOnce(ctx context.Context) error {
	reading := c.sampler.Sample(ctx)
	if !reading.OK() {
		return fmt.Errorf("%w: %s", ErrDegraded, reading.Reason)
	}

	ts := reading.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	snap := types.NewSystemSnapshot(ts, reading.Usage)
	if err := c.store.SaveSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	c.logger.Debug().
		Uint64("seq", snap.Seq).
		Float64("cpu_percent", snap.CPUUsagePercent).
		Float64("memory_percent", snap.MemoryUsagePercent).
		Msg("Snapshot stored")
	return nil
}
