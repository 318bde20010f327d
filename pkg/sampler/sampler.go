// Package sampler reads instantaneous host resource usage for profiling windows.
//
// A Sampler never fails: when the operating system cannot be queried it
// returns a degraded Reading that carries the reason, so profiling never
// aborts the request being measured.
package sampler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vjranagit/timeglass/pkg/types"
)

// Status tags a Reading as usable or degraded.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "degraded"
}

// Reading is the result of one Sample call.
type Reading struct {
	Status    Status
	Reason    string
	Timestamp time.Time
	Usage     types.Usage
}

// OK reports whether the reading holds real data.
func (r Reading) OK() bool {
	return r.Status == StatusOK
}

// UsagePtr returns the usage, or nil for a degraded reading.
func (r Reading) UsagePtr() *types.Usage {
	if !r.OK() {
		return nil
	}
	u := r.Usage
	return &u
}

// Degraded builds a degraded reading.
func Degraded(reason string) Reading {
	return Reading{Status: StatusDegraded, Reason: reason, Timestamp: time.Now()}
}

// Sampler reads host resource usage. Implementations must be safe for
// concurrent use by many in-flight requests.
type Sampler interface {
	Sample(ctx context.Context) Reading
}

// Config configures sampler selection.
type Config struct {
	// Enabled false forces the Unavailable sampler.
	Enabled bool
	// Timeout bounds each OS query.
	Timeout time.Duration
}

// DefaultConfig returns the default sampler configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Timeout: 250 * time.Millisecond,
	}
}

// Unavailable is the basic-timing fallback: every reading is degraded.
type Unavailable struct {
	Reason string
}

// Sample implements Sampler.
func (u Unavailable) Sample(context.Context) Reading {
	reason := u.Reason
	if reason == "" {
		reason = "resource sampling unavailable"
	}
	return Degraded(reason)
}

// Select probes the host once and returns the sampler the process should
// use for its lifetime.
func Select(ctx context.Context, cfg Config, logger zerolog.Logger) Sampler {
	logger = logger.With().Str("component", "sampler").Logger()

	if !cfg.Enabled {
		logger.Info().Msg("Resource sampling disabled, using timing only")
		return Unavailable{Reason: "resource sampling disabled"}
	}

	host, err := NewHostSampler(ctx, cfg.Timeout, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Host sampler unavailable, using timing only")
		return Unavailable{Reason: err.Error()}
	}

	if r := host.Sample(ctx); !r.OK() {
		logger.Warn().Str("reason", r.Reason).Msg("Host sampler probe failed, using timing only")
		return Unavailable{Reason: r.Reason}
	}

	logger.Info().
		Int("cpu_count", host.cpuCount).
		Int64("total_memory_mb", host.totalMemoryMB).
		Msg("Host sampler selected")
	return host
}
