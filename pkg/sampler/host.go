package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerMB = 1024 * 1024

// HostSampler reads host-wide CPU and memory usage with gopsutil.
//
// CPU percent is the utilization since the previous call (interval 0), so
// an idle host may legitimately report 0.
type HostSampler struct {
	timeout       time.Duration
	cpuCount      int
	totalMemoryMB int64
	logger        zerolog.Logger

	cpuPercent func(ctx context.Context) ([]float64, error)
	virtualMem func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewHostSampler reads the static host facts and primes the CPU counter.
func NewHostSampler(ctx context.Context, timeout time.Duration, logger zerolog.Logger) (*HostSampler, error) {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	count, err := cpu.CountsWithContext(probeCtx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count CPUs: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(probeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}

	s := &HostSampler{
		timeout:       timeout,
		cpuCount:      count,
		totalMemoryMB: int64(vm.Total / bytesPerMB),
		logger:        logger,
		cpuPercent: func(ctx context.Context) ([]float64, error) {
			return cpu.PercentWithContext(ctx, 0, false)
		},
		virtualMem: mem.VirtualMemoryWithContext,
	}

	// The first interval-0 call has nothing to compare against.
	_, _ = s.cpuPercent(probeCtx)

	return s, nil
}

// Sample implements Sampler.
func (s *HostSampler) Sample(ctx context.Context) Reading {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now()

	percents, err := s.cpuPercent(ctx)
	if err != nil {
		return s.degraded(ctx, "cpu", err)
	}
	if len(percents) == 0 {
		return s.degraded(ctx, "cpu", errors.New("no CPU percentages returned"))
	}

	vm, err := s.virtualMem(ctx)
	if err != nil {
		return s.degraded(ctx, "memory", err)
	}

	r := Reading{Status: StatusOK, Timestamp: now}
	r.Usage.CPUUsagePercent = percents[0]
	r.Usage.MemoryUsageMB = float64(vm.Used) / bytesPerMB
	r.Usage.MemoryUsagePercent = vm.UsedPercent
	r.Usage.TotalMemoryMB = int64(vm.Total / bytesPerMB)
	r.Usage.CPUCount = s.cpuCount
	return r
}

func (s *HostSampler) degraded(ctx context.Context, what string, err error) Reading {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	s.logger.Debug().Err(err).Str("resource", what).Msg("Resource sample degraded")
	return Degraded(fmt.Sprintf("%s sample failed: %v", what, err))
}
