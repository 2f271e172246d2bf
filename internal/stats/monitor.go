// Package stats periodically samples process CPU usage and store totals.
package stats

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"

	"github.com/vforte/gruppo/internal/core"
	"github.com/vforte/gruppo/internal/store"
)

// Monitor logs users/groups/messages totals together with cumulative and
// per-interval CPU time.
type Monitor struct {
	store    store.StatsStore
	registry *core.Registry
	interval time.Duration
	log      *zerolog.Logger
}

// NewMonitor builds a monitor sampling every interval.
func NewMonitor(st store.StatsStore, registry *core.Registry, interval time.Duration, logger *zerolog.Logger) *Monitor {
	return &Monitor{store: st, registry: registry, interval: interval, log: logger}
}

// Run samples on the ticker until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var lastCPUMs int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lastCPUMs = m.sample(ctx, proc, lastCPUMs)
		}
	}
}

func (m *Monitor) sample(ctx context.Context, proc *process.Process, lastCPUMs int64) int64 {
	cpuMs := lastCPUMs
	if times, err := proc.Times(); err == nil {
		cpuMs = int64((times.User + times.System) * 1000)
	}

	users, err := m.store.CountUsers(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to collect performance stats")
		return cpuMs
	}
	groups, err := m.store.CountGroups(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to collect performance stats")
		return cpuMs
	}
	messages, err := m.store.CountMessages(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to collect performance stats")
		return cpuMs
	}

	m.log.Info().
		Int64("users", users).
		Int64("groups", groups).
		Int64("messages", messages).
		Int("sessions", m.registry.Len()).
		Int64("cpu_total_ms", cpuMs).
		Int64("cpu_delta_ms", cpuMs-lastCPUMs).
		Msg("performance stats")

	return cpuMs
}
