package recovery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/metrics"
)

// Pinger probes the fast-path store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Rebuilder is satisfied by Coordinator.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Monitor probes Redis on a fixed interval and triggers a rebuild each
// time it comes back after being unreachable.
type Monitor struct {
	pinger  Pinger
	rebuild Rebuilder
	every   time.Duration
	settle  time.Duration
	log     logrus.FieldLogger

	healthy bool
}

func NewMonitor(p Pinger, r Rebuilder, every, settle time.Duration, log logrus.FieldLogger) *Monitor {
	if every <= 0 {
		every = time.Second
	}
	return &Monitor{pinger: p, rebuild: r, every: every, settle: settle, log: log, healthy: true}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Probe runs one health check. On a down-to-up transition it waits for
// the settle delay and rebuilds synchronously. It reports whether a
// rebuild ran.
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.every)
	err := m.pinger.Ping(pctx)
	cancel()

	up := err == nil
	metrics.SetFastPathHealthy(up)
	switch {
	case !up && m.healthy:
		m.healthy = false
		m.log.WithError(err).Error("fast path unreachable; bids will fail until it recovers")
		return false
	case up && !m.healthy:
		m.healthy = true
		m.log.Warn("fast path reachable again; rebuilding mirror")
		if !sleep(ctx, m.settle) {
			return false
		}
		if err := m.rebuild.Rebuild(ctx); err != nil {
			m.log.WithError(err).Error("automatic rebuild failed")
		}
		return true
	}
	return false
}
