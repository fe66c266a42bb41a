// Package recovery rebuilds the Redis mirror from MySQL after an outage.
// The rebuild waits for the write-behind backlog to drain first; seeding
// from a MySQL snapshot that is still missing accepted bids would bring
// back stale prices and winners.
package recovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/metrics"
	"github.com/iliyamo/auction-bidding/internal/model"
)

// ErrInProgress is returned when a rebuild is requested while one runs.
var ErrInProgress = errors.New("recovery: rebuild already in progress")

// ErrDrainTimeout is returned when the backlog does not drain in time.
var ErrDrainTimeout = errors.New("recovery: write-behind backlog did not drain")

// Backlog reports commands not yet applied to MySQL.
type Backlog interface {
	Pending(ctx context.Context) (int, error)
	DeadLettered(ctx context.Context) (int, error)
}

// Source reads the durable state the mirror is seeded from.
type Source interface {
	ListNonTerminal(ctx context.Context) ([]model.Auction, error)
	LiveWinners(ctx context.Context) (map[uint64]uint64, error)
	Balances(ctx context.Context) (map[uint64]int64, error)
}

// Mirror is the fast-path surface the rebuild writes.
type Mirror interface {
	Clear(ctx context.Context) error
	SeedBalances(ctx context.Context, balances map[uint64]int64) error
	SeedAuction(ctx context.Context, a model.Auction, winnerID uint64) error
}

// Options tune the rebuild. Zero values fall back to small defaults.
type Options struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	DrainPoll    time.Duration
	DrainTimeout time.Duration
}

// Coordinator runs rebuilds. It doubles as the bid engine's rebuild gate:
// bids are refused while Rebuilding reports true.
type Coordinator struct {
	backlog Backlog
	source  Source
	mirror  Mirror
	opts    Options
	log     logrus.FieldLogger

	rebuilding atomic.Bool
}

func NewCoordinator(backlog Backlog, source Source, mirror Mirror, opts Options, log logrus.FieldLogger) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.DrainPoll <= 0 {
		opts.DrainPoll = time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Minute
	}
	return &Coordinator{backlog: backlog, source: source, mirror: mirror, opts: opts, log: log}
}

// Rebuilding reports whether a rebuild is running.
func (c *Coordinator) Rebuilding() bool { return c.rebuilding.Load() }

// Rebuild drains, clears and reseeds the mirror, retrying the whole
// procedure up to MaxAttempts times. When every attempt fails it raises a
// manual-intervention alert and returns the last error.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	if !c.rebuilding.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	defer c.rebuilding.Store(false)

	start := time.Now()
	var err error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		metrics.RecoveryAttempts.Inc()
		log := c.log.WithField("attempt", attempt)
		log.Info("fast path rebuild started")

		var seeded int
		if seeded, err = c.rebuildOnce(ctx); err == nil {
			log.WithFields(logrus.Fields{
				"auctions": seeded,
				"elapsed":  time.Since(start).Round(time.Millisecond),
			}).Info("fast path rebuilt")
			return nil
		}
		log.WithError(err).Warn("fast path rebuild attempt failed")
		if ctx.Err() != nil || attempt == c.opts.MaxAttempts {
			break
		}
		if !sleep(ctx, c.opts.RetryDelay) {
			break
		}
	}
	metrics.RecoveryFailures.Inc()
	c.log.WithError(err).WithFields(logrus.Fields{
		"alert":    "manual_intervention",
		"attempts": c.opts.MaxAttempts,
	}).Error("fast path rebuild gave up; bids stay unavailable until an operator rebuilds")
	return errors.Wrap(err, "recovery")
}

func (c *Coordinator) rebuildOnce(ctx context.Context) (int, error) {
	if err := c.waitDrained(ctx); err != nil {
		return 0, err
	}
	if n, err := c.backlog.DeadLettered(ctx); err != nil {
		c.log.WithError(err).Warn("dead-letter depth unknown")
	} else if n > 0 {
		c.log.WithField("dead_lettered", n).Warn("rebuilding with dead-lettered commands; MySQL may lag the old mirror")
	}

	// Read everything before clearing so a MySQL failure leaves the
	// current mirror in place.
	auctions, err := c.source.ListNonTerminal(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list non-terminal auctions")
	}
	winners, err := c.source.LiveWinners(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load winners")
	}
	balances, err := c.source.Balances(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load balances")
	}

	if err := c.mirror.Clear(ctx); err != nil {
		return 0, err
	}
	if err := c.mirror.SeedBalances(ctx, balances); err != nil {
		return 0, err
	}
	for _, a := range auctions {
		if err := c.mirror.SeedAuction(ctx, a, winners[a.ID]); err != nil {
			return 0, errors.Wrapf(err, "seed auction %d", a.ID)
		}
	}
	return len(auctions), nil
}

// waitDrained polls the backlog with a doubling interval until it is
// empty or DrainTimeout elapses.
func (c *Coordinator) waitDrained(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()

	poll := c.opts.DrainPoll
	maxPoll := 8 * c.opts.DrainPoll
	for {
		n, err := c.backlog.Pending(ctx)
		if err != nil {
			return errors.Wrap(err, "inspect backlog")
		}
		if n == 0 {
			return nil
		}
		c.log.WithField("pending", n).Info("waiting for write-behind backlog to drain")
		if !sleep(ctx, poll) {
			return errors.Wrapf(ErrDrainTimeout, "%d commands still pending", n)
		}
		if poll *= 2; poll > maxPoll {
			poll = maxPoll
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
