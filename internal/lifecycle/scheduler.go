package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/clock"
	"github.com/iliyamo/auction-bidding/internal/metrics"
)

// Scheduler drives time-triggered transitions: it activates pending
// auctions whose start time has passed and ends active auctions whose end
// time has passed. Each tick handles at most BatchSize auctions of each
// kind; leftovers are picked up on the next tick.
type Scheduler struct {
	svc       *Service
	auctions  AuctionRepository
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	log       logrus.FieldLogger
}

func NewScheduler(svc *Service, auctions AuctionRepository, clk clock.Clock, interval time.Duration, batchSize int, log logrus.FieldLogger) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{svc: svc, auctions: auctions, clock: clk, interval: interval, batchSize: batchSize, log: log}
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.WithFields(logrus.Fields{"interval": s.interval, "batch_size": s.batchSize}).Info("scheduler started")
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-t.C:
		}
	}
}

// TickReport counts what one tick did.
type TickReport struct {
	Activated int
	Ended     int
	Failed    int
}

// Tick runs one pass. A failure on one auction is logged and does not
// stop the others.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	metrics.SchedulerTicks.Inc()
	var rep TickReport
	now := s.clock.Now()

	due, err := s.auctions.ListDueForActivation(ctx, now, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("scheduler: list auctions due for activation")
	}
	for _, a := range due {
		if ctx.Err() != nil {
			return rep
		}
		if _, err := s.svc.Activate(ctx, a.ID); err != nil {
			rep.Failed++
			s.log.WithError(err).WithField("auction_id", a.ID).Warn("scheduler: activation failed")
			continue
		}
		rep.Activated++
	}

	ending, err := s.auctions.ListDueForEnd(ctx, now, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("scheduler: list auctions due for end")
	}
	for _, a := range ending {
		if ctx.Err() != nil {
			return rep
		}
		res, err := s.svc.End(ctx, a.ID)
		if err != nil {
			rep.Failed++
			s.log.WithError(err).WithField("auction_id", a.ID).Warn("scheduler: end failed")
			continue
		}
		if !res.AlreadyEnded {
			rep.Ended++
		}
	}
	if rep.Activated+rep.Ended+rep.Failed > 0 {
		s.log.WithFields(logrus.Fields{
			"activated": rep.Activated, "ended": rep.Ended, "failed": rep.Failed,
		}).Info("scheduler tick")
	}
	return rep
}
