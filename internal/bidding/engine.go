// Package bidding is the synchronous bid path. A bid is pre-checked
// against a snapshot of the Redis mirror, then committed by one atomic
// script that re-checks everything; only then is the durable BID command
// queued. MySQL is never touched on the accepting path.
package bidding

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/apperr"
	"github.com/iliyamo/auction-bidding/internal/clock"
	"github.com/iliyamo/auction-bidding/internal/fastpath"
	"github.com/iliyamo/auction-bidding/internal/metrics"
	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/queue"
	"github.com/iliyamo/auction-bidding/internal/realtime"
	"github.com/iliyamo/auction-bidding/internal/repository"
)

// CommandPublisher queues write-behind commands.
type CommandPublisher interface {
	Publish(ctx context.Context, env queue.Envelope) error
}

// RebuildGate reports whether the mirror is being rebuilt. Bids are
// refused meanwhile because the mirror is incomplete.
type RebuildGate interface {
	Rebuilding() bool
}

// AuctionLookup resolves auctions that are missing from the mirror so a
// rejected bid can say whether the auction exists at all. Only consulted
// on the rejection path.
type AuctionLookup interface {
	GetByID(ctx context.Context, id uint64) (model.Auction, error)
}

// Result is what an accepted bid returns to the caller.
type Result struct {
	AuctionID        uint64 `json:"auction_id"`
	NewPrice         int64  `json:"new_price"`
	NewBalance       int64  `json:"new_balance"`
	TotalBids        int64  `json:"total_bids"`
	PreviousWinnerID uint64 `json:"previous_winner_id,omitempty"`
}

// Engine places bids.
type Engine struct {
	store    *fastpath.Store
	commands CommandPublisher
	events   realtime.Publisher
	gate     RebuildGate
	lookup   AuctionLookup
	clock    clock.Clock
	log      logrus.FieldLogger
}

// Deps groups the engine's collaborators. Events, Gate and Lookup are
// optional.
type Deps struct {
	Store    *fastpath.Store
	Commands CommandPublisher
	Events   realtime.Publisher
	Gate     RebuildGate
	Lookup   AuctionLookup
	Clock    clock.Clock
	Log      logrus.FieldLogger
}

func NewEngine(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.NewRealClock()
	}
	return &Engine{
		store:    d.Store,
		commands: d.Commands,
		events:   d.Events,
		gate:     d.Gate,
		lookup:   d.Lookup,
		clock:    d.Clock,
		log:      d.Log,
	}
}

// PlaceBid validates and commits one bid. On success the caller's bid is
// the auction's winning bid and its amount is already debited; the
// durable copy follows asynchronously.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID uint64, amount int64) (Result, error) {
	log := e.log.WithFields(logrus.Fields{"auction_id": auctionID, "bidder_id": bidderID, "amount": amount})

	res, err := e.placeBid(ctx, auctionID, bidderID, amount)
	switch {
	case err == nil:
		metrics.BidsAccepted.Inc()
		log.WithField("total_bids", res.TotalBids).Info("bid accepted")
	case errors.Is(err, apperr.ErrRaceCondition):
		metrics.BidsRaced.Inc()
		log.WithError(err).Debug("bid lost price race")
	case errors.Is(err, apperr.ErrValidation):
		rule := string(apperr.RuleInvalidInput)
		if ve, ok := apperr.AsValidation(err); ok {
			rule = string(ve.Rule)
		}
		metrics.BidRejected(rule)
		log.WithError(err).WithField("rule", rule).Debug("bid rejected")
	case errors.Is(err, apperr.ErrNotFound):
		metrics.BidRejected("not_found")
		log.WithError(err).Debug("bid rejected")
	default:
		log.WithError(err).Error("bid failed")
	}
	return res, err
}

func (e *Engine) placeBid(ctx context.Context, auctionID, bidderID uint64, amount int64) (Result, error) {
	if auctionID == 0 || bidderID == 0 {
		return Result{}, apperr.Validation(apperr.RuleInvalidInput, "auction and bidder are required")
	}
	if amount <= 0 {
		return Result{}, apperr.Validation(apperr.RuleInvalidInput, "bid amount must be positive")
	}
	if e.gate != nil && e.gate.Rebuilding() {
		return Result{}, apperr.Infrastructure(errors.New("fast path rebuild in progress"), "bidding")
	}

	snap, balance, err := e.store.BidView(ctx, auctionID, bidderID)
	if err != nil {
		return Result{}, err
	}
	now := e.clock.Now()
	if err := e.precheck(ctx, snap, balance, bidderID, amount, now.UnixMilli()); err != nil {
		return Result{}, err
	}

	out, err := e.store.CommitBid(ctx, auctionID, bidderID, amount, now)
	if err != nil {
		return Result{}, err
	}
	if err := e.rejection(ctx, auctionID, out, amount); err != nil {
		return Result{}, err
	}

	e.afterCommit(ctx, auctionID, bidderID, amount, snap, out)
	return Result{
		AuctionID:        auctionID,
		NewPrice:         amount,
		NewBalance:       out.NewBalance,
		TotalBids:        out.TotalBids,
		PreviousWinnerID: out.PreviousWinnerID,
	}, nil
}

// precheck rejects bids that cannot succeed against the snapshot, each
// with its specific rule.
func (e *Engine) precheck(ctx context.Context, snap fastpath.Snapshot, balance int64, bidderID uint64, amount int64, nowMs int64) error {
	if !snap.Found {
		return e.missing(ctx, snap.AuctionID)
	}
	if snap.Meta.Status != model.AuctionActive {
		return apperr.Validation(apperr.RuleNotActive, "auction is %s", snap.Meta.Status)
	}
	if nowMs > snap.Meta.EndTime.UnixMilli() {
		return apperr.Validation(apperr.RuleEnded, "auction has ended")
	}
	if snap.Meta.SellerID == bidderID {
		return apperr.Validation(apperr.RuleSelfBid, "sellers cannot bid on their own auction")
	}
	if snap.HasBids() && snap.WinnerID == bidderID {
		return apperr.Validation(apperr.RuleAlreadyWinning, "you already hold the winning bid")
	}
	if min := snap.MinimumBid(); amount < min {
		current := int64(0)
		if snap.HasBids() {
			current = snap.CurrentPrice
		}
		return apperr.BelowMinimum(current, min, model.FormatAmount)
	}
	if balance <= amount {
		return apperr.Validation(apperr.RuleInsufficientFunds, "insufficient balance: available %s", model.FormatAmount(balance))
	}
	return nil
}

// rejection maps a non-committed script outcome to the caller's error.
func (e *Engine) rejection(ctx context.Context, auctionID uint64, out fastpath.BidResult, amount int64) error {
	switch out.Outcome {
	case fastpath.Committed:
		return nil
	case fastpath.PriceRaced:
		return apperr.Race("price changed to %s while your bid of %s was processed; refresh and retry",
			model.FormatAmount(out.ObservedPrice), model.FormatAmount(amount))
	case fastpath.NotActive:
		return apperr.Validation(apperr.RuleNotActive, "auction is %s", out.ObservedStatus)
	case fastpath.Ended:
		return apperr.Validation(apperr.RuleEnded, "auction has ended")
	case fastpath.AlreadyWinning:
		return apperr.Validation(apperr.RuleAlreadyWinning, "you already hold the winning bid")
	case fastpath.InsufficientFunds:
		return apperr.Validation(apperr.RuleInsufficientFunds, "insufficient balance: available %s", model.FormatAmount(out.ObservedBalance))
	case fastpath.Missing:
		return e.missing(ctx, auctionID)
	}
	return errors.Newf("bidding: unexpected commit outcome %d", out.Outcome)
}

// missing explains an auction absent from the mirror: it is either
// unknown, or not live (pending, or closed and evicted).
func (e *Engine) missing(ctx context.Context, auctionID uint64) error {
	if e.lookup == nil {
		return apperr.NotFound("auction", auctionID)
	}
	a, err := e.lookup.GetByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, repository.ErrAuctionNotFound) {
			return apperr.NotFound("auction", auctionID)
		}
		return apperr.Infrastructure(err, "bidding: lookup auction")
	}
	if a.Status == model.AuctionActive {
		// Active in MySQL but absent from the mirror: the mirror lost it.
		return apperr.Infrastructure(errors.Newf("auction %d missing from fast path", auctionID), "bidding")
	}
	return apperr.Validation(apperr.RuleNotActive, "auction is %s", a.Status)
}

// afterCommit queues the durable command and broadcasts the change. None
// of it can undo the accepted bid, so failures are only logged.
func (e *Engine) afterCommit(ctx context.Context, auctionID, bidderID uint64, amount int64, snap fastpath.Snapshot, out fastpath.BidResult) {
	now := e.clock.Now()
	env := queue.NewBidEnvelope(queue.BidCommand{
		AuctionID:        auctionID,
		BidderID:         bidderID,
		Amount:           amount,
		PreviousWinnerID: out.PreviousWinnerID,
		PreviousAmount:   out.PreviousAmount,
		PlacedAt:         now,
	}, now)
	if err := e.commands.Publish(ctx, env); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"auction_id": auctionID,
			"command_id": env.ID,
		}).Error("BID command not queued; durable store will miss this bid until rebuilt")
	}

	if e.events == nil {
		return
	}
	e.events.Publish(ctx, realtime.NewBidEvent(now, realtime.NewBid{
		AuctionID:   auctionID,
		BidderID:    bidderID,
		Amount:      model.FormatAmount(amount),
		TotalBids:   out.TotalBids,
		MinimumNext: model.FormatAmount(amount + snap.Meta.Increment),
	}))
	e.events.Publish(ctx, realtime.BalanceEvent(now, realtime.BalanceUpdate{
		UserID:    bidderID,
		AuctionID: auctionID,
		Balance:   model.FormatAmount(out.NewBalance),
		Reason:    "bid_placed",
	}))
	if out.PreviousWinnerID != 0 {
		e.events.Publish(ctx, realtime.BalanceEvent(now, realtime.BalanceUpdate{
			UserID:    out.PreviousWinnerID,
			AuctionID: auctionID,
			Balance:   model.FormatAmount(out.PreviousWinnerBalance),
			Reason:    "outbid_refund",
		}))
	}
}
