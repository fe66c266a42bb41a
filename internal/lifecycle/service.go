// Package lifecycle owns auction state transitions: listing, activation,
// ending, cancellation and withdrawal of a winning bid. The Redis mirror
// decides every transition that races with bidding; MySQL follows through
// STATUS_CHANGE commands. Transitions that cannot race with bids (pending
// auctions, listing edits) are written to MySQL directly under an
// optimistic version check.
package lifecycle

import (
	"context"
	"strings"
	"time"

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

// MinDuration is the shortest allowed listing.
const MinDuration = time.Hour

// DefaultIncrement applies when a listing names no increment (1.00).
const DefaultIncrement = 100

// AuctionRepository is the MySQL surface the service needs.
type AuctionRepository interface {
	Create(ctx context.Context, a *model.Auction) error
	GetByID(ctx context.Context, id uint64) (model.Auction, error)
	Activate(ctx context.Context, id uint64, version int64) error
	CancelPending(ctx context.Context, id uint64, version int64) error
	Update(ctx context.Context, a model.Auction) error
	ListDueForActivation(ctx context.Context, now time.Time, limit int) ([]model.Auction, error)
	ListDueForEnd(ctx context.Context, now time.Time, limit int) ([]model.Auction, error)
}

// BidRepository is the bid lookup surface the service needs.
type BidRepository interface {
	GetByID(ctx context.Context, id uint64) (model.Bid, error)
	WinningBid(ctx context.Context, auctionID uint64) (model.Bid, bool, error)
}

// CommandPublisher queues write-behind commands.
type CommandPublisher interface {
	Publish(ctx context.Context, env queue.Envelope) error
}

// Notifier sends end-of-auction emails. It must not block for long and
// never fails the caller.
type Notifier interface {
	AuctionEnded(ctx context.Context, a model.Auction, status model.AuctionStatus, winnerID uint64, finalPrice int64)
}

// RebuildGate reports whether the mirror is being rebuilt. Transitions
// that write the mirror are refused while it reports true.
type RebuildGate interface {
	Rebuilding() bool
}

// Backlog reports commands queued or in flight that MySQL has not applied.
type Backlog interface {
	Pending(ctx context.Context) (int, error)
}

// Deps groups the service's collaborators. Events and Notifier are
// optional. Without a Backlog an auction missing from the mirror is never
// re-seeded from MySQL.
type Deps struct {
	Auctions AuctionRepository
	Bids     BidRepository
	Store    *fastpath.Store
	Commands CommandPublisher
	Events   realtime.Publisher
	Notifier Notifier
	Gate     RebuildGate
	Backlog  Backlog
	Clock    clock.Clock
	Log      logrus.FieldLogger
}

// Service runs lifecycle transitions.
type Service struct {
	auctions AuctionRepository
	bids     BidRepository
	store    *fastpath.Store
	commands CommandPublisher
	events   realtime.Publisher
	notifier Notifier
	gate     RebuildGate
	backlog  Backlog
	clock    clock.Clock
	log      logrus.FieldLogger
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.NewRealClock()
	}
	return &Service{
		auctions: d.Auctions,
		bids:     d.Bids,
		store:    d.Store,
		commands: d.Commands,
		events:   d.Events,
		notifier: d.Notifier,
		gate:     d.Gate,
		backlog:  d.Backlog,
		clock:    d.Clock,
		log:      d.Log,
	}
}

// load reads an auction from MySQL, translating absence and driver
// failures into the shared taxonomy.
func (s *Service) load(ctx context.Context, id uint64) (model.Auction, error) {
	a, err := s.auctions.GetByID(ctx, id)
	if errors.Is(err, repository.ErrAuctionNotFound) {
		return model.Auction{}, apperr.NotFound("auction", id)
	}
	if err != nil {
		return model.Auction{}, apperr.Infrastructure(err, "lifecycle: load auction")
	}
	return a, nil
}

// errRebuilding is returned for mirror transitions attempted mid-rebuild.
var errRebuilding = errors.New("fast path is being rebuilt")

func (s *Service) checkGate(op string) error {
	if s.gate != nil && s.gate.Rebuilding() {
		return apperr.Infrastructure(errRebuilding, op)
	}
	return nil
}

// ensureMirrored seeds an auction missing from the mirror from MySQL.
// Terminal auctions are not seeded; their durable status is returned.
// MySQL is only authoritative once every queued command has been applied,
// so the seed is refused while the backlog is non-empty or unknown.
func (s *Service) ensureMirrored(ctx context.Context, id uint64) (model.Auction, error) {
	if s.backlog == nil {
		return model.Auction{}, apperr.Infrastructure(errors.New("auction not mirrored"), "lifecycle: seed auction")
	}
	n, err := s.backlog.Pending(ctx)
	if err != nil {
		return model.Auction{}, apperr.Infrastructure(err, "lifecycle: read command backlog")
	}
	if n > 0 {
		return model.Auction{}, apperr.Infrastructure(
			errors.Newf("%d commands not yet applied", n), "lifecycle: seed auction")
	}
	a, err := s.load(ctx, id)
	if err != nil {
		return model.Auction{}, err
	}
	if a.Status.IsTerminal() {
		return a, nil
	}
	var winner uint64
	if a.TotalBids > 0 {
		b, ok, err := s.bids.WinningBid(ctx, id)
		if err != nil {
			return model.Auction{}, apperr.Infrastructure(err, "lifecycle: load winning bid")
		}
		if ok {
			winner = b.BidderID
			a.CurrentPrice = b.Amount
		}
	}
	if err := s.store.SeedAuction(ctx, a, winner); err != nil {
		return model.Auction{}, err
	}
	s.log.WithField("auction_id", id).Warn("auction re-seeded into fast path from MySQL")
	return a, nil
}

func (s *Service) publish(ctx context.Context, cmd queue.StatusCommand) {
	env := queue.NewStatusEnvelope(cmd, s.clock.Now())
	if err := s.commands.Publish(ctx, env); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"auction_id": cmd.AuctionID,
			"command_id": env.ID,
			"kind":       cmd.Kind,
		}).Error("STATUS_CHANGE command not queued")
	}
}

func (s *Service) emit(ctx context.Context, ev realtime.Event) {
	if s.events != nil {
		s.events.Publish(ctx, ev)
	}
}

// CreateInput describes a new listing. Amounts are cents.
type CreateInput struct {
	SellerID      uint64
	Title         string
	Category      string
	StartingPrice int64
	Increment     int64
	StartTime     time.Time
	EndTime       time.Time
}

func validateListing(title string, startingPrice, increment int64, start, end, now time.Time) error {
	if strings.TrimSpace(title) == "" {
		return apperr.Validation(apperr.RuleInvalidInput, "title is required")
	}
	if startingPrice <= 0 {
		return apperr.Validation(apperr.RuleInvalidInput, "starting price must be positive")
	}
	if increment <= 0 {
		return apperr.Validation(apperr.RuleInvalidInput, "bid increment must be positive")
	}
	if !end.After(now) {
		return apperr.Validation(apperr.RuleInvalidInput, "end time must be in the future")
	}
	if end.Sub(start) < MinDuration {
		return apperr.Validation(apperr.RuleInvalidInput, "auction must run for at least %s", MinDuration)
	}
	return nil
}

// Create lists a new pending auction. A zero start time means now; the
// scheduler activates it on its next tick.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.Auction, error) {
	now := s.clock.Now()
	if in.SellerID == 0 {
		return model.Auction{}, apperr.Validation(apperr.RuleInvalidInput, "seller is required")
	}
	if in.Increment == 0 {
		in.Increment = DefaultIncrement
	}
	if in.StartTime.IsZero() {
		in.StartTime = now
	}
	if err := validateListing(in.Title, in.StartingPrice, in.Increment, in.StartTime, in.EndTime, now); err != nil {
		return model.Auction{}, err
	}
	a := model.Auction{
		SellerID:      in.SellerID,
		Title:         strings.TrimSpace(in.Title),
		Category:      strings.TrimSpace(in.Category),
		StartingPrice: in.StartingPrice,
		Increment:     in.Increment,
		StartTime:     in.StartTime.UTC(),
		EndTime:       in.EndTime.UTC(),
	}
	if err := s.auctions.Create(ctx, &a); err != nil {
		return model.Auction{}, apperr.Infrastructure(err, "lifecycle: create auction")
	}
	if err := s.store.SeedAuction(ctx, a, 0); err != nil {
		// The next activation or rebuild seeds it.
		s.log.WithError(err).WithField("auction_id", a.ID).Warn("pending auction not mirrored")
	}
	s.log.WithFields(logrus.Fields{"auction_id": a.ID, "seller_id": a.SellerID}).Info("auction listed")
	return a, nil
}

// UpdateInput carries the editable listing fields. Nil fields keep their
// current value.
type UpdateInput struct {
	Title         *string
	Category      *string
	StartingPrice *int64
	Increment     *int64
	StartTime     *time.Time
	EndTime       *time.Time
}

// Update edits a listing that has no bids yet. Only the seller may edit,
// and version must match the caller's copy.
func (s *Service) Update(ctx context.Context, id, actorID uint64, version int64, in UpdateInput) (model.Auction, error) {
	if err := s.checkGate("lifecycle: update auction"); err != nil {
		return model.Auction{}, err
	}
	a, err := s.load(ctx, id)
	if err != nil {
		return model.Auction{}, err
	}
	if a.SellerID != actorID {
		return model.Auction{}, apperr.Validation(apperr.RuleForbidden, "only the seller can edit this auction")
	}
	if a.Status.IsTerminal() {
		return model.Auction{}, apperr.Validation(apperr.RuleAlreadyClosed, "auction is %s", a.Status)
	}
	if a.TotalBids > 0 {
		return model.Auction{}, apperr.Validation(apperr.RuleHasBids, "auction already has bids")
	}
	if a.Version != version {
		return model.Auction{}, apperr.Validation(apperr.RuleVersionConflict, "auction changed since version %d", version)
	}
	old := a
	if in.Title != nil {
		a.Title = strings.TrimSpace(*in.Title)
	}
	if in.Category != nil {
		a.Category = strings.TrimSpace(*in.Category)
	}
	if in.StartingPrice != nil {
		a.StartingPrice = *in.StartingPrice
	}
	if in.Increment != nil {
		a.Increment = *in.Increment
	}
	if in.StartTime != nil {
		if a.Status != model.AuctionPending {
			return model.Auction{}, apperr.Validation(apperr.RuleInvalidTransition, "start time of a live auction cannot change")
		}
		a.StartTime = in.StartTime.UTC()
	}
	if in.EndTime != nil {
		a.EndTime = in.EndTime.UTC()
	}
	if err := validateListing(a.Title, a.StartingPrice, a.Increment, a.StartTime, a.EndTime, s.clock.Now()); err != nil {
		return model.Auction{}, err
	}

	// The mirror is updated first: its has-bids check is atomic with the
	// write, so a first bid cannot slip in under the old price.
	out, err := s.store.UpdateListing(ctx, a)
	if err != nil {
		return model.Auction{}, err
	}
	switch out {
	case fastpath.Committed, fastpath.Missing:
	case fastpath.HasBids:
		return model.Auction{}, apperr.Validation(apperr.RuleHasBids, "auction already has bids")
	case fastpath.Closed:
		return model.Auction{}, apperr.Validation(apperr.RuleAlreadyClosed, "auction is closed")
	default:
		return model.Auction{}, errors.Newf("lifecycle: unexpected listing outcome %d", out)
	}

	if err := s.auctions.Update(ctx, a); err != nil {
		if out == fastpath.Committed {
			if _, rerr := s.store.UpdateListing(ctx, old); rerr != nil {
				s.log.WithError(rerr).WithField("auction_id", id).Error("listing rollback in fast path failed")
			}
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			return model.Auction{}, apperr.Validation(apperr.RuleVersionConflict, "auction changed since version %d", version)
		}
		return model.Auction{}, apperr.Infrastructure(err, "lifecycle: update auction")
	}
	a.Version++
	a.CurrentPrice = a.StartingPrice
	s.emit(ctx, realtime.AuctionUpdateEvent(s.clock.Now(), realtime.AuctionUpdate{AuctionID: a.ID, Status: a.Status}))
	return a, nil
}

// Activate moves a pending auction to active and opens it for bids.
func (s *Service) Activate(ctx context.Context, id uint64) (model.Auction, error) {
	if err := s.checkGate("lifecycle: activate auction"); err != nil {
		return model.Auction{}, err
	}
	a, err := s.load(ctx, id)
	if err != nil {
		return model.Auction{}, err
	}
	if a.Status != model.AuctionPending {
		return model.Auction{}, apperr.Validation(apperr.RuleInvalidTransition, "auction is %s, not pending", a.Status)
	}
	if err := s.auctions.Activate(ctx, id, a.Version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return model.Auction{}, apperr.Validation(apperr.RuleVersionConflict, "auction changed while activating")
		}
		return model.Auction{}, apperr.Infrastructure(err, "lifecycle: activate auction")
	}
	a.Status = model.AuctionActive
	a.Version++

	out, err := s.store.Activate(ctx, id)
	if err == nil && out == fastpath.Missing {
		err = s.store.SeedAuction(ctx, a, 0)
	}
	if err != nil {
		// MySQL says active; bids on it fail as infrastructure errors
		// until a rebuild seeds it.
		s.log.WithError(err).WithField("auction_id", id).Error("activated auction not mirrored")
		return a, err
	}
	metrics.Transition(string(model.AuctionActive))
	s.emit(ctx, realtime.AuctionUpdateEvent(s.clock.Now(), realtime.AuctionUpdate{AuctionID: id, Status: model.AuctionActive}))
	s.log.WithField("auction_id", id).Info("auction activated")
	return a, nil
}

// EndResult reports how an auction ended. AlreadyEnded is set when the
// call was a no-op.
type EndResult struct {
	Status       model.AuctionStatus `json:"status"`
	WinnerID     uint64              `json:"winner_id,omitempty"`
	FinalPrice   int64               `json:"final_price,omitempty"`
	AlreadyEnded bool                `json:"already_ended"`
}

// End closes an active auction as sold or expired. Ending an already
// terminal auction is a no-op.
func (s *Service) End(ctx context.Context, id uint64) (EndResult, error) {
	if err := s.checkGate("lifecycle: end auction"); err != nil {
		return EndResult{}, err
	}
	res, err := s.store.EndAuction(ctx, id)
	if err != nil {
		return EndResult{}, err
	}
	if res.Outcome == fastpath.Missing {
		a, err := s.ensureMirrored(ctx, id)
		if err != nil {
			return EndResult{}, err
		}
		if a.Status.IsTerminal() {
			return EndResult{Status: a.Status, AlreadyEnded: true}, nil
		}
		if res, err = s.store.EndAuction(ctx, id); err != nil {
			return EndResult{}, err
		}
	}

	switch res.Outcome {
	case fastpath.Committed:
	case fastpath.AlreadyTerminal:
		return EndResult{Status: res.Status, AlreadyEnded: true}, nil
	case fastpath.NotActive:
		return EndResult{}, apperr.Validation(apperr.RuleInvalidTransition, "auction is %s", res.Status)
	default:
		return EndResult{}, errors.Newf("lifecycle: unexpected end outcome %d", res.Outcome)
	}

	s.publish(ctx, queue.StatusCommand{
		AuctionID:  id,
		Kind:       queue.StatusEnd,
		NewStatus:  res.Status,
		WinnerID:   res.WinnerID,
		FinalPrice: res.FinalPrice,
		HasBids:    res.TotalBids > 0,
	})
	metrics.Transition(string(res.Status))
	update := realtime.AuctionUpdate{AuctionID: id, Status: res.Status, WinnerID: res.WinnerID}
	if res.Status == model.AuctionSold {
		update.FinalPrice = model.FormatAmount(res.FinalPrice)
	}
	s.emit(ctx, realtime.AuctionUpdateEvent(s.clock.Now(), update))
	if s.notifier != nil {
		if a, err := s.auctions.GetByID(ctx, id); err == nil {
			s.notifier.AuctionEnded(ctx, a, res.Status, res.WinnerID, res.FinalPrice)
		} else {
			s.log.WithError(err).WithField("auction_id", id).Warn("end notification skipped")
		}
	}
	s.log.WithFields(logrus.Fields{
		"auction_id": id, "status": res.Status, "winner_id": res.WinnerID, "final_price": res.FinalPrice,
	}).Info("auction ended")
	return EndResult{Status: res.Status, WinnerID: res.WinnerID, FinalPrice: res.FinalPrice}, nil
}

// CancelResult reports the refund made by a cancellation, if any.
type CancelResult struct {
	RefundedUserID uint64 `json:"refunded_user_id,omitempty"`
	RefundedAmount int64  `json:"refunded_amount,omitempty"`
}

// Cancel closes a pending or active auction. The seller may cancel only
// while there are no bids; an admin may cancel at any time, in which case
// the current winner is refunded.
func (s *Service) Cancel(ctx context.Context, id, actorID uint64, isAdmin bool) (CancelResult, error) {
	if err := s.checkGate("lifecycle: cancel auction"); err != nil {
		return CancelResult{}, err
	}
	a, err := s.load(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}
	if a.Status.IsTerminal() {
		return CancelResult{}, apperr.Validation(apperr.RuleAlreadyClosed, "auction is already %s", a.Status)
	}
	if !isAdmin && a.SellerID != actorID {
		return CancelResult{}, apperr.Validation(apperr.RuleForbidden, "only the seller or an admin can cancel")
	}
	if a.Status == model.AuctionPending {
		return s.cancelPending(ctx, a, actorID, isAdmin)
	}

	res, err := s.store.CancelAuction(ctx, id, actorID, isAdmin)
	if err != nil {
		return CancelResult{}, err
	}
	if res.Outcome == fastpath.Missing {
		if _, err := s.ensureMirrored(ctx, id); err != nil {
			return CancelResult{}, err
		}
		if res, err = s.store.CancelAuction(ctx, id, actorID, isAdmin); err != nil {
			return CancelResult{}, err
		}
	}
	switch res.Outcome {
	case fastpath.Committed:
	case fastpath.Closed:
		return CancelResult{}, apperr.Validation(apperr.RuleAlreadyClosed, "auction is already %s", res.Status)
	case fastpath.NotOwner:
		return CancelResult{}, apperr.Validation(apperr.RuleForbidden, "only the seller or an admin can cancel")
	case fastpath.HasBids:
		return CancelResult{}, apperr.Validation(apperr.RuleHasBids, "auction has bids; only an admin can cancel it")
	default:
		return CancelResult{}, errors.Newf("lifecycle: unexpected cancel outcome %d", res.Outcome)
	}

	s.publish(ctx, queue.StatusCommand{
		AuctionID:      id,
		Kind:           queue.StatusCancel,
		NewStatus:      model.AuctionCancelled,
		HasBids:        res.HadBids,
		RefundedUserID: res.RefundedUserID,
		RefundedAmount: res.RefundedAmount,
	})
	metrics.Transition(string(model.AuctionCancelled))
	now := s.clock.Now()
	s.emit(ctx, realtime.AuctionUpdateEvent(now, realtime.AuctionUpdate{AuctionID: id, Status: model.AuctionCancelled}))
	if res.RefundedUserID != 0 {
		s.emit(ctx, realtime.BalanceEvent(now, realtime.BalanceUpdate{
			UserID:    res.RefundedUserID,
			AuctionID: id,
			Balance:   model.FormatAmount(res.NewBalance),
			Reason:    "auction_cancelled_refund",
		}))
	}
	s.log.WithFields(logrus.Fields{
		"auction_id": id, "actor_id": actorID, "admin": isAdmin,
		"refunded_user_id": res.RefundedUserID, "refunded_amount": res.RefundedAmount,
	}).Info("auction cancelled")
	return CancelResult{RefundedUserID: res.RefundedUserID, RefundedAmount: res.RefundedAmount}, nil
}

// cancelPending cancels an auction that never opened. No money is held,
// so MySQL is written directly under the version read by Cancel.
func (s *Service) cancelPending(ctx context.Context, a model.Auction, actorID uint64, isAdmin bool) (CancelResult, error) {
	if err := s.auctions.CancelPending(ctx, a.ID, a.Version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return CancelResult{}, apperr.Validation(apperr.RuleVersionConflict, "auction changed while cancelling; retry")
		}
		return CancelResult{}, apperr.Infrastructure(err, "lifecycle: cancel pending auction")
	}
	if res, err := s.store.CancelAuction(ctx, a.ID, actorID, isAdmin); err != nil {
		s.log.WithError(err).WithField("auction_id", a.ID).Warn("cancelled pending auction still mirrored")
	} else if res.Outcome != fastpath.Committed && res.Outcome != fastpath.Missing {
		s.log.WithField("auction_id", a.ID).WithField("outcome", res.Outcome).Warn("mirror disagreed on pending cancel")
	}
	metrics.Transition(string(model.AuctionCancelled))
	s.emit(ctx, realtime.AuctionUpdateEvent(s.clock.Now(), realtime.AuctionUpdate{AuctionID: a.ID, Status: model.AuctionCancelled}))
	s.log.WithFields(logrus.Fields{"auction_id": a.ID, "actor_id": actorID}).Info("pending auction cancelled")
	return CancelResult{}, nil
}

// CancelWinningBid withdraws the current winning bid of an active
// auction: the bidder is refunded and the auction returns to its no-bid
// state.
func (s *Service) CancelWinningBid(ctx context.Context, bidID uint64) (CancelResult, error) {
	if err := s.checkGate("lifecycle: cancel winning bid"); err != nil {
		return CancelResult{}, err
	}
	b, err := s.bids.GetByID(ctx, bidID)
	if errors.Is(err, repository.ErrBidNotFound) {
		return CancelResult{}, apperr.NotFound("bid", bidID)
	}
	if err != nil {
		return CancelResult{}, apperr.Infrastructure(err, "lifecycle: load bid")
	}
	if b.Status != model.BidWinning {
		return CancelResult{}, apperr.Validation(apperr.RuleInvalidTransition, "bid is %s, not winning", b.Status)
	}

	res, err := s.store.ResetAuction(ctx, b.AuctionID, b.BidderID, b.Amount)
	if err != nil {
		return CancelResult{}, err
	}
	if res.Outcome == fastpath.Missing {
		if _, err := s.ensureMirrored(ctx, b.AuctionID); err != nil {
			return CancelResult{}, err
		}
		if res, err = s.store.ResetAuction(ctx, b.AuctionID, b.BidderID, b.Amount); err != nil {
			return CancelResult{}, err
		}
	}
	switch res.Outcome {
	case fastpath.Committed:
	case fastpath.PriceRaced:
		return CancelResult{}, apperr.Race("bid %d is no longer the winning bid", bidID)
	case fastpath.NotActive, fastpath.Missing:
		return CancelResult{}, apperr.Validation(apperr.RuleNotActive, "auction is not active")
	default:
		return CancelResult{}, errors.Newf("lifecycle: unexpected reset outcome %d", res.Outcome)
	}

	s.publish(ctx, queue.StatusCommand{
		AuctionID:      b.AuctionID,
		Kind:           queue.StatusReset,
		NewStatus:      model.AuctionActive,
		BidID:          b.ID,
		RefundedUserID: b.BidderID,
		RefundedAmount: res.RefundedAmount,
	})
	now := s.clock.Now()
	if snap, err := s.store.Snapshot(ctx, b.AuctionID); err == nil {
		s.emit(ctx, realtime.AuctionResetEvent(now, realtime.AuctionReset{
			AuctionID:     b.AuctionID,
			StartingPrice: model.FormatAmount(snap.Meta.StartingPrice),
		}))
	}
	s.emit(ctx, realtime.BalanceEvent(now, realtime.BalanceUpdate{
		UserID:    b.BidderID,
		AuctionID: b.AuctionID,
		Balance:   model.FormatAmount(res.NewBalance),
		Reason:    "bid_cancelled_refund",
	}))
	s.log.WithFields(logrus.Fields{
		"auction_id": b.AuctionID, "bid_id": b.ID, "bidder_id": b.BidderID, "amount": res.RefundedAmount,
	}).Info("winning bid withdrawn")
	return CancelResult{RefundedUserID: b.BidderID, RefundedAmount: res.RefundedAmount}, nil
}

// View is an auction as clients see it: the MySQL record with the live
// mirror state laid over it while the auction is open. The mirror may be
// ahead of MySQL; that lag is expected.
type View struct {
	model.Auction
	MinimumBid int64 `json:"minimum_bid"`
	Live       bool  `json:"live"`
}

// Get returns the overlaid view of an auction.
func (s *Service) Get(ctx context.Context, id uint64) (View, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	v := View{Auction: a, MinimumBid: model.MinimumBid(a.StartingPrice, a.CurrentPrice, a.Increment, a.TotalBids > 0)}
	if a.Status.IsTerminal() {
		return v, nil
	}
	snap, err := s.store.Snapshot(ctx, id)
	if err != nil {
		// Serve the durable copy while the fast path is down.
		s.log.WithError(err).WithField("auction_id", id).Debug("overlay skipped")
		return v, nil
	}
	if !snap.Found {
		return v, nil
	}
	v.Live = true
	v.Status = snap.Meta.Status
	v.TotalBids = snap.Meta.TotalBids
	v.StartingPrice = snap.Meta.StartingPrice
	v.Increment = snap.Meta.Increment
	v.EndTime = snap.Meta.EndTime
	if snap.HasBids() {
		v.CurrentPrice = snap.CurrentPrice
		w := snap.WinnerID
		v.WinnerID = &w
	} else {
		v.CurrentPrice = snap.Meta.StartingPrice
		v.WinnerID = nil
	}
	v.MinimumBid = snap.MinimumBid()
	return v, nil
}
