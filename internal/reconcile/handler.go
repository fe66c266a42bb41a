// Package reconcile applies write-behind commands to MySQL. Each command
// runs in one transaction that first claims its command id, so a
// redelivered command commits nothing the second time.
package reconcile

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/metrics"
	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/queue"
	"github.com/iliyamo/auction-bidding/internal/repository"
)

// Handler implements queue.Handler on top of the repositories.
type Handler struct {
	db       *sql.DB
	auctions *repository.AuctionRepo
	bids     *repository.BidRepo
	users    *repository.UserRepo
	commands *repository.CommandRepo
	log      logrus.FieldLogger
}

func NewHandler(db *sql.DB, log logrus.FieldLogger) *Handler {
	return &Handler{
		db:       db,
		auctions: repository.NewAuctionRepo(db),
		bids:     repository.NewBidRepo(db),
		users:    repository.NewUserRepo(db),
		commands: repository.NewCommandRepo(),
		log:      log,
	}
}

var _ queue.Handler = (*Handler)(nil)

// Handle applies env. A duplicate is acknowledged without effects.
func (h *Handler) Handle(ctx context.Context, env queue.Envelope) error {
	if err := env.Validate(); err != nil {
		return errors.Wrap(err, "reconcile")
	}
	kind := commandKind(env)
	log := h.log.WithFields(logrus.Fields{
		"command_id": env.ID,
		"kind":       kind,
		"auction_id": env.AuctionID(),
	})

	var fresh bool
	err := repository.InTx(ctx, h.db, func(tx *sql.Tx) error {
		var err error
		fresh, err = h.commands.MarkProcessedTx(ctx, tx, env.ID, kind)
		if err != nil {
			return errors.Wrap(err, "claim command")
		}
		if !fresh {
			return nil
		}
		switch env.Type {
		case queue.TypeBid:
			return h.applyBid(ctx, tx, env.ID, *env.Bid)
		case queue.TypeStatusChange:
			return h.applyStatus(ctx, tx, *env.Status, log)
		default:
			return errors.Newf("unknown command type %q", env.Type)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "reconcile %s %s", kind, env.ID)
	}
	if !fresh {
		metrics.CommandsDuplicate.Inc()
		log.Debug("duplicate command skipped")
		return nil
	}
	metrics.CommandApplied(kind)
	log.Debug("command applied")
	return nil
}

func commandKind(env queue.Envelope) string {
	if env.Type == queue.TypeStatusChange && env.Status != nil {
		return string(env.Status.Kind)
	}
	return string(env.Type)
}

// applyBid records an accepted bid: the previous winning bid becomes
// outbid and its bidder is credited, the new bid becomes winning and its
// bidder is debited.
func (h *Handler) applyBid(ctx context.Context, tx *sql.Tx, commandID string, cmd queue.BidCommand) error {
	a, err := h.auctions.LockTx(ctx, tx, cmd.AuctionID)
	if err != nil {
		return errors.Wrapf(err, "lock auction %d", cmd.AuctionID)
	}
	if a.Status.IsTerminal() {
		// Money moves on a closed auction would never be settled; leave the
		// command for the dead-letter queue and an operator.
		return errors.Newf("auction %d is %s in MySQL; bid not applied", a.ID, a.Status)
	}
	if a.Status != model.AuctionActive {
		h.log.WithFields(logrus.Fields{"auction_id": a.ID, "status": a.Status}).
			Warn("bid applied to an auction that is not active in MySQL")
	}
	if err := h.releaseWinning(ctx, tx, cmd.AuctionID, model.BidOutbid); err != nil {
		return err
	}
	b := model.Bid{
		AuctionID: cmd.AuctionID,
		BidderID:  cmd.BidderID,
		Amount:    cmd.Amount,
		Status:    model.BidWinning,
		CommandID: commandID,
		PlacedAt:  cmd.PlacedAt,
	}
	if err := h.bids.InsertTx(ctx, tx, &b); err != nil {
		return errors.Wrap(err, "insert bid")
	}
	if err := h.auctions.ApplyBidTx(ctx, tx, cmd.AuctionID, cmd.Amount); err != nil {
		return errors.Wrap(err, "apply bid to auction")
	}
	return errors.Wrapf(h.users.AdjustBalanceTx(ctx, tx, cmd.BidderID, -cmd.Amount), "debit bidder %d", cmd.BidderID)
}

// releaseWinning moves every winning bid of an auction to status and
// credits its bidder with the held amount.
func (h *Handler) releaseWinning(ctx context.Context, tx *sql.Tx, auctionID uint64, status model.BidStatus) error {
	winning, err := h.bids.WinningTx(ctx, tx, auctionID)
	if err != nil {
		return errors.Wrap(err, "lock winning bids")
	}
	for _, w := range winning {
		if err := h.bids.SetStatusTx(ctx, tx, w.ID, status); err != nil {
			return errors.Wrapf(err, "mark bid %d %s", w.ID, status)
		}
		if err := h.users.AdjustBalanceTx(ctx, tx, w.BidderID, w.Amount); err != nil {
			return errors.Wrapf(err, "credit bidder %d", w.BidderID)
		}
	}
	return nil
}

func (h *Handler) applyStatus(ctx context.Context, tx *sql.Tx, cmd queue.StatusCommand, log logrus.FieldLogger) error {
	a, err := h.auctions.LockTx(ctx, tx, cmd.AuctionID)
	if err != nil {
		return errors.Wrapf(err, "lock auction %d", cmd.AuctionID)
	}
	switch cmd.Kind {
	case queue.StatusEnd:
		if a.Status.IsTerminal() {
			log.WithField("status", a.Status).Info("auction already closed in MySQL; end skipped")
			return nil
		}
		return h.applyEnd(ctx, tx, cmd)
	case queue.StatusCancel:
		if a.Status.IsTerminal() {
			log.WithField("status", a.Status).Info("auction already closed in MySQL; cancel skipped")
			return nil
		}
		if err := h.releaseWinning(ctx, tx, cmd.AuctionID, model.BidRefunded); err != nil {
			return err
		}
		return errors.Wrap(h.auctions.SetStatusTx(ctx, tx, cmd.AuctionID, model.AuctionCancelled, 0, 0), "cancel auction")
	case queue.StatusReset:
		return h.applyReset(ctx, tx, cmd, log)
	default:
		return errors.Newf("unknown status kind %q", cmd.Kind)
	}
}

// applyEnd closes an auction. The sold winner's bid becomes won and keeps
// its held funds; any other winning bid is expired and refunded.
func (h *Handler) applyEnd(ctx context.Context, tx *sql.Tx, cmd queue.StatusCommand) error {
	winning, err := h.bids.WinningTx(ctx, tx, cmd.AuctionID)
	if err != nil {
		return errors.Wrap(err, "lock winning bids")
	}
	wonMarked := false
	for _, w := range winning {
		if cmd.NewStatus == model.AuctionSold && !wonMarked && w.BidderID == cmd.WinnerID && w.Amount == cmd.FinalPrice {
			if err := h.bids.SetStatusTx(ctx, tx, w.ID, model.BidWon); err != nil {
				return errors.Wrapf(err, "mark bid %d won", w.ID)
			}
			wonMarked = true
			continue
		}
		if err := h.bids.SetStatusTx(ctx, tx, w.ID, model.BidExpired); err != nil {
			return errors.Wrapf(err, "mark bid %d expired", w.ID)
		}
		if err := h.users.AdjustBalanceTx(ctx, tx, w.BidderID, w.Amount); err != nil {
			return errors.Wrapf(err, "credit bidder %d", w.BidderID)
		}
	}
	if cmd.NewStatus == model.AuctionSold && !wonMarked {
		// The matching BID command must precede END on the same partition.
		return errors.Newf("no winning bid of user %d at %d", cmd.WinnerID, cmd.FinalPrice)
	}
	return errors.Wrap(
		h.auctions.SetStatusTx(ctx, tx, cmd.AuctionID, cmd.NewStatus, cmd.WinnerID, cmd.FinalPrice),
		"set final status")
}

// applyReset withdraws a winning bid and returns the auction to its
// no-bid state.
func (h *Handler) applyReset(ctx context.Context, tx *sql.Tx, cmd queue.StatusCommand, log logrus.FieldLogger) error {
	b, err := h.bids.LockTx(ctx, tx, cmd.BidID)
	if err != nil {
		return errors.Wrapf(err, "lock bid %d", cmd.BidID)
	}
	if b.AuctionID != cmd.AuctionID {
		return errors.Newf("bid %d belongs to auction %d", b.ID, b.AuctionID)
	}
	if b.Status != model.BidWinning {
		log.WithFields(logrus.Fields{"bid_id": b.ID, "status": b.Status}).Info("bid no longer winning; reset skipped")
		return nil
	}
	if err := h.bids.SetStatusTx(ctx, tx, b.ID, model.BidCancelled); err != nil {
		return errors.Wrapf(err, "mark bid %d cancelled", b.ID)
	}
	if err := h.users.AdjustBalanceTx(ctx, tx, b.BidderID, b.Amount); err != nil {
		return errors.Wrapf(err, "credit bidder %d", b.BidderID)
	}
	return errors.Wrap(h.auctions.ResetTx(ctx, tx, cmd.AuctionID), "reset auction")
}
