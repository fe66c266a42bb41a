// Package notify queues winner and seller emails when an auction ends.
// Delivery is someone else's job: this package only publishes email jobs
// and never fails the caller.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/clock"
	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/queue"
)

// Job kinds.
const (
	KindWinner       = "auction_won"
	KindSellerSold   = "auction_sold"
	KindSellerUnsold = "auction_expired"
)

// Job is one email to send.
type Job struct {
	Kind       string    `json:"kind"`
	To         string    `json:"to"`
	UserID     uint64    `json:"user_id"`
	AuctionID  uint64    `json:"auction_id"`
	Title      string    `json:"title"`
	FinalPrice string    `json:"final_price,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
}

// UserLookup resolves recipients.
type UserLookup interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

// Mailer publishes email jobs to the notification queue.
type Mailer struct {
	sender queue.Sender
	users  UserLookup
	clock  clock.Clock
	log    logrus.FieldLogger
}

func NewMailer(sender queue.Sender, users UserLookup, clk clock.Clock, log logrus.FieldLogger) *Mailer {
	return &Mailer{sender: sender, users: users, clock: clk, log: log}
}

// AuctionEnded emails the winner and the seller of a sold auction, or
// the seller alone of an expired one.
func (m *Mailer) AuctionEnded(ctx context.Context, a model.Auction, status model.AuctionStatus, winnerID uint64, finalPrice int64) {
	now := m.clock.Now()
	price := model.FormatAmount(finalPrice)
	switch status {
	case model.AuctionSold:
		m.send(ctx, Job{Kind: KindWinner, UserID: winnerID, AuctionID: a.ID, Title: a.Title, FinalPrice: price, QueuedAt: now})
		m.send(ctx, Job{Kind: KindSellerSold, UserID: a.SellerID, AuctionID: a.ID, Title: a.Title, FinalPrice: price, QueuedAt: now})
	case model.AuctionExpired:
		m.send(ctx, Job{Kind: KindSellerUnsold, UserID: a.SellerID, AuctionID: a.ID, Title: a.Title, QueuedAt: now})
	}
}

func (m *Mailer) send(ctx context.Context, job Job) {
	log := m.log.WithFields(logrus.Fields{"auction_id": job.AuctionID, "user_id": job.UserID, "kind": job.Kind})
	if job.UserID == 0 {
		return
	}
	u, err := m.users.GetByID(ctx, job.UserID)
	if err != nil {
		log.WithError(err).Warn("notify: recipient lookup failed")
		return
	}
	job.To = u.Email
	body, err := json.Marshal(job)
	if err != nil {
		log.WithError(err).Warn("notify: marshal job")
		return
	}
	if err := m.sender.Publish(ctx, queue.NotificationQueue, body, nil); err != nil {
		log.WithError(err).Warn("notify: email job not queued")
		return
	}
	log.Debug("notify: email job queued")
}
