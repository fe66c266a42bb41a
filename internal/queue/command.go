// Package queue carries write-behind commands from the fast path to the
// reconciliation workers over RabbitMQ. Delivery is at-least-once; every
// command has a unique id so handlers can apply it exactly once.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/iliyamo/auction-bidding/internal/model"
)

// Type discriminates the envelope payload.
type Type string

const (
	TypeBid          Type = "BID"
	TypeStatusChange Type = "STATUS_CHANGE"
)

// StatusKind discriminates STATUS_CHANGE commands.
type StatusKind string

const (
	StatusEnd    StatusKind = "END"
	StatusCancel StatusKind = "CANCEL"
	// StatusReset withdraws the winning bid of an active auction.
	StatusReset StatusKind = "RESET"
)

// BidCommand replays one accepted fast-path bid into MySQL.
type BidCommand struct {
	AuctionID        uint64    `json:"auction_id"`
	BidderID         uint64    `json:"bidder_id"`
	Amount           int64     `json:"amount"`
	PreviousWinnerID uint64    `json:"previous_winner_id,omitempty"`
	PreviousAmount   int64     `json:"previous_amount,omitempty"`
	PlacedAt         time.Time `json:"placed_at"`
}

// StatusCommand replays a lifecycle transition into MySQL. BidID,
// RefundedUserID and RefundedAmount describe the withdrawn bid of a RESET
// and the fast-path refund of a CANCEL.
type StatusCommand struct {
	AuctionID      uint64              `json:"auction_id"`
	Kind           StatusKind          `json:"kind"`
	NewStatus      model.AuctionStatus `json:"new_status"`
	WinnerID       uint64              `json:"winner_id,omitempty"`
	FinalPrice     int64               `json:"final_price,omitempty"`
	HasBids        bool                `json:"has_bids"`
	BidID          uint64              `json:"bid_id,omitempty"`
	RefundedUserID uint64              `json:"refunded_user_id,omitempty"`
	RefundedAmount int64               `json:"refunded_amount,omitempty"`
}

// Envelope is the wire form of every command. Exactly one of Bid and
// Status is set, matching Type.
type Envelope struct {
	ID       string         `json:"command_id"`
	Type     Type           `json:"type"`
	IssuedAt time.Time      `json:"issued_at"`
	Bid      *BidCommand    `json:"bid,omitempty"`
	Status   *StatusCommand `json:"status,omitempty"`
}

// NewBidEnvelope wraps cmd with a fresh command id.
func NewBidEnvelope(cmd BidCommand, now time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), Type: TypeBid, IssuedAt: now, Bid: &cmd}
}

// NewStatusEnvelope wraps cmd with a fresh command id.
func NewStatusEnvelope(cmd StatusCommand, now time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), Type: TypeStatusChange, IssuedAt: now, Status: &cmd}
}

// AuctionID returns the auction the command belongs to; it decides the
// partition queue.
func (e Envelope) AuctionID() uint64 {
	switch {
	case e.Bid != nil:
		return e.Bid.AuctionID
	case e.Status != nil:
		return e.Status.AuctionID
	}
	return 0
}

// Validate checks the envelope shape after decoding.
func (e Envelope) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return errors.Newf("invalid command_id %q", e.ID)
	}
	switch e.Type {
	case TypeBid:
		if e.Bid == nil || e.Bid.AuctionID == 0 || e.Bid.BidderID == 0 || e.Bid.Amount <= 0 {
			return errors.Newf("malformed BID command %s", e.ID)
		}
	case TypeStatusChange:
		if e.Status == nil || e.Status.AuctionID == 0 {
			return errors.Newf("malformed STATUS_CHANGE command %s", e.ID)
		}
		switch e.Status.Kind {
		case StatusEnd, StatusCancel:
		case StatusReset:
			if e.Status.BidID == 0 {
				return errors.Newf("RESET command %s without bid_id", e.ID)
			}
		default:
			return errors.Newf("unknown status kind %q", e.Status.Kind)
		}
	default:
		return errors.Newf("unknown command type %q", e.Type)
	}
	return nil
}

// Encode marshals the envelope.
func Encode(e Envelope) ([]byte, error) { return json.Marshal(e) }

// Decode unmarshals and validates an envelope.
func Decode(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Queue names.
const (
	commandQueuePrefix = "auction.commands."
	deadLetterSuffix   = ".dlq"
	// NotificationQueue carries winner and seller email jobs.
	NotificationQueue = "winner-notification-queue"
)

// PartitionQueue returns the command queue for partition n.
func PartitionQueue(n int) string { return fmt.Sprintf("%s%d", commandQueuePrefix, n) }

// QueueFor pins every command of one auction to the same partition so a
// single consumer applies them in publish order.
func QueueFor(auctionID uint64, partitions int) string {
	if partitions < 1 {
		partitions = 1
	}
	return PartitionQueue(int(auctionID % uint64(partitions)))
}

// DeadLetterQueue returns the quarantine queue paired with queue.
func DeadLetterQueue(queue string) string { return queue + deadLetterSuffix }

// CommandQueues lists every partition queue.
func CommandQueues(partitions int) []string {
	if partitions < 1 {
		partitions = 1
	}
	out := make([]string, 0, partitions)
	for i := 0; i < partitions; i++ {
		out = append(out, PartitionQueue(i))
	}
	return out
}
