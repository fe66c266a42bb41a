// Package realtime broadcasts price, status and balance changes. Events go
// through Redis pub/sub so every server instance sees them, and each
// instance fans them out to its own SSE subscribers. Delivery is best
// effort.
package realtime

import (
	"fmt"
	"time"

	"github.com/iliyamo/auction-bidding/internal/model"
)

// EventType names an event on the wire.
type EventType string

const (
	EventNewBid        EventType = "new_bid"
	EventBalanceUpdate EventType = "balance_update"
	EventAuctionUpdate EventType = "auction_update"
	EventAuctionReset  EventType = "auction_reset"
)

// Event is one broadcast message. Channel selects the audience and is not
// part of the payload.
type Event struct {
	Channel string    `json:"-"`
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Data    any       `json:"data"`
}

// AuctionChannel is the channel watched by everyone following an auction.
func AuctionChannel(auctionID uint64) string { return fmt.Sprintf("auction:%d", auctionID) }

// UserChannel is the private channel of one user.
func UserChannel(userID uint64) string { return fmt.Sprintf("user:%d", userID) }

type NewBid struct {
	AuctionID   uint64 `json:"auction_id"`
	BidderID    uint64 `json:"bidder_id"`
	Amount      string `json:"amount"`
	TotalBids   int64  `json:"total_bids"`
	MinimumNext string `json:"minimum_next"`
}

type BalanceUpdate struct {
	UserID    uint64 `json:"user_id"`
	AuctionID uint64 `json:"auction_id,omitempty"`
	Balance   string `json:"balance"`
	Reason    string `json:"reason"`
}

type AuctionUpdate struct {
	AuctionID  uint64              `json:"auction_id"`
	Status     model.AuctionStatus `json:"status"`
	WinnerID   uint64              `json:"winner_id,omitempty"`
	FinalPrice string              `json:"final_price,omitempty"`
}

type AuctionReset struct {
	AuctionID     uint64 `json:"auction_id"`
	StartingPrice string `json:"starting_price"`
}

// NewBidEvent announces an accepted bid to the auction's followers.
func NewBidEvent(at time.Time, d NewBid) Event {
	return Event{Channel: AuctionChannel(d.AuctionID), Type: EventNewBid, At: at, Data: d}
}

// BalanceEvent tells one user their balance changed.
func BalanceEvent(at time.Time, d BalanceUpdate) Event {
	return Event{Channel: UserChannel(d.UserID), Type: EventBalanceUpdate, At: at, Data: d}
}

// AuctionUpdateEvent announces a lifecycle transition.
func AuctionUpdateEvent(at time.Time, d AuctionUpdate) Event {
	return Event{Channel: AuctionChannel(d.AuctionID), Type: EventAuctionUpdate, At: at, Data: d}
}

// AuctionResetEvent announces that the winning bid was withdrawn.
func AuctionResetEvent(at time.Time, d AuctionReset) Event {
	return Event{Channel: AuctionChannel(d.AuctionID), Type: EventAuctionReset, At: at, Data: d}
}
