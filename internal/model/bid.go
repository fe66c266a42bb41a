package model

import "time"

// BidStatus is the state of a single bid row.
type BidStatus string

const (
	BidWinning   BidStatus = "winning"
	BidOutbid    BidStatus = "outbid"
	BidWon       BidStatus = "won"
	BidRefunded  BidStatus = "refunded"
	BidCancelled BidStatus = "cancelled"
	BidExpired   BidStatus = "expired"
)

// Bid records one accepted offer as stored in the `bids` table. At most
// one bid per auction holds BidWinning at any time.
//
// Fields:
//  ID        – primary key identifier.
//  AuctionID – auction the bid was placed on.
//  BidderID  – user who placed the bid.
//  Amount    – offer in cents.
//  Status    – bid state.
//  CommandID – id of the write-behind command that created the row.
//  PlacedAt  – when the bid was accepted on the fast path.
type Bid struct {
	ID        uint64    // bids.id
	AuctionID uint64    // bids.auction_id
	BidderID  uint64    // bids.bidder_id
	Amount    int64     // bids.amount
	Status    BidStatus // bids.status
	CommandID string    // bids.command_id
	PlacedAt  time.Time // bids.placed_at
}
