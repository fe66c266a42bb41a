package model

import "time"

// AuctionStatus is the lifecycle state of an auction. Sold, expired and
// cancelled are terminal: no transition leaves them.
type AuctionStatus string

const (
	AuctionPending   AuctionStatus = "pending"
	AuctionActive    AuctionStatus = "active"
	AuctionSold      AuctionStatus = "sold"
	AuctionExpired   AuctionStatus = "expired"
	AuctionCancelled AuctionStatus = "cancelled"
)

// IsTerminal reports whether s is sold, expired or cancelled.
func (s AuctionStatus) IsTerminal() bool {
	return s == AuctionSold || s == AuctionExpired || s == AuctionCancelled
}

// Valid reports whether s is one of the known statuses.
func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionPending, AuctionActive, AuctionSold, AuctionExpired, AuctionCancelled:
		return true
	}
	return false
}

// Auction is the authoritative auction record as stored in the
// `auctions` table. Amounts are integer cents. Rows are never deleted;
// they only move to a terminal status.
//
// Fields:
//  ID            – primary key identifier.
//  SellerID      – user who listed the item.
//  Title         – listing title (opaque to the core).
//  Category      – listing category (opaque to the core).
//  StartingPrice – minimum amount of the first bid.
//  Increment     – minimum raise over the current price once bids exist.
//  StartTime     – when the scheduler activates a pending auction.
//  EndTime       – when the scheduler ends an active auction.
//  Status        – lifecycle state.
//  CurrentPrice  – amount of the winning bid, or the starting price when no bids exist.
//  WinnerID      – winning bidder, stamped when the auction is sold.
//  TotalBids     – number of accepted bids.
//  Version       – optimistic concurrency counter, +1 per durable mutation.
type Auction struct {
	ID            uint64        // auctions.id
	SellerID      uint64        // auctions.seller_id
	Title         string        // auctions.title
	Category      string        // auctions.category
	StartingPrice int64         // auctions.starting_price
	Increment     int64         // auctions.bid_increment
	StartTime     time.Time     // auctions.start_time
	EndTime       time.Time     // auctions.end_time
	Status        AuctionStatus // auctions.status
	CurrentPrice  int64         // auctions.current_price
	WinnerID      *uint64       // auctions.winner_id (nullable)
	TotalBids     int64         // auctions.total_bids
	Version       int64         // auctions.version
	CreatedAt     time.Time     // auctions.created_at
	UpdatedAt     time.Time     // auctions.updated_at
}

// MinimumBid returns the lowest acceptable next bid: the starting price
// when there are no bids yet, else the current price plus the increment.
func MinimumBid(startingPrice, currentPrice, increment int64, hasBids bool) int64 {
	if !hasBids {
		return startingPrice
	}
	return currentPrice + increment
}
