// Package fastpath is the low-latency mirror of auction and wallet state
// kept in Redis. It is advisory: MySQL is authoritative and the mirror can
// always be rebuilt from it. Every read-modify-write goes through a Lua
// script so concurrent bidders are totally ordered per auction.
//
// The scripts touch the balance keys of more than one user, so the mirror
// assumes a single Redis node (or a cluster slot layout that co-locates
// auction and user keys).
package fastpath

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/auction-bidding/internal/apperr"
	"github.com/iliyamo/auction-bidding/internal/model"
)

// Outcome classifies a script reply that did not commit.
type Outcome int

const (
	Committed Outcome = iota
	AlreadyTerminal
	PriceRaced
	NotActive
	Ended
	AlreadyWinning
	InsufficientFunds
	Missing
	Closed
	NotOwner
	HasBids
)

func outcomeOf(code int64) Outcome {
	switch code {
	case codeOK:
		return Committed
	case codeNoop:
		return AlreadyTerminal
	case codeRaced:
		return PriceRaced
	case codeNotActive:
		return NotActive
	case codeEnded:
		return Ended
	case codeAlreadyWinning:
		return AlreadyWinning
	case codeInsufficient:
		return InsufficientFunds
	case codeClosed:
		return Closed
	case codeNotOwner:
		return NotOwner
	case codeHasBids:
		return HasBids
	}
	return Missing
}

// Meta is the auction meta hash.
type Meta struct {
	Status        model.AuctionStatus
	SellerID      uint64
	StartingPrice int64
	Increment     int64
	EndTime       time.Time
	TotalBids     int64
}

// Snapshot is a point-in-time read of one auction's mirror. Reads are
// pipelined, not atomic; use it for pre-checks and overlays only.
type Snapshot struct {
	AuctionID    uint64
	Found        bool
	Meta         Meta
	CurrentPrice int64
	HasPrice     bool
	WinnerID     uint64
}

// HasBids reports whether a winning bid is cached.
func (s Snapshot) HasBids() bool { return s.HasPrice && s.WinnerID != 0 }

// MinimumBid is the lowest acceptable next bid for the snapshot.
func (s Snapshot) MinimumBid() int64 {
	return model.MinimumBid(s.Meta.StartingPrice, s.CurrentPrice, s.Meta.Increment, s.HasBids())
}

// BidResult is the reply of CommitBid.
type BidResult struct {
	Outcome               Outcome
	NewBalance            int64
	PreviousWinnerID      uint64
	PreviousAmount        int64
	PreviousWinnerBalance int64
	TotalBids             int64
	// Set when Outcome is PriceRaced or InsufficientFunds.
	ObservedPrice   int64
	ObservedBalance int64
	ObservedStatus  model.AuctionStatus
}

// EndResult is the reply of EndAuction.
type EndResult struct {
	Outcome    Outcome
	Status     model.AuctionStatus
	WinnerID   uint64
	FinalPrice int64
	TotalBids  int64
}

// CancelResult is the reply of CancelAuction.
type CancelResult struct {
	Outcome        Outcome
	Status         model.AuctionStatus
	RefundedUserID uint64
	RefundedAmount int64
	NewBalance     int64
	HadBids        bool
}

// ResetResult is the reply of ResetAuction.
type ResetResult struct {
	Outcome        Outcome
	RefundedAmount int64
	NewBalance     int64
}

// Store wraps the Redis client that holds the mirror.
type Store struct {
	rdb         *redis.Client
	terminalTTL time.Duration
}

// New returns a Store. terminalTTL bounds how long ended and cancelled
// auctions stay in the mirror.
func New(rdb *redis.Client, terminalTTL time.Duration) *Store {
	if terminalTTL <= 0 {
		terminalTTL = time.Hour
	}
	return &Store{rdb: rdb, terminalTTL: terminalTTL}
}

// Client exposes the underlying Redis client for collaborators that share
// the connection (real-time channel, rate limiter).
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) ttlSeconds() int64 {
	secs := int64(s.terminalTTL / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Snapshot reads the meta hash, current price and winner of an auction.
func (s *Store) Snapshot(ctx context.Context, auctionID uint64) (Snapshot, error) {
	snap, _, err := s.read(ctx, auctionID, 0)
	return snap, err
}

// BidView reads the auction snapshot together with the bidder's cached
// balance in one round trip.
func (s *Store) BidView(ctx context.Context, auctionID, bidderID uint64) (Snapshot, int64, error) {
	return s.read(ctx, auctionID, bidderID)
}

func (s *Store) read(ctx context.Context, auctionID, userID uint64) (Snapshot, int64, error) {
	pipe := s.rdb.Pipeline()
	metaCmd := pipe.HGetAll(ctx, metaKey(auctionID))
	priceCmd := pipe.Get(ctx, priceKey(auctionID))
	winnerCmd := pipe.Get(ctx, winnerKey(auctionID))
	var balCmd *redis.StringCmd
	if userID != 0 {
		balCmd = pipe.Get(ctx, balanceKey(userID))
	}
	cmds, execErr := pipe.Exec(ctx)
	for _, c := range cmds {
		if err := c.Err(); err != nil && !errors.Is(err, redis.Nil) {
			return Snapshot{}, 0, apperr.Infrastructure(err, "fastpath: read auction")
		}
	}
	if execErr != nil && !errors.Is(execErr, redis.Nil) {
		return Snapshot{}, 0, apperr.Infrastructure(execErr, "fastpath: read auction")
	}

	snap := Snapshot{AuctionID: auctionID}
	fields := metaCmd.Val()
	if len(fields) == 0 {
		return snap, 0, nil
	}
	snap.Found = true
	snap.Meta = parseMeta(fields)
	if v, err := priceCmd.Result(); err == nil {
		snap.CurrentPrice, _ = strconv.ParseInt(v, 10, 64)
		snap.HasPrice = true
	}
	if v, err := winnerCmd.Result(); err == nil {
		snap.WinnerID = parseID(v)
	}
	var balance int64
	if balCmd != nil {
		if v, err := balCmd.Result(); err == nil {
			balance, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return snap, balance, nil
}

func parseMeta(f map[string]string) Meta {
	m := Meta{
		Status:   model.AuctionStatus(f[fieldStatus]),
		SellerID: parseID(f[fieldSellerID]),
	}
	m.StartingPrice, _ = strconv.ParseInt(f[fieldStartingPrice], 10, 64)
	m.Increment, _ = strconv.ParseInt(f[fieldIncrement], 10, 64)
	m.TotalBids, _ = strconv.ParseInt(f[fieldTotalBids], 10, 64)
	if ms, err := strconv.ParseInt(f[fieldEndTime], 10, 64); err == nil {
		m.EndTime = time.UnixMilli(ms).UTC()
	}
	return m
}

// Balance returns the cached balance of a user; ok is false when absent.
func (s *Store) Balance(ctx context.Context, userID uint64) (int64, bool, error) {
	v, err := s.rdb.Get(ctx, balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Infrastructure(err, "fastpath: read balance")
	}
	return v, true, nil
}

// CommitBid runs the atomic bid routine. Every rule is re-checked against
// the state inside the unit; PriceRaced means the fresh minimum moved above
// amount and nothing was written.
func (s *Store) CommitBid(ctx context.Context, auctionID, bidderID uint64, amount int64, now time.Time) (BidResult, error) {
	keys := []string{metaKey(auctionID), priceKey(auctionID), winnerKey(auctionID), balanceKey(bidderID)}
	args := []interface{}{amount, formatID(bidderID), now.UnixMilli()}
	vals, err := commitBidScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return BidResult{}, apperr.Infrastructure(err, "fastpath: commit bid")
	}
	res := BidResult{Outcome: outcomeOf(asInt64(vals[0]))}
	switch res.Outcome {
	case Committed:
		res.NewBalance = asInt64(vals[1])
		res.PreviousWinnerID = parseID(asString(vals[2]))
		res.PreviousAmount = asInt64(vals[3])
		res.PreviousWinnerBalance = asInt64(vals[4])
		res.TotalBids = asInt64(vals[5])
	case PriceRaced:
		if len(vals) > 1 {
			res.ObservedPrice = asInt64(vals[1])
		}
	case InsufficientFunds:
		res.ObservedBalance = asInt64(vals[1])
	case NotActive:
		res.ObservedStatus = model.AuctionStatus(asString(vals[1]))
	}
	return res, nil
}

// EndAuction atomically moves an active auction to sold or expired.
func (s *Store) EndAuction(ctx context.Context, auctionID uint64) (EndResult, error) {
	keys := []string{metaKey(auctionID), priceKey(auctionID), winnerKey(auctionID)}
	vals, err := endAuctionScript.Run(ctx, s.rdb, keys, s.ttlSeconds()).Slice()
	if err != nil {
		return EndResult{}, apperr.Infrastructure(err, "fastpath: end auction")
	}
	res := EndResult{Outcome: outcomeOf(asInt64(vals[0]))}
	if len(vals) > 1 {
		res.Status = model.AuctionStatus(asString(vals[1]))
	}
	if res.Outcome == Committed {
		res.WinnerID = parseID(asString(vals[2]))
		res.FinalPrice = asInt64(vals[3])
		res.TotalBids = asInt64(vals[4])
	}
	return res, nil
}

// CancelAuction atomically authorises and applies a cancellation.
func (s *Store) CancelAuction(ctx context.Context, auctionID, actorID uint64, isAdmin bool) (CancelResult, error) {
	admin := "0"
	if isAdmin {
		admin = "1"
	}
	keys := []string{metaKey(auctionID), priceKey(auctionID), winnerKey(auctionID)}
	vals, err := cancelAuctionScript.Run(ctx, s.rdb, keys, admin, formatID(actorID), s.ttlSeconds()).Slice()
	if err != nil {
		return CancelResult{}, apperr.Infrastructure(err, "fastpath: cancel auction")
	}
	res := CancelResult{Outcome: outcomeOf(asInt64(vals[0]))}
	switch res.Outcome {
	case Committed:
		res.Status = model.AuctionCancelled
		res.RefundedUserID = parseID(asString(vals[1]))
		res.RefundedAmount = asInt64(vals[2])
		res.NewBalance = asInt64(vals[3])
		res.HadBids = asInt64(vals[4]) == 1
	case Closed:
		res.Status = model.AuctionStatus(asString(vals[1]))
	}
	return res, nil
}

// ResetAuction refunds the cached winner and clears the auction's bids,
// provided expectedWinner still holds the lead at expectedAmount.
func (s *Store) ResetAuction(ctx context.Context, auctionID, expectedWinner uint64, expectedAmount int64) (ResetResult, error) {
	keys := []string{metaKey(auctionID), priceKey(auctionID), winnerKey(auctionID)}
	vals, err := resetAuctionScript.Run(ctx, s.rdb, keys, formatID(expectedWinner), strconv.FormatInt(expectedAmount, 10)).Slice()
	if err != nil {
		return ResetResult{}, apperr.Infrastructure(err, "fastpath: reset auction")
	}
	res := ResetResult{Outcome: outcomeOf(asInt64(vals[0]))}
	if res.Outcome == Committed {
		res.RefundedAmount = asInt64(vals[1])
		res.NewBalance = asInt64(vals[2])
	}
	return res, nil
}

// UpdateListing rewrites the pricing and end time of a mirrored auction
// that has no bids yet. HasBids when a bid got there first.
func (s *Store) UpdateListing(ctx context.Context, a model.Auction) (Outcome, error) {
	keys := []string{metaKey(a.ID), winnerKey(a.ID)}
	vals, err := updateListingScript.Run(ctx, s.rdb, keys, a.StartingPrice, a.Increment, a.EndTime.UnixMilli()).Slice()
	if err != nil {
		return Missing, apperr.Infrastructure(err, "fastpath: update listing")
	}
	return outcomeOf(asInt64(vals[0])), nil
}

// Activate flips a mirrored pending auction to active. AlreadyTerminal
// here means it was already active.
func (s *Store) Activate(ctx context.Context, auctionID uint64) (Outcome, error) {
	vals, err := activateScript.Run(ctx, s.rdb, []string{metaKey(auctionID)}).Slice()
	if err != nil {
		return Missing, apperr.Infrastructure(err, "fastpath: activate")
	}
	return outcomeOf(asInt64(vals[0])), nil
}

// SeedAuction replaces the mirror of one auction. The current price key is
// written only when the auction has bids, so a seeded auction with no bids
// accepts a first bid at exactly its starting price.
func (s *Store) SeedAuction(ctx context.Context, a model.Auction, winnerID uint64) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, metaKey(a.ID), priceKey(a.ID), winnerKey(a.ID))
		pipe.HSet(ctx, metaKey(a.ID), map[string]interface{}{
			fieldStatus:        string(a.Status),
			fieldSellerID:      formatID(a.SellerID),
			fieldStartingPrice: a.StartingPrice,
			fieldIncrement:     a.Increment,
			fieldEndTime:       a.EndTime.UnixMilli(),
			fieldTotalBids:     a.TotalBids,
		})
		if a.TotalBids > 0 && winnerID != 0 {
			pipe.Set(ctx, priceKey(a.ID), a.CurrentPrice, 0)
			pipe.Set(ctx, winnerKey(a.ID), formatID(winnerID), 0)
		}
		return nil
	})
	return apperr.Infrastructure(err, "fastpath: seed auction")
}

// SeedBalances writes cached balances in one transaction.
func (s *Store) SeedBalances(ctx context.Context, balances map[uint64]int64) error {
	if len(balances) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, bal := range balances {
			pipe.Set(ctx, balanceKey(id), bal, 0)
		}
		return nil
	})
	return apperr.Infrastructure(err, "fastpath: seed balances")
}

// Clear deletes every mirror key. Other data sharing the database (rate
// limiter buckets, response cache) is left alone.
func (s *Store) Clear(ctx context.Context) error {
	for _, prefix := range []string{auctionPrefix, userPrefix} {
		iter := s.rdb.Scan(ctx, 0, prefix+"*", 500).Iterator()
		batch := make([]string, 0, 500)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
					return apperr.Infrastructure(err, "fastpath: clear")
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return apperr.Infrastructure(err, "fastpath: clear")
		}
		if len(batch) > 0 {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return apperr.Infrastructure(err, "fastpath: clear")
			}
		}
	}
	return nil
}

// Dump returns every mirror key with a canonical rendering of its value.
// Hashes are rendered as sorted field=value lists. It is meant for
// verification after a rebuild, not for the hot path.
func (s *Store) Dump(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for _, prefix := range []string{auctionPrefix, userPrefix} {
		iter := s.rdb.Scan(ctx, 0, prefix+"*", 500).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			typ, err := s.rdb.Type(ctx, key).Result()
			if err != nil {
				return nil, apperr.Infrastructure(err, "fastpath: dump")
			}
			switch typ {
			case "hash":
				fields, err := s.rdb.HGetAll(ctx, key).Result()
				if err != nil {
					return nil, apperr.Infrastructure(err, "fastpath: dump")
				}
				names := make([]string, 0, len(fields))
				for f := range fields {
					names = append(names, f)
				}
				sort.Strings(names)
				rendered := ""
				for i, f := range names {
					if i > 0 {
						rendered += ","
					}
					rendered += f + "=" + fields[f]
				}
				out[key] = rendered
			case "string":
				v, err := s.rdb.Get(ctx, key).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return nil, apperr.Infrastructure(err, "fastpath: dump")
				}
				out[key] = v
			}
		}
		if err := iter.Err(); err != nil {
			return nil, apperr.Infrastructure(err, "fastpath: dump")
		}
	}
	return out, nil
}
