package bidding

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auction-bidding/internal/apperr"
	"github.com/iliyamo/auction-bidding/internal/clock"
	"github.com/iliyamo/auction-bidding/internal/fastpath"
	"github.com/iliyamo/auction-bidding/internal/logger"
	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/queue"
	"github.com/iliyamo/auction-bidding/internal/realtime"
	"github.com/iliyamo/auction-bidding/internal/repository"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

const seller = 99

type recordingPublisher struct {
	mu   sync.Mutex
	fail error
	envs []queue.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env queue.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.envs = append(p.envs, env)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recordingEvents) Publish(_ context.Context, ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type gate bool

func (g gate) Rebuilding() bool { return bool(g) }

type lookupFunc func(ctx context.Context, id uint64) (model.Auction, error)

func (f lookupFunc) GetByID(ctx context.Context, id uint64) (model.Auction, error) { return f(ctx, id) }

type fixture struct {
	engine *Engine
	store  *fastpath.Store
	pub    *recordingPublisher
	events *recordingEvents
	clock  *clock.MockClock
}

func newFixture(t *testing.T, balances map[uint64]int64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		store:  fastpath.New(rdb, time.Hour),
		pub:    &recordingPublisher{},
		events: &recordingEvents{},
		clock:  clock.NewMockClock(testNow),
	}
	ctx := context.Background()
	require.NoError(t, f.store.SeedAuction(ctx, model.Auction{
		ID: 1, SellerID: seller, StartingPrice: 100, Increment: 10,
		EndTime: testNow.Add(time.Hour), Status: model.AuctionActive, CurrentPrice: 100,
	}, 0))
	require.NoError(t, f.store.SeedBalances(ctx, balances))
	f.engine = NewEngine(Deps{
		Store:    f.store,
		Commands: f.pub,
		Events:   f.events,
		Clock:    f.clock,
		Log:      logger.Discard(),
	})
	return f
}

func balance(t *testing.T, s *fastpath.Store, uid uint64) int64 {
	t.Helper()
	v, _, err := s.Balance(context.Background(), uid)
	require.NoError(t, err)
	return v
}

func requireRule(t *testing.T, err error, rule apperr.Rule) *apperr.ValidationError {
	t.Helper()
	require.ErrorIs(t, err, apperr.ErrValidation)
	ve, ok := apperr.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, rule, ve.Rule)
	return ve
}

func TestPlaceBid_Scenario(t *testing.T) {
	const a, b = 7, 8
	f := newFixture(t, map[uint64]int64{a: 1000, b: 1000})
	ctx := context.Background()

	res, err := f.engine.PlaceBid(ctx, 1, a, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.NewPrice)
	assert.Equal(t, int64(900), res.NewBalance)

	_, err = f.engine.PlaceBid(ctx, 1, b, 105)
	ve := requireRule(t, err, apperr.RuleBelowMinimum)
	assert.Equal(t, int64(110), ve.MinRequired)
	assert.Equal(t, int64(1000), balance(t, f.store, b))

	res, err = f.engine.PlaceBid(ctx, 1, b, 110)
	require.NoError(t, err)
	assert.Equal(t, uint64(a), res.PreviousWinnerID)
	assert.Equal(t, int64(890), res.NewBalance)
	assert.Equal(t, int64(1000), balance(t, f.store, a))

	snap, err := f.store.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(b), snap.WinnerID)
	assert.Equal(t, int64(110), snap.CurrentPrice)

	// Two accepted bids, two queued commands carrying the in-unit previous winner.
	require.Len(t, f.pub.envs, 2)
	second := f.pub.envs[1]
	assert.Equal(t, queue.TypeBid, second.Type)
	assert.Equal(t, uint64(a), second.Bid.PreviousWinnerID)
	assert.Equal(t, int64(100), second.Bid.PreviousAmount)
	assert.NotEqual(t, f.pub.envs[0].ID, second.ID)

	var refund bool
	for _, ev := range f.events.events {
		if ev.Channel == realtime.UserChannel(a) && ev.Type == realtime.EventBalanceUpdate {
			refund = refund || ev.Data.(realtime.BalanceUpdate).Reason == "outbid_refund"
		}
	}
	assert.True(t, refund, "outbid bidder must be told about the refund")
}

func TestPlaceBid_MinimumIsEnforced(t *testing.T) {
	f := newFixture(t, map[uint64]int64{7: 1000, 8: 1000})
	ctx := context.Background()
	_, err := f.engine.PlaceBid(ctx, 1, 7, 100)
	require.NoError(t, err)

	_, err = f.engine.PlaceBid(ctx, 1, 8, 100+10-1)
	requireRule(t, err, apperr.RuleBelowMinimum)
}

func TestPlaceBid_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		bidder uint64
		amount int64
		setup  func(f *fixture)
		rule   apperr.Rule
	}{
		{name: "non_positive_amount", bidder: 7, amount: 0, rule: apperr.RuleInvalidInput},
		{name: "self_bid", bidder: seller, amount: 100, rule: apperr.RuleSelfBid},
		{name: "insufficient_funds", bidder: 9, amount: 100, rule: apperr.RuleInsufficientFunds},
		{name: "balance_equal_to_amount", bidder: 10, amount: 100, rule: apperr.RuleInsufficientFunds},
		{name: "ended", bidder: 7, amount: 100, setup: func(f *fixture) { f.clock.Add(2 * time.Hour) }, rule: apperr.RuleEnded},
		{name: "already_winning", bidder: 7, amount: 200, setup: func(f *fixture) {
			_, err := f.engine.PlaceBid(context.Background(), 1, 7, 100)
			if err != nil {
				panic(err)
			}
		}, rule: apperr.RuleAlreadyWinning},
		{name: "not_active", bidder: 7, amount: 100, setup: func(f *fixture) {
			if _, err := f.store.EndAuction(context.Background(), 1); err != nil {
				panic(err)
			}
		}, rule: apperr.RuleNotActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[uint64]int64{7: 1000, 9: 50, 10: 100, seller: 1000})
			if tt.setup != nil {
				tt.setup(f)
			}
			before := len(f.pub.envs)
			_, err := f.engine.PlaceBid(context.Background(), 1, tt.bidder, tt.amount)
			requireRule(t, err, tt.rule)
			assert.Len(t, f.pub.envs, before, "rejected bids queue nothing")
		})
	}
}

func TestPlaceBid_MissingAuction(t *testing.T) {
	f := newFixture(t, map[uint64]int64{7: 1000})
	ctx := context.Background()

	_, err := f.engine.PlaceBid(ctx, 42, 7, 100)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.engine.lookup = lookupFunc(func(_ context.Context, id uint64) (model.Auction, error) {
		switch id {
		case 42:
			return model.Auction{ID: 42, Status: model.AuctionPending}, nil
		case 43:
			return model.Auction{ID: 43, Status: model.AuctionActive}, nil
		}
		return model.Auction{}, repository.ErrAuctionNotFound
	})
	_, err = f.engine.PlaceBid(ctx, 42, 7, 100)
	requireRule(t, err, apperr.RuleNotActive)

	_, err = f.engine.PlaceBid(ctx, 43, 7, 100)
	assert.ErrorIs(t, err, apperr.ErrInfrastructure)

	_, err = f.engine.PlaceBid(ctx, 44, 7, 100)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPlaceBid_RefusedDuringRebuild(t *testing.T) {
	f := newFixture(t, map[uint64]int64{7: 1000})
	f.engine.gate = gate(true)
	_, err := f.engine.PlaceBid(context.Background(), 1, 7, 100)
	assert.ErrorIs(t, err, apperr.ErrInfrastructure)
	assert.Equal(t, int64(1000), balance(t, f.store, 7))
}

func TestPlaceBid_AcceptedEvenIfQueueDown(t *testing.T) {
	f := newFixture(t, map[uint64]int64{7: 1000})
	f.pub.fail = errors.New("broker unreachable")
	res, err := f.engine.PlaceBid(context.Background(), 1, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.NewBalance)
}

func TestPlaceBid_InfrastructureErrorCommitsNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	pub := &recordingPublisher{}
	e := NewEngine(Deps{Store: fastpath.New(rdb, time.Hour), Commands: pub, Clock: clock.NewMockClock(testNow), Log: logger.Discard()})
	mr.Close()

	_, err := e.PlaceBid(context.Background(), 1, 7, 100)
	assert.ErrorIs(t, err, apperr.ErrInfrastructure)
	assert.Empty(t, pub.envs)
}

func TestPlaceBid_ConcurrentBidsKeepSingleWinner(t *testing.T) {
	const bidders = 40
	balances := make(map[uint64]int64, bidders)
	for i := uint64(1); i <= bidders; i++ {
		balances[i] = 100_000
	}
	f := newFixture(t, balances)
	ctx := context.Background()

	type accepted struct {
		amount int64
		order  int64
	}
	var (
		mu   sync.Mutex
		wins []accepted
		wg   sync.WaitGroup
	)
	for i := uint64(1); i <= bidders; i++ {
		wg.Add(1)
		go func(bidder uint64) {
			defer wg.Done()
			amount := 100 + int64(bidder)*10
			res, err := f.engine.PlaceBid(ctx, 1, bidder, amount)
			if err != nil {
				if !errors.Is(err, apperr.ErrRaceCondition) && !errors.Is(err, apperr.ErrValidation) {
					t.Errorf("bidder %d: unexpected error %v", bidder, err)
				}
				return
			}
			mu.Lock()
			wins = append(wins, accepted{amount: amount, order: res.TotalBids})
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.NotEmpty(t, wins)

	sort.Slice(wins, func(i, j int) bool { return wins[i].order < wins[j].order })
	var max int64
	for i, w := range wins {
		assert.Equal(t, int64(i+1), w.order, "commit positions are dense")
		if i > 0 {
			assert.Greater(t, w.amount, wins[i-1].amount, "accepted amounts strictly increase")
		}
		if w.amount > max {
			max = w.amount
		}
	}

	snap, err := f.store.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, max, snap.CurrentPrice)
	assert.Equal(t, int64(len(wins)), snap.Meta.TotalBids)

	// Money is conserved: balances plus the held winning amount equal the
	// initial total.
	var total int64
	for uid := range balances {
		total += balance(t, f.store, uid)
	}
	assert.Equal(t, int64(bidders*100_000), total+snap.CurrentPrice)
}
