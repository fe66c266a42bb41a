package lifecycle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iliyamo/auction-bidding/internal/model"
	"github.com/iliyamo/auction-bidding/internal/queue"
	"github.com/iliyamo/auction-bidding/internal/repository"
)

type fakeAuctions struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[uint64]model.Auction
	// failActivate makes Activate fail for the listed ids.
	failActivate map[uint64]error
}

func newFakeAuctions() *fakeAuctions {
	return &fakeAuctions{rows: map[uint64]model.Auction{}, failActivate: map[uint64]error{}}
}

func (f *fakeAuctions) put(a model.Auction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID > f.nextID {
		f.nextID = a.ID
	}
	f.rows[a.ID] = a
}

func (f *fakeAuctions) get(id uint64) model.Auction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeAuctions) Create(_ context.Context, a *model.Auction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a.ID = f.nextID
	a.Status = model.AuctionPending
	a.CurrentPrice = a.StartingPrice
	f.rows[a.ID] = *a
	return nil
}

func (f *fakeAuctions) GetByID(_ context.Context, id uint64) (model.Auction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return model.Auction{}, repository.ErrAuctionNotFound
	}
	return a, nil
}

func (f *fakeAuctions) transition(id uint64, version int64, from, to model.AuctionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok || a.Version != version || a.Status != from {
		return repository.ErrVersionConflict
	}
	a.Status = to
	a.Version++
	f.rows[id] = a
	return nil
}

func (f *fakeAuctions) Activate(_ context.Context, id uint64, version int64) error {
	if err := f.failActivate[id]; err != nil {
		return err
	}
	return f.transition(id, version, model.AuctionPending, model.AuctionActive)
}

func (f *fakeAuctions) CancelPending(_ context.Context, id uint64, version int64) error {
	return f.transition(id, version, model.AuctionPending, model.AuctionCancelled)
}

func (f *fakeAuctions) Update(_ context.Context, a model.Auction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[a.ID]
	if !ok || cur.Version != a.Version || cur.TotalBids > 0 {
		return repository.ErrVersionConflict
	}
	a.Version++
	a.CurrentPrice = a.StartingPrice
	f.rows[a.ID] = a
	return nil
}

func (f *fakeAuctions) due(status model.AuctionStatus, at func(model.Auction) time.Time, now time.Time, limit int) []model.Auction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Auction
	for _, a := range f.rows {
		if a.Status == status && !at(a).After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeAuctions) ListDueForActivation(_ context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return f.due(model.AuctionPending, func(a model.Auction) time.Time { return a.StartTime }, now, limit), nil
}

func (f *fakeAuctions) ListDueForEnd(_ context.Context, now time.Time, limit int) ([]model.Auction, error) {
	return f.due(model.AuctionActive, func(a model.Auction) time.Time { return a.EndTime }, now, limit), nil
}

type fakeBids struct {
	rows map[uint64]model.Bid
}

func (f *fakeBids) GetByID(_ context.Context, id uint64) (model.Bid, error) {
	b, ok := f.rows[id]
	if !ok {
		return model.Bid{}, repository.ErrBidNotFound
	}
	return b, nil
}

func (f *fakeBids) WinningBid(_ context.Context, auctionID uint64) (model.Bid, bool, error) {
	for _, b := range f.rows {
		if b.AuctionID == auctionID && b.Status == model.BidWinning {
			return b, true, nil
		}
	}
	return model.Bid{}, false, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []queue.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env queue.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) statusCommands() []queue.StatusCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []queue.StatusCommand
	for _, e := range p.envs {
		if e.Status != nil {
			out = append(out, *e.Status)
		}
	}
	return out
}

type ended struct {
	auctionID uint64
	status    model.AuctionStatus
	winnerID  uint64
	price     int64
}

type recordingNotifier struct {
	calls []ended
}

func (n *recordingNotifier) AuctionEnded(_ context.Context, a model.Auction, status model.AuctionStatus, winnerID uint64, price int64) {
	n.calls = append(n.calls, ended{auctionID: a.ID, status: status, winnerID: winnerID, price: price})
}

type fakeGate struct{ on atomic.Bool }

func (g *fakeGate) Rebuilding() bool { return g.on.Load() }

type fakeBacklog struct {
	mu  sync.Mutex
	n   int
	err error
}

func (b *fakeBacklog) set(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n = n
}

func (b *fakeBacklog) Pending(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n, b.err
}
