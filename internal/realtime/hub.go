package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// subscriberBuffer bounds how far a slow SSE client may lag before events
// are dropped for it.
const subscriberBuffer = 32

// Publisher is the write side used by the engines.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Hub publishes events to Redis and relays the ones it receives to local
// subscribers.
type Hub struct {
	rdb    *redis.Client
	log    logrus.FieldLogger
	subs   *xsync.MapOf[string, *xsync.MapOf[uint64, chan []byte]]
	nextID atomic.Uint64
}

func NewHub(rdb *redis.Client, log logrus.FieldLogger) *Hub {
	return &Hub{
		rdb:  rdb,
		log:  log,
		subs: xsync.NewMapOf[string, *xsync.MapOf[uint64, chan []byte]](),
	}
}

// Publish sends ev to its channel. Failures are logged and dropped.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("channel", ev.Channel).Warn("realtime: marshal event")
		return
	}
	if err := h.rdb.Publish(ctx, ev.Channel, body).Err(); err != nil {
		h.log.WithError(err).WithField("channel", ev.Channel).Warn("realtime: publish failed")
	}
}

// Subscription is one local listener on a channel.
type Subscription struct {
	hub     *Hub
	channel string
	id      uint64
	ch      chan []byte
}

// C yields raw JSON event bodies.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Close unregisters the subscription. Safe to call once.
func (s *Subscription) Close() {
	s.hub.subs.Compute(s.channel, func(set *xsync.MapOf[uint64, chan []byte], loaded bool) (*xsync.MapOf[uint64, chan []byte], bool) {
		if !loaded {
			return nil, true
		}
		set.Delete(s.id)
		return set, set.Size() == 0
	})
}

// Subscribe registers a local listener on channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{hub: h, channel: channel, id: h.nextID.Add(1), ch: make(chan []byte, subscriberBuffer)}
	h.subs.Compute(channel, func(set *xsync.MapOf[uint64, chan []byte], loaded bool) (*xsync.MapOf[uint64, chan []byte], bool) {
		if !loaded {
			set = xsync.NewMapOf[uint64, chan []byte]()
		}
		set.Store(sub.id, sub.ch)
		return set, false
	})
	return sub
}

// Subscribers reports how many local listeners channel has.
func (h *Hub) Subscribers(channel string) int {
	set, ok := h.subs.Load(channel)
	if !ok {
		return 0
	}
	return set.Size()
}

// deliver hands body to every local listener of channel without blocking.
func (h *Hub) deliver(channel string, body []byte) {
	set, ok := h.subs.Load(channel)
	if !ok {
		return
	}
	set.Range(func(id uint64, ch chan []byte) bool {
		select {
		case ch <- body:
		default:
			h.log.WithFields(logrus.Fields{"channel": channel, "subscriber": id}).Debug("realtime: subscriber lagging, event dropped")
		}
		return true
	})
}

// Run relays Redis messages to local listeners until ctx is cancelled.
// go-redis re-subscribes on its own after a connection loss.
func (h *Hub) Run(ctx context.Context) error {
	ps := h.rdb.PSubscribe(ctx, "auction:*", "user:*")
	defer func() { _ = ps.Close() }()

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			h.deliver(m.Channel, []byte(m.Payload))
		}
	}
}
