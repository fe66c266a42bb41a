package queue

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// spoolKey holds commands whose publish failed after the fast-path commit.
// It lives outside the mirror's key prefixes so a rebuild never clears it.
const spoolKey = "outbox:commands"

type spooled struct {
	Queue string          `json:"queue"`
	Body  json.RawMessage `json:"body"`
}

// Spool is a Redis-list outbox for commands that could not reach the
// broker. Order is preserved: Push appends, Peek/Ack consume from the head.
type Spool struct {
	rdb *redis.Client
}

func NewSpool(rdb *redis.Client) *Spool { return &Spool{rdb: rdb} }

// Push appends one command.
func (s *Spool) Push(ctx context.Context, queue string, body []byte) error {
	raw, err := json.Marshal(spooled{Queue: queue, Body: body})
	if err != nil {
		return errors.Wrap(err, "spool: marshal")
	}
	if err := s.rdb.RPush(ctx, spoolKey, raw).Err(); err != nil {
		return errors.Wrap(err, "spool: push")
	}
	return nil
}

// Peek returns the oldest spooled command without removing it.
func (s *Spool) Peek(ctx context.Context) (queue string, body []byte, ok bool, err error) {
	raw, err := s.rdb.LIndex(ctx, spoolKey, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, errors.Wrap(err, "spool: peek")
	}
	var item spooled
	if err := json.Unmarshal(raw, &item); err != nil {
		// Unreadable entries would block the head forever.
		_ = s.rdb.LPop(ctx, spoolKey).Err()
		return "", nil, false, errors.Wrap(err, "spool: corrupt entry dropped")
	}
	return item.Queue, item.Body, true, nil
}

// Ack removes the head entry after it was republished.
func (s *Spool) Ack(ctx context.Context) error {
	return errors.Wrap(s.rdb.LPop(ctx, spoolKey).Err(), "spool: ack")
}

// Len reports how many commands wait in the spool.
func (s *Spool) Len(ctx context.Context) (int, error) {
	n, err := s.rdb.LLen(ctx, spoolKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "spool: len")
	}
	return int(n), nil
}
