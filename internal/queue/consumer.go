package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/metrics"
)

// Handler applies one decoded command. A nil return acknowledges it.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Consumer drains one partition queue with a prefetch of one, so commands
// are applied strictly in publish order. A command that keeps failing is
// retried MaxAttempts times and then moved to the dead-letter queue.
type Consumer struct {
	Dialer      func() (*amqp.Connection, error)
	Queue       string
	Handler     Handler
	DeadLetter  Sender
	MaxAttempts int
	RetryDelay  time.Duration
	InFlight    *InFlight
	Log         logrus.FieldLogger
}

// InFlight counts deliveries taken off a queue but not yet settled. The
// broker's ready count excludes them.
type InFlight struct{ n atomic.Int64 }

func (f *InFlight) Load() int64 {
	if f == nil {
		return 0
	}
	return f.n.Load()
}

func (f *InFlight) add(d int64) {
	if f != nil {
		f.n.Add(d)
	}
}

// Run keeps a consumer attached to the queue, reconnecting with
// exponential backoff, until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.Log.WithField("queue", c.Queue)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := c.Dialer()
		if err != nil {
			log.WithError(err).Warnf("dial failed; retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.WithError(err).Warn("consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "channel open")
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(1, 0, false); err != nil {
		return errors.Wrap(err, "set QoS")
	}
	if err := declare(ch, []string{c.Queue}); err != nil {
		return err
	}
	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "queue consume")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.process(ctx, d)
		}
	}
}

// process runs one delivery to completion: ack on success, dead-letter
// then ack on permanent failure, nack with requeue only when the
// dead-letter publish itself fails or the process is shutting down.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	c.InFlight.add(1)
	defer c.InFlight.add(-1)
	log := c.Log.WithField("queue", c.Queue)

	env, err := Decode(d.Body)
	if err != nil {
		log.WithError(err).Error("undecodable command")
		c.deadLetter(ctx, d, err, 0)
		return
	}
	log = log.WithFields(logrus.Fields{"command_id": env.ID, "type": env.Type, "auction_id": env.AuctionID()})

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.Handler.Handle(ctx, env)
		if lastErr == nil {
			_ = d.Ack(false)
			return
		}
		log.WithError(lastErr).WithField("attempt", attempt).Warn("apply failed")
		if ctx.Err() != nil {
			_ = d.Nack(false, true)
			return
		}
		if attempt < attempts && !sleep(ctx, c.RetryDelay) {
			_ = d.Nack(false, true)
			return
		}
	}
	log.WithError(lastErr).Error("command quarantined after retries")
	c.deadLetter(ctx, d, lastErr, attempts)
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, cause error, attempts int) {
	headers := amqp.Table{
		"x-original-queue": c.Queue,
		"x-error":          cause.Error(),
		"x-attempts":       int32(attempts),
		"x-failed-at":      time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.DeadLetter.Publish(ctx, DeadLetterQueue(c.Queue), d.Body, headers); err != nil {
		c.Log.WithError(err).WithField("queue", c.Queue).Error("dead-letter publish failed; requeueing")
		_ = d.Nack(false, true)
		return
	}
	metrics.CommandsDeadLettered.Inc()
	_ = d.Ack(false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// DepthSource reports a queue's ready message count.
type DepthSource interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// Inspector reports how many commands are still waiting to reach MySQL:
// ready messages on every partition plus anything in the spool.
type Inspector struct {
	depths   DepthSource
	spool    *Spool
	inFlight *InFlight
	queues   []string
}

func NewInspector(depths DepthSource, spool *Spool, inFlight *InFlight, queues []string) *Inspector {
	return &Inspector{depths: depths, spool: spool, inFlight: inFlight, queues: queues}
}

// Pending returns the total backlog.
func (i *Inspector) Pending(ctx context.Context) (int, error) {
	total := 0
	for _, q := range i.queues {
		n, err := i.depths.QueueDepth(ctx, q)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if i.spool != nil {
		n, err := i.spool.Len(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total + int(i.inFlight.Load()), nil
}

// DeadLettered returns the number of quarantined commands across all
// partitions.
func (i *Inspector) DeadLettered(ctx context.Context) (int, error) {
	total := 0
	for _, q := range i.queues {
		n, err := i.depths.QueueDepth(ctx, DeadLetterQueue(q))
		if err != nil {
			return 0, errors.Wrap(err, "dead-letter depth")
		}
		total += n
	}
	return total, nil
}
