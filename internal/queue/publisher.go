package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/auction-bidding/internal/metrics"
)

// Sender is the broker surface used by the publisher and the consumer's
// dead-letter path.
type Sender interface {
	Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

// Publisher routes commands to their partition queue. When the broker
// refuses a command it is appended to the spool and republished later by
// FlushSpool, so a committed fast-path change is never silently lost.
type Publisher struct {
	sender     Sender
	spool      *Spool
	partitions int
	log        logrus.FieldLogger
}

// NewPublisher builds a publisher. spool may be nil, in which case
// publish failures are only returned.
func NewPublisher(sender Sender, spool *Spool, partitions int, log logrus.FieldLogger) *Publisher {
	if partitions < 1 {
		partitions = 1
	}
	return &Publisher{sender: sender, spool: spool, partitions: partitions, log: log}
}

// Publish encodes env and sends it to the auction's partition queue.
// An error is returned only when the command could neither be published
// nor spooled.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	body, err := Encode(env)
	if err != nil {
		return errors.Wrap(err, "queue: encode command")
	}
	queue := QueueFor(env.AuctionID(), p.partitions)
	entry := p.log.WithFields(logrus.Fields{
		"command_id": env.ID,
		"type":       env.Type,
		"auction_id": env.AuctionID(),
		"queue":      queue,
	})

	// A pending spool means older commands of some auction are still
	// waiting; appending keeps them ordered ahead of this one.
	if p.spool != nil {
		if n, lerr := p.spool.Len(ctx); lerr == nil && n > 0 {
			if err := p.spool.Push(ctx, queue, body); err == nil {
				entry.Debug("command spooled behind pending backlog")
				return nil
			}
		}
	}

	err = p.sender.Publish(ctx, queue, body, amqp.Table{"type": string(env.Type)})
	if err == nil {
		metrics.CommandsPublished.Inc()
		return nil
	}
	metrics.CommandsPublishFail.Inc()
	if p.spool == nil {
		entry.WithError(err).Error("command publish failed")
		return err
	}
	if serr := p.spool.Push(ctx, queue, body); serr != nil {
		entry.WithError(serr).WithField("publish_error", err.Error()).Error("command lost: publish and spool both failed")
		return errors.CombineErrors(err, serr)
	}
	entry.WithError(err).Warn("command publish failed; spooled for retry")
	return nil
}

// FlushSpool republishes spooled commands in order until the spool is
// empty or the broker fails again.
func (p *Publisher) FlushSpool(ctx context.Context) (int, error) {
	if p.spool == nil {
		return 0, nil
	}
	sent := 0
	for {
		queue, body, ok, err := p.spool.Peek(ctx)
		if err != nil {
			return sent, err
		}
		if !ok {
			return sent, nil
		}
		if err := p.sender.Publish(ctx, queue, body, amqp.Table{"spooled": true}); err != nil {
			return sent, err
		}
		if err := p.spool.Ack(ctx); err != nil {
			return sent, err
		}
		metrics.CommandsPublished.Inc()
		sent++
	}
}

// RunSpoolFlusher calls FlushSpool every interval until ctx is cancelled.
func (p *Publisher) RunSpoolFlusher(ctx context.Context, interval time.Duration) {
	if p.spool == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.FlushSpool(ctx)
			if n > 0 {
				p.log.WithField("republished", n).Info("spooled commands republished")
			}
			if err != nil && ctx.Err() == nil {
				p.log.WithError(err).Warn("spool flush stopped")
			}
		}
	}
}
