package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Broker owns the publishing connection to RabbitMQ. The connection is
// opened lazily and re-dialled after the broker drops it. Consumers dial
// their own connections through Dial so a slow consumer never blocks
// publishing.
type Broker struct {
	url    string
	queues []string
	log    logrus.FieldLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewBroker returns a broker for url. queues are declared durable on every
// (re)connect together with their dead-letter companions.
func NewBroker(url string, queues []string, log logrus.FieldLogger) *Broker {
	return &Broker{url: url, queues: queues, log: log}
}

// Dial opens a fresh connection for a consumer.
func (b *Broker) Dial() (*amqp.Connection, error) {
	return amqp.Dial(b.url)
}

// Connect opens the publishing channel and declares the topology.
func (b *Broker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.channelLocked()
	return err
}

func (b *Broker) channelLocked() (*amqp.Channel, error) {
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, errors.Wrap(err, "rabbitmq: dial")
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "rabbitmq: channel open")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "rabbitmq: confirm mode")
	}
	if err := declare(ch, b.queues); err != nil {
		_ = ch.Close()
		return nil, err
	}
	b.ch = ch
	return ch, nil
}

// declare makes every queue and its dead-letter queue durable.
func declare(ch *amqp.Channel, queues []string) error {
	for _, q := range queues {
		for _, name := range []string{q, DeadLetterQueue(q)} {
			if _, err := ch.QueueDeclare(
				name,
				true,  // durable
				false, // autoDelete
				false, // exclusive
				false, // noWait
				nil,
			); err != nil {
				return errors.Wrapf(err, "rabbitmq: queue declare %s", name)
			}
		}
	}
	return nil
}

// Publish sends body to queue as a persistent message and waits for the
// broker to confirm it.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.channelLocked()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		pub,
	)
	if err != nil {
		b.resetLocked()
		return errors.Wrapf(err, "rabbitmq: publish %s", queue)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "rabbitmq: confirm %s", queue)
	}
	if !ok {
		return errors.Newf("rabbitmq: broker nacked publish to %s", queue)
	}
	return nil
}

// QueueDepth reports the number of ready messages in queue. A passive
// declare on a missing queue closes the channel, so a throwaway channel is
// used for every probe.
func (b *Broker) QueueDepth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.channelLocked(); err != nil {
		return 0, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, errors.Wrap(err, "rabbitmq: channel open")
	}
	defer func() { _ = ch.Close() }()
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "rabbitmq: inspect %s", queue)
	}
	return q.Messages, nil
}

func (b *Broker) resetLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
}

// Close shuts the publishing connection down.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}
