// Package broker is the AMQP transport for the scheduler: it
// consumes from ticker_updates (manual ack, at-least-once delivery)
// and publishes each day's next job back onto the same queue.
// Messages that exhaust their retry ceiling are nacked without
// requeue, which the queue's dead-letter configuration routes to
// ticker_updates_dlq.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/rpsouza441/ticker-monitor/pkg/models"
)

const (
	QueueName = "ticker_updates"
	DLQName   = "ticker_updates_dlq"
)

// Delivery wraps one consumed job message with ack/nack callbacks
// bound to its delivery tag, so the scheduler can acknowledge only
// after Fetch Engine + Persistence have both committed.
type Delivery struct {
	Message models.JobMessage
	Ack     func() error
	Nack    func(requeue bool) error
}

// Broker owns a single AMQP connection/channel pair; nothing else in
// the process talks to the queue.
type Broker struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqplib.Connection
	channel *amqplib.Channel
	closed  bool
	closeCh chan struct{}
}

// New dials url and declares the durable queue plus its dead-letter
// target.
func New(url string, logger *zap.Logger) (*Broker, error) {
	b := &Broker{
		url:     url,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	conn, err := amqplib.Dial(b.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	// Single in-flight message per consumer: batches run sequentially
	// within one job, so there is never a reason to prefetch more.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp declare dlq: %w", err)
	}

	_, err = ch.QueueDeclare(QueueName, true, false, false, false, amqplib.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DLQName,
	})
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp declare queue: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.mu.Unlock()

	return nil
}

// reconnect retries connect with exponential backoff until it
// succeeds or ctx is cancelled.
func (b *Broker) reconnect(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := b.connect()
		if err != nil {
			b.logger.Warn("amqp reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, bo)
}

// Consume delivers messages to handler one at a time, blocking until
// ctx is cancelled. handler is responsible for calling Ack or Nack on
// every Delivery it receives. On connection loss, Consume reconnects
// with backoff and resumes.
func (b *Broker) Consume(ctx context.Context, handler func(context.Context, Delivery)) error {
	for {
		err := b.consumeOnce(ctx, handler)
		if err == nil {
			return nil // ctx cancelled, clean shutdown
		}

		select {
		case <-b.closeCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		b.logger.Warn("amqp consumer lost connection, reconnecting", zap.Error(err))
		if err := b.reconnect(ctx); err != nil {
			return fmt.Errorf("amqp reconnect aborted: %w", err)
		}
	}
}

func (b *Broker) consumeOnce(ctx context.Context, handler func(context.Context, Delivery)) error {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("amqp channel is nil")
	}

	deliveries, err := ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}

			var msg models.JobMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				b.logger.Error("failed to unmarshal job message", zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}

			tag := d.DeliveryTag
			localCh := ch
			handler(ctx, Delivery{
				Message: msg,
				Ack:     func() error { return localCh.Ack(tag, false) },
				Nack:    func(requeue bool) error { return localCh.Nack(tag, false, requeue) },
			})
		}
	}
}

// Publish enqueues a job message. Used both for the initial seed job
// and for each day's follow-up job enqueued after a successful run.
func (b *Broker) Publish(ctx context.Context, msg models.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("amqp channel is nil")
	}

	return ch.PublishWithContext(ctx, "", QueueName, false, false, amqplib.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqplib.Persistent,
		Timestamp:    time.Now(),
	})
}

// Ping reports whether the connection is still open, for the health
// probe. The channel's state is not checked.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("amqp connection is closed")
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)

	var firstErr error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
