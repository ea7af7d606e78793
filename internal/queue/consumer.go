// Package queue consumes inbound notifications from an AMQP queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/rabbitmq/amqp091-go"

	"github.com/shineum/maskrelay/internal/objectstore"
	"github.com/shineum/maskrelay/internal/transport"
)

// Processor handles a raw notification body.
type Processor interface {
	Process(ctx context.Context, body []byte) error
}

// Config describes the queue topology.
type Config struct {
	URL        string
	Queue      string
	Exchange   string
	RoutingKey string
}

// Consumer delivers queued notifications to a Processor one at a time.
type Consumer struct {
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	cfg       Config
	processor Processor
	logger    *slog.Logger
}

// Dial connects, declares the exchange and a durable queue, and binds them.
func Dial(cfg Config, processor Processor, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := &Consumer{conn: conn, channel: ch, cfg: cfg, processor: processor, logger: logger}
	if err := c.declare(); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("Consumer initialized",
		slog.String("queue", cfg.Queue),
		slog.String("exchange", cfg.Exchange),
		slog.String("routing_key", cfg.RoutingKey),
	)
	return c, nil
}

func (c *Consumer) declare() error {
	if err := c.channel.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := c.channel.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := c.channel.QueueBind(q.Name, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.cfg.Queue, "maskrelay", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages", slog.String("queue", c.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle processes one delivery and always acks or nacks it. Storage and
// transport failures are requeued; everything else is dropped.
func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				slog.String("queue", c.cfg.Queue),
				slog.Any("panic", r),
			)
			if err := d.Nack(false, false); err != nil {
				c.logger.Error("Failed to nack message after panic", sloki.WrapError(err))
			}
		}
	}()

	err := c.processor.Process(ctx, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			c.logger.Error("Failed to ack message", sloki.WrapError(err))
		}
		return
	}

	requeue := retryable(err) && !d.Redelivered
	c.logger.Error("Handler error",
		slog.String("queue", c.cfg.Queue),
		slog.Bool("requeue", requeue),
		sloki.WrapError(err),
	)
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to nack message", sloki.WrapError(err))
	}
}

func retryable(err error) bool {
	return errors.Is(err, objectstore.ErrStorageClient) || errors.Is(err, transport.ErrTransport)
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
