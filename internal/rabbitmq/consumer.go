package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// SettledHook runs after a delivery has been acknowledged or rejected
type SettledHook func(delivery amqp.Delivery, handlerErr error)

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckAlways acknowledges regardless of processing result
	AckAlways AcknowledgmentStrategy = iota
	// AckOnSuccess acknowledges only on successful processing and requeues failures
	AckOnSuccess
)

func (s AcknowledgmentStrategy) String() string {
	switch s {
	case AckAlways:
		return "always"
	case AckOnSuccess:
		return "on_success"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseAcknowledgmentStrategy parses "always" or "on_success"
func ParseAcknowledgmentStrategy(s string) (AcknowledgmentStrategy, error) {
	switch s {
	case "", "always":
		return AckAlways, nil
	case "on_success":
		return AckOnSuccess, nil
	default:
		return AckAlways, fmt.Errorf("%w: unknown ack mode %q", ErrInvalidConfiguration, s)
	}
}

// Consumer runs the blocking delivery loop on a connected ConnectionManager
type Consumer struct {
	conn        *ConnectionManager
	strategy    AcknowledgmentStrategy
	consumerTag string
	onSettled   SettledHook
	logger      *slog.Logger

	handler    MessageHandler
	deliveries <-chan amqp.Delivery
	connClosed <-chan *amqp.Error
	chanClosed <-chan *amqp.Error
	cancelled  <-chan string
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithAcknowledgmentStrategy sets how deliveries are settled
func WithAcknowledgmentStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithSettledHook registers a hook that runs after every settlement
func WithSettledHook(hook SettledHook) ConsumerOption {
	return func(c *Consumer) {
		c.onSettled = hook
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(conn *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:     conn,
		strategy: AckAlways,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume subscribes and then serves until consumption ends
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	if err := c.Subscribe(handler); err != nil {
		return err
	}
	return c.Serve(ctx)
}

// Subscribe registers a manual-ack consumer on the queue. Deliveries are
// buffered by the client until Serve starts reading them.
func (c *Consumer) Subscribe(handler MessageHandler) error {
	queue := c.conn.Queue()
	c.connClosed = c.conn.ConnectionClosed()
	c.chanClosed = c.conn.ChannelClosed()
	c.cancelled = c.conn.Cancelled()

	ch, err := c.conn.Channel()
	if err != nil {
		if connErr := c.pendingConnectionError(c.connClosed); connErr != nil {
			return connErr
		}
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	c.handler = handler
	c.deliveries = deliveries

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"ackStrategy", c.strategy.String(),
	)
	return nil
}

// Serve processes deliveries one at a time until ctx is cancelled or the
// broker side fails. It always returns a non-nil error describing why
// consumption ended.
func (c *Consumer) Serve(ctx context.Context) error {
	queue := c.conn.Queue()
	if c.deliveries == nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "serve", Err: ErrConnectionNotReady, Timestamp: time.Now()}
	}

	connClosed, chanClosed, cancelled := c.connClosed, c.chanClosed, c.cancelled
	deliveries := c.deliveries

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case amqpErr, ok := <-connClosed:
			if !ok || amqpErr == nil {
				connClosed = nil
				continue
			}
			return &ConnectionError{Op: "consume", URL: SanitizeURL(c.conn.url), Err: amqpErr, Timestamp: time.Now()}

		case amqpErr, ok := <-chanClosed:
			if !ok || amqpErr == nil {
				chanClosed = nil
				continue
			}
			if connErr := c.pendingConnectionError(connClosed); connErr != nil {
				return connErr
			}
			return &ChannelError{Op: "consume", Queue: queue, Err: amqpErr, Timestamp: time.Now()}

		case tag, ok := <-cancelled:
			if !ok {
				cancelled = nil
				continue
			}
			c.logger.Warn("consumer cancelled by broker", "queue", queue, "consumerTag", tag)
			return ErrConsumerCancelled

		case delivery, ok := <-deliveries:
			if !ok {
				if connErr := c.pendingConnectionError(connClosed); connErr != nil {
					return connErr
				}
				c.logger.Warn("delivery channel closed", "queue", queue)
				return ErrDeliveriesClosed
			}
			c.handleMessage(ctx, delivery, c.handler)
		}
	}
}

// amqp091 notifies connection listeners before it closes channels, so a
// channel failure caused by a dead connection usually has the reason queued.
func (c *Consumer) pendingConnectionError(connClosed <-chan *amqp.Error) error {
	select {
	case amqpErr, ok := <-connClosed:
		if ok && amqpErr != nil {
			return &ConnectionError{Op: "consume", URL: SanitizeURL(c.conn.url), Err: amqpErr, Timestamp: time.Now()}
		}
	default:
	}
	return nil
}

// handleMessage processes a single message and settles it exactly once
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) {
	err := handler(ctx, delivery)

	switch c.strategy {
	case AckOnSuccess:
		if err != nil {
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				c.logger.Error("failed to nack message",
					"error", nackErr,
					"originalError", err,
					"deliveryTag", delivery.DeliveryTag,
				)
			}
			break
		}
		c.ack(delivery)

	default:
		c.ack(delivery)
	}

	if c.onSettled != nil {
		c.onSettled(delivery, err)
	}
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message",
			"error", ackErr,
			"deliveryTag", delivery.DeliveryTag,
		)
	}
}
