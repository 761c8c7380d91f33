package consumer

import (
	"time"

	"github.com/glimte/durable-consumer/internal/rabbitmq"
)

type (
	// Dialer opens a broker connection
	Dialer = rabbitmq.Dialer
	// Connection is the broker connection capability
	Connection = rabbitmq.Connection
	// Channel is the broker channel capability
	Channel = rabbitmq.Channel
	// AcknowledgmentStrategy defines how deliveries are settled
	AcknowledgmentStrategy = rabbitmq.AcknowledgmentStrategy
)

const (
	// AckAlways acknowledges every delivery once the callback returns
	AckAlways = rabbitmq.AckAlways
	// AckOnSuccess requeues deliveries whose callback failed
	AckOnSuccess = rabbitmq.AckOnSuccess
)

// DefaultUnclassifiedDelay is how long Run waits after an unclassified failure
const DefaultUnclassifiedDelay = 5 * time.Second

// Option configures a Consumer
type Option func(*Consumer)

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) Option {
	return func(c *Consumer) {
		c.dial = dial
	}
}

// WithDialConfig sets heartbeat and connection name for the amqp091 dialer
func WithDialConfig(heartbeat time.Duration, connectionName string) Option {
	return func(c *Consumer) {
		c.dial = rabbitmq.NewAMQPDialer(rabbitmq.DialConfig{
			Heartbeat:      heartbeat,
			ConnectionName: connectionName,
		})
	}
}

// WithConnectTimeout bounds the initial dial
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Consumer) {
		c.connectTimeout = timeout
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) Option {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithAcknowledgmentStrategy sets how deliveries are settled
func WithAcknowledgmentStrategy(strategy AcknowledgmentStrategy) Option {
	return func(c *Consumer) {
		c.ackStrategy = strategy
	}
}

// WithUnclassifiedDelay sets the pause after an unclassified failure
func WithUnclassifiedDelay(delay time.Duration) Option {
	return func(c *Consumer) {
		c.unclassifiedDelay = delay
	}
}

// WithExitFunc replaces os.Exit for the interrupt path
func WithExitFunc(exit func(code int)) Option {
	return func(c *Consumer) {
		c.exit = exit
	}
}
