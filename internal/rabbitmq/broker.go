package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the consumer relies on
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the consumer relies on
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyCancel(receiver chan string) chan string
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

// DialConfig holds the client-side connection tuning passed to amqp.DialConfig
type DialConfig struct {
	Heartbeat      time.Duration
	ConnectionName string
}

// NewAMQPDialer returns a Dialer backed by amqp091-go
func NewAMQPDialer(cfg DialConfig) Dialer {
	return func(url string) (Connection, error) {
		props := amqp.Table{}
		if cfg.ConnectionName != "" {
			props["connection_name"] = cfg.ConnectionName
		}

		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  cfg.Heartbeat,
			Properties: props,
		})
		if err != nil {
			return nil, err
		}
		return &amqpConnection{Connection: conn}, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
