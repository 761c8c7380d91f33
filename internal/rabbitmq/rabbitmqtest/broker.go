// Package rabbitmqtest provides an in-memory broker for exercising the
// consumer without a RabbitMQ server.
package rabbitmqtest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/durable-consumer/internal/rabbitmq"
)

// DeclaredQueue records one QueueDeclare call
type DeclaredQueue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// ConsumeCall records one Consume call
type ConsumeCall struct {
	Queue       string
	ConsumerTag string
	AutoAck     bool
}

// Broker is a fake broker. Set the *Err fields before dialing to inject failures.
type Broker struct {
	DialErr    error
	ChannelErr error
	DeclareErr error
	ConsumeErr error

	mu         sync.Mutex
	dials      []string
	declared   []DeclaredQueue
	consumes   []ConsumeCall
	events     []string
	deliveries chan amqp.Delivery
	conn       *Connection
	channel    *Channel
}

// NewBroker creates a fake broker with room for 64 queued deliveries
func NewBroker() *Broker {
	return &Broker{
		deliveries: make(chan amqp.Delivery, 64),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials = append(b.dials, url)
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	b.conn = &Connection{broker: b}
	return b.conn, nil
}

// Dials returns the URLs dialed so far
func (b *Broker) Dials() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dials...)
}

// Declared returns the queue declarations seen so far
func (b *Broker) Declared() []DeclaredQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeclaredQueue(nil), b.declared...)
}

// Consumes returns the Consume calls seen so far
func (b *Broker) Consumes() []ConsumeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ConsumeCall(nil), b.consumes...)
}

// Record appends an event to the ordered event log shared with acknowledgments
func (b *Broker) Record(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns the ordered event log ("ack <tag>", "nack <tag>", plus Record calls)
func (b *Broker) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// Acks returns the acknowledged delivery tags in order
func (b *Broker) Acks() []uint64 {
	return b.tagsWithPrefix("ack")
}

// Nacks returns the negatively acknowledged delivery tags in order
func (b *Broker) Nacks() []uint64 {
	return b.tagsWithPrefix("nack")
}

func (b *Broker) tagsWithPrefix(prefix string) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var tags []uint64
	for _, ev := range b.events {
		kind, rest, ok := strings.Cut(ev, " ")
		if !ok || kind != prefix {
			continue
		}
		if tag, err := strconv.ParseUint(rest, 10, 64); err == nil {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Deliver queues a delivery for the consumer
func (b *Broker) Deliver(tag uint64, body []byte) {
	b.deliveries <- amqp.Delivery{
		Acknowledger: &acknowledger{broker: b},
		DeliveryTag:  tag,
		Body:         body,
	}
}

// DeliverRaw queues a hand-built delivery, keeping its Acknowledger
func (b *Broker) DeliverRaw(d amqp.Delivery) {
	b.deliveries <- d
}

// CloseDeliveries ends the delivery stream without a close reason
func (b *Broker) CloseDeliveries() {
	close(b.deliveries)
}

// CloseConnection notifies connection listeners with err, as amqp091 does
func (b *Broker) CloseConnection(err *amqp.Error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.shutdown(err)
	}
}

// CloseChannel notifies channel listeners with err
func (b *Broker) CloseChannel(err *amqp.Error) {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch != nil {
		ch.shutdown(err)
	}
}

// CancelConsumer simulates a basic.cancel from the broker
func (b *Broker) CancelConsumer(tag string) {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, r := range ch.cancelReceivers {
		r <- tag
	}
}

// Connection is a fake rabbitmq.Connection
type Connection struct {
	broker *Broker

	mu             sync.Mutex
	closed         bool
	closeReceivers []chan *amqp.Error
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ChannelErr != nil {
		return nil, b.ChannelErr
	}
	b.channel = &Channel{broker: b}
	return b.channel, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeReceivers = append(c.closeReceivers, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	receivers := c.closeReceivers
	c.closeReceivers = nil
	c.mu.Unlock()

	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
}

// Channel is a fake rabbitmq.Channel
type Channel struct {
	broker *Broker

	mu              sync.Mutex
	closed          bool
	closeReceivers  []chan *amqp.Error
	cancelReceivers []chan string
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.DeclareErr != nil {
		return amqp.Queue{}, b.DeclareErr
	}
	b.declared = append(b.declared, DeclaredQueue{
		Name:       name,
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
	})
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ConsumeErr != nil {
		return nil, b.ConsumeErr
	}
	b.consumes = append(b.consumes, ConsumeCall{Queue: queue, ConsumerTag: consumer, AutoAck: autoAck})
	return b.deliveries, nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeReceivers = append(ch.closeReceivers, receiver)
	return receiver
}

func (ch *Channel) NotifyCancel(receiver chan string) chan string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.cancelReceivers = append(ch.cancelReceivers, receiver)
	return receiver
}

func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *Channel) shutdown(err *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	receivers := ch.closeReceivers
	ch.closeReceivers = nil
	ch.mu.Unlock()

	for _, r := range receivers {
		if err != nil {
			r <- err
		}
		close(r)
	}
}

type acknowledger struct {
	broker *Broker
}

func (a *acknowledger) Ack(tag uint64, multiple bool) error {
	a.broker.Record(fmt.Sprintf("ack %d", tag))
	return nil
}

func (a *acknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.broker.Record(fmt.Sprintf("nack %d", tag))
	return nil
}

func (a *acknowledger) Reject(tag uint64, requeue bool) error {
	a.broker.Record(fmt.Sprintf("nack %d", tag))
	return nil
}
