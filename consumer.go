// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package consumer runs a single durable RabbitMQ queue: it declares the
// queue, hands every delivery to a callback, acknowledges it, and decides
// what to do when consumption breaks.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/durable-consumer/internal/logging"
	"github.com/glimte/durable-consumer/internal/rabbitmq"
	"github.com/glimte/durable-consumer/reliability"
)

var (
	ErrInvalidConfiguration = errors.New("consumer: invalid configuration")
	ErrAlreadyStarted       = errors.New("consumer: already started")
	ErrInvalidPayload       = errors.New("consumer: payload is not valid UTF-8")
	ErrCallbackPanic        = errors.New("consumer: callback panicked")
)

// Callback processes one decoded message body
type Callback func(ctx context.Context, body string, h *Handle) error

// FailureKind tags what ended a Run
type FailureKind = rabbitmq.FailureKind

const (
	KindInterrupted  = rabbitmq.KindInterrupted
	KindBrokerClosed = rabbitmq.KindBrokerClosed
	KindChannel      = rabbitmq.KindChannel
	KindStreamLost   = rabbitmq.KindStreamLost
	KindConnection   = rabbitmq.KindConnection
	KindUnclassified = rabbitmq.KindUnclassified
)

// Messages recorded for classified failures
const (
	MsgBrokerClosed = "Connection closed by broker, retry connection"
	MsgChannelError = "Channel error, retry connection"
	MsgStreamLost   = "Stream error, retry connection"
	MsgConnection   = "Connection error, retry connection"
)

// Failure is returned by Run when consumption stops for any reason other
// than an operator interrupt.
type Failure struct {
	Kind  FailureKind
	Queue string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("consumer %s stopped (%s): %v", f.Queue, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// State is the lifecycle position of a Consumer
type State int32

const (
	StateUnstarted State = iota
	StateConnecting
	StateConsuming
	StateTerminated
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateTerminated:
		return "terminated"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Consumer consumes one durable queue with one callback
type Consumer struct {
	queue    string
	url      string
	callback Callback
	handle   *Handle

	dial              Dialer
	connectTimeout    time.Duration
	consumerTag       string
	ackStrategy       AcknowledgmentStrategy
	unclassifiedDelay time.Duration
	exit              func(code int)

	conn    *rabbitmq.ConnectionManager
	metrics *reliability.Metrics
	state   atomic.Int32
}

// New creates a consumer for queue on the broker at url. A nil handle gets
// a default one logging through slog.Default().
func New(queue, url string, callback Callback, h *Handle, options ...Option) (*Consumer, error) {
	switch {
	case queue == "":
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	case url == "":
		return nil, fmt.Errorf("%w: broker url is required", ErrInvalidConfiguration)
	case callback == nil:
		return nil, fmt.Errorf("%w: callback is required", ErrInvalidConfiguration)
	}

	c := &Consumer{
		queue:             queue,
		url:               url,
		callback:          callback,
		handle:            h.withDefaults(),
		dial:              rabbitmq.NewAMQPDialer(rabbitmq.DialConfig{}),
		connectTimeout:    30 * time.Second,
		ackStrategy:       AckAlways,
		unclassifiedDelay: DefaultUnclassifiedDelay,
		exit:              os.Exit,
		metrics:           reliability.NewMetrics(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.conn = rabbitmq.NewConnectionManager(url, queue,
		rabbitmq.WithDialer(c.dial),
		rabbitmq.WithConnectTimeout(c.connectTimeout),
		rabbitmq.WithLogger(c.handle.Logger),
	)

	return c, nil
}

// Queue returns the queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// State returns the current lifecycle state
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of delivery and failure counters
func (c *Consumer) Stats() reliability.MetricsSnapshot {
	return c.metrics.GetSnapshot()
}

// Run connects, consumes until something stops consumption, and applies the
// recovery policy. Cancelling ctx is treated as an operator interrupt and
// ends the process through the exit function with status 0. Every other
// outcome is recorded and returned as a *Failure; nothing is retried here.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateUnstarted), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}

	err := c.consume(ctx)
	return c.applyPolicy(ctx, err)
}

func (c *Consumer) consume(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}

	loop := rabbitmq.NewConsumer(c.conn,
		rabbitmq.WithAcknowledgmentStrategy(c.ackStrategy),
		rabbitmq.WithConsumerTag(c.consumerTag),
		rabbitmq.WithSettledHook(c.settled),
		rabbitmq.WithConsumerLogger(c.handle.Logger),
	)
	if err := loop.Subscribe(c.handleDelivery); err != nil {
		return err
	}

	c.state.Store(int32(StateConsuming))
	c.handle.Info(fmt.Sprintf("Consumer %s: Waiting for messages. To exit press CTRL+C", c.queue), "queue", c.queue)

	return loop.Serve(ctx)
}

func (c *Consumer) applyPolicy(ctx context.Context, err error) error {
	kind := rabbitmq.Classify(err)
	if ctx.Err() != nil {
		kind = KindInterrupted
	}

	switch kind {
	case rabbitmq.KindNone:
		c.state.Store(int32(StateStopped))
		c.closeConnection()
		return nil

	case KindInterrupted:
		c.state.Store(int32(StateTerminated))
		c.closeConnection()
		c.handle.Info("consumer interrupted, exiting", "queue", c.queue)
		c.exit(0)
		return nil

	case KindBrokerClosed:
		return c.stop(kind, err, MsgBrokerClosed)

	case KindChannel:
		return c.stop(kind, err, MsgChannelError)

	case KindStreamLost:
		return c.stop(kind, err, MsgStreamLost)

	case KindConnection:
		return c.stop(kind, err, MsgConnection)

	default:
		failure := c.stop(KindUnclassified, err, err.Error())
		c.pause(ctx)
		return failure
	}
}

// stop records exactly one error record for the failure and ends the run
func (c *Consumer) stop(kind FailureKind, err error, message string) error {
	rec := reliability.ErrorRecord{
		Message:  message,
		Origin:   c.queue,
		Kind:     kind.String(),
		Severity: reliability.SeverityCritical,
	}
	if kind == KindUnclassified {
		// the error carries no trace of its own; this is the recording site
		rec.StackTrace = string(debug.Stack())
	}

	c.handle.Errors.AddError(rec)
	c.handle.Errors.PrintErrors()
	c.metrics.RecordStop(kind.String())

	c.state.Store(int32(StateStopped))
	c.closeConnection()

	return &Failure{Kind: kind, Queue: c.queue, Err: err}
}

// pause keeps a restarting supervisor from hot-looping against a broker that
// is still unavailable
func (c *Consumer) pause(ctx context.Context) {
	if c.unclassifiedDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.unclassifiedDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) closeConnection() {
	if err := c.conn.Close(); err != nil {
		c.handle.Logger.Debug("error closing connection", "queue", c.queue, "error", err)
	}
}

// handleDelivery is the per-delivery adapter. Callback failures are recorded
// here and never escape the loop; settlement happens in the loop afterwards.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	c.metrics.RecordDelivery()

	if !utf8.Valid(d.Body) {
		c.handle.Info("Received", "queue", c.queue, "body", fmt.Sprintf("%q", d.Body), "deliveryTag", d.DeliveryTag)
		c.callbackFailed(ErrInvalidPayload, debug.Stack())
		return ErrInvalidPayload
	}

	body := string(d.Body)
	c.handle.Info("Received", "queue", c.queue, "body", body, "deliveryTag", d.DeliveryTag)

	stack, err := c.invoke(ctx, body)
	if err != nil {
		// a callback unwinding because of an operator interrupt is not a
		// failure; the delivery is still settled
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		c.callbackFailed(err, stack)
		return err
	}

	logging.Success(ctx, c.handle.Logger, "Processing finished",
		"queue", c.queue,
		"finishedAt", time.Now().Format(time.TimeOnly))
	return nil
}

func (c *Consumer) invoke(ctx context.Context, body string) (stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = debug.Stack()
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
		}
	}()

	// panics keep the stack of the panicking frame; returned errors only
	// have the stack of the call site that received them
	if err = c.callback(ctx, body, c.handle); err != nil {
		stack = debug.Stack()
	}
	return stack, err
}

func (c *Consumer) callbackFailed(err error, stack []byte) {
	c.metrics.RecordCallbackFailure()
	c.handle.Errors.AddError(reliability.ErrorRecord{
		Message:    fmt.Sprintf("Error (Exception): %v", err),
		Origin:     c.queue,
		Kind:       "Exception",
		StackTrace: string(stack),
	})
}

func (c *Consumer) settled(_ amqp.Delivery, _ error) {
	c.metrics.RecordSettled()
	c.handle.Errors.PrintErrors()
}
