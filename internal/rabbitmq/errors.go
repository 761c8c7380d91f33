package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled by broker")
	ErrDeliveriesClosed  = errors.New("rabbitmq: delivery stream closed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Queue     string    // Queue the channel was serving
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %q on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// FailureKind tags what ended a consume run
type FailureKind int

const (
	KindNone FailureKind = iota
	KindInterrupted
	KindBrokerClosed
	KindChannel
	KindStreamLost
	KindConnection
	KindUnclassified
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInterrupted:
		return "interrupted"
	case KindBrokerClosed:
		return "broker_closed"
	case KindChannel:
		return "channel_error"
	case KindStreamLost:
		return "stream_lost"
	case KindConnection:
		return "connection_error"
	case KindUnclassified:
		return "unclassified"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify maps an error that escaped the consume loop to a FailureKind.
// Checks run in priority order; the first match wins.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case isInterrupt(err):
		return KindInterrupted
	case isBrokerClosed(err):
		return KindBrokerClosed
	case isChannelFault(err):
		return KindChannel
	case isStreamLost(err):
		return KindStreamLost
	case isConnectionFault(err):
		return KindConnection
	default:
		return KindUnclassified
	}
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}

func isBrokerClosed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Server && isConnectionCode(amqpErr.Code)
}

func isChannelFault(err error) bool {
	if errors.Is(err, ErrConsumerCancelled) {
		return true
	}
	var chanErr *ChannelError
	if errors.As(err, &chanErr) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Server && isChannelCode(amqpErr.Code)
}

func isStreamLost(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !amqpErr.Server && !isHandshakeError(err) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func isConnectionFault(err error) bool {
	if isHandshakeError(err) ||
		errors.Is(err, ErrDeliveriesClosed) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConnectionNotReady) {
		return true
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// amqp091 reports handshake refusals with channel-level codes and Server=false
func isHandshakeError(err error) bool {
	return errors.Is(err, amqp.ErrSASL) ||
		errors.Is(err, amqp.ErrCredentials) ||
		errors.Is(err, amqp.ErrVhost)
}

func isConnectionCode(code int) bool {
	switch code {
	case amqp.ConnectionForced, amqp.InvalidPath, amqp.FrameError, amqp.SyntaxError,
		amqp.CommandInvalid, amqp.ChannelError, amqp.UnexpectedFrame, amqp.ResourceError,
		amqp.NotAllowed, amqp.NotImplemented, amqp.InternalError:
		return true
	}
	return false
}

func isChannelCode(code int) bool {
	switch code {
	case amqp.ContentTooLarge, amqp.NoRoute, amqp.NoConsumers, amqp.AccessRefused,
		amqp.NotFound, amqp.ResourceLocked, amqp.PreconditionFailed:
		return true
	}
	return false
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
