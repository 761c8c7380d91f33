package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the single connection and channel of one consumer.
// It connects once; a broken connection is not healed in-process.
type ConnectionManager struct {
	url            string
	queue          string
	dial           Dialer
	connectTimeout time.Duration
	logger         *slog.Logger

	mu          sync.Mutex
	conn        Connection
	channel     Channel
	isConnected bool
	closed      bool

	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	cancelled  chan string
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds the dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager for one durable queue
func NewConnectionManager(url, queue string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		queue:          queue,
		dial:           NewAMQPDialer(DialConfig{}),
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

type dialResult struct {
	conn Connection
	err  error
}

// Connect dials the broker, opens a channel and declares the queue as durable
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	if cm.closed {
		return ErrConnectionClosed
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ChannelError{Op: "open channel", Queue: cm.queue, Err: err, Timestamp: time.Now()}
	}

	// Buffered: amqp091 blocks on unbuffered notification sends during shutdown.
	cm.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	cm.cancelled = ch.NotifyCancel(make(chan string, 1))

	if _, err := ch.QueueDeclare(
		cm.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return &ChannelError{Op: "declare queue", Queue: cm.queue, Err: err, Timestamp: time.Now()}
	}

	cm.conn = conn
	cm.channel = ch
	cm.isConnected = true

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"queue", cm.queue)

	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, cm.connectError(res.err)
		}
		return res.conn, nil

	case <-connCtx.Done():
		// close a connection that arrives after we stopped waiting
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, cm.connectError(err)
		}
		return nil, cm.connectError(ErrConnectionTimeout)
	}
}

func (cm *ConnectionManager) connectError(err error) *ConnectionError {
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Channel returns the open channel
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected || cm.channel == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.channel, nil
}

// ConnectionClosed delivers the error that closed the connection, if any
func (cm *ConnectionManager) ConnectionClosed() <-chan *amqp.Error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connClosed
}

// ChannelClosed delivers the error that closed the channel, if any
func (cm *ConnectionManager) ChannelClosed() <-chan *amqp.Error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.chanClosed
}

// Cancelled delivers consumer tags cancelled by the broker
func (cm *ConnectionManager) Cancelled() <-chan string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.cancelled
}

// Queue returns the declared queue name
func (cm *ConnectionManager) Queue() string {
	return cm.queue
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the channel and the connection. The manager cannot connect again.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closed = true
	if !cm.isConnected {
		return nil
	}
	cm.isConnected = false

	if cm.channel != nil {
		_ = cm.channel.Close()
		cm.channel = nil
	}

	var err error
	if cm.conn != nil && !cm.conn.IsClosed() {
		err = cm.conn.Close()
	}
	cm.conn = nil
	return err
}
