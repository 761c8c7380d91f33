package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/durable-consumer/internal/rabbitmq"
)

// BrokerChecker dials the broker on a connection of its own and declares the
// consumer's queue, the same way a consuming run starts.
type BrokerChecker struct {
	url            string
	queue          string
	dial           rabbitmq.Dialer
	connectTimeout time.Duration
	logger         *slog.Logger
}

// NewBrokerChecker creates a checker for queue on the broker at url
func NewBrokerChecker(url, queue string, dial rabbitmq.Dialer, connectTimeout time.Duration, logger *slog.Logger) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{
		url:            url,
		queue:          queue,
		dial:           dial,
		connectTimeout: connectTimeout,
		logger:         logger,
	}
}

func (c *BrokerChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"broker": rabbitmq.SanitizeURL(c.url),
			"queue":  c.queue,
		},
	}

	opts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(c.logger)}
	if c.dial != nil {
		opts = append(opts, rabbitmq.WithDialer(c.dial))
	}
	if c.connectTimeout > 0 {
		opts = append(opts, rabbitmq.WithConnectTimeout(c.connectTimeout))
	}

	manager := rabbitmq.NewConnectionManager(c.url, c.queue, opts...)
	defer manager.Close()

	if err := manager.Connect(ctx); err != nil {
		kind := rabbitmq.Classify(err)
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not reachable", c.queue)
		result.Error = err.Error()
		result.Details["failure_kind"] = kind.String()
		result.Duration = time.Since(start)
		c.logger.Debug("broker check failed", "queue", c.queue, "kind", kind.String(), "error", err)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is declared and reachable", c.queue)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker flags a process that is leaking goroutines
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a goroutine-count checker
func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
