package reliability

import (
	"sync"
	"time"
)

// Metrics tracks delivery and failure counts for one consumer
type Metrics struct {
	Delivered        int64
	Acknowledged     int64
	CallbackFailures int64
	StopsByKind      map[string]int64
	LastErrorTime    time.Time
	mu               sync.RWMutex
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		StopsByKind: make(map[string]int64),
	}
}

// RecordDelivery records a received delivery
func (m *Metrics) RecordDelivery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Delivered++
}

// RecordSettled records a delivery that has been acknowledged or rejected
func (m *Metrics) RecordSettled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acknowledged++
}

// RecordCallbackFailure records a delivery whose callback failed
func (m *Metrics) RecordCallbackFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallbackFailures++
	m.LastErrorTime = time.Now()
}

// RecordStop records why consumption stopped
func (m *Metrics) RecordStop(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopsByKind[kind]++
	m.LastErrorTime = time.Now()
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stops := make(map[string]int64, len(m.StopsByKind))
	for k, v := range m.StopsByKind {
		stops[k] = v
	}

	return MetricsSnapshot{
		Delivered:        m.Delivered,
		Acknowledged:     m.Acknowledged,
		CallbackFailures: m.CallbackFailures,
		StopsByKind:      stops,
		LastErrorTime:    m.LastErrorTime,
		Timestamp:        time.Now(),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of consumer metrics
type MetricsSnapshot struct {
	Delivered        int64
	Acknowledged     int64
	CallbackFailures int64
	StopsByKind      map[string]int64
	LastErrorTime    time.Time
	Timestamp        time.Time
}
