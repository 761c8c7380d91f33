package reliability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity string

const (
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ErrorRecord represents one failure reported while consuming a queue
type ErrorRecord struct {
	ID         string        `json:"id"`
	Message    string        `json:"message"`
	Origin     string        `json:"origin,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Severity   ErrorSeverity `json:"severity"`
	StackTrace string        `json:"stackTrace,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

func (r ErrorRecord) String() string {
	if r.Origin == "" {
		return r.Message
	}
	return fmt.Sprintf("%s: %s", r.Origin, r.Message)
}

// ErrorLog accumulates error records until PrintErrors flushes them.
// Records are not kept after a flush.
type ErrorLog struct {
	logger  *slog.Logger
	mu      sync.Mutex
	pending []ErrorRecord
	printed int
}

// NewErrorLog creates an error log that prints through logger
func NewErrorLog(logger *slog.Logger) *ErrorLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorLog{logger: logger}
}

// AddError appends a record, filling in ID, severity and timestamp when missing
func (l *ErrorLog) AddError(rec ErrorRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityHigh
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, rec)
}

// PrintErrors logs every pending record at error level and clears them
func (l *ErrorLog) PrintErrors() {
	l.mu.Lock()
	records := l.pending
	l.pending = nil
	l.printed += len(records)
	l.mu.Unlock()

	for _, rec := range records {
		attrs := []any{
			"errorId", rec.ID,
			"severity", rec.Severity,
			"occurredAt", rec.OccurredAt,
		}
		if rec.Origin != "" {
			attrs = append(attrs, "origin", rec.Origin)
		}
		if rec.Kind != "" {
			attrs = append(attrs, "kind", rec.Kind)
		}
		if rec.StackTrace != "" {
			attrs = append(attrs, "traceback", rec.StackTrace)
		}
		l.logger.Error(rec.Message, attrs...)
	}
}

// Pending returns a copy of the records not yet printed
func (l *ErrorLog) Pending() []ErrorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ErrorRecord(nil), l.pending...)
}

// Printed returns how many records have been flushed so far
func (l *ErrorLog) Printed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.printed
}
