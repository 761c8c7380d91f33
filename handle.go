package consumer

import (
	"context"
	"log/slog"

	"github.com/glimte/durable-consumer/internal/logging"
	"github.com/glimte/durable-consumer/reliability"
)

// ErrorReporter accumulates error records and flushes them on demand
type ErrorReporter interface {
	AddError(rec reliability.ErrorRecord)
	PrintErrors()
}

// Handle carries the logging and error-reporting capabilities that the
// consumer uses itself and forwards to every callback.
type Handle struct {
	Logger *slog.Logger
	Errors ErrorReporter
}

// NewHandle creates a handle backed by a reliability.ErrorLog
func NewHandle(logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		Logger: logger,
		Errors: reliability.NewErrorLog(logger),
	}
}

// Info logs at info level
func (h *Handle) Info(msg string, args ...any) {
	h.Logger.Info(msg, args...)
}

// Success logs at the success level
func (h *Handle) Success(msg string, args ...any) {
	logging.Success(context.Background(), h.Logger, msg, args...)
}

// Error logs at error level
func (h *Handle) Error(msg string, args ...any) {
	h.Logger.Error(msg, args...)
}

func (h *Handle) withDefaults() *Handle {
	out := &Handle{}
	if h != nil {
		*out = *h
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Errors == nil {
		out.Errors = reliability.NewErrorLog(out.Logger)
	}
	return out
}
