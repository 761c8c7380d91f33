// Package orders holds the callbacks for the order queues: new orders,
// created drafts and updated drafts.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	consumer "github.com/glimte/durable-consumer"
)

// Queue and handler names
const (
	QueueOrders      = "orders"
	QueueDraftCreate = "draft_create"
	QueueDraftUpdate = "draft_update"
)

var (
	ErrInvalidID      = errors.New("orders: invalid id")
	ErrUnknownHandler = errors.New("orders: unknown handler")
)

// Processor does the business work once an id has been accepted
type Processor interface {
	ProcessOrder(ctx context.Context, orderID int64) error
	DraftCreated(ctx context.Context, draftID int64) error
	DraftUpdated(ctx context.Context, draftID int64) error
}

// LogProcessor only logs what it was asked to do
type LogProcessor struct {
	Logger *slog.Logger
}

func (p LogProcessor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p LogProcessor) ProcessOrder(ctx context.Context, orderID int64) error {
	p.logger().InfoContext(ctx, "order processed", "orderId", orderID)
	return nil
}

func (p LogProcessor) DraftCreated(ctx context.Context, draftID int64) error {
	p.logger().InfoContext(ctx, "draft created", "draftId", draftID)
	return nil
}

func (p LogProcessor) DraftUpdated(ctx context.Context, draftID int64) error {
	p.logger().InfoContext(ctx, "draft updated", "draftId", draftID)
	return nil
}

// Handlers builds the callbacks keyed by handler name. settleDelay is how
// long a new order waits for payment to complete before it is processed.
func Handlers(p Processor, settleDelay time.Duration) map[string]consumer.Callback {
	return map[string]consumer.Callback{
		QueueOrders: func(ctx context.Context, body string, h *consumer.Handle) error {
			id, err := ParseID(body)
			if err != nil {
				return err
			}
			h.Info(fmt.Sprintf("Beginning processing for Order #%d", id), "orderId", id)
			if err := sleep(ctx, settleDelay); err != nil {
				return err
			}
			return p.ProcessOrder(ctx, id)
		},
		QueueDraftCreate: func(ctx context.Context, body string, h *consumer.Handle) error {
			id, err := ParseID(body)
			if err != nil {
				return err
			}
			h.Info(fmt.Sprintf("Beginning processing for Draft #%d", id), "draftId", id)
			return p.DraftCreated(ctx, id)
		},
		QueueDraftUpdate: func(ctx context.Context, body string, h *consumer.Handle) error {
			id, err := ParseID(body)
			if err != nil {
				return err
			}
			h.Info(fmt.Sprintf("Beginning processing for Draft #%d", id), "draftId", id)
			return p.DraftUpdated(ctx, id)
		},
	}
}

// Lookup returns the callback registered under name
func Lookup(handlers map[string]consumer.Callback, name string) (consumer.Callback, error) {
	cb, ok := handlers[name]
	if !ok {
		names := make([]string, 0, len(handlers))
		for n := range handlers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownHandler, name, strings.Join(names, ", "))
	}
	return cb, nil
}

// ParseID reads a message body as a positive numeric id
func ParseID(body string) (int64, error) {
	s := strings.TrimSpace(body)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, body)
	}
	return id, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
