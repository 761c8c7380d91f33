package orders

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	consumer "github.com/glimte/durable-consumer"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) ProcessOrder(ctx context.Context, orderID int64) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *mockProcessor) DraftCreated(ctx context.Context, draftID int64) error {
	args := m.Called(ctx, draftID)
	return args.Error(0)
}

func (m *mockProcessor) DraftUpdated(ctx context.Context, draftID int64) error {
	args := m.Called(ctx, draftID)
	return args.Error(0)
}

func testHandle() (*consumer.Handle, *bytes.Buffer) {
	var buf bytes.Buffer
	return consumer.NewHandle(slog.New(slog.NewJSONHandler(&buf, nil))), &buf
}

func TestParseID(t *testing.T) {
	id, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = ParseID(" 7\n")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	for _, body := range []string{"", "abc", "0", "-3", "4.5"} {
		_, err := ParseID(body)
		assert.ErrorIs(t, err, ErrInvalidID, body)
	}
}

func TestHandlers(t *testing.T) {
	t.Run("orders waits, logs and processes", func(t *testing.T) {
		p := &mockProcessor{}
		p.On("ProcessOrder", mock.Anything, int64(42)).Return(nil)
		h, buf := testHandle()

		start := time.Now()
		err := Handlers(p, 20*time.Millisecond)[QueueOrders](context.Background(), "42", h)

		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
		assert.Contains(t, buf.String(), "Beginning processing for Order #42")
		p.AssertExpectations(t)
	})

	t.Run("orders settle delay honours cancellation", func(t *testing.T) {
		p := &mockProcessor{}
		h, _ := testHandle()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Handlers(p, time.Hour)[QueueOrders](ctx, "42", h)
		assert.ErrorIs(t, err, context.Canceled)
		p.AssertNotCalled(t, "ProcessOrder", mock.Anything, mock.Anything)
	})

	t.Run("drafts delegate", func(t *testing.T) {
		p := &mockProcessor{}
		p.On("DraftCreated", mock.Anything, int64(5)).Return(nil)
		p.On("DraftUpdated", mock.Anything, int64(6)).Return(errors.New("draft locked"))
		h, _ := testHandle()
		handlers := Handlers(p, 0)

		assert.NoError(t, handlers[QueueDraftCreate](context.Background(), "5", h))
		assert.EqualError(t, handlers[QueueDraftUpdate](context.Background(), "6", h), "draft locked")
		p.AssertExpectations(t)
	})

	t.Run("bad body never reaches the processor", func(t *testing.T) {
		p := &mockProcessor{}
		h, _ := testHandle()

		err := Handlers(p, 0)[QueueDraftCreate](context.Background(), "draft-5", h)
		assert.ErrorIs(t, err, ErrInvalidID)
		p.AssertNotCalled(t, "DraftCreated", mock.Anything, mock.Anything)
	})
}

func TestLookup(t *testing.T) {
	handlers := Handlers(LogProcessor{}, 0)

	cb, err := Lookup(handlers, QueueDraftUpdate)
	require.NoError(t, err)
	assert.NotNil(t, cb)

	_, err = Lookup(handlers, "invoices")
	assert.ErrorIs(t, err, ErrUnknownHandler)
	assert.Contains(t, err.Error(), "draft_create, draft_update, orders")
}

func TestLogProcessor(t *testing.T) {
	var buf bytes.Buffer
	p := LogProcessor{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	require.NoError(t, p.ProcessOrder(context.Background(), 1))
	require.NoError(t, p.DraftCreated(context.Background(), 2))
	require.NoError(t, p.DraftUpdated(context.Background(), 3))

	assert.Contains(t, buf.String(), `"orderId":1`)
	assert.Contains(t, buf.String(), `"draftId":3`)
}
