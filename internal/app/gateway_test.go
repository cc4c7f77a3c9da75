package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"birthday_notification_service/internal/domain/delivery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_Deliver(t *testing.T) {
	msg := delivery.Message{Recipient: "r", Text: "Hey, Jane Doe it's your birthday"}

	t.Run("first attempt succeeds", func(t *testing.T) {
		tr := &fakeTransport{}
		ok, err := fastGateway(tr).Deliver(context.Background(), msg)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, tr.count())
	})

	t.Run("failure uses every attempt", func(t *testing.T) {
		tr := &fakeTransport{respond: alwaysStatus(503)}
		ok, err := fastGateway(tr).Deliver(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, tr.count())
	})

	t.Run("transport errors are retried", func(t *testing.T) {
		tr := &fakeTransport{respond: func(int, delivery.Message) (int, error) {
			return 0, errors.New("connection refused")
		}}
		ok, err := fastGateway(tr).Deliver(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, tr.count())
	})

	t.Run("success on the last attempt", func(t *testing.T) {
		tr := &fakeTransport{respond: func(call int, _ delivery.Message) (int, error) {
			if call < 3 {
				return 500, nil
			}
			return 204, nil
		}}
		ok, err := fastGateway(tr).Deliver(context.Background(), msg)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, tr.count())
	})

	t.Run("configuration error is not retried", func(t *testing.T) {
		tr := &fakeTransport{respond: func(int, delivery.Message) (int, error) {
			return 0, fmt.Errorf("bad endpoint: %w", delivery.ErrMisconfigured)
		}}
		ok, err := fastGateway(tr).Deliver(context.Background(), msg)
		assert.ErrorIs(t, err, delivery.ErrMisconfigured)
		assert.False(t, ok)
		assert.Equal(t, 1, tr.count())
	})

	t.Run("each attempt gets its own deadline", func(t *testing.T) {
		var deadlines []time.Time
		tr := &fakeTransport{respond: func(int, delivery.Message) (int, error) { return 500, nil }}
		g := NewGateway(transportFunc(func(ctx context.Context, m delivery.Message) (int, error) {
			dl, ok := ctx.Deadline()
			require.True(t, ok)
			deadlines = append(deadlines, dl)
			return tr.Send(ctx, m)
		}), GatewayConfig{MaxRetries: 2, AttemptTimeout: 50 * time.Millisecond, BaseDelay: 10 * time.Millisecond}, nullLog())

		ok, err := g.Deliver(context.Background(), msg)
		require.NoError(t, err)
		assert.False(t, ok)
		require.Len(t, deadlines, 2)
		assert.True(t, deadlines[1].After(deadlines[0]))
	})

	t.Run("cancellation stops the retry wait", func(t *testing.T) {
		tr := &fakeTransport{respond: alwaysStatus(500)}
		g := NewGateway(tr, GatewayConfig{MaxRetries: 3, AttemptTimeout: time.Second, BaseDelay: time.Hour}, nullLog())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		ok, err := g.Deliver(ctx, msg)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, tr.count())
	})
}

func TestGateway_BreakerWrapsAttempts(t *testing.T) {
	tr := &fakeTransport{respond: alwaysStatus(500)}
	b := &countingBreaker{openAfter: 2}
	g := NewGateway(tr, GatewayConfig{MaxRetries: 3, AttemptTimeout: time.Second}, nullLog(), WithBreaker(b))

	ok, err := g.Deliver(context.Background(), delivery.Message{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, b.calls)
	assert.Equal(t, 2, tr.count(), "the third attempt is rejected by the open breaker")
}

func TestGateway_Probe(t *testing.T) {
	ok := fastGateway(&fakeTransport{}).Probe(context.Background())
	assert.True(t, ok)

	tr := &fakeTransport{respond: alwaysStatus(404)}
	assert.False(t, fastGateway(tr).Probe(context.Background()))
	assert.Equal(t, 1, tr.count(), "probe does not retry")
}

type transportFunc func(ctx context.Context, msg delivery.Message) (int, error)

func (f transportFunc) Send(ctx context.Context, msg delivery.Message) (int, error) {
	return f(ctx, msg)
}

// countingBreaker opens after openAfter failed calls.
type countingBreaker struct {
	calls     int
	failures  int
	openAfter int
}

func (b *countingBreaker) Execute(fn func() error) error {
	b.calls++
	if b.failures >= b.openAfter {
		return errors.New("circuit open")
	}
	if err := fn(); err != nil {
		b.failures++
		return err
	}
	return nil
}
