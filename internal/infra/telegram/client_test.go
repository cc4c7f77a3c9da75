package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"birthday_notification_service/internal/domain/delivery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"
)

func TestTransport_Send(t *testing.T) {
	b, api := newTestBot(t)
	tr := NewTransport(b, 42)

	code, err := tr.Send(context.Background(), delivery.Message{Text: "Hey, Jane Doe it's your birthday"})
	require.NoError(t, err)
	assert.Equal(t, 200, code)

	calls := api.byMethod("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, "42", calls[0].Params["chat_id"])
	assert.Equal(t, "Hey, Jane Doe it's your birthday", calls[0].Params["text"])
}

func TestTransport_SendErrors(t *testing.T) {
	t.Run("bad token is a configuration error", func(t *testing.T) {
		b, api := newTestBot(t)
		api.reply = `{"ok":false,"error_code":401,"description":"Unauthorized"}`

		_, err := NewTransport(b, 42).Send(context.Background(), delivery.Message{Text: "hi"})
		assert.ErrorIs(t, err, delivery.ErrMisconfigured)
	})

	t.Run("server errors are retryable", func(t *testing.T) {
		b, api := newTestBot(t)
		api.reply = `{"ok":false,"error_code":502,"description":"Bad Gateway"}`

		code, err := NewTransport(b, 42).Send(context.Background(), delivery.Message{Text: "hi"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, delivery.ErrMisconfigured)
		assert.False(t, delivery.IsSuccess(code))
	})

	t.Run("cancelled context sends nothing", func(t *testing.T) {
		b, api := newTestBot(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewTransport(b, 42).Send(ctx, delivery.Message{Text: "hi"})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, api.byMethod("sendMessage"))
	})

	t.Run("slow api is cut off by the deadline", func(t *testing.T) {
		tr := NewTransport(slowSender{delay: time.Second}, 42)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := tr.Send(ctx, delivery.Message{Text: "hi"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

type slowSender struct{ delay time.Duration }

func (s slowSender) Send(telebot.Recipient, interface{}, ...interface{}) (*telebot.Message, error) {
	time.Sleep(s.delay)
	return nil, errors.New("too late")
}
