// internal/infra/telegram/client.go
package telegram

import (
	"context"
	"errors"
	"fmt"

	"birthday_notification_service/internal/domain/delivery"

	"gopkg.in/telebot.v3"
)

// Sender is the part of *telebot.Bot the transport uses.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// Transport delivers birthday alerts as messages to a single Telegram chat.
type Transport struct {
	bot    Sender
	chatID int64
}

func NewTransport(b Sender, chatID int64) *Transport {
	return &Transport{bot: b, chatID: chatID}
}

// Send posts msg.Text to the configured chat. Telegram answers are mapped to
// HTTP-style codes; a rejected token or unknown chat is a configuration error.
func (t *Transport) Send(ctx context.Context, msg delivery.Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := t.bot.Send(telebot.ChatID(t.chatID), msg.Text)
		done <- result{err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		return classify(r.err)
	}
}

func classify(err error) (int, error) {
	if err == nil {
		return 200, nil
	}
	if errors.Is(err, telebot.ErrUnauthorized) || errors.Is(err, telebot.ErrChatNotFound) {
		return 0, fmt.Errorf("telegram rejected the bot setup: %v: %w", err, delivery.ErrMisconfigured)
	}
	var apiErr *telebot.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code, err
	}
	var floodErr telebot.FloodError
	if errors.As(err, &floodErr) {
		return 429, err
	}
	return 0, err
}
