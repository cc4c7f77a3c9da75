package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"birthday_notification_service/internal/app"
	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/infra/scheduler"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const (
	retryCallbackPrefix = "retry_"
	maxFailedListed     = 20
	unauthorizedText    = "Error: you are not allowed to use this bot."
)

type StatusReporter interface {
	Status(ctx context.Context) (scheduler.Status, error)
}

type Retrier interface {
	ListExhausted(ctx context.Context) ([]*occurrence.Occurrence, error)
	RetryNow(ctx context.Context, id uuid.UUID) (bool, error)
}

// RegisterOpsHandlers registers the operator commands and the retry buttons.
// Only adminTelegramID may use them.
func RegisterOpsHandlers(
	ctx context.Context,
	b *telebot.Bot,
	statusReporter StatusReporter,
	retrier Retrier,
	adminTelegramID int64,
	baseLogger *logrus.Entry,
) {
	isAdmin := func(c telebot.Context) bool {
		return c.Sender() != nil && c.Sender().ID == adminTelegramID
	}

	b.Handle("/start", func(c telebot.Context) error {
		logCtx := baseLogger.WithFields(logrus.Fields{"command": "/start", "sender_id": c.Sender().ID})
		logCtx.Info("Processing /start command")
		if !isAdmin(c) {
			logCtx.Info("User is unknown")
			return c.Send("Hi! This bot is for the operators of the birthday notification service.")
		}
		return c.Send(fmt.Sprintf("Hi, %s! Birthday notifications are being watched. Use /help for the list of commands.", c.Sender().FirstName))
	})

	b.Handle("/help", func(c telebot.Context) error {
		if !isAdmin(c) {
			return c.Send("There are no commands available for you.")
		}
		var helpText strings.Builder
		helpText.WriteString("Available commands:\n\n")
		helpText.WriteString("`/status`\n - Scheduler state and backlog counts.\n\n")
		helpText.WriteString("`/failed`\n - Notifications that ran out of automatic attempts, with a retry button each.\n\n")
		helpText.WriteString("`/help`\n - Show this message.")
		return c.Send(helpText.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})

	b.Handle("/status", func(c telebot.Context) error {
		logCtx := baseLogger.WithFields(logrus.Fields{"command": "/status", "sender_id": c.Sender().ID})
		if !isAdmin(c) {
			logCtx.Warn("Unauthorized access attempt")
			return c.Send(unauthorizedText)
		}

		st, err := statusReporter.Status(ctx)
		if err != nil {
			logCtx.WithError(err).Error("Failed to get scheduler status")
			return c.Send("An error occurred while reading the scheduler status.")
		}

		running := "stopped"
		next := "-"
		if st.IsRunning {
			running = "running"
			next = st.NextScheduledCheck.UTC().Format(time.RFC3339)
		}
		return c.Send(fmt.Sprintf("Scheduler: %s\nNext check: %s\nPending: %d\nFailed: %d\nOut of attempts: %d",
			running, next, st.PendingCount, st.FailedCount, st.ExhaustedCount))
	})

	b.Handle("/failed", func(c telebot.Context) error {
		logCtx := baseLogger.WithFields(logrus.Fields{"command": "/failed", "sender_id": c.Sender().ID})
		if !isAdmin(c) {
			logCtx.Warn("Unauthorized access attempt")
			return c.Send(unauthorizedText)
		}

		exhausted, err := retrier.ListExhausted(ctx)
		if err != nil {
			logCtx.WithError(err).Error("Failed to list exhausted occurrences")
			return c.Send("An error occurred while listing failed notifications.")
		}
		if len(exhausted) == 0 {
			return c.Send("No notifications are out of attempts.")
		}
		logCtx.WithField("count", len(exhausted)).Info("Listing exhausted occurrences")

		if len(exhausted) > maxFailedListed {
			if err := c.Send(fmt.Sprintf("%d notifications are out of attempts, showing the oldest %d.", len(exhausted), maxFailedListed)); err != nil {
				return err
			}
			exhausted = exhausted[:maxFailedListed]
		}
		for _, o := range exhausted {
			markup := &telebot.ReplyMarkup{}
			markup.InlineKeyboard = [][]telebot.InlineButton{{
				{Text: "Retry now", Data: retryCallbackPrefix + o.ID.String()},
			}}
			if err := c.Send(describeFailed(o), markup); err != nil {
				return err
			}
		}
		return nil
	})

	b.Handle(telebot.OnCallback, func(c telebot.Context) error {
		data := c.Callback().Data
		logCtx := baseLogger.WithFields(logrus.Fields{"callback": data, "sender_id": c.Sender().ID})

		if !strings.HasPrefix(data, retryCallbackPrefix) {
			c.Bot().OnError(fmt.Errorf("unhandled callback data: %s", data), c)
			return c.Respond(&telebot.CallbackResponse{Text: "Unknown action."})
		}
		if !isAdmin(c) {
			logCtx.Warn("Unauthorized retry attempt")
			return c.Respond(&telebot.CallbackResponse{Text: unauthorizedText})
		}

		id, err := uuid.Parse(strings.TrimPrefix(data, retryCallbackPrefix))
		if err != nil {
			c.Bot().OnError(fmt.Errorf("invalid occurrence id in callback %q: %w", data, err), c)
			return c.Respond(&telebot.CallbackResponse{Text: "Invalid notification id."})
		}

		sent, err := retrier.RetryNow(ctx, id)
		switch {
		case errors.Is(err, occurrence.ErrNotFound):
			return c.Respond(&telebot.CallbackResponse{Text: "Notification no longer exists."})
		case errors.Is(err, app.ErrOccurrenceNotRetryable):
			return c.Respond(&telebot.CallbackResponse{Text: "Notification is not in a failed state anymore."})
		case err != nil:
			logCtx.WithError(err).Error("Manual retry failed")
			return c.Respond(&telebot.CallbackResponse{Text: "An error occurred."})
		case sent:
			logCtx.WithField("occurrence_id", id).Info("Manual retry delivered")
			return c.Respond(&telebot.CallbackResponse{Text: "Delivered!"})
		default:
			logCtx.WithField("occurrence_id", id).Warn("Manual retry did not deliver")
			return c.Respond(&telebot.CallbackResponse{Text: "Delivery failed again."})
		}
	})
}

func describeFailed(o *occurrence.Occurrence) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Notification %s\nScheduled: %s\nAttempts: %d\n",
		o.ID, o.ScheduledAt.UTC().Format(time.RFC3339), o.AttemptCount))
	if o.ErrorKind != occurrence.ErrorKindNone {
		sb.WriteString(fmt.Sprintf("Error: %s", o.ErrorKind))
		if o.LastError.Valid {
			sb.WriteString(" (" + o.LastError.String + ")")
		}
	}
	return sb.String()
}
