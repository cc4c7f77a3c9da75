package cli

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"birthday_notification_service/internal/app"
	"birthday_notification_service/internal/domain/delivery"
	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"
	"birthday_notification_service/internal/guard"
	"birthday_notification_service/internal/infra/config"
	idb "birthday_notification_service/internal/infra/database"
	"birthday_notification_service/internal/infra/logger"
	"birthday_notification_service/internal/infra/scheduler"
	"birthday_notification_service/internal/infra/sms"
	"birthday_notification_service/internal/infra/telegram"
	"birthday_notification_service/internal/infra/webhook"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const dispatchWindow = time.Minute

// store is an open database with both repositories on top of it.
type store struct {
	db       *sql.DB
	occRepo  occurrence.Repository
	subjRepo subject.Repository
}

func (s *store) Close() error {
	return s.db.Close()
}

// openStore connects to the configured database and applies the schema.
func openStore(ctx context.Context, cfg *config.AppConfig) (*store, error) {
	var (
		db  *sql.DB
		err error
		st  = &store{}
	)
	switch cfg.DatabaseDriver {
	case idb.DriverPostgres:
		db, err = idb.NewPostgresConnection(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.occRepo = idb.NewPostgresOccurrenceRepository(db)
		st.subjRepo = idb.NewPostgresSubjectRepository(db)
	case idb.DriverSQLite:
		db, err = idb.NewSQLiteConnection(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.occRepo = idb.NewSQLiteOccurrenceRepository(db)
		st.subjRepo = idb.NewSQLiteSubjectRepository(db)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	st.db = db

	if err := idb.Migrate(ctx, db, cfg.DatabaseDriver); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// newBot builds the telebot client shared by the telegram transport and the
// ops bot. It returns nil when neither is configured.
func newBot(cfg *config.AppConfig, log *logrus.Entry) (*telebot.Bot, error) {
	if cfg.DeliveryTransport != config.TransportTelegram && cfg.AdminTelegramID == 0 {
		return nil, nil
	}
	botLog := log.WithField("component", "telebot")
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			entry := botLog.WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				entry = entry.WithFields(logrus.Fields{"sender_id": c.Sender().ID, "chat_id": c.Chat().ID})
			}
			entry.Error("Telegram handler error")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("could not create telegram bot: %w", err)
	}
	return bot, nil
}

// newTransport picks the delivery transport named by DELIVERY_TRANSPORT.
func newTransport(cfg *config.AppConfig, bot *telebot.Bot) (delivery.Transport, error) {
	switch cfg.DeliveryTransport {
	case config.TransportWebhook:
		client, err := webhook.NewClient(cfg.WebhookURL, &http.Client{})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.TransportTelegram:
		if bot == nil {
			return nil, fmt.Errorf("telegram transport needs a bot: %w", delivery.ErrMisconfigured)
		}
		return telegram.NewTransport(bot, cfg.TelegramChatID), nil
	case config.TransportSMS:
		t, err := sms.NewTransport(sms.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFromNumber,
			To:         cfg.TwilioToNumber,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown delivery transport %q: %w", cfg.DeliveryTransport, delivery.ErrMisconfigured)
	}
}

func newGateway(cfg *config.AppConfig, transport delivery.Transport, log *logrus.Entry) *app.Gateway {
	var opts []app.GatewayOption
	if cfg.DeliveryBreakerEnabled {
		opts = append(opts, app.WithBreaker(guard.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout)))
	}
	return app.NewGateway(transport, app.GatewayConfig{
		MaxRetries:     cfg.DeliveryMaxRetries,
		AttemptTimeout: cfg.DeliveryTimeout,
		BaseDelay:      cfg.DeliveryRetryDelay,
	}, log, opts...)
}

func newPlanner(cfg *config.AppConfig, occRepo occurrence.Repository, log *logrus.Entry) *app.Planner {
	return app.NewPlanner(occRepo, app.PlannerConfig{
		HorizonYears: cfg.HorizonYears,
		Hour:         cfg.NotificationHour,
		Minute:       cfg.NotificationMinute,
	}, log)
}

func newDispatcher(cfg *config.AppConfig, st *store, gw app.Deliverer, log *logrus.Entry) *app.Dispatcher {
	return app.NewDispatcher(st.occRepo, st.subjRepo, gw, app.DispatcherConfig{
		BatchSize:          cfg.DispatchBatchSize,
		DispatchWindow:     dispatchWindow,
		MissedAfter:        cfg.MissedAfter,
		StaleInFlightAfter: cfg.StaleInFlightAfter,
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
	}, log)
}

// A tick may run as long as an in_flight row is allowed to stay in_flight.
func newScheduler(cfg *config.AppConfig, ticker scheduler.Ticker, occRepo occurrence.Repository, log *logrus.Entry) *scheduler.NotificationScheduler {
	return scheduler.NewNotificationScheduler(ticker, occRepo, scheduler.Config{
		DispatchSpec:     cfg.CronSpecDispatch,
		RecoveryInterval: cfg.RecoveryInterval,
		DispatchTimeout:  cfg.StaleInFlightAfter,
		RecoveryTimeout:  cfg.StaleInFlightAfter,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
	}, log)
}

// newRateLimiter returns the Redis limiter when REDIS_ADDR is set, the
// in-memory one otherwise. The returned close func is never nil.
func newRateLimiter(ctx context.Context, cfg *config.AppConfig, log *logrus.Entry) (guard.RateLimiter, func() error, error) {
	if cfg.RedisAddr == "" {
		log.Info("Using in-memory rate limiter")
		return guard.NewMemoryRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxRequests), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("could not connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	log.WithField("addr", cfg.RedisAddr).Info("Using redis rate limiter")
	return guard.NewRedisRateLimiter(client, cfg.RateLimitWindow, cfg.RateLimitMaxRequests, log), client.Close, nil
}

func mainLogger() *logrus.Entry {
	return logger.Component("main")
}
