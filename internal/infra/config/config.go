package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportWebhook  = "webhook"
	TransportTelegram = "telegram"
	TransportSMS      = "sms"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseDriver string
	DatabaseURL    string
	Port           string
	LogLevel       string
	Environment    string

	DeliveryTransport string
	WebhookURL        string
	TelegramToken     string
	TelegramChatID    int64
	AdminTelegramID   int64 // Zero disables the ops bot
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioToNumber    string

	NotificationHour   int
	NotificationMinute int
	HorizonYears       int

	CronSpecDispatch   string
	RecoveryInterval   time.Duration
	MissedAfter        time.Duration
	StaleInFlightAfter time.Duration
	MaxRetryAttempts   int
	DispatchBatchSize  int

	DeliveryMaxRetries      int
	DeliveryTimeout         time.Duration
	DeliveryRetryDelay      time.Duration
	DeliveryBreakerEnabled  bool
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	RedisAddr            string // Empty keeps the limiter in memory
	RedisPassword        string
	RedisDB              int
	CORSAllowedOrigins   []string // "*" allows any origin
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseDriver = strings.ToLower(getString("DATABASE_DRIVER", "postgres"))
	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return nil, fmt.Errorf("invalid DATABASE_DRIVER %q: must be postgres or sqlite", cfg.DatabaseDriver)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.Port = getString("PORT", "3000")
	cfg.LogLevel = strings.ToLower(getString("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(getString("ENVIRONMENT", "development"))

	cfg.DeliveryTransport = strings.ToLower(getString("DELIVERY_TRANSPORT", TransportWebhook))
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioFromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	cfg.TwilioToNumber = os.Getenv("TWILIO_TO_NUMBER")
	if cfg.TelegramChatID, err = getInt64("TELEGRAM_CHAT_ID", 0); err != nil {
		return nil, err
	}
	if cfg.AdminTelegramID, err = getInt64("ADMIN_TELEGRAM_ID", 0); err != nil {
		return nil, err
	}

	switch cfg.DeliveryTransport {
	case TransportWebhook:
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL is not set")
		}
	case TransportTelegram:
		if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
			return nil, fmt.Errorf("TELEGRAM_TOKEN and TELEGRAM_CHAT_ID are required for the telegram transport")
		}
	case TransportSMS:
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" || cfg.TwilioToNumber == "" {
			return nil, fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and TWILIO_TO_NUMBER are required for the sms transport")
		}
	default:
		return nil, fmt.Errorf("invalid DELIVERY_TRANSPORT %q: must be webhook, telegram or sms", cfg.DeliveryTransport)
	}
	if cfg.AdminTelegramID != 0 && cfg.TelegramToken == "" {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is set but TELEGRAM_TOKEN is not")
	}

	if cfg.NotificationHour, err = getInt("BIRTHDAY_NOTIFICATION_HOUR", 9); err != nil {
		return nil, err
	}
	if cfg.NotificationHour < 0 || cfg.NotificationHour > 23 {
		return nil, fmt.Errorf("BIRTHDAY_NOTIFICATION_HOUR must be between 0 and 23")
	}
	if cfg.NotificationMinute, err = getInt("BIRTHDAY_NOTIFICATION_MINUTE", 0); err != nil {
		return nil, err
	}
	if cfg.NotificationMinute < 0 || cfg.NotificationMinute > 59 {
		return nil, fmt.Errorf("BIRTHDAY_NOTIFICATION_MINUTE must be between 0 and 59")
	}
	if cfg.HorizonYears, err = getPositiveInt("PLANNING_HORIZON_YEARS", 5); err != nil {
		return nil, err
	}

	cfg.CronSpecDispatch = getString("CRON_SPEC_DISPATCH", "* * * * *") // Default: every minute
	if cfg.RecoveryInterval, err = getDuration("RECOVERY_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.MissedAfter, err = getDuration("MISSED_AFTER", time.Hour); err != nil {
		return nil, err
	}
	if cfg.StaleInFlightAfter, err = getDuration("STALE_IN_FLIGHT_AFTER", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxRetryAttempts, err = getPositiveInt("MAX_RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.DispatchBatchSize, err = getPositiveInt("DISPATCH_BATCH_SIZE", 10); err != nil {
		return nil, err
	}

	if cfg.DeliveryMaxRetries, err = getPositiveInt("DELIVERY_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.DeliveryTimeout, err = getDuration("DELIVERY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeliveryRetryDelay, err = getDuration("DELIVERY_RETRY_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeliveryBreakerEnabled, err = getBool("DELIVERY_BREAKER_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.BreakerFailureThreshold, err = getPositiveInt("BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerResetTimeout, err = getDuration("BREAKER_RESET_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	if cfg.StaleInFlightAfter <= cfg.WorstCaseDelivery() {
		return nil, fmt.Errorf("STALE_IN_FLIGHT_AFTER (%s) must exceed the worst-case delivery time (%s)",
			cfg.StaleInFlightAfter, cfg.WorstCaseDelivery())
	}

	if cfg.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateLimitMaxRequests, err = getPositiveInt("RATE_LIMIT_MAX_REQUESTS", 100); err != nil {
		return nil, err
	}
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.CORSAllowedOrigins = getList("CORS_ALLOWED_ORIGINS", "*")

	return cfg, nil
}

// WorstCaseDelivery is the longest a single Gateway delivery can take:
// every attempt timing out plus the growing waits between them.
func (c *AppConfig) WorstCaseDelivery() time.Duration {
	total := time.Duration(c.DeliveryMaxRetries) * c.DeliveryTimeout
	for attempt := 1; attempt < c.DeliveryMaxRetries; attempt++ {
		total += c.DeliveryRetryDelay * time.Duration(attempt)
	}
	return total
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getList splits a comma-separated variable, dropping empty items.
func getList(key, def string) []string {
	var out []string
	for _, item := range strings.Split(getString(key, def), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getPositiveInt(key string, def int) (int, error) {
	n, err := getInt(key, def)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
