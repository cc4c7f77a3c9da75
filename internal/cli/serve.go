package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"birthday_notification_service/internal/app"
	"birthday_notification_service/internal/infra/httpapi"
	"birthday_notification_service/internal/infra/logger"
	"birthday_notification_service/internal/infra/telegram"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	probeTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the dispatch and recovery loops and the ops bot",
		Long: `Starts the service: applies the database schema, probes the delivery
transport, starts the cron jobs, serves the HTTP API on PORT and, when
ADMIN_TELEGRAM_ID is set, the Telegram ops bot.

Runs until SIGINT or SIGTERM, then drains running ticks and in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(parent context.Context, rootOpts *RootOptions) error {
	cfg, err := rootOpts.setup()
	if err != nil {
		return err
	}
	log := mainLogger()
	base := logrus.NewEntry(logger.Log)
	log.WithFields(logrus.Fields{
		"environment": cfg.Environment,
		"driver":      cfg.DatabaseDriver,
		"transport":   cfg.DeliveryTransport,
	}).Info("Birthday notification service starting...")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return wrapExit(ExitConfigError, "could not open database", err)
	}
	defer st.Close()
	log.Info("Database connection established and schema applied.")

	bot, err := newBot(cfg, base)
	if err != nil {
		return wrapExit(ExitConfigError, "could not start telegram bot", err)
	}
	transport, err := newTransport(cfg, bot)
	if err != nil {
		return wrapExit(ExitConfigError, "could not create delivery transport", err)
	}
	gateway := newGateway(cfg, transport, base)

	probeCtx, cancelProbe := context.WithTimeout(ctx, probeTimeout)
	if gateway.Probe(probeCtx) {
		log.Info("Delivery transport probe succeeded.")
	} else {
		log.Warn("Delivery transport probe failed; alerts will be retried by the recovery loop.")
	}
	cancelProbe()

	planner := newPlanner(cfg, st.occRepo, base)
	subjects := app.NewSubjectService(st.subjRepo, st.occRepo, planner, base)
	dispatcher := newDispatcher(cfg, st, gateway, base)

	// Top up every subject to the full horizon.
	if created, err := subjects.ReplanAll(ctx); err != nil {
		log.WithError(err).Error("Startup replan failed")
	} else {
		log.WithField("created", created).Info("Startup replan finished.")
	}

	sched := newScheduler(cfg, dispatcher, st.occRepo, base)
	if err := sched.Start(); err != nil {
		return wrapExit(ExitConfigError, "could not start scheduler", err)
	}
	defer sched.Stop()

	limiter, closeLimiter, err := newRateLimiter(ctx, cfg, base)
	if err != nil {
		return wrapExit(ExitConfigError, "could not create rate limiter", err)
	}
	defer closeLimiter()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(subjects, sched, dispatcher, limiter,
		httpapi.Config{RateLimitWindow: cfg.RateLimitWindow, AllowedOrigins: cfg.CORSAllowedOrigins}, base)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("HTTP API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if bot != nil && cfg.AdminTelegramID != 0 {
		telegram.RegisterOpsHandlers(ctx, bot, sched, dispatcher, cfg.AdminTelegramID, base.WithField("component", "ops_bot"))
		go bot.Start()
		defer bot.Stop()
		log.WithField("admin_id", cfg.AdminTelegramID).Info("Ops bot started.")
	}

	log.Info("Application setup complete.")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received.")
	case err := <-serverErr:
		runErr = wrapExit(ExitRuntimeError, "http server failed", err)
	}

	log.Info("Shutting down application...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	return runErr
}
