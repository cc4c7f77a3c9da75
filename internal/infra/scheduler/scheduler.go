package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"birthday_notification_service/internal/app"
	"birthday_notification_service/internal/domain/occurrence"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Ticker runs the bodies of the two periodic jobs.
type Ticker interface {
	DispatchDue(ctx context.Context) app.TickSummary
	RecoverMissed(ctx context.Context) app.TickSummary
}

type Config struct {
	DispatchSpec     string        // cron spec of the dispatch job, e.g. "* * * * *"
	RecoveryInterval time.Duration // recovery runs "@every RecoveryInterval"
	DispatchTimeout  time.Duration
	RecoveryTimeout  time.Duration
	MaxRetryAttempts int // Only used to report ExhaustedCount
}

// Status is a point-in-time view of the scheduler and the occurrence backlog.
type Status struct {
	IsRunning          bool      `json:"isRunning"`
	NextScheduledCheck time.Time `json:"nextScheduledCheck"`
	PendingCount       int       `json:"pendingCount"`
	FailedCount        int       `json:"failedCount"`
	ExhaustedCount     int       `json:"exhaustedCount"`
}

type NotificationScheduler struct {
	cronEngine *cron.Cron
	ticker     Ticker
	occRepo    occurrence.Repository
	cfg        Config
	log        *logrus.Entry

	mu         sync.Mutex
	running    bool
	dispatchID cron.EntryID
	recoveryID cron.EntryID
}

func NewNotificationScheduler(ticker Ticker, occRepo occurrence.Repository, cfg Config, log *logrus.Entry) *NotificationScheduler {
	log = log.WithField("component", "scheduler")
	cl := cronLogger{log: log}
	return &NotificationScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ticker:  ticker,
		occRepo: occRepo,
		cfg:     cfg,
		log:     log,
	}
}

// Start registers the dispatch and recovery jobs and starts the cron engine.
func (s *NotificationScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	if s.cfg.RecoveryInterval <= 0 {
		return fmt.Errorf("recovery interval must be positive, got %s", s.cfg.RecoveryInterval)
	}

	s.log.Info("Starting notification scheduler...")

	id, err := s.cronEngine.AddFunc(s.cfg.DispatchSpec, s.runDispatch)
	if err != nil {
		return fmt.Errorf("could not add dispatch job %q: %w", s.cfg.DispatchSpec, err)
	}
	s.dispatchID = id

	recoverySpec := fmt.Sprintf("@every %s", s.cfg.RecoveryInterval)
	if s.recoveryID, err = s.cronEngine.AddFunc(recoverySpec, s.runRecovery); err != nil {
		s.cronEngine.Remove(id)
		return fmt.Errorf("could not add recovery job %q: %w", recoverySpec, err)
	}

	s.cronEngine.Start()
	s.running = true
	s.log.WithFields(logrus.Fields{
		"dispatch_spec": s.cfg.DispatchSpec,
		"recovery_spec": recoverySpec,
	}).Info("Notification scheduler started with jobs.")
	return nil
}

func (s *NotificationScheduler) runDispatch() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
	defer cancel()
	s.ticker.DispatchDue(ctx)
}

func (s *NotificationScheduler) runRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecoveryTimeout)
	defer cancel()
	s.ticker.RecoverMissed(ctx)
}

// Stop prevents new ticks and waits for the running ones to finish. The jobs
// are unregistered so a later Start adds them exactly once.
func (s *NotificationScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.log.Info("Stopping notification scheduler...")
	ctx := s.cronEngine.Stop()
	s.cronEngine.Remove(s.dispatchID)
	s.cronEngine.Remove(s.recoveryID)
	s.mu.Unlock()

	<-ctx.Done()
	s.log.Info("Notification scheduler gracefully stopped.")
}

func (s *NotificationScheduler) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	st := Status{IsRunning: s.running}
	if s.running {
		st.NextScheduledCheck = s.cronEngine.Entry(s.dispatchID).Next
	}
	s.mu.Unlock()

	var err error
	if st.PendingCount, err = s.occRepo.CountByStatus(ctx, occurrence.StatusPending); err != nil {
		return st, fmt.Errorf("failed to count pending occurrences: %w", err)
	}
	if st.FailedCount, err = s.occRepo.CountByStatus(ctx, occurrence.StatusFailed); err != nil {
		return st, fmt.Errorf("failed to count failed occurrences: %w", err)
	}
	if st.ExhaustedCount, err = s.occRepo.CountExhausted(ctx, s.cfg.MaxRetryAttempts); err != nil {
		return st, fmt.Errorf("failed to count exhausted occurrences: %w", err)
	}
	return st, nil
}

// cronLogger sends cron's own log lines to logrus.
type cronLogger struct {
	log *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
