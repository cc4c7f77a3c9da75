// internal/app/dispatcher.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"birthday_notification_service/internal/domain/delivery"
	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrOccurrenceNotRetryable = errors.New("occurrence is not in a retryable state")

// resultWriteTimeout bounds the verdict write, which outlives the tick's context.
const resultWriteTimeout = 10 * time.Second

// Deliverer is the part of Gateway the dispatcher needs.
type Deliverer interface {
	Deliver(ctx context.Context, msg delivery.Message) (bool, error)
}

// DispatcherConfig holds the tick parameters of the dispatch and recovery loops.
type DispatcherConfig struct {
	BatchSize          int
	DispatchWindow     time.Duration // Rows scheduled in [now-DispatchWindow, now] are due
	MissedAfter        time.Duration // Pending/failed rows older than this belong to recovery
	StaleInFlightAfter time.Duration // in_flight rows untouched this long are presumed orphaned
	MaxRetryAttempts   int
}

// TickSummary counts what one dispatch or recovery tick did.
type TickSummary struct {
	Selected  int
	Sent      int
	Failed    int
	Skipped   int // Claim lost to another worker
	Abandoned int
	// Unrecorded rows were claimed but their verdict could not be written.
	// They stay in_flight until recovery finds them stale.
	Unrecorded int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
	outcomeUnrecorded
)

func (s *TickSummary) add(o outcome) {
	switch o {
	case outcomeSent:
		s.Sent++
	case outcomeFailed:
		s.Failed++
	case outcomeUnrecorded:
		s.Unrecorded++
	default:
		s.Skipped++
	}
}

// Dispatcher moves occurrences through pending -> in_flight -> sent|failed.
// The only synchronization between concurrent ticks is the store's atomic claim.
type Dispatcher struct {
	occRepo  occurrence.Repository
	subjRepo subject.Repository
	gateway  Deliverer
	cfg      DispatcherConfig
	log      *logrus.Entry
	now      func() time.Time
}

func NewDispatcher(occRepo occurrence.Repository, subjRepo subject.Repository, gateway Deliverer, cfg DispatcherConfig, log *logrus.Entry) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Dispatcher{
		occRepo:  occRepo,
		subjRepo: subjRepo,
		gateway:  gateway,
		cfg:      cfg,
		log:      log.WithField("component", "dispatcher"),
		now:      time.Now,
	}
}

// BirthdayMessage renders the alert text for a subject.
func BirthdayMessage(s *subject.Subject) string {
	return fmt.Sprintf("Hey, %s it's your birthday", s.FullName())
}

// DispatchDue delivers the pending occurrences that fell due within the dispatch window.
// Batches run one after another; the members of a batch run concurrently.
func (d *Dispatcher) DispatchDue(ctx context.Context) TickSummary {
	var summary TickSummary
	now := d.now()

	due, err := d.occRepo.ListByStatusAndWindow(ctx, occurrence.StatusPending, now.Add(-d.cfg.DispatchWindow), now)
	if err != nil {
		d.log.WithError(err).Error("Failed to list due occurrences")
		return summary
	}
	summary.Selected = len(due)
	if len(due) == 0 {
		d.log.Debug("No occurrences due")
		return summary
	}

	claim := occurrence.Transition{From: occurrence.StatusPending, To: occurrence.StatusInFlight, CountAttempt: true}
	for start := 0; start < len(due); start += d.cfg.BatchSize {
		batch := due[start:min(start+d.cfg.BatchSize, len(due))]
		outcomes := make([]outcome, len(batch))

		var g errgroup.Group
		for i, o := range batch {
			g.Go(func() error {
				outcomes[i] = d.process(ctx, o, claim)
				return nil
			})
		}
		_ = g.Wait()

		for _, o := range outcomes {
			summary.add(o)
		}
	}

	d.logSummary("Dispatch tick finished", summary)
	return summary
}

// RecoverMissed retries occurrences the dispatch loop did not finish: pending rows
// that missed their window, failed rows with budget left, and in_flight rows
// orphaned by a crashed worker. Rows are processed one at a time.
func (d *Dispatcher) RecoverMissed(ctx context.Context) TickSummary {
	var summary TickSummary
	now := d.now()
	staleBefore := now.Add(-d.cfg.StaleInFlightAfter)

	rows, err := d.occRepo.ListRecoverable(ctx, now.Add(-d.cfg.MissedAfter), staleBefore, d.cfg.MaxRetryAttempts)
	if err != nil {
		d.log.WithError(err).Error("Failed to list recoverable occurrences")
	} else {
		summary.Selected = len(rows)
		for _, o := range rows {
			claim := occurrence.Transition{
				From:          o.Status,
				To:            occurrence.StatusInFlight,
				CountAttempt:  true,
				AttemptsBelow: d.cfg.MaxRetryAttempts,
			}
			if o.Status == occurrence.StatusInFlight {
				claim.UpdatedBefore = staleBefore
			}
			summary.add(d.process(ctx, o, claim))
		}
	}

	summary.Abandoned = d.abandonStale(ctx, staleBefore)
	d.logSummary("Recovery tick finished", summary)
	return summary
}

// abandonStale fails orphaned in_flight rows that have no attempts left.
func (d *Dispatcher) abandonStale(ctx context.Context, staleBefore time.Time) int {
	stale, err := d.occRepo.ListStaleInFlight(ctx, staleBefore)
	if err != nil {
		d.log.WithError(err).Error("Failed to list stale in-flight occurrences")
		return 0
	}

	abandoned := 0
	for _, o := range stale {
		if !o.Exhausted(d.cfg.MaxRetryAttempts) {
			continue
		}
		ok, err := d.occRepo.LockAndUpdateIfStatus(ctx, o.ID, occurrence.Transition{
			From:          occurrence.StatusInFlight,
			To:            occurrence.StatusFailed,
			UpdatedBefore: staleBefore,
			Failure: &occurrence.Failure{
				Kind:   occurrence.ErrorKindAbandoned,
				Detail: fmt.Sprintf("in flight since %s with %d attempts used", o.UpdatedAt.Format(time.RFC3339), o.AttemptCount),
			},
		})
		if err != nil {
			d.log.WithField("occurrence_id", o.ID).WithError(err).Error("Failed to abandon stale occurrence")
			continue
		}
		if ok {
			d.log.WithField("occurrence_id", o.ID).Warn("Abandoned stale in-flight occurrence")
			abandoned++
		}
	}
	return abandoned
}

// RetryNow is the operator override for a failed occurrence, exhausted or not.
// The attempt is still counted. It reports whether the message was delivered.
func (d *Dispatcher) RetryNow(ctx context.Context, id uuid.UUID) (bool, error) {
	o, err := d.occRepo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if o.Status != occurrence.StatusFailed {
		return false, fmt.Errorf("%w: status is %s", ErrOccurrenceNotRetryable, o.Status)
	}

	claim := occurrence.Transition{From: occurrence.StatusFailed, To: occurrence.StatusInFlight, CountAttempt: true}
	switch d.process(ctx, o, claim) {
	case outcomeSent:
		return true, nil
	case outcomeFailed, outcomeUnrecorded:
		return false, nil
	default:
		return false, fmt.Errorf("%w: claimed by another worker", ErrOccurrenceNotRetryable)
	}
}

// ListExhausted returns failed occurrences with no automatic attempts left.
func (d *Dispatcher) ListExhausted(ctx context.Context) ([]*occurrence.Occurrence, error) {
	return d.occRepo.ListExhausted(ctx, d.cfg.MaxRetryAttempts)
}

// process claims o with claim, delivers it and records the verdict.
// Every error after a successful claim ends in a failed row.
func (d *Dispatcher) process(ctx context.Context, o *occurrence.Occurrence, claim occurrence.Transition) outcome {
	entry := d.log.WithFields(logrus.Fields{
		"occurrence_id": o.ID,
		"subject_id":    o.SubjectID,
		"scheduled_at":  o.ScheduledAt.Format(time.RFC3339),
	})

	ok, err := d.occRepo.LockAndUpdateIfStatus(ctx, o.ID, claim)
	if err != nil {
		entry.WithError(err).Error("Failed to claim occurrence")
		return d.failUnclaimed(ctx, entry, o.ID, claim, err.Error())
	}
	if !ok {
		entry.Debug("Occurrence claimed elsewhere, skipping")
		return outcomeSkipped
	}

	s, err := d.subjRepo.GetByID(ctx, o.SubjectID)
	if err != nil {
		if errors.Is(err, subject.ErrNotFound) {
			return d.fail(ctx, entry, o.ID, occurrence.ErrorKindSubjectMissing, "subject no longer exists")
		}
		entry.WithError(err).Error("Failed to load subject")
		return d.fail(ctx, entry, o.ID, occurrence.ErrorKindPersistence, err.Error())
	}

	delivered, err := d.gateway.Deliver(ctx, delivery.Message{
		OccurrenceID: o.ID,
		SubjectID:    s.ID,
		Recipient:    s.ID.String(),
		Text:         BirthdayMessage(s),
		Timestamp:    d.now().UTC(),
	})
	if err != nil {
		return d.fail(ctx, entry, o.ID, occurrence.ErrorKindConfiguration, err.Error())
	}
	if !delivered {
		return d.fail(ctx, entry, o.ID, occurrence.ErrorKindTransport, "delivery retries exhausted")
	}

	writeCtx, cancel := resultContext(ctx)
	defer cancel()
	err = d.occRepo.UpdateStatus(writeCtx, o.ID, occurrence.Result{Status: occurrence.StatusSent, SentAt: d.now().UTC()})
	if err != nil {
		entry.WithError(err).Error("Delivered but failed to record it")
		return d.fail(ctx, entry, o.ID, occurrence.ErrorKindPersistence, err.Error())
	}
	entry.Info("Birthday alert sent")
	return outcomeSent
}

// resultContext keeps ctx's values but not its deadline, so a verdict is still
// written after the tick runs out of time.
func resultContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
}

// fail records a failure on a row this worker holds in_flight.
func (d *Dispatcher) fail(ctx context.Context, entry *logrus.Entry, id uuid.UUID, kind occurrence.ErrorKind, detail string) outcome {
	entry = entry.WithField("error_kind", kind)
	writeCtx, cancel := resultContext(ctx)
	defer cancel()
	err := d.occRepo.UpdateStatus(writeCtx, id, occurrence.Result{
		Status:  occurrence.StatusFailed,
		Failure: &occurrence.Failure{Kind: kind, Detail: detail},
	})
	if err != nil {
		entry.WithError(err).Error("Failed to record delivery failure")
		return outcomeUnrecorded
	}
	entry.Warn("Occurrence marked failed: " + detail)
	return outcomeFailed
}

// failUnclaimed records a claim error. The row is only touched while the
// claim's status and staleness guards still hold, so a row another worker
// holds is left alone.
func (d *Dispatcher) failUnclaimed(ctx context.Context, entry *logrus.Entry, id uuid.UUID, claim occurrence.Transition, detail string) outcome {
	entry = entry.WithField("error_kind", occurrence.ErrorKindPersistence)
	writeCtx, cancel := resultContext(ctx)
	defer cancel()
	ok, err := d.occRepo.LockAndUpdateIfStatus(writeCtx, id, occurrence.Transition{
		From:          claim.From,
		To:            occurrence.StatusFailed,
		UpdatedBefore: claim.UpdatedBefore,
		Failure:       &occurrence.Failure{Kind: occurrence.ErrorKindPersistence, Detail: detail},
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("Failed to record claim failure")
		return outcomeUnrecorded
	case !ok:
		entry.Debug("Occurrence moved on after a failed claim, leaving it alone")
		return outcomeSkipped
	default:
		entry.Warn("Occurrence marked failed: " + detail)
		return outcomeFailed
	}
}

func (d *Dispatcher) logSummary(msg string, s TickSummary) {
	entry := d.log.WithFields(logrus.Fields{
		"selected":   s.Selected,
		"sent":       s.Sent,
		"failed":     s.Failed,
		"skipped":    s.Skipped,
		"abandoned":  s.Abandoned,
		"unrecorded": s.Unrecorded,
	})
	if s.Selected == 0 && s.Abandoned == 0 {
		entry.Debug(msg)
		return
	}
	entry.Info(msg)
}
