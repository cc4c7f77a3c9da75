package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var ErrInvalidTimezone = errors.New("invalid timezone")

// PlannerConfig controls which instants are projected for an anniversary.
type PlannerConfig struct {
	HorizonYears int // Calendar years to plan, the current one included
	Hour         int // Local wall-clock hour of the alert
	Minute       int
}

// Planner turns a subject's anniversary into future occurrences.
type Planner struct {
	occRepo occurrence.Repository
	cfg     PlannerConfig
	log     *logrus.Entry
	now     func() time.Time
}

func NewPlanner(occRepo occurrence.Repository, cfg PlannerConfig, log *logrus.Entry) *Planner {
	return &Planner{
		occRepo: occRepo,
		cfg:     cfg,
		log:     log.WithField("component", "planner"),
		now:     time.Now,
	}
}

// LoadTimezone resolves an IANA identifier. Empty and "Local" are rejected so a
// subject's schedule never depends on the host.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, ErrInvalidTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// Candidates returns the UTC instants at which the anniversary falls on hour:minute
// local time in loc, for horizonYears calendar years starting with the current year
// in loc. Instants not strictly after now are dropped.
func Candidates(anniversary time.Time, loc *time.Location, now time.Time, horizonYears, hour, minute int) []time.Time {
	startYear := now.In(loc).Year()
	out := make([]time.Time, 0, horizonYears)
	for year := startYear; year < startYear+horizonYears; year++ {
		day := anniversary.Day()
		if anniversary.Month() == time.February && day == 29 && !isLeap(year) {
			day = 28
		}
		at := wallClockInstant(year, anniversary.Month(), day, hour, minute, loc)
		if at.After(now) {
			out = append(out, at.UTC())
		}
	}
	return out
}

// wallClockInstant is time.Date that resolves a wall clock skipped by a DST gap
// to the transition instant.
func wallClockInstant(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	want := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if got.Equal(want) {
		return t
	}
	start, end := t.ZoneBounds()
	if got.Before(want) {
		return end
	}
	return start
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// Plan writes the missing occurrences for a subject. Rows that already exist,
// including ones written concurrently by another planner, are skipped.
func (p *Planner) Plan(ctx context.Context, subjectID uuid.UUID, anniversary time.Time, timezone string, now time.Time) ([]*occurrence.Occurrence, error) {
	loc, err := LoadTimezone(timezone)
	if err != nil {
		return nil, err
	}

	created := make([]*occurrence.Occurrence, 0, p.cfg.HorizonYears)
	for _, at := range Candidates(anniversary, loc, now, p.cfg.HorizonYears, p.cfg.Hour, p.cfg.Minute) {
		exists, err := p.occRepo.Exists(ctx, subjectID, at)
		if err != nil {
			return created, fmt.Errorf("failed to check occurrence at %s: %w", at.Format(time.RFC3339), err)
		}
		if exists {
			continue
		}

		o := &occurrence.Occurrence{SubjectID: subjectID, ScheduledAt: at, Status: occurrence.StatusPending}
		if err := p.occRepo.Create(ctx, o); err != nil {
			if errors.Is(err, occurrence.ErrDuplicate) {
				continue
			}
			return created, fmt.Errorf("failed to create occurrence at %s: %w", at.Format(time.RFC3339), err)
		}
		created = append(created, o)
	}

	p.log.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"timezone":   timezone,
		"created":    len(created),
	}).Debug("Planned occurrences")
	return created, nil
}

// Replan tops up a subject's occurrences. When changed is set the pending rows are
// dropped first, so rows computed from the old anniversary or timezone go away.
// Sent, failed and in-flight history is kept.
func (p *Planner) Replan(ctx context.Context, s *subject.Subject, changed bool) ([]*occurrence.Occurrence, error) {
	if _, err := LoadTimezone(s.Timezone); err != nil {
		return nil, err
	}
	if changed {
		deleted, err := p.occRepo.DeletePendingBySubject(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to drop pending occurrences: %w", err)
		}
		p.log.WithFields(logrus.Fields{"subject_id": s.ID, "deleted": deleted}).Info("Dropped pending occurrences before replanning")
	}
	return p.Plan(ctx, s.ID, s.Anniversary, s.Timezone, p.now())
}
