package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Application-level errors for the subject service
var (
	ErrSubjectAlreadyExists = errors.New("user with this name and birthday already exists")
	ErrInvalidSubject       = errors.New("invalid user")
)

// SubjectInput is the editable part of a subject.
type SubjectInput struct {
	FirstName   string
	LastName    string
	Anniversary time.Time
	Location    string
	Timezone    string
}

// SubjectView is a subject together with its outstanding alerts.
type SubjectView struct {
	*subject.Subject
	PendingNotifications int
}

type SubjectService struct {
	subjRepo subject.Repository
	occRepo  occurrence.Repository
	planner  *Planner
	log      *logrus.Entry
}

func NewSubjectService(sr subject.Repository, or occurrence.Repository, planner *Planner, log *logrus.Entry) *SubjectService {
	return &SubjectService{
		subjRepo: sr,
		occRepo:  or,
		planner:  planner,
		log:      log.WithField("component", "subject_service"),
	}
}

func (in *SubjectInput) validate() error {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Location = strings.TrimSpace(in.Location)
	in.Timezone = strings.TrimSpace(in.Timezone)

	if in.FirstName == "" || in.LastName == "" {
		return fmt.Errorf("%w: first and last name are required", ErrInvalidSubject)
	}
	if in.Anniversary.IsZero() {
		return fmt.Errorf("%w: birthday is required", ErrInvalidSubject)
	}
	if _, err := LoadTimezone(in.Timezone); err != nil {
		return err
	}
	in.Anniversary = time.Date(in.Anniversary.Year(), in.Anniversary.Month(), in.Anniversary.Day(), 0, 0, 0, 0, time.UTC)
	return nil
}

// Create registers a subject and plans its alerts.
func (s *SubjectService) Create(ctx context.Context, in SubjectInput) (*subject.Subject, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	_, err := s.subjRepo.FindByNameAndAnniversary(ctx, in.FirstName, in.LastName, in.Anniversary)
	if err == nil {
		return nil, ErrSubjectAlreadyExists
	}
	if !errors.Is(err, subject.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}

	newSubject := &subject.Subject{
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Anniversary: in.Anniversary,
		Location:    in.Location,
		Timezone:    in.Timezone,
	}
	if err := s.subjRepo.Create(ctx, newSubject); err != nil {
		return nil, fmt.Errorf("failed to create user in repository: %w", err)
	}

	planned, err := s.planner.Replan(ctx, newSubject, false)
	if err != nil {
		return newSubject, fmt.Errorf("user created but planning failed: %w", err)
	}
	s.log.WithFields(logrus.Fields{"subject_id": newSubject.ID, "planned": len(planned)}).Info("User created")
	return newSubject, nil
}

// Update edits a subject. Pending alerts are replanned when the birthday or
// timezone changed.
func (s *SubjectService) Update(ctx context.Context, id uuid.UUID, in SubjectInput) (*subject.Subject, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	current, err := s.subjRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	other, err := s.subjRepo.FindByNameAndAnniversary(ctx, in.FirstName, in.LastName, in.Anniversary)
	if err == nil && other.ID != id {
		return nil, ErrSubjectAlreadyExists
	}
	if err != nil && !errors.Is(err, subject.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}

	changed := !sameDate(current.Anniversary, in.Anniversary) || current.Timezone != in.Timezone
	current.FirstName = in.FirstName
	current.LastName = in.LastName
	current.Anniversary = in.Anniversary
	current.Location = in.Location
	current.Timezone = in.Timezone
	if err := s.subjRepo.Update(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to update user in repository: %w", err)
	}

	if _, err := s.planner.Replan(ctx, current, changed); err != nil {
		return current, fmt.Errorf("user updated but replanning failed: %w", err)
	}
	s.log.WithFields(logrus.Fields{"subject_id": id, "replanned": changed}).Info("User updated")
	return current, nil
}

// Delete removes a subject. Its occurrences go with it.
func (s *SubjectService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.subjRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.log.WithField("subject_id", id).Info("User deleted")
	return nil
}

func (s *SubjectService) Get(ctx context.Context, id uuid.UUID) (*SubjectView, error) {
	found, err := s.subjRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	pending, err := s.occRepo.CountPendingBySubject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending notifications: %w", err)
	}
	return &SubjectView{Subject: found, PendingNotifications: pending}, nil
}

// ReplanAll tops up every subject's horizon. It returns the number of rows created.
func (s *SubjectService) ReplanAll(ctx context.Context) (int, error) {
	all, err := s.subjRepo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}
	total := 0
	for _, subj := range all {
		planned, err := s.planner.Replan(ctx, subj, false)
		if err != nil {
			s.log.WithField("subject_id", subj.ID).WithError(err).Error("Failed to replan user")
			continue
		}
		total += len(planned)
	}
	return total, nil
}

func sameDate(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
