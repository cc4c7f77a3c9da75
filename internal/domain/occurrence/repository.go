// internal/domain/occurrence/repository.go
package occurrence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("occurrence not found")
	ErrDuplicate = errors.New("occurrence already exists for (subject_id, scheduled_at)")
)

// Transition is a conditional status change applied atomically by LockAndUpdateIfStatus.
// The row is only changed when every guard holds at the moment it is locked.
type Transition struct {
	From          Status
	To            Status
	CountAttempt  bool      // attempt_count += 1
	AttemptsBelow int       // Guard: attempt_count < AttemptsBelow. Zero disables it.
	UpdatedBefore time.Time // Guard: updated_at < UpdatedBefore. Zero disables it.
	Failure       *Failure  // Recorded when To == StatusFailed
}

// Failure is the structured error stored on a failed occurrence.
type Failure struct {
	Kind   ErrorKind
	Detail string
}

// Result is the verdict written back after a delivery attempt.
type Result struct {
	Status  Status
	SentAt  time.Time // Required when Status == StatusSent
	Failure *Failure  // Required when Status == StatusFailed
}

// Repository defines operations for the occurrence store.
type Repository interface {
	Create(ctx context.Context, o *Occurrence) error // ErrDuplicate on (subject_id, scheduled_at) clash
	GetByID(ctx context.Context, id uuid.UUID) (*Occurrence, error)
	Exists(ctx context.Context, subjectID uuid.UUID, scheduledAt time.Time) (bool, error)

	// ListByStatusAndWindow returns rows with the given status and start <= scheduled_at <= end,
	// oldest first.
	ListByStatusAndWindow(ctx context.Context, status Status, start, end time.Time) ([]*Occurrence, error)
	// ListRecoverable returns pending and failed rows scheduled before missedBefore, plus in_flight
	// rows untouched since staleBefore, all with attempt_count < maxAttempts.
	ListRecoverable(ctx context.Context, missedBefore, staleBefore time.Time, maxAttempts int) ([]*Occurrence, error)
	// ListStaleInFlight returns in_flight rows untouched since staleBefore regardless of attempts.
	ListStaleInFlight(ctx context.Context, staleBefore time.Time) ([]*Occurrence, error)
	ListExhausted(ctx context.Context, maxAttempts int) ([]*Occurrence, error)

	// LockAndUpdateIfStatus is the only synchronization point between dispatch and recovery.
	// It returns false, nil when the row is missing or any guard in t does not hold.
	LockAndUpdateIfStatus(ctx context.Context, id uuid.UUID, t Transition) (bool, error)
	// UpdateStatus writes a delivery verdict. Sent rows are never overwritten.
	UpdateStatus(ctx context.Context, id uuid.UUID, r Result) error

	CountByStatus(ctx context.Context, status Status) (int, error)
	CountExhausted(ctx context.Context, maxAttempts int) (int, error)
	CountPendingBySubject(ctx context.Context, subjectID uuid.UUID) (int, error)
	DeletePendingBySubject(ctx context.Context, subjectID uuid.UUID) (int64, error)
}
