// internal/infra/database/postgres_occurrence_repository.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"birthday_notification_service/internal/domain/occurrence"

	"github.com/google/uuid"
)

const occurrenceColumns = `id, subject_id, scheduled_at, status, attempt_count, error_kind, last_error, sent_at, created_at, updated_at`

type PostgresOccurrenceRepository struct {
	db *sql.DB
}

func NewPostgresOccurrenceRepository(db *sql.DB) *PostgresOccurrenceRepository {
	return &PostgresOccurrenceRepository{db: db}
}

func (r *PostgresOccurrenceRepository) Create(ctx context.Context, o *occurrence.Occurrence) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = occurrence.StatusPending
	}
	query := `INSERT INTO occurrences (id, subject_id, scheduled_at, status, attempt_count)
               VALUES ($1, $2, $3, $4, $5)
               RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, o.ID, o.SubjectID, o.ScheduledAt.UTC(), o.Status, o.AttemptCount).
		Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return occurrence.ErrDuplicate
		}
		return fmt.Errorf("error creating occurrence: %w", err)
	}
	return nil
}

func (r *PostgresOccurrenceRepository) GetByID(ctx context.Context, id uuid.UUID) (*occurrence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + ` FROM occurrences WHERE id = $1`
	o, err := scanPostgresOccurrence(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, occurrence.ErrNotFound
		}
		return nil, fmt.Errorf("error getting occurrence by ID: %w", err)
	}
	return o, nil
}

func (r *PostgresOccurrenceRepository) Exists(ctx context.Context, subjectID uuid.UUID, scheduledAt time.Time) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM occurrences WHERE subject_id = $1 AND scheduled_at = $2)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, subjectID, scheduledAt.UTC()).Scan(&exists); err != nil {
		return false, fmt.Errorf("error checking occurrence existence: %w", err)
	}
	return exists, nil
}

func (r *PostgresOccurrenceRepository) ListByStatusAndWindow(ctx context.Context, status occurrence.Status, start, end time.Time) ([]*occurrence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + `
               FROM occurrences
               WHERE status = $1 AND scheduled_at BETWEEN $2 AND $3
               ORDER BY scheduled_at ASC`
	rows, err := r.db.QueryContext(ctx, query, status, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("error querying occurrences by status and window: %w", err)
	}
	defer rows.Close()
	return scanPostgresOccurrences(rows)
}

func (r *PostgresOccurrenceRepository) ListRecoverable(ctx context.Context, missedBefore, staleBefore time.Time, maxAttempts int) ([]*occurrence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + `
               FROM occurrences
               WHERE attempt_count < $1
                 AND ((status IN ($2, $3) AND scheduled_at < $4)
                      OR (status = $5 AND updated_at < $6))
               ORDER BY scheduled_at ASC`
	rows, err := r.db.QueryContext(ctx, query, maxAttempts,
		occurrence.StatusPending, occurrence.StatusFailed, missedBefore.UTC(),
		occurrence.StatusInFlight, staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("error querying recoverable occurrences: %w", err)
	}
	defer rows.Close()
	return scanPostgresOccurrences(rows)
}

func (r *PostgresOccurrenceRepository) ListStaleInFlight(ctx context.Context, staleBefore time.Time) ([]*occurrence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + `
               FROM occurrences
               WHERE status = $1 AND updated_at < $2
               ORDER BY updated_at ASC`
	rows, err := r.db.QueryContext(ctx, query, occurrence.StatusInFlight, staleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("error querying stale in-flight occurrences: %w", err)
	}
	defer rows.Close()
	return scanPostgresOccurrences(rows)
}

func (r *PostgresOccurrenceRepository) ListExhausted(ctx context.Context, maxAttempts int) ([]*occurrence.Occurrence, error) {
	query := `SELECT ` + occurrenceColumns + `
               FROM occurrences
               WHERE status = $1 AND attempt_count >= $2
               ORDER BY scheduled_at ASC`
	rows, err := r.db.QueryContext(ctx, query, occurrence.StatusFailed, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("error querying exhausted occurrences: %w", err)
	}
	defer rows.Close()
	return scanPostgresOccurrences(rows)
}

// LockAndUpdateIfStatus re-reads the row under SELECT ... FOR UPDATE, checks every guard
// and applies the transition in the same transaction.
func (r *PostgresOccurrenceRepository) LockAndUpdateIfStatus(ctx context.Context, id uuid.UUID, t occurrence.Transition) (bool, error) {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction for claim: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	var (
		status    occurrence.Status
		attempts  int
		updatedAt time.Time
	)
	err = txn.QueryRowContext(ctx,
		`SELECT status, attempt_count, updated_at FROM occurrences WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &attempts, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("error locking occurrence %s: %w", id, err)
	}

	if !transitionAllowed(t, status, attempts, updatedAt) {
		return false, nil
	}

	increment := 0
	if t.CountAttempt {
		increment = 1
	}
	kind, detail := failureColumns(t.To, t.Failure)
	_, err = txn.ExecContext(ctx,
		`UPDATE occurrences
		 SET status = $1, attempt_count = attempt_count + $2, error_kind = $3, last_error = $4, updated_at = NOW()
		 WHERE id = $5`,
		t.To, increment, kind, detail, id)
	if err != nil {
		return false, fmt.Errorf("error applying transition to occurrence %s: %w", id, err)
	}

	if err := txn.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit claim for occurrence %s: %w", id, err)
	}
	return true, nil
}

func (r *PostgresOccurrenceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, res occurrence.Result) error {
	var sentAt sql.NullTime
	if res.Status == occurrence.StatusSent {
		sentAt = sql.NullTime{Time: res.SentAt.UTC(), Valid: true}
	}
	kind, detail := failureColumns(res.Status, res.Failure)
	query := `UPDATE occurrences
               SET status = $1, sent_at = $2, error_kind = $3, last_error = $4, updated_at = NOW()
               WHERE id = $5 AND status <> $6`
	result, err := r.db.ExecContext(ctx, query, res.Status, sentAt, kind, detail, id, occurrence.StatusSent)
	if err != nil {
		return fmt.Errorf("error updating occurrence status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return occurrence.ErrNotFound
	}
	return nil
}

func (r *PostgresOccurrenceRepository) CountByStatus(ctx context.Context, status occurrence.Status) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM occurrences WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting occurrences by status: %w", err)
	}
	return count, nil
}

func (r *PostgresOccurrenceRepository) CountExhausted(ctx context.Context, maxAttempts int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occurrences WHERE status = $1 AND attempt_count >= $2`,
		occurrence.StatusFailed, maxAttempts).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting exhausted occurrences: %w", err)
	}
	return count, nil
}

func (r *PostgresOccurrenceRepository) CountPendingBySubject(ctx context.Context, subjectID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occurrences WHERE subject_id = $1 AND status = $2`,
		subjectID, occurrence.StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting pending occurrences for subject: %w", err)
	}
	return count, nil
}

func (r *PostgresOccurrenceRepository) DeletePendingBySubject(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM occurrences WHERE subject_id = $1 AND status = $2`,
		subjectID, occurrence.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("error deleting pending occurrences: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Helper to scan a single row
func scanPostgresOccurrence(row interface{ Scan(...any) error }) (*occurrence.Occurrence, error) {
	o := &occurrence.Occurrence{}
	var kind sql.NullString
	if err := row.Scan(
		&o.ID, &o.SubjectID, &o.ScheduledAt, &o.Status, &o.AttemptCount,
		&kind, &o.LastError, &o.SentAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.ErrorKind = occurrence.ErrorKind(kind.String)
	o.ScheduledAt = o.ScheduledAt.UTC()
	return o, nil
}

func scanPostgresOccurrences(rows *sql.Rows) ([]*occurrence.Occurrence, error) {
	list := make([]*occurrence.Occurrence, 0)
	for rows.Next() {
		o, err := scanPostgresOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning occurrence row: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating occurrence rows: %w", err)
	}
	return list, nil
}

// transitionAllowed evaluates the guards of t against the locked row.
func transitionAllowed(t occurrence.Transition, status occurrence.Status, attempts int, updatedAt time.Time) bool {
	if status != t.From {
		return false
	}
	if t.AttemptsBelow > 0 && attempts >= t.AttemptsBelow {
		return false
	}
	if !t.UpdatedBefore.IsZero() && !updatedAt.Before(t.UpdatedBefore) {
		return false
	}
	return true
}

// failureColumns returns the error_kind/last_error values for a target status.
// Anything but failed clears them.
func failureColumns(to occurrence.Status, f *occurrence.Failure) (sql.NullString, sql.NullString) {
	if to != occurrence.StatusFailed || f == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(f.Kind), Valid: true}, sql.NullString{String: f.Detail, Valid: true}
}

var _ occurrence.Repository = (*PostgresOccurrenceRepository)(nil)
