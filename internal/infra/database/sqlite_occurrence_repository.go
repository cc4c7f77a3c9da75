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

// SQLiteOccurrenceRepository stores occurrences in SQLite. SQLite has no row locks,
// so LockAndUpdateIfStatus is a single conditional UPDATE (compare-and-swap on status).
type SQLiteOccurrenceRepository struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures the SQLite repositories.
type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	now func() time.Time
}

// WithClock overrides the clock used for created_at/updated_at.
func WithClock(now func() time.Time) SQLiteOption {
	return func(o *sqliteOptions) { o.now = now }
}

func applySQLiteOptions(opts []SQLiteOption) sqliteOptions {
	o := sqliteOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewSQLiteOccurrenceRepository(db *sql.DB, opts ...SQLiteOption) *SQLiteOccurrenceRepository {
	o := applySQLiteOptions(opts)
	return &SQLiteOccurrenceRepository{db: db, now: o.now}
}

func (r *SQLiteOccurrenceRepository) Create(ctx context.Context, o *occurrence.Occurrence) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = occurrence.StatusPending
	}
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO occurrences (id, subject_id, scheduled_at, status, attempt_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.SubjectID.String(), toNanos(o.ScheduledAt), string(o.Status), o.AttemptCount,
		toNanos(now), toNanos(now))
	if err != nil {
		if isUniqueViolation(err) {
			return occurrence.ErrDuplicate
		}
		return fmt.Errorf("error creating occurrence: %w", err)
	}
	o.CreatedAt, o.UpdatedAt = now, now
	return nil
}

func (r *SQLiteOccurrenceRepository) GetByID(ctx context.Context, id uuid.UUID) (*occurrence.Occurrence, error) {
	o, err := scanSQLiteOccurrence(r.db.QueryRowContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, occurrence.ErrNotFound
		}
		return nil, fmt.Errorf("error getting occurrence by ID: %w", err)
	}
	return o, nil
}

func (r *SQLiteOccurrenceRepository) Exists(ctx context.Context, subjectID uuid.UUID, scheduledAt time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM occurrences WHERE subject_id = ? AND scheduled_at = ?)`,
		subjectID.String(), toNanos(scheduledAt)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking occurrence existence: %w", err)
	}
	return exists, nil
}

func (r *SQLiteOccurrenceRepository) ListByStatusAndWindow(ctx context.Context, status occurrence.Status, start, end time.Time) ([]*occurrence.Occurrence, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+occurrenceColumns+`
		 FROM occurrences
		 WHERE status = ? AND scheduled_at BETWEEN ? AND ?
		 ORDER BY scheduled_at ASC`,
		string(status), toNanos(start), toNanos(end))
	if err != nil {
		return nil, fmt.Errorf("error querying occurrences by status and window: %w", err)
	}
	defer rows.Close()
	return scanSQLiteOccurrences(rows)
}

func (r *SQLiteOccurrenceRepository) ListRecoverable(ctx context.Context, missedBefore, staleBefore time.Time, maxAttempts int) ([]*occurrence.Occurrence, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+occurrenceColumns+`
		 FROM occurrences
		 WHERE attempt_count < ?
		   AND ((status IN (?, ?) AND scheduled_at < ?)
		        OR (status = ? AND updated_at < ?))
		 ORDER BY scheduled_at ASC`,
		maxAttempts,
		string(occurrence.StatusPending), string(occurrence.StatusFailed), toNanos(missedBefore),
		string(occurrence.StatusInFlight), toNanos(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("error querying recoverable occurrences: %w", err)
	}
	defer rows.Close()
	return scanSQLiteOccurrences(rows)
}

func (r *SQLiteOccurrenceRepository) ListStaleInFlight(ctx context.Context, staleBefore time.Time) ([]*occurrence.Occurrence, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+occurrenceColumns+`
		 FROM occurrences
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC`,
		string(occurrence.StatusInFlight), toNanos(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("error querying stale in-flight occurrences: %w", err)
	}
	defer rows.Close()
	return scanSQLiteOccurrences(rows)
}

func (r *SQLiteOccurrenceRepository) ListExhausted(ctx context.Context, maxAttempts int) ([]*occurrence.Occurrence, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+occurrenceColumns+`
		 FROM occurrences
		 WHERE status = ? AND attempt_count >= ?
		 ORDER BY scheduled_at ASC`,
		string(occurrence.StatusFailed), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("error querying exhausted occurrences: %w", err)
	}
	defer rows.Close()
	return scanSQLiteOccurrences(rows)
}

func (r *SQLiteOccurrenceRepository) LockAndUpdateIfStatus(ctx context.Context, id uuid.UUID, t occurrence.Transition) (bool, error) {
	increment := 0
	if t.CountAttempt {
		increment = 1
	}
	var updatedBefore int64
	if !t.UpdatedBefore.IsZero() {
		updatedBefore = toNanos(t.UpdatedBefore)
	}
	kind, detail := failureColumns(t.To, t.Failure)

	result, err := r.db.ExecContext(ctx,
		`UPDATE occurrences
		 SET status = ?, attempt_count = attempt_count + ?, error_kind = ?, last_error = ?, updated_at = ?
		 WHERE id = ?
		   AND status = ?
		   AND (? = 0 OR attempt_count < ?)
		   AND (? = 0 OR updated_at < ?)`,
		string(t.To), increment, kind, detail, toNanos(r.now()),
		id.String(),
		string(t.From),
		t.AttemptsBelow, t.AttemptsBelow,
		updatedBefore, updatedBefore)
	if err != nil {
		return false, fmt.Errorf("error applying transition to occurrence %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading claim result for occurrence %s: %w", id, err)
	}
	return n == 1, nil
}

func (r *SQLiteOccurrenceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, res occurrence.Result) error {
	var sentAt sql.NullInt64
	if res.Status == occurrence.StatusSent {
		sentAt = sql.NullInt64{Int64: toNanos(res.SentAt), Valid: true}
	}
	kind, detail := failureColumns(res.Status, res.Failure)
	result, err := r.db.ExecContext(ctx,
		`UPDATE occurrences
		 SET status = ?, sent_at = ?, error_kind = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		string(res.Status), sentAt, kind, detail, toNanos(r.now()),
		id.String(), string(occurrence.StatusSent))
	if err != nil {
		return fmt.Errorf("error updating occurrence status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return occurrence.ErrNotFound
	}
	return nil
}

func (r *SQLiteOccurrenceRepository) CountByStatus(ctx context.Context, status occurrence.Status) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM occurrences WHERE status = ?`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting occurrences by status: %w", err)
	}
	return count, nil
}

func (r *SQLiteOccurrenceRepository) CountExhausted(ctx context.Context, maxAttempts int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occurrences WHERE status = ? AND attempt_count >= ?`,
		string(occurrence.StatusFailed), maxAttempts).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting exhausted occurrences: %w", err)
	}
	return count, nil
}

func (r *SQLiteOccurrenceRepository) CountPendingBySubject(ctx context.Context, subjectID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM occurrences WHERE subject_id = ? AND status = ?`,
		subjectID.String(), string(occurrence.StatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting pending occurrences for subject: %w", err)
	}
	return count, nil
}

func (r *SQLiteOccurrenceRepository) DeletePendingBySubject(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM occurrences WHERE subject_id = ? AND status = ?`,
		subjectID.String(), string(occurrence.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("error deleting pending occurrences: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func scanSQLiteOccurrence(row interface{ Scan(...any) error }) (*occurrence.Occurrence, error) {
	o := &occurrence.Occurrence{}
	var (
		status                            string
		kind                              sql.NullString
		scheduledAt, createdAt, updatedAt int64
		sentAt                            sql.NullInt64
	)
	if err := row.Scan(
		&o.ID, &o.SubjectID, &scheduledAt, &status, &o.AttemptCount,
		&kind, &o.LastError, &sentAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	o.Status = occurrence.Status(status)
	o.ErrorKind = occurrence.ErrorKind(kind.String)
	o.ScheduledAt = fromNanos(scheduledAt)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	if sentAt.Valid {
		o.SentAt = sql.NullTime{Time: fromNanos(sentAt.Int64), Valid: true}
	}
	return o, nil
}

func scanSQLiteOccurrences(rows *sql.Rows) ([]*occurrence.Occurrence, error) {
	list := make([]*occurrence.Occurrence, 0)
	for rows.Next() {
		o, err := scanSQLiteOccurrence(rows)
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

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

var _ occurrence.Repository = (*SQLiteOccurrenceRepository)(nil)
