package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"birthday_notification_service/internal/domain/subject"

	"github.com/google/uuid"
)

type SQLiteSubjectRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteSubjectRepository(db *sql.DB, opts ...SQLiteOption) *SQLiteSubjectRepository {
	o := applySQLiteOptions(opts)
	return &SQLiteSubjectRepository{db: db, now: o.now}
}

func (r *SQLiteSubjectRepository) Create(ctx context.Context, s *subject.Subject) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := r.now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subjects (id, first_name, last_name, anniversary, location, timezone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.FirstName, s.LastName, s.Anniversary.Format(subject.DateLayout), s.Location, s.Timezone,
		toNanos(now), toNanos(now))
	if err != nil {
		return fmt.Errorf("error creating subject: %w", err)
	}
	s.CreatedAt, s.UpdatedAt = now, now
	return nil
}

func (r *SQLiteSubjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*subject.Subject, error) {
	s, err := scanSQLiteSubject(r.db.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, subject.ErrNotFound
		}
		return nil, fmt.Errorf("error getting subject by ID: %w", err)
	}
	return s, nil
}

func (r *SQLiteSubjectRepository) FindByNameAndAnniversary(ctx context.Context, firstName, lastName string, anniversary time.Time) (*subject.Subject, error) {
	s, err := scanSQLiteSubject(r.db.QueryRowContext(ctx,
		`SELECT `+subjectColumns+`
		 FROM subjects WHERE first_name = ? AND last_name = ? AND anniversary = ?
		 LIMIT 1`,
		firstName, lastName, anniversary.Format(subject.DateLayout)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, subject.ErrNotFound
		}
		return nil, fmt.Errorf("error finding subject by name and anniversary: %w", err)
	}
	return s, nil
}

func (r *SQLiteSubjectRepository) Update(ctx context.Context, s *subject.Subject) error {
	now := r.now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE subjects
		 SET first_name = ?, last_name = ?, anniversary = ?, location = ?, timezone = ?, updated_at = ?
		 WHERE id = ?`,
		s.FirstName, s.LastName, s.Anniversary.Format(subject.DateLayout), s.Location, s.Timezone, toNanos(now),
		s.ID.String())
	if err != nil {
		return fmt.Errorf("error updating subject: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return subject.ErrNotFound
	}
	s.UpdatedAt = now
	return nil
}

func (r *SQLiteSubjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM subjects WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("error deleting subject: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return subject.ErrNotFound
	}
	return nil
}

func (r *SQLiteSubjectRepository) ListAll(ctx context.Context) ([]*subject.Subject, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("error listing subjects: %w", err)
	}
	defer rows.Close()

	subjects := make([]*subject.Subject, 0)
	for rows.Next() {
		s, err := scanSQLiteSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subjects: %w", err)
	}
	return subjects, nil
}

func scanSQLiteSubject(row interface{ Scan(...any) error }) (*subject.Subject, error) {
	s := &subject.Subject{}
	var (
		anniversary          string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.FirstName, &s.LastName, &anniversary, &s.Location, &s.Timezone, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	date, err := time.Parse(subject.DateLayout, anniversary)
	if err != nil {
		return nil, fmt.Errorf("invalid stored anniversary %q: %w", anniversary, err)
	}
	s.Anniversary = date
	s.CreatedAt = fromNanos(createdAt)
	s.UpdatedAt = fromNanos(updatedAt)
	return s, nil
}

var _ subject.Repository = (*SQLiteSubjectRepository)(nil)
