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

const subjectColumns = `id, first_name, last_name, anniversary, location, timezone, created_at, updated_at`

type PostgresSubjectRepository struct {
	db *sql.DB
}

func NewPostgresSubjectRepository(db *sql.DB) *PostgresSubjectRepository {
	return &PostgresSubjectRepository{db: db}
}

func (r *PostgresSubjectRepository) Create(ctx context.Context, s *subject.Subject) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	query := `INSERT INTO subjects (id, first_name, last_name, anniversary, location, timezone)
               VALUES ($1, $2, $3, $4, $5, $6)
               RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		s.ID, s.FirstName, s.LastName, s.Anniversary.Format(subject.DateLayout), s.Location, s.Timezone,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating subject: %w", err)
	}
	return nil
}

func (r *PostgresSubjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*subject.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE id = $1`
	s, err := scanPostgresSubject(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, subject.ErrNotFound
		}
		return nil, fmt.Errorf("error getting subject by ID: %w", err)
	}
	return s, nil
}

func (r *PostgresSubjectRepository) FindByNameAndAnniversary(ctx context.Context, firstName, lastName string, anniversary time.Time) (*subject.Subject, error) {
	query := `SELECT ` + subjectColumns + `
               FROM subjects WHERE first_name = $1 AND last_name = $2 AND anniversary = $3
               LIMIT 1`
	s, err := scanPostgresSubject(r.db.QueryRowContext(ctx, query, firstName, lastName, anniversary.Format(subject.DateLayout)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, subject.ErrNotFound
		}
		return nil, fmt.Errorf("error finding subject by name and anniversary: %w", err)
	}
	return s, nil
}

func (r *PostgresSubjectRepository) Update(ctx context.Context, s *subject.Subject) error {
	query := `UPDATE subjects
               SET first_name = $1, last_name = $2, anniversary = $3, location = $4, timezone = $5, updated_at = NOW()
               WHERE id = $6
               RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query,
		s.FirstName, s.LastName, s.Anniversary.Format(subject.DateLayout), s.Location, s.Timezone, s.ID,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return subject.ErrNotFound
		}
		return fmt.Errorf("error updating subject: %w", err)
	}
	return nil
}

func (r *PostgresSubjectRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM subjects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting subject: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return subject.ErrNotFound
	}
	return nil
}

func (r *PostgresSubjectRepository) ListAll(ctx context.Context) ([]*subject.Subject, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("error listing subjects: %w", err)
	}
	defer rows.Close()

	subjects := make([]*subject.Subject, 0)
	for rows.Next() {
		s, err := scanPostgresSubject(rows)
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

func scanPostgresSubject(row interface{ Scan(...any) error }) (*subject.Subject, error) {
	s := &subject.Subject{}
	var anniversary time.Time
	if err := row.Scan(&s.ID, &s.FirstName, &s.LastName, &anniversary, &s.Location, &s.Timezone, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Anniversary = time.Date(anniversary.Year(), anniversary.Month(), anniversary.Day(), 0, 0, 0, 0, time.UTC)
	return s, nil
}

var _ subject.Repository = (*PostgresSubjectRepository)(nil)
