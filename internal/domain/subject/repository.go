package subject

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("subject not found")

// Repository defines the operations for persisting and retrieving subjects.
type Repository interface {
	Create(ctx context.Context, s *Subject) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subject, error)
	FindByNameAndAnniversary(ctx context.Context, firstName, lastName string, anniversary time.Time) (*Subject, error)
	Update(ctx context.Context, s *Subject) error
	Delete(ctx context.Context, id uuid.UUID) error // Occurrences go with it
	ListAll(ctx context.Context) ([]*Subject, error)
}
