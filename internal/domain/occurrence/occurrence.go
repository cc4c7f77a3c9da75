// internal/domain/occurrence/occurrence.go
package occurrence

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Occurrence is one scheduled birthday alert for one subject in one calendar year.
// Corresponds to the 'occurrences' table.
type Occurrence struct {
	ID           uuid.UUID
	SubjectID    uuid.UUID      // Foreign Key to subjects.id, ON DELETE CASCADE
	ScheduledAt  time.Time      // Always UTC
	Status       Status         // pending, in_flight, sent, failed
	AttemptCount int            // Incremented once per claim, never decreases
	ErrorKind    ErrorKind      // Only meaningful when Status == StatusFailed
	LastError    sql.NullString // Free-text detail for ErrorKind
	SentAt       sql.NullTime   // Set exactly when moving into StatusSent
	CreatedAt    time.Time
	UpdatedAt    time.Time // Staleness clock for stuck in_flight rows
}

// Exhausted reports whether the attempt budget is used up.
func (o *Occurrence) Exhausted(maxAttempts int) bool {
	return o.AttemptCount >= maxAttempts
}
