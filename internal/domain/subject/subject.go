package subject

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire and storage format of an anniversary.
const DateLayout = "2006-01-02"

// Subject is a person who receives a birthday alert.
type Subject struct {
	ID          uuid.UUID
	FirstName   string
	LastName    string
	Anniversary time.Time // Only the calendar date is used
	Location    string
	Timezone    string // IANA identifier, e.g. "Europe/Berlin"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Subject) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}
