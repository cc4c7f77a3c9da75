package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"

	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by the repositories under test.
type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func createTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db, DriverSQLite))
	return db
}

func createTestSubject(t *testing.T, repo subject.Repository) *subject.Subject {
	t.Helper()
	s := &subject.Subject{
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Anniversary: time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC),
		Location:    "London",
		Timezone:    "Europe/London",
	}
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func createTestOccurrence(t *testing.T, repo occurrence.Repository, s *subject.Subject, at time.Time) *occurrence.Occurrence {
	t.Helper()
	o := &occurrence.Occurrence{SubjectID: s.ID, ScheduledAt: at}
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}
