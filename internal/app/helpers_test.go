package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"birthday_notification_service/internal/domain/delivery"
	"birthday_notification_service/internal/domain/occurrence"
	"birthday_notification_service/internal/domain/subject"
	"birthday_notification_service/internal/infra/database"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stores struct {
	occ  *database.SQLiteOccurrenceRepository
	subj *database.SQLiteSubjectRepository
}

func newStores(t *testing.T, clock *testClock) stores {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, database.DriverSQLite))
	return stores{
		occ:  database.NewSQLiteOccurrenceRepository(db, database.WithClock(clock.Now)),
		subj: database.NewSQLiteSubjectRepository(db, database.WithClock(clock.Now)),
	}
}

func nullLog() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

// fakeTransport records every send and answers with respond (200 when nil).
type fakeTransport struct {
	mu      sync.Mutex
	calls   []delivery.Message
	respond func(call int, msg delivery.Message) (int, error)
}

func (f *fakeTransport) Send(ctx context.Context, msg delivery.Message) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return 200, nil
	}
	return respond(n, msg)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func alwaysStatus(code int) func(int, delivery.Message) (int, error) {
	return func(int, delivery.Message) (int, error) { return code, nil }
}

func fastGateway(tr delivery.Transport) *Gateway {
	return NewGateway(tr, GatewayConfig{MaxRetries: 3, AttemptTimeout: time.Second}, nullLog())
}

func defaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:          10,
		DispatchWindow:     time.Minute,
		MissedAfter:        time.Hour,
		StaleInFlightAfter: 15 * time.Minute,
		MaxRetryAttempts:   3,
	}
}

func newTestDispatcher(st stores, tr delivery.Transport, clock *testClock) *Dispatcher {
	d := NewDispatcher(st.occ, st.subj, fastGateway(tr), defaultDispatcherConfig(), nullLog())
	d.now = clock.Now
	return d
}

func createSubject(t *testing.T, repo subject.Repository, first string) *subject.Subject {
	t.Helper()
	s := &subject.Subject{
		FirstName:   first,
		LastName:    "Doe",
		Anniversary: time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC),
		Timezone:    "UTC",
	}
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func createOccurrence(t *testing.T, repo occurrence.Repository, s *subject.Subject, at time.Time) *occurrence.Occurrence {
	t.Helper()
	o := &occurrence.Occurrence{SubjectID: s.ID, ScheduledAt: at}
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}

func reload(t *testing.T, repo occurrence.Repository, o *occurrence.Occurrence) *occurrence.Occurrence {
	t.Helper()
	got, err := repo.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	return got
}
