package database

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"birthday_notification_service/internal/domain/occurrence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var june15 = time.Date(2024, time.June, 15, 9, 0, 0, 0, time.UTC)

func newRepos(t *testing.T, clock *testClock) (*SQLiteOccurrenceRepository, *SQLiteSubjectRepository) {
	t.Helper()
	db := createTestDB(t)
	return NewSQLiteOccurrenceRepository(db, WithClock(clock.Now)), NewSQLiteSubjectRepository(db, WithClock(clock.Now))
}

func TestSQLiteOccurrence_CreateAndGet(t *testing.T) {
	clock := &testClock{t: june15.Add(-24 * time.Hour)}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	o := createTestOccurrence(t, occRepo, s, june15)
	assert.NotEqual(t, uuid.Nil, o.ID)

	got, err := occRepo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.SubjectID)
	assert.True(t, got.ScheduledAt.Equal(june15))
	assert.Equal(t, occurrence.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.False(t, got.SentAt.Valid)
	assert.False(t, got.LastError.Valid)
	assert.Equal(t, occurrence.ErrorKindNone, got.ErrorKind)

	_, err = occRepo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, occurrence.ErrNotFound)
}

func TestSQLiteOccurrence_UniquePerSubjectAndInstant(t *testing.T) {
	clock := &testClock{t: june15.Add(-24 * time.Hour)}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	createTestOccurrence(t, occRepo, s, june15)

	err := occRepo.Create(ctx, &occurrence.Occurrence{SubjectID: s.ID, ScheduledAt: june15})
	assert.ErrorIs(t, err, occurrence.ErrDuplicate)

	exists, err := occRepo.Exists(ctx, s.ID, june15)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = occRepo.Exists(ctx, s.ID, june15.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteOccurrence_CascadeOnSubjectDelete(t *testing.T) {
	clock := &testClock{t: june15.Add(-24 * time.Hour)}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	o := createTestOccurrence(t, occRepo, s, june15)

	require.NoError(t, subjRepo.Delete(ctx, s.ID))

	_, err := occRepo.GetByID(ctx, o.ID)
	assert.ErrorIs(t, err, occurrence.ErrNotFound)
}

func TestSQLiteOccurrence_ClaimIsCompareAndSwap(t *testing.T) {
	clock := &testClock{t: june15}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	o := createTestOccurrence(t, occRepo, s, june15)

	claim := occurrence.Transition{From: occurrence.StatusPending, To: occurrence.StatusInFlight, CountAttempt: true}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := occRepo.LockAndUpdateIfStatus(ctx, o.ID, claim)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := occRepo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusInFlight, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSQLiteOccurrence_ClaimGuards(t *testing.T) {
	clock := &testClock{t: june15}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	o := createTestOccurrence(t, occRepo, s, june15)

	t.Run("missing row", func(t *testing.T) {
		ok, err := occRepo.LockAndUpdateIfStatus(ctx, uuid.New(), occurrence.Transition{From: occurrence.StatusPending, To: occurrence.StatusInFlight})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("attempt budget", func(t *testing.T) {
		ok, err := occRepo.LockAndUpdateIfStatus(ctx, o.ID, occurrence.Transition{
			From: occurrence.StatusPending, To: occurrence.StatusInFlight, CountAttempt: true, AttemptsBelow: 1,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		failed := &occurrence.Failure{Kind: occurrence.ErrorKindTransport, Detail: "boom"}
		require.NoError(t, occRepo.UpdateStatus(ctx, o.ID, occurrence.Result{Status: occurrence.StatusFailed, Failure: failed}))

		ok, err = occRepo.LockAndUpdateIfStatus(ctx, o.ID, occurrence.Transition{
			From: occurrence.StatusFailed, To: occurrence.StatusInFlight, CountAttempt: true, AttemptsBelow: 1,
		})
		require.NoError(t, err)
		assert.False(t, ok, "attempt_count 1 is not below 1")
	})

	t.Run("staleness", func(t *testing.T) {
		ok, err := occRepo.LockAndUpdateIfStatus(ctx, o.ID, occurrence.Transition{
			From: occurrence.StatusFailed, To: occurrence.StatusInFlight, CountAttempt: true,
		})
		require.NoError(t, err)
		require.True(t, ok)

		reclaim := occurrence.Transition{
			From: occurrence.StatusInFlight, To: occurrence.StatusInFlight, CountAttempt: true,
			UpdatedBefore: clock.t.Add(-15 * time.Minute),
		}
		ok, err = occRepo.LockAndUpdateIfStatus(ctx, o.ID, reclaim)
		require.NoError(t, err)
		assert.False(t, ok, "row was touched just now")

		clock.t = clock.t.Add(time.Hour)
		reclaim.UpdatedBefore = clock.t.Add(-15 * time.Minute)
		ok, err = occRepo.LockAndUpdateIfStatus(ctx, o.ID, reclaim)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := occRepo.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.AttemptCount)
	})
}

func TestSQLiteOccurrence_UpdateStatusKeepsSentTerminal(t *testing.T) {
	clock := &testClock{t: june15}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	o := createTestOccurrence(t, occRepo, s, june15)

	sentAt := june15.Add(3 * time.Second)
	require.NoError(t, occRepo.UpdateStatus(ctx, o.ID, occurrence.Result{Status: occurrence.StatusSent, SentAt: sentAt}))

	err := occRepo.UpdateStatus(ctx, o.ID, occurrence.Result{
		Status:  occurrence.StatusFailed,
		Failure: &occurrence.Failure{Kind: occurrence.ErrorKindTransport, Detail: "late"},
	})
	assert.ErrorIs(t, err, occurrence.ErrNotFound)

	got, err := occRepo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.StatusSent, got.Status)
	require.True(t, got.SentAt.Valid)
	assert.True(t, got.SentAt.Time.Equal(sentAt))
	assert.False(t, got.LastError.Valid)
}

func TestSQLiteOccurrence_FailureIsStructured(t *testing.T) {
	clock := &testClock{t: june15}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	o := createTestOccurrence(t, occRepo, s, june15)

	require.NoError(t, occRepo.UpdateStatus(ctx, o.ID, occurrence.Result{
		Status:  occurrence.StatusFailed,
		Failure: &occurrence.Failure{Kind: occurrence.ErrorKindPersistence, Detail: "lock timeout"},
	}))

	got, err := occRepo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.ErrorKindPersistence, got.ErrorKind)
	assert.Equal(t, "lock timeout", got.LastError.String)

	// Leaving failed clears the error fields.
	ok, err := occRepo.LockAndUpdateIfStatus(ctx, o.ID, occurrence.Transition{From: occurrence.StatusFailed, To: occurrence.StatusInFlight, CountAttempt: true})
	require.NoError(t, err)
	require.True(t, ok)
	got, err = occRepo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, occurrence.ErrorKindNone, got.ErrorKind)
	assert.False(t, got.LastError.Valid)
}

func TestSQLiteOccurrence_ListByStatusAndWindowIsInclusive(t *testing.T) {
	clock := &testClock{t: june15.Add(-time.Hour)}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()

	s := createTestSubject(t, subjRepo)
	start := june15.Add(-time.Minute)
	atStart := createTestOccurrence(t, occRepo, s, start)
	atEnd := createTestOccurrence(t, occRepo, s, june15)
	createTestOccurrence(t, occRepo, s, start.Add(-time.Nanosecond))
	createTestOccurrence(t, occRepo, s, june15.Add(time.Nanosecond))

	list, err := occRepo.ListByStatusAndWindow(ctx, occurrence.StatusPending, start, june15)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, atStart.ID, list[0].ID)
	assert.Equal(t, atEnd.ID, list[1].ID)

	list, err = occRepo.ListByStatusAndWindow(ctx, occurrence.StatusSent, start, june15)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLiteOccurrence_ListRecoverable(t *testing.T) {
	clock := &testClock{t: june15}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()
	s := createTestSubject(t, subjRepo)

	missedPending := createTestOccurrence(t, occRepo, s, june15.Add(-3*time.Hour))
	createTestOccurrence(t, occRepo, s, june15.Add(30*time.Minute)) // not missed yet

	failedOnce := createTestOccurrence(t, occRepo, s, june15.Add(-2*time.Hour))
	claimAndFail(t, occRepo, failedOnce.ID, occurrence.StatusPending)

	exhausted := createTestOccurrence(t, occRepo, s, june15.Add(-4*time.Hour))
	claimAndFail(t, occRepo, exhausted.ID, occurrence.StatusPending)
	claimAndFail(t, occRepo, exhausted.ID, occurrence.StatusFailed)
	claimAndFail(t, occRepo, exhausted.ID, occurrence.StatusFailed)

	stuck := createTestOccurrence(t, occRepo, s, june15.Add(-5*time.Hour))
	ok, err := occRepo.LockAndUpdateIfStatus(ctx, stuck.ID, occurrence.Transition{From: occurrence.StatusPending, To: occurrence.StatusInFlight, CountAttempt: true})
	require.NoError(t, err)
	require.True(t, ok)

	clock.t = june15.Add(time.Hour)
	now := clock.t

	list, err := occRepo.ListRecoverable(ctx, now.Add(-time.Hour), now.Add(-15*time.Minute), 3)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(list))
	for _, o := range list {
		ids = append(ids, o.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{missedPending.ID, failedOnce.ID, stuck.ID}, ids)

	exhaustedList, err := occRepo.ListExhausted(ctx, 3)
	require.NoError(t, err)
	require.Len(t, exhaustedList, 1)
	assert.Equal(t, exhausted.ID, exhaustedList[0].ID)

	n, err := occRepo.CountExhausted(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	staleList, err := occRepo.ListStaleInFlight(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, staleList, 1)
	assert.Equal(t, stuck.ID, staleList[0].ID)
}

func TestSQLiteOccurrence_CountsAndDeletePending(t *testing.T) {
	clock := &testClock{t: june15.Add(-48 * time.Hour)}
	occRepo, subjRepo := newRepos(t, clock)
	ctx := context.Background()
	s := createTestSubject(t, subjRepo)

	createTestOccurrence(t, occRepo, s, june15)
	createTestOccurrence(t, occRepo, s, june15.AddDate(1, 0, 0))
	done := createTestOccurrence(t, occRepo, s, june15.AddDate(-1, 0, 0))
	require.NoError(t, occRepo.UpdateStatus(ctx, done.ID, occurrence.Result{Status: occurrence.StatusSent, SentAt: clock.t}))

	pending, err := occRepo.CountByStatus(ctx, occurrence.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	perSubject, err := occRepo.CountPendingBySubject(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, perSubject)

	deleted, err := occRepo.DeletePendingBySubject(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	sent, err := occRepo.CountByStatus(ctx, occurrence.StatusSent)
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "sent history survives a replan")
}

func claimAndFail(t *testing.T, repo *SQLiteOccurrenceRepository, id uuid.UUID, from occurrence.Status) {
	t.Helper()
	ctx := context.Background()
	ok, err := repo.LockAndUpdateIfStatus(ctx, id, occurrence.Transition{From: from, To: occurrence.StatusInFlight, CountAttempt: true})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.UpdateStatus(ctx, id, occurrence.Result{
		Status:  occurrence.StatusFailed,
		Failure: &occurrence.Failure{Kind: occurrence.ErrorKindTransport, Detail: "webhook returned 503"},
	}))
}
