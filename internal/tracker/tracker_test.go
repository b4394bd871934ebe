package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

func newTestTracker(t *testing.T) (*Tracker, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store), store
}

func createSession(t *testing.T, tr *Tracker) *Session {
	t.Helper()
	s, err := tr.CreateSession(context.Background(), NewSession{Kind: SyncHSECases, InitiatedBy: "test"})
	require.NoError(t, err)
	return s
}

func TestSessionTransitionTable(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusPaused},
		{StatusPaused, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusPaused, StatusCancelled},
		{StatusPending, StatusCancelled},
		{StatusFailed, StatusRetrying},
		{StatusRetrying, StatusRunning},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
	illegal := [][2]Status{
		{StatusCompleted, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusFailed},
	}
	for _, e := range illegal {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestCreateSessionValidatesInput(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.CreateSession(ctx, NewSession{ID: "not-a-uuid", Kind: SyncHSECases})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = tr.CreateSession(ctx, NewSession{Kind: "ea_cases"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	s := createSession(t, tr)
	_, err = tr.CreateSession(ctx, NewSession{ID: s.ID, Kind: SyncHSECases})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestLifecycleStampsTimestampsOnce(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)

	require.NoError(t, tr.Start(ctx, s.ID))
	got, _ := tr.GetSession(ctx, s.ID)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	startedAt := *got.StartedAt

	require.NoError(t, tr.Pause(ctx, s.ID))
	require.NoError(t, tr.Resume(ctx, s.ID))
	require.NoError(t, tr.Complete(ctx, s.ID, nil))

	got, _ = tr.GetSession(ctx, s.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, startedAt, *got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, tr.Start(ctx, s.ID), apperrors.ErrInvalidTransition)
	assert.ErrorIs(t, tr.Cancel(ctx, s.ID), apperrors.ErrInvalidTransition)
}

func TestCompletedAtSurvivesRetry(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	s := createSession(t, tr)

	require.NoError(t, tr.Start(ctx, s.ID))
	require.NoError(t, tr.Fail(ctx, s.ID, apperrors.Wrap(apperrors.ErrFatal, nil, "listing unavailable")))
	got, _ := tr.GetSession(ctx, s.ID)
	require.NotNil(t, got.CompletedAt)
	first := *got.CompletedAt

	require.NoError(t, tr.Resume(ctx, s.ID))
	require.NoError(t, tr.Complete(ctx, s.ID, nil))
	got, _ = tr.GetSession(ctx, s.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, first, *got.CompletedAt)
}

func TestPostgresTransitionKeepsFirstCompletion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := "0b8f6a3e-2a4b-4e55-9d0c-6f1a2b3c4d5e"
	mock.ExpectExec(regexp.QuoteMeta("THEN COALESCE(completed_at, now())")).
		WithArgs(id, "running", "completed", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStore(db).TransitionSession(context.Background(), id, StatusRunning, StatusCompleted, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTerminalSessionRejectsCounters(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)
	require.NoError(t, tr.Start(ctx, s.ID))
	require.NoError(t, tr.RecordProgress(ctx, s.ID, Counters{Processed: 2, Created: 2}))
	require.NoError(t, tr.Cancel(ctx, s.ID))

	err := tr.RecordProgress(ctx, s.ID, Counters{Processed: 1, Created: 1})
	assert.ErrorIs(t, err, apperrors.ErrTerminal)

	got, _ := tr.GetSession(ctx, s.ID)
	assert.Equal(t, 2, got.Counters.Processed)
}

func TestFailKeepsPartialProgressAndCanRetry(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)
	require.NoError(t, tr.Start(ctx, s.ID))
	require.NoError(t, tr.RecordProgress(ctx, s.ID, Counters{Processed: 3, Created: 1, Existing: 2}))

	cause := apperrors.Wrap(apperrors.ErrFatal, errors.New("upstream down"), "3 consecutive page failures")
	require.NoError(t, tr.Fail(ctx, s.ID, cause))

	got, _ := tr.GetSession(ctx, s.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Counters.Processed)
	assert.Equal(t, "fatal", got.ErrorInfo["type"])
	require.NotNil(t, got.CompletedAt)

	failedAt := *got.CompletedAt

	require.NoError(t, tr.Resume(ctx, s.ID))
	got, _ = tr.GetSession(ctx, s.ID)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, failedAt, *got.CompletedAt, "completion is stamped once")

	logs, err := store.ListLogs(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	var events []EventType
	for _, e := range logs {
		events = append(events, e.Event)
	}
	assert.Equal(t, []EventType{EventSessionStarted, EventSessionFailed, EventSessionResumed}, events)
	assert.Equal(t, LevelFatal, logs[1].Level)
	assert.Equal(t, "fatal", logs[1].Error.Type)
}

func TestBatchCompletionRequiresBalancedCounters(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)

	b, err := tr.BeginBatch(ctx, s.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, BatchProcessing, b.Status)
	require.NotNil(t, b.StartedAt)

	err = tr.CompleteBatch(ctx, b, Counters{Processed: 3, Created: 1, Existing: 1})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, BatchProcessing, b.Status)

	require.NoError(t, tr.CompleteBatch(ctx, b, Counters{Processed: 3, Created: 1, Updated: 1, Failed: 1}))
	batches, _ := tr.ListBatches(ctx, s.ID)
	require.Len(t, batches, 1)
	assert.Equal(t, BatchCompleted, batches[0].Status)
	assert.True(t, batches[0].Counters.Balanced())

	_, err = tr.BeginBatch(ctx, s.ID, 1, 10)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestBatchRetryCeiling(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)
	require.NoError(t, tr.Start(ctx, s.ID))

	b, err := tr.BeginBatch(ctx, s.ID, 1, 10)
	require.NoError(t, err)
	cause := apperrors.Wrap(apperrors.ErrTransient, nil, "HTTP 503")

	for i := 0; i < MaxBatchRetries; i++ {
		retry, err := tr.FailBatch(ctx, b, cause, true)
		require.NoError(t, err)
		require.True(t, retry, "attempt %d", i+1)
		assert.Equal(t, BatchRetrying, b.Status)
		require.NoError(t, tr.RetryBatch(ctx, b))
	}

	retry, err := tr.FailBatch(ctx, b, cause, true)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, BatchFailed, b.Status)
	assert.Equal(t, MaxBatchRetries, b.RetryCount)

	got, _ := tr.GetSession(ctx, s.ID)
	assert.Equal(t, 1, got.ErrorCount)
}

func TestNonRetryableBatchFailureCountsImmediately(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)
	require.NoError(t, tr.Start(ctx, s.ID))

	b, err := tr.BeginBatch(ctx, s.ID, 1, 10)
	require.NoError(t, err)
	retry, err := tr.FailBatch(ctx, b, apperrors.ErrNotFound, false)
	require.NoError(t, err)
	assert.False(t, retry)

	got, _ := tr.GetSession(ctx, s.ID)
	assert.Equal(t, 1, got.ErrorCount)
}

func TestConcurrentCounterDeltasAreNotLost(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)
	require.NoError(t, tr.Start(ctx, s.ID))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.RecordProgress(ctx, s.ID, Counters{Processed: 2, Created: 1, Existing: 1}))
		}()
	}
	wg.Wait()

	got, _ := tr.GetSession(ctx, s.ID)
	assert.Equal(t, Counters{Processed: 100, Created: 50, Existing: 50}, got.Counters)
}

func TestLogEntriesAreOrderedAndStamped(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	s := createSession(t, tr)

	for i := 0; i < 5; i++ {
		tr.Log(ctx, LogEntry{SessionID: s.ID, Event: EventPageProcessed, Message: fmt.Sprintf("page %d", i+1)})
	}
	logs, err := tr.ListLogs(ctx, s.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(3), logs[0].Seq)
	assert.Equal(t, int64(4), logs[1].Seq)
	assert.Equal(t, tr.Origin(), logs[0].Origin)
	assert.Equal(t, LevelInfo, logs[0].Level)
}

func TestSummaryDerivedRates(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Second)
	s := Session{
		Status:         StatusCompleted,
		EstimatedTotal: 40,
		Counters:       Counters{Processed: 20, Created: 5, Updated: 3, Existing: 10, Failed: 2},
		StartedAt:      &start,
		CompletedAt:    &end,
	}
	sum := s.Summarize(end.Add(time.Hour))
	assert.Equal(t, 50.0, sum.CompletionPercent)
	assert.Equal(t, 90.0, sum.SuccessRate)
	assert.Equal(t, 10.0, sum.ErrorRate)
	assert.Equal(t, 2.0, sum.RecordsPerSecond)

	empty := Session{Status: StatusRunning}
	assert.Equal(t, 0.0, empty.CompletionPercent())
	assert.Equal(t, 0.0, empty.SuccessRate())
	empty.Status = StatusCompleted
	assert.Equal(t, 100.0, empty.CompletionPercent())
}

func TestPostgresAddSessionCountersRejectsTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := "0b8f6a3e-2a4b-4e55-9d0c-6f1a2b3c4d5e"
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ingestion_sessions")).
		WithArgs(id, 1, 1, 0, 0, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ingestion_sessions WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sync_kind", "target_resource", "initiated_by", "estimated_total", "status",
			"records_processed", "records_created", "records_updated", "records_existing", "records_failed",
			"error_count", "error_info", "options", "metadata", "started_at", "completed_at", "created_at", "updated_at",
		}).AddRow(id, "hse_cases", "enforcement_records", "api", 0, "cancelled",
			4, 4, 0, 0, 0, 0, nil, []byte(`{"max_pages":5}`), []byte(`{"last_page":2}`), now, now, now, now))

	err = NewPostgresStore(db).AddSessionCounters(context.Background(), id, Counters{Processed: 1, Created: 1}, 0)
	assert.ErrorIs(t, err, apperrors.ErrTerminal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionIsCompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := "0b8f6a3e-2a4b-4e55-9d0c-6f1a2b3c4d5e"
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = $2")).
		WithArgs(id, "running", "paused", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStore(db).TransitionSession(context.Background(), id, StatusRunning, StatusPaused, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSessionDecodesJSONColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := "0b8f6a3e-2a4b-4e55-9d0c-6f1a2b3c4d5e"
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ingestion_sessions WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sync_kind", "target_resource", "initiated_by", "estimated_total", "status",
			"records_processed", "records_created", "records_updated", "records_existing", "records_failed",
			"error_count", "error_info", "options", "metadata", "started_at", "completed_at", "created_at", "updated_at",
		}).AddRow(id, "hse_notices", "enforcement_records", "cli", 100, "running",
			10, 4, 1, 5, 0, 0, nil, []byte(`{"max_pages":5,"stop_mode":"page"}`), []byte(`{"last_page":2}`), now, nil, now, now))

	s, err := NewPostgresStore(db).GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, SyncHSENotices, s.Kind)
	assert.Equal(t, 5, s.Options.MaxPages)
	assert.Equal(t, "page", s.Options.StopMode)
	last, ok := s.MetadataInt("last_page")
	assert.True(t, ok)
	assert.Equal(t, 2, last)
	assert.Nil(t, s.CompletedAt)
	assert.Nil(t, s.ErrorInfo)
}
