package upsert

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

func pence(v int64) *int64 { return &v }

func text(s string) *string { return &s }

// tickingStore advances its clock on every write so timestamp changes are
// observable.
func tickingStore() *MemoryStore {
	s := NewMemoryStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return s
}

func record(key string, fine int64) *enforcement.Record {
	d := time.Date(2023, 5, 4, 0, 0, 0, 0, time.UTC)
	return &enforcement.Record{
		Agency:      enforcement.AgencyHSE,
		RegulatorID: key,
		Kind:        enforcement.KindCase,
		OffenderID:  1,
		ActionDate:  &d,
		FinePence:   pence(fine),
		Breaches:    []string{"HSWA 1974 s2(1)"},
		Party:       enforcement.Party{Name: "Acme Ltd"},
	}
}

type statsRecorder struct {
	records int
	fines   int64
}

func (s *statsRecorder) Attach(_ context.Context, _ int64, records int, fines int64) error {
	s.records += records
	s.fines += fines
	return nil
}

// offenderTotals tracks statistics per offender.
type offenderTotals map[int64]*statsRecorder

func (o offenderTotals) Attach(ctx context.Context, id int64, records int, fines int64) error {
	if o[id] == nil {
		o[id] = &statsRecorder{}
	}
	return o[id].Attach(ctx, id, records, fines)
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	store := tickingStore()
	engine := New(store, nil)

	first, err := engine.Upsert(ctx, record("K1", 2000))
	require.NoError(t, err)
	assert.Equal(t, Created, first.Outcome)
	before, err := store.Get(ctx, enforcement.AgencyHSE, "K1")
	require.NoError(t, err)

	again, err := engine.Upsert(ctx, record("K1", 2000))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, again.Outcome)
	assert.True(t, again.Outcome.Existing())
	assert.Equal(t, first.RecordID, again.RecordID)

	after, err := store.Get(ctx, enforcement.AgencyHSE, "K1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, 1, store.Len())
}

func TestUpsertUpdatesChangedFieldsOnly(t *testing.T) {
	ctx := context.Background()
	store := tickingStore()
	stats := &statsRecorder{}
	engine := New(store, stats)

	first, err := engine.Upsert(ctx, record("K1", 2000))
	require.NoError(t, err)
	before, _ := store.Get(ctx, enforcement.AgencyHSE, "K1")

	changed := record("K1", 5000)
	res, err := engine.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Outcome)
	assert.True(t, res.Outcome.Existing())
	assert.Equal(t, first.RecordID, res.RecordID)
	assert.Equal(t, []string{"fine_pence"}, res.Changed)

	after, _ := store.Get(ctx, enforcement.AgencyHSE, "K1")
	assert.Equal(t, int64(5000), *after.FinePence)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
	assert.Equal(t, before.CreatedAt, after.CreatedAt)

	assert.Equal(t, 1, stats.records)
	assert.Equal(t, int64(5000), stats.fines)
}

func TestUpsertMovesStatsWhenOffenderChanges(t *testing.T) {
	ctx := context.Background()
	totals := offenderTotals{}
	engine := New(tickingStore(), totals)

	_, err := engine.Upsert(ctx, record("K1", 200000))
	require.NoError(t, err)

	moved := record("K1", 200000)
	moved.OffenderID = 2
	res, err := engine.Upsert(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Outcome)
	assert.Contains(t, res.Changed, "offender_id")

	assert.Equal(t, 0, totals[1].records)
	assert.Equal(t, int64(0), totals[1].fines)
	assert.Equal(t, 1, totals[2].records)
	assert.Equal(t, int64(200000), totals[2].fines)
}

func TestUpsertMovesStatsWithChangedFine(t *testing.T) {
	ctx := context.Background()
	totals := offenderTotals{}
	engine := New(tickingStore(), totals)

	_, err := engine.Upsert(ctx, record("K1", 2000))
	require.NoError(t, err)

	moved := record("K1", 7500)
	moved.OffenderID = 2
	_, err = engine.Upsert(ctx, moved)
	require.NoError(t, err)

	assert.Equal(t, 0, totals[1].records)
	assert.Equal(t, int64(0), totals[1].fines)
	assert.Equal(t, 1, totals[2].records)
	assert.Equal(t, int64(7500), totals[2].fines)
}

func TestUpsertMissingFieldsNeverClearStoredValues(t *testing.T) {
	ctx := context.Background()
	engine := New(tickingStore(), nil)

	_, err := engine.Upsert(ctx, record("K1", 2000))
	require.NoError(t, err)

	sparse := record("K1", 0)
	sparse.FinePence = nil
	sparse.Breaches = nil
	res, err := engine.Upsert(ctx, sparse)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Outcome)
	require.NotNil(t, sparse.FinePence)
	assert.Equal(t, int64(2000), *sparse.FinePence)
}

func TestUpsertDistinctKeysNeverCollide(t *testing.T) {
	ctx := context.Background()
	engine := New(tickingStore(), nil)

	a, err := engine.Upsert(ctx, record("K1", 2000))
	require.NoError(t, err)
	b, err := engine.Upsert(ctx, record("K2", 2000))
	require.NoError(t, err)

	assert.Equal(t, Created, b.Outcome)
	assert.NotEqual(t, a.RecordID, b.RecordID)
}

func TestUpsertRequiresNaturalKeyAndOffender(t *testing.T) {
	engine := New(NewMemoryStore(), nil)

	r := record("", 1)
	_, err := engine.Upsert(context.Background(), r)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	r = record("K9", 1)
	r.OffenderID = 0
	_, err = engine.Upsert(context.Background(), r)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

// racingStore reports a conflict on the first insert after letting a rival
// writer store an identical record.
type racingStore struct {
	*MemoryStore
	raced bool
}

func (s *racingStore) Insert(ctx context.Context, r *enforcement.Record) error {
	if !s.raced {
		s.raced = true
		rival := *r
		_ = s.MemoryStore.Insert(ctx, &rival)
	}
	return s.MemoryStore.Insert(ctx, r)
}

func TestUpsertResolvesInsertRace(t *testing.T) {
	store := &racingStore{MemoryStore: tickingStore()}
	engine := New(store, nil)

	res, err := engine.Upsert(context.Background(), record("K1", 2000))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Outcome)
	assert.Equal(t, 1, store.Len())
}

func TestDiffComparesDatesByDay(t *testing.T) {
	stored := record("K1", 100)
	incoming := record("K1", 100)
	shifted := stored.ActionDate.Add(3 * time.Hour)
	incoming.ActionDate = &shifted
	incoming.Description = text("Failed to ensure safety")

	changes := Diff(stored, incoming)
	require.Len(t, changes, 1)
	assert.Equal(t, "description", changes[0].Column)
}

func TestPostgresStoreUpdateWritesOnlyChangedColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE enforcement_records SET fine_pence = $1, result = $2, updated_at = now() WHERE id = $3 RETURNING updated_at")).
		WithArgs(int64(5000), "Guilty", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

	got, err := NewPostgresStore(db).Update(context.Background(), 42, []Change{
		{Column: "fine_pence", Value: int64(5000)},
		{Column: "result", Value: "Guilty"},
	})
	require.NoError(t, err)
	assert.Equal(t, now, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRejectsUnknownColumn(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPostgresStore(db).Update(context.Background(), 1, []Change{{Column: "id; DROP TABLE", Value: 1}})
	assert.Error(t, err)
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM enforcement_records WHERE agency = $1 AND regulator_id = $2")).
		WithArgs("hse", "K1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewPostgresStore(db).Get(context.Background(), enforcement.AgencyHSE, "K1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
