//go:build integration

// These tests run the postgres stores against a real database. They skip
// when PostgreSQL is unavailable.
//
// Run with:
//
//	go test -v -tags=integration ./internal/schema/...
package schema_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/enforcement"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/matcher"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/schema"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/upsert"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/postgres"
)

func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "enforcement_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "enforcement"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	require.NoError(t, schema.Apply(context.Background(), db.DB))
	return db
}

func TestApplyIsIdempotent(t *testing.T) {
	db := skipIfNoPostgres(t)
	assert.NoError(t, schema.Apply(context.Background(), db.DB))
}

func TestSessionLifecycle(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	tr := tracker.New(tracker.NewPostgresStore(db.DB))

	s, err := tr.CreateSession(ctx, tracker.NewSession{
		Kind:        tracker.SyncHSECases,
		InitiatedBy: "integration",
		Options:     tracker.Options{MaxPages: 2},
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, s.ID))

	b, err := tr.BeginBatch(ctx, s.ID, 1, 10)
	require.NoError(t, err)
	require.NoError(t, tr.CompleteBatch(ctx, b, tracker.Counters{Processed: 3, Created: 2, Existing: 1}))
	require.NoError(t, tr.RecordProgress(ctx, s.ID, tracker.Counters{Processed: 3, Created: 2, Existing: 1}))
	require.NoError(t, tr.Complete(ctx, s.ID, map[string]any{"reason": "end_of_listing"}))

	got, err := tr.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Counters.Processed)
	assert.NotNil(t, got.CompletedAt)

	batches, err := tr.ListBatches(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, tracker.BatchCompleted, batches[0].Status)

	logs, err := tr.ListLogs(ctx, s.ID, 0, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestRecordUpsertRoundTrip(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	offenders := matcher.New(matcher.NewPostgresStore(db.DB))
	engine := upsert.New(upsert.NewPostgresStore(db.DB), offenders)

	suffix := uuid.NewString()[:8]
	address := "1 Mill Lane, Leeds LS1 4AB"
	o, err := offenders.Resolve(ctx, enforcement.Party{Name: "Integration " + suffix + " Ltd", Address: &address})
	require.NoError(t, err)

	fine := int64(150000)
	r := &enforcement.Record{
		Agency:      enforcement.AgencyHSE,
		RegulatorID: "IT-" + suffix,
		Kind:        enforcement.KindCase,
		OffenderID:  o.ID,
		FinePence:   &fine,
		Breaches:    []string{"HSWA 1974 s.2(1)"},
	}
	res, err := engine.Upsert(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, upsert.Created, res.Outcome)

	again := *r
	res, err = engine.Upsert(ctx, &again)
	require.NoError(t, err)
	assert.Equal(t, upsert.Unchanged, res.Outcome)

	higher := int64(200000)
	changed := *r
	changed.FinePence = &higher
	res, err = engine.Upsert(ctx, &changed)
	require.NoError(t, err)
	assert.Equal(t, upsert.Updated, res.Outcome)
	assert.Contains(t, res.Changed, "fine_pence")

	same, err := offenders.Resolve(ctx, enforcement.Party{Name: "INTEGRATION " + suffix + " LIMITED", Address: &address})
	require.NoError(t, err)
	assert.Equal(t, o.ID, same.ID)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
