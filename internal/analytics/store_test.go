package analytics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// These tests require a reachable Postgres instance (ANALYTICS_TEST_DATABASE_URL)
// and are skipped when one isn't configured, matching the teacher's pattern
// for tests that depend on live infrastructure.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ANALYTICS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ANALYTICS_TEST_DATABASE_URL not set, skipping")
	}
	store, err := NewStore(dsn, zap.NewNop())
	if err != nil {
		t.Skipf("postgres not reachable, skipping: %v", err)
	}
	return store
}

func TestStore_RecordAndAggregate(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.EnsureSchema(ctx))

	since := time.Now().Add(-time.Minute)
	require.NoError(t, store.record(ctx, DecisionRecord{
		RequestID: "req-1", ModelVersion: "v1", ActionCode: "PREDICT",
		ReasonCode: "NONE", DriftScore: 0.1, PredictedAt: time.Now().UTC(),
	}))

	stats, err := store.DashboardAggregate(ctx, since)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalDecisions, int64(1))
	assert.GreaterOrEqual(t, stats.ActionCounts["PREDICT"], int64(1))
}
