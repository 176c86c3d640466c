package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests require a reachable Redis instance (REDIS_TEST_ADDR, default
// localhost:6379) and are skipped when one isn't available, matching the
// teacher's own pattern of skipping integration tests without live infra.
func newTestCache(t *testing.T) *DashboardCache {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	c, err := NewDashboardCache(addr, "test_fraud_serving", time.Minute)
	if err != nil {
		t.Skipf("redis not reachable at %s, skipping: %v", addr, err)
	}
	return c
}

func TestDashboardCache_SetGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	defer c.Close()
	ctx := context.Background()

	type stats struct {
		Count int `json:"count"`
	}
	require.NoError(t, c.Set(ctx, "stats_test", stats{Count: 42}))

	var got stats
	found, err := c.Get(ctx, "stats_test", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, got.Count)

	require.NoError(t, c.Invalidate(ctx, "stats_test"))
	found2, err := c.Get(ctx, "stats_test", &got)
	require.NoError(t, err)
	assert.False(t, found2)
}

func TestDashboardCache_MissReturnsFalseNotError(t *testing.T) {
	c := newTestCache(t)
	defer c.Close()

	var dest map[string]interface{}
	found, err := c.Get(context.Background(), "nonexistent_key_xyz", &dest)
	require.NoError(t, err)
	assert.False(t, found)
}
