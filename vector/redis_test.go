package vector

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis vector index tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx, err := NewRedis(testRedis(t))
	require.NoError(t, err)

	// Unique collection per run keeps tests independent on a shared server.
	collection := "test-" + uuid.NewString()

	require.NoError(t, idx.Upsert(ctx, collection, Vector{
		ID: "a", Values: []float64{1, 0},
		Metadata: map[string]string{"document_id": "d1"},
	}))
	require.NoError(t, idx.Upsert(ctx, collection, Vector{
		ID: "b", Values: []float64{0, 1},
		Metadata: map[string]string{"document_id": "d2"},
	}))

	matches, err := idx.Search(ctx, collection, []float64{1, 0}, SearchOptions{K: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "a", matches[0].ID)
	require.Equal(t, "d1", matches[0].Metadata["document_id"])

	// Re-upsert replaces in place.
	require.NoError(t, idx.Upsert(ctx, collection, Vector{ID: "b", Values: []float64{1, 0}}))
	matches, err = idx.Search(ctx, collection, []float64{1, 0}, SearchOptions{K: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.InDelta(t, matches[0].Score, matches[1].Score, 1e-9)

	require.NoError(t, idx.Delete(ctx, collection, "a"))
	require.NoError(t, idx.Delete(ctx, collection, "a"))
	matches, err = idx.Search(ctx, collection, []float64{1, 0}, SearchOptions{K: 2})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].ID)
}

func TestRedisFilter(t *testing.T) {
	ctx := context.Background()
	idx, err := NewRedis(testRedis(t))
	require.NoError(t, err)

	collection := "test-" + uuid.NewString()
	require.NoError(t, idx.Upsert(ctx, collection, Vector{
		ID: "a", Values: []float64{1, 0},
		Metadata: map[string]string{"tenant": "t1"},
	}))
	require.NoError(t, idx.Upsert(ctx, collection, Vector{
		ID: "b", Values: []float64{1, 0},
		Metadata: map[string]string{"tenant": "t2"},
	}))

	matches, err := idx.Search(ctx, collection, []float64{1, 0}, SearchOptions{
		Filter: map[string]string{"tenant": "t2"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].ID)
}
