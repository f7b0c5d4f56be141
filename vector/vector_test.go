package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()

	require.NoError(t, idx.Upsert(ctx, "docs", Vector{ID: "aligned", Values: []float64{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, "docs", Vector{ID: "diagonal", Values: []float64{1, 1}}))
	require.NoError(t, idx.Upsert(ctx, "docs", Vector{ID: "orthogonal", Values: []float64{0, 1}}))

	matches, err := idx.Search(ctx, "docs", []float64{1, 0}, SearchOptions{K: 3})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "aligned", matches[0].ID)
	require.Equal(t, "diagonal", matches[1].ID)
	require.Equal(t, "orthogonal", matches[2].ID)
	require.InDelta(t, 1.0, matches[0].Score, 1e-9)
	require.InDelta(t, 0.0, matches[2].Score, 1e-9)
}

func TestMemoryUpsertIdempotentByID(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()

	require.NoError(t, idx.Upsert(ctx, "docs", Vector{ID: "v", Values: []float64{0, 1}}))
	require.NoError(t, idx.Upsert(ctx, "docs", Vector{ID: "v", Values: []float64{1, 0}}))

	matches, err := idx.Search(ctx, "docs", []float64{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestMemorySearchFiltersAndTruncates(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()

	require.NoError(t, idx.Upsert(ctx, "docs", Vector{
		ID: "a", Values: []float64{1, 0},
		Metadata: map[string]string{"tenant": "t1", "document_id": "d1"},
	}))
	require.NoError(t, idx.Upsert(ctx, "docs", Vector{
		ID: "b", Values: []float64{1, 0},
		Metadata: map[string]string{"tenant": "t2", "document_id": "d2"},
	}))
	require.NoError(t, idx.Upsert(ctx, "docs", Vector{
		ID: "c", Values: []float64{0.9, 0.1},
		Metadata: map[string]string{"tenant": "t1", "document_id": "d3"},
	}))

	matches, err := idx.Search(ctx, "docs", []float64{1, 0}, SearchOptions{
		Filter: map[string]string{"tenant": "t1"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		require.Equal(t, "t1", m.Metadata["tenant"])
	}

	matches, err = idx.Search(ctx, "docs", []float64{1, 0}, SearchOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()

	require.NoError(t, idx.Upsert(ctx, "docs", Vector{ID: "v", Values: []float64{1}}))
	require.NoError(t, idx.Delete(ctx, "docs", "v"))
	require.NoError(t, idx.Delete(ctx, "docs", "v"))
	require.NoError(t, idx.Delete(ctx, "missing-collection", "v"))

	matches, err := idx.Search(ctx, "docs", []float64{1}, SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, matches)
}
