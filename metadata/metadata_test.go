package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetDocument(ctx, "t1", "d1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.SetDocumentState(ctx, "t1", "d1", "PUBLISHED"), ErrNotFound)
	require.ErrorIs(t, m.SetQualityScore(ctx, "t1", "d1", 0.9), ErrNotFound)

	doc := Document{
		ID:             "d1",
		TenantID:       "t1",
		Title:          "Q3 report",
		ContributorID:  "u1",
		State:          "ASSESSING",
		RelevanceScore: 6.5,
		Chunks:         12,
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, m.UpsertDocument(ctx, doc))

	got, err := m.GetDocument(ctx, "t1", "d1")
	require.NoError(t, err)
	require.Equal(t, doc, got)

	// Re-executing the upsert with the same key replaces, never duplicates.
	doc.Chunks = 13
	require.NoError(t, m.UpsertDocument(ctx, doc))
	got, err = m.GetDocument(ctx, "t1", "d1")
	require.NoError(t, err)
	require.Equal(t, 13, got.Chunks)

	require.NoError(t, m.SetDocumentState(ctx, "t1", "d1", "PUBLISHED"))
	require.NoError(t, m.SetQualityScore(ctx, "t1", "d1", 0.82))
	got, err = m.GetDocument(ctx, "t1", "d1")
	require.NoError(t, err)
	require.Equal(t, "PUBLISHED", got.State)
	require.Equal(t, 0.82, got.QualityScore)

	// Rows are tenant-scoped.
	_, err = m.GetDocument(ctx, "t2", "d1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAnswerRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.GetAnswer(ctx, "t1", "q1")
	require.ErrorIs(t, err, ErrNotFound)

	ans := Answer{
		ID:         "q1",
		TenantID:   "t1",
		WorkflowID: "qa-q1",
		Principal:  "asker",
		Question:   "What does Acme make?",
		Text:       "Acme makes bolts.",
		Confidence: 0.91,
		Citations:  []string{"d1#3", "d2#1"},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, m.UpsertAnswer(ctx, ans))

	got, err := m.GetAnswer(ctx, "t1", "q1")
	require.NoError(t, err)
	require.Equal(t, ans, got)

	// The store keeps its own copy of the citations.
	got.Citations[0] = "mutated"
	again, err := m.GetAnswer(ctx, "t1", "q1")
	require.NoError(t, err)
	require.Equal(t, "d1#3", again.Citations[0])

	ans.Confidence = 0.55
	require.NoError(t, m.UpsertAnswer(ctx, ans))
	got, err = m.GetAnswer(ctx, "t1", "q1")
	require.NoError(t, err)
	require.Equal(t, 0.55, got.Confidence)
}
