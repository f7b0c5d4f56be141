package metadata

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/health"
)

func testPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_METADATA_DSN")
	if dsn == "" {
		t.Skip("TEST_METADATA_DSN not set, skipping Postgres metadata tests")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	_, err = s.pool.Exec(ctx, `DELETE FROM documents`)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `DELETE FROM answers`)
	require.NoError(t, err)
	return s
}

func TestPostgresDocumentLifecycle(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	_, err := s.GetDocument(ctx, "t1", "d1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.SetDocumentState(ctx, "t1", "d1", "PUBLISHED"), ErrNotFound)

	doc := Document{
		ID:             "d1",
		TenantID:       "t1",
		Title:          "Q3 report",
		ContributorID:  "u1",
		State:          "ASSESSING",
		RelevanceScore: 6.5,
		Chunks:         12,
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.UpsertDocument(ctx, doc))
	require.NoError(t, s.UpsertDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "t1", "d1")
	require.NoError(t, err)
	require.Equal(t, doc.Title, got.Title)
	require.Equal(t, doc.RelevanceScore, got.RelevanceScore)
	require.Equal(t, doc.Chunks, got.Chunks)
	require.WithinDuration(t, doc.UpdatedAt, got.UpdatedAt, time.Second)

	require.NoError(t, s.SetDocumentState(ctx, "t1", "d1", "PUBLISHED"))
	require.NoError(t, s.SetQualityScore(ctx, "t1", "d1", 0.82))
	got, err = s.GetDocument(ctx, "t1", "d1")
	require.NoError(t, err)
	require.Equal(t, "PUBLISHED", got.State)
	require.Equal(t, 0.82, got.QualityScore)

	_, err = s.GetDocument(ctx, "t2", "d1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresAnswerRoundTrip(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	_, err := s.GetAnswer(ctx, "t1", "q1")
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
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.UpsertAnswer(ctx, ans))

	got, err := s.GetAnswer(ctx, "t1", "q1")
	require.NoError(t, err)
	require.Equal(t, ans.Text, got.Text)
	require.Equal(t, ans.Confidence, got.Confidence)
	require.Equal(t, ans.Citations, got.Citations)
	require.WithinDuration(t, ans.CreatedAt, got.CreatedAt, time.Second)

	ans.Confidence = 0.55
	ans.Citations = nil
	require.NoError(t, s.UpsertAnswer(ctx, ans))
	got, err = s.GetAnswer(ctx, "t1", "q1")
	require.NoError(t, err)
	require.Equal(t, 0.55, got.Confidence)
	require.Empty(t, got.Citations)
}

func TestPostgresHealthProbe(t *testing.T) {
	var _ health.Pinger = (*Postgres)(nil)
	require.Equal(t, "postgres", (&Postgres{}).Name())

	s := testPostgres(t)
	require.NoError(t, s.Ping(context.Background()))
}
