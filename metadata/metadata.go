// Package metadata defines the relational metadata port of the platform:
// row-level storage for documents and answers, owned by the activities that
// write them. Writes are upserts keyed by (tenant_id, business id) so a
// retried activity attempt lands on the same row instead of duplicating it.
// Implementations: Memory for tests and dev mode, Postgres for production.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no row matches the given key.
var ErrNotFound = errors.New("metadata: record not found")

type (
	// Document is one ingested document's metadata row, keyed by
	// (TenantID, ID).
	Document struct {
		ID             string
		TenantID       string
		Title          string
		ContributorID  string
		State          string
		RelevanceScore float64
		QualityScore   float64
		// Chunks counts the text chunks extraction produced.
		Chunks    int
		UpdatedAt time.Time
	}

	// Answer is one answered question, keyed by (TenantID, ID) where ID is
	// the question ID.
	Answer struct {
		ID         string
		TenantID   string
		WorkflowID string
		// Principal is the asker the answer is addressed to.
		Principal  string
		Question   string
		Text       string
		Confidence float64
		Citations  []string
		CreatedAt  time.Time
	}

	// Store is the relational metadata port.
	Store interface {
		// UpsertDocument inserts or fully replaces the document row.
		UpsertDocument(ctx context.Context, doc Document) error
		// GetDocument loads one document. Returns ErrNotFound when absent.
		GetDocument(ctx context.Context, tenantID, documentID string) (Document, error)
		// SetDocumentState updates the state of an existing row. Returns
		// ErrNotFound when the document was never upserted.
		SetDocumentState(ctx context.Context, tenantID, documentID, state string) error
		// SetQualityScore updates the quality score of an existing row.
		// Returns ErrNotFound when the document was never upserted.
		SetQualityScore(ctx context.Context, tenantID, documentID string, score float64) error
		// UpsertAnswer inserts or fully replaces the answer row.
		UpsertAnswer(ctx context.Context, ans Answer) error
		// GetAnswer loads one answer by question ID. Returns ErrNotFound when
		// absent.
		GetAnswer(ctx context.Context, tenantID, questionID string) (Answer, error)
	}
)
