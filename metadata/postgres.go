package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store, one row per document and per answer.
// The schema is created on construction so dev and test environments need no
// migration step.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS documents (
	tenant_id       TEXT NOT NULL,
	id              TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	contributor_id  TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT '',
	relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
	chunks          INTEGER NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE TABLE IF NOT EXISTS answers (
	tenant_id   TEXT NOT NULL,
	id          TEXT NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT '',
	principal   TEXT NOT NULL DEFAULT '',
	question    TEXT NOT NULL DEFAULT '',
	answer      TEXT NOT NULL DEFAULT '',
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	citations   JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
`

// NewPostgres connects to the database named by dsn, verifies the connection,
// and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Name implements clue's health.Pinger.
func (s *Postgres) Name() string {
	return "postgres"
}

// Ping implements clue's health.Pinger.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, metadataSchema); err != nil {
		return fmt.Errorf("ensure metadata schema: %w", err)
	}
	return nil
}

// UpsertDocument inserts or replaces the document row.
func (s *Postgres) UpsertDocument(ctx context.Context, doc Document) error {
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (tenant_id, id, title, contributor_id, state, relevance_score, quality_score, chunks, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			title = $3, contributor_id = $4, state = $5,
			relevance_score = $6, quality_score = $7, chunks = $8, updated_at = $9`,
		doc.TenantID, doc.ID, doc.Title, doc.ContributorID, doc.State,
		doc.RelevanceScore, doc.QualityScore, doc.Chunks, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// GetDocument loads one document.
func (s *Postgres) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	var doc Document
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, title, contributor_id, state, relevance_score, quality_score, chunks, updated_at
		FROM documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, documentID).Scan(
		&doc.TenantID, &doc.ID, &doc.Title, &doc.ContributorID, &doc.State,
		&doc.RelevanceScore, &doc.QualityScore, &doc.Chunks, &doc.UpdatedAt)
	if err != nil {
		if errNoRows(err) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

// SetDocumentState updates the state of an existing row.
func (s *Postgres) SetDocumentState(ctx context.Context, tenantID, documentID, state string) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE documents SET state = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		state, time.Now(), tenantID, documentID)
	if err != nil {
		return fmt.Errorf("set document state: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetQualityScore updates the quality score of an existing row.
func (s *Postgres) SetQualityScore(ctx context.Context, tenantID, documentID string, score float64) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE documents SET quality_score = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		score, time.Now(), tenantID, documentID)
	if err != nil {
		return fmt.Errorf("set quality score: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertAnswer inserts or replaces the answer row.
func (s *Postgres) UpsertAnswer(ctx context.Context, ans Answer) error {
	createdAt := ans.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	citations, err := json.Marshal(ans.Citations)
	if err != nil {
		return fmt.Errorf("encode citations: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO answers (tenant_id, id, workflow_id, principal, question, answer, confidence, citations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			workflow_id = $3, principal = $4, question = $5,
			answer = $6, confidence = $7, citations = $8, created_at = $9`,
		ans.TenantID, ans.ID, ans.WorkflowID, ans.Principal, ans.Question,
		ans.Text, ans.Confidence, citations, createdAt)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

// GetAnswer loads one answer by question ID.
func (s *Postgres) GetAnswer(ctx context.Context, tenantID, questionID string) (Answer, error) {
	var (
		ans       Answer
		citations []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, workflow_id, principal, question, answer, confidence, citations, created_at
		FROM answers WHERE tenant_id = $1 AND id = $2`,
		tenantID, questionID).Scan(
		&ans.TenantID, &ans.ID, &ans.WorkflowID, &ans.Principal, &ans.Question,
		&ans.Text, &ans.Confidence, &citations, &ans.CreatedAt)
	if err != nil {
		if errNoRows(err) {
			return Answer{}, ErrNotFound
		}
		return Answer{}, fmt.Errorf("get answer: %w", err)
	}
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &ans.Citations); err != nil {
			return Answer{}, fmt.Errorf("decode citations: %w", err)
		}
	}
	ans.CreatedAt = ans.CreatedAt.UTC()
	return ans, nil
}

func errNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}
