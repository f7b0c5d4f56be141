// Package visibility implements the search-attribute index service. The
// orchestrator writes through it on every SearchAttributesUpserted event and
// on run status changes; review dashboards and the HTTP API query it. Writes
// are synchronous, so readers observe updates well inside the five-second
// staleness bound the index contract allows.
package visibility

import (
	"context"
	"fmt"
	"time"

	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

// Reserved attribute names. Workflows may upsert additional names, but these
// are the ones review tooling queries and the stores index.
const (
	AttrAssignee       = "Assignee"
	AttrQueue          = "Queue"
	AttrStatus         = "Status"
	AttrPriority       = "Priority"
	AttrDueAt          = "DueAt"
	AttrTenant         = "Tenant"
	AttrDocumentID     = "DocumentId"
	AttrContributorID  = "ContributorId"
	AttrRelevanceScore = "RelevanceScore"
)

// Service fronts an attribute store with value normalization and the typed
// queries review tooling needs. It satisfies the orchestrator's Indexer
// contract.
type Service struct {
	index  store.AttributeStore
	logger telemetry.Logger
}

// ReviewQueueQuery selects suspended workflows awaiting a decision.
type ReviewQueueQuery struct {
	Queue    string
	Assignee string
	Status   string
	TenantID string
	Limit    int
}

// New builds the service over the given attribute store.
func New(index store.AttributeStore, logger telemetry.Logger) *Service {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{index: index, logger: logger}
}

// Upsert normalizes attribute values and writes through to the store.
// Non-scalar values are dropped rather than failing the decision that
// produced them: the index is a projection, not the source of truth.
func (s *Service) Upsert(ctx context.Context, rec store.AttributeRecord) error {
	if len(rec.Attributes) > 0 {
		attrs := make(map[string]any, len(rec.Attributes))
		for name, v := range rec.Attributes {
			nv, ok := normalize(v)
			if !ok {
				s.logger.Warn(ctx, "dropping non-scalar search attribute",
					"workflow_id", rec.WorkflowID, "run_id", rec.RunID, "attribute", name)
				continue
			}
			attrs[name] = nv
		}
		rec.Attributes = attrs
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := s.index.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("upsert visibility record: %w", err)
	}
	return nil
}

// Query passes predicate queries through to the store.
func (s *Service) Query(ctx context.Context, q store.AttributeQuery) ([]store.AttributeRecord, error) {
	return s.index.Query(ctx, q)
}

// Get loads the record of one run.
func (s *Service) Get(ctx context.Context, runID string) (store.AttributeRecord, error) {
	return s.index.Get(ctx, runID)
}

// ReviewQueue returns workflows matching the review-queue predicates, most
// recently updated first.
func (s *Service) ReviewQueue(ctx context.Context, q ReviewQueueQuery) ([]store.AttributeRecord, error) {
	equals := map[string]any{}
	if q.Queue != "" {
		equals[AttrQueue] = q.Queue
	}
	if q.Assignee != "" {
		equals[AttrAssignee] = q.Assignee
	}
	if q.Status != "" {
		equals[AttrStatus] = q.Status
	}
	return s.index.Query(ctx, store.AttributeQuery{
		TenantID: q.TenantID,
		Equals:   equals,
		Limit:    q.Limit,
	})
}

// Overdue returns pending reviews whose DueAt passed.
func (s *Service) Overdue(ctx context.Context, now time.Time, limit int) ([]store.AttributeRecord, error) {
	return s.index.Query(ctx, store.AttributeQuery{
		Equals:    map[string]any{AttrStatus: "pending"},
		DueBefore: now,
		Limit:     limit,
	})
}

// normalize coerces attribute values to the scalar types the stores index:
// strings, bools, float64 numbers, and RFC 3339 timestamps. It reports false
// for values that cannot be indexed.
func normalize(v any) (any, bool) {
	switch tv := v.(type) {
	case nil:
		return nil, false
	case string, bool, float64:
		return tv, true
	case int:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float32:
		return float64(tv), true
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano), true
	default:
		return nil, false
	}
}
