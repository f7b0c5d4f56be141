package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/store"
)

// AttributeStore implements store.AttributeStore on the search_attributes
// collection. Attributes live in an attrs subdocument so reserved keys can
// carry their own indexes; the DueAt attribute is additionally projected to
// a typed due_at field for range queries.
type AttributeStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type attributeDoc struct {
	ID           string         `bson:"_id"`
	WorkflowID   string         `bson:"workflow_id"`
	WorkflowType string         `bson:"workflow_type,omitempty"`
	TenantID     string         `bson:"tenant_id,omitempty"`
	Status       string         `bson:"status,omitempty"`
	Attrs        map[string]any `bson:"attrs,omitempty"`
	DueAt        time.Time      `bson:"due_at,omitempty"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func (d attributeDoc) toRecord() store.AttributeRecord {
	return store.AttributeRecord{
		WorkflowID:   d.WorkflowID,
		RunID:        d.ID,
		WorkflowType: d.WorkflowType,
		TenantID:     d.TenantID,
		Status:       engine.RunStatus(d.Status),
		Attributes:   decodeAttrs(d.Attrs),
		UpdatedAt:    utcOrZero(d.UpdatedAt),
	}
}

// decodeAttrs converts BSON scalar types back to their Go equivalents.
func decodeAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch tv := v.(type) {
		case primitive.DateTime:
			out[k] = tv.Time().UTC()
		case primitive.A:
			out[k] = []any(tv)
		default:
			out[k] = v
		}
	}
	return out
}

// Upsert merges the record's attributes into the run's document.
func (s *AttributeStore) Upsert(ctx context.Context, rec store.AttributeRecord) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	set := bson.M{"updated_at": rec.UpdatedAt}
	if rec.UpdatedAt.IsZero() {
		set["updated_at"] = time.Now().UTC()
	}
	if rec.WorkflowID != "" {
		set["workflow_id"] = rec.WorkflowID
	}
	if rec.WorkflowType != "" {
		set["workflow_type"] = rec.WorkflowType
	}
	if rec.TenantID != "" {
		set["tenant_id"] = rec.TenantID
	}
	if rec.Status != "" {
		set["status"] = string(rec.Status)
	}
	for k, v := range rec.Attributes {
		set["attrs."+k] = v
	}
	if due, ok := attrTime(rec.Attributes["DueAt"]); ok {
		set["due_at"] = due
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": rec.RunID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert attributes: %w", err)
	}
	return nil
}

// Query returns records matching all predicates, most recently updated
// first.
func (s *AttributeStore) Query(ctx context.Context, q store.AttributeQuery) ([]store.AttributeRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{}
	if q.TenantID != "" {
		filter["tenant_id"] = q.TenantID
	}
	if q.Status != "" {
		filter["status"] = string(q.Status)
	}
	for k, v := range q.Equals {
		filter["attrs."+k] = queryValue(v)
	}
	if !q.DueBefore.IsZero() {
		filter["due_at"] = bson.M{"$lt": q.DueBefore}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts = opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	defer cur.Close(ctx)
	var recs []store.AttributeRecord
	for cur.Next(ctx) {
		var doc attributeDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		recs = append(recs, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return recs, nil
}

// Get loads the attribute record of one run.
func (s *AttributeStore) Get(ctx context.Context, runID string) (store.AttributeRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc attributeDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if err == mongodriver.ErrNoDocuments {
			return store.AttributeRecord{}, store.ErrNotFound
		}
		return store.AttributeRecord{}, fmt.Errorf("load attributes: %w", err)
	}
	return doc.toRecord(), nil
}

// queryValue normalizes numeric equality operands so int-valued queries
// match float-valued attributes regardless of how the value round-tripped
// through JSON.
func queryValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// attrTime extracts a timestamp from an attribute value, accepting times and
// RFC 3339 strings.
func attrTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, tv); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
