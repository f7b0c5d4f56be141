// Package mongo implements the persistence contracts of package store on
// MongoDB. Each store owns one collection; New ensures the indexes the
// orchestrator's access paths rely on: executions by (workflow_id, run_id)
// and (tenant_id, status), history by (run_id, event_id), activity tasks by
// (queue, state, visible_at), search attributes by the reserved predicate
// keys, and signal inboxes by (principal, sequence).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/corpusworks/corpus/clients/mongo"
)

const (
	executionsCollection = "executions"
	historyCollection    = "history"
	tasksCollection      = "activity_tasks"
	timersCollection     = "timers"
	attributesCollection = "search_attributes"
	inboxCollection      = "signal_inbox"
	countersCollection   = "counters"
)

type (
	// Options configures the Mongo store bundle.
	Options struct {
		// Client is the corpus Mongo client wrapper. Required.
		Client clientsmongo.Client
	}

	// Stores bundles the Mongo-backed implementation of each persistence
	// contract, all sharing one client and database.
	Stores struct {
		Executions *ExecutionStore
		Histories  *HistoryStore
		Tasks      *TaskStore
		Timers     *TimerStore
		Attributes *AttributeStore
		Inboxes    *InboxStore
	}
)

// New builds the store bundle and ensures all indexes.
func New(ctx context.Context, opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	c := opts.Client
	counters := &counters{coll: c.Collection(countersCollection), timeout: c.Timeout()}
	s := &Stores{
		Executions: &ExecutionStore{coll: c.Collection(executionsCollection), timeout: c.Timeout()},
		Histories:  &HistoryStore{coll: c.Collection(historyCollection), timeout: c.Timeout()},
		Tasks:      &TaskStore{coll: c.Collection(tasksCollection), seq: counters, timeout: c.Timeout()},
		Timers:     &TimerStore{coll: c.Collection(timersCollection), timeout: c.Timeout()},
		Attributes: &AttributeStore{coll: c.Collection(attributesCollection), timeout: c.Timeout()},
		Inboxes:    &InboxStore{coll: c.Collection(inboxCollection), seq: counters, timeout: c.Timeout()},
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	for _, ix := range []struct {
		coll   *mongodriver.Collection
		models []mongodriver.IndexModel
	}{
		{s.Executions.coll, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "latest", Value: 1}}},
		}},
		{s.Histories.coll, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.Tasks.coll, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "state", Value: 1}, {Key: "visible_at", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "run_id", Value: 1}}},
			{Keys: bson.D{{Key: "lease_deadline", Value: 1}}},
		}},
		{s.Timers.coll, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "fire_at", Value: 1}}},
			{Keys: bson.D{{Key: "run_id", Value: 1}}},
		}},
		{s.Attributes.coll, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}, {Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "attrs.Queue", Value: 1}, {Key: "attrs.Status", Value: 1}}},
			{Keys: bson.D{{Key: "attrs.Assignee", Value: 1}}},
			{Keys: bson.D{{Key: "due_at", Value: 1}}},
		}},
		{s.Inboxes.coll, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "principal", Value: 1}, {Key: "sequence", Value: -1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "principal", Value: 1}, {Key: "read_at", Value: 1}}},
		}},
	} {
		if _, err := ix.coll.Indexes().CreateMany(ctx, ix.models); err != nil {
			return fmt.Errorf("ensure %s indexes: %w", ix.coll.Name(), err)
		}
	}
	return nil
}

// counters allocates monotonic sequences through atomic $inc on named
// counter documents. Used for task queue ordering and per-principal inbox
// sequences.
type counters struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (c *counters) next(ctx context.Context, name string) (int64, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := c.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence %s: %w", name, err)
	}
	return doc.Value, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// timeOrNil maps the zero time to a BSON null so updates can clear optional
// deadline fields.
func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// utcOrZero normalizes decoded times to UTC while keeping zero values exact.
func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
