package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/corpusworks/corpus/store"
)

// TimerStore implements store.TimerStore on the timers collection.
type TimerStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type timerDoc struct {
	ID             string    `bson:"_id"`
	WorkflowID     string    `bson:"workflow_id"`
	RunID          string    `bson:"run_id"`
	StartedEventID int64     `bson:"started_event_id,omitempty"`
	Kind           string    `bson:"kind"`
	FireAt         time.Time `bson:"fire_at"`
}

func toTimerDoc(rec store.TimerRecord) timerDoc {
	return timerDoc{
		ID:             rec.TimerID,
		WorkflowID:     rec.WorkflowID,
		RunID:          rec.RunID,
		StartedEventID: rec.StartedEventID,
		Kind:           string(rec.Kind),
		FireAt:         rec.FireAt,
	}
}

func (d timerDoc) toRecord() store.TimerRecord {
	return store.TimerRecord{
		TimerID:        d.ID,
		WorkflowID:     d.WorkflowID,
		RunID:          d.RunID,
		StartedEventID: d.StartedEventID,
		Kind:           store.TimerKind(d.Kind),
		FireAt:         utcOrZero(d.FireAt),
	}
}

// Create inserts the timer. Creating the same timer ID twice returns
// ErrAlreadyExists.
func (s *TimerStore) Create(ctx context.Context, rec store.TimerRecord) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, toTimerDoc(rec)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert timer: %w", err)
	}
	return nil
}

// Due returns timers that have fired, oldest first.
func (s *TimerStore) Due(ctx context.Context, now time.Time, limit int) ([]store.TimerRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"fire_at": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list due timers: %w", err)
	}
	defer cur.Close(ctx)
	var recs []store.TimerRecord
	for cur.Next(ctx) {
		var doc timerDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode timer: %w", err)
		}
		recs = append(recs, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate timers: %w", err)
	}
	return recs, nil
}

// Delete removes the timer. Deleting an absent timer is a no-op.
func (s *TimerStore) Delete(ctx context.Context, timerID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": timerID}); err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	return nil
}

// DeleteByRun removes all timers of a run.
func (s *TimerStore) DeleteByRun(ctx context.Context, runID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return fmt.Errorf("delete run timers: %w", err)
	}
	return nil
}
