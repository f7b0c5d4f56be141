package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/store"
)

// HistoryStore implements store.HistoryStore with one document per event.
// The unique (run_id, event_id) index doubles as the compare-and-swap
// backstop: two appends racing from the same expected position collide on
// their first event ID and the loser reports a conflict.
type HistoryStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type eventDoc struct {
	ID         string    `bson:"_id"`
	RunID      string    `bson:"run_id"`
	EventID    int64     `bson:"event_id"`
	Kind       string    `bson:"kind"`
	Timestamp  time.Time `bson:"timestamp"`
	Attributes []byte    `bson:"attributes,omitempty"`
}

func eventDocID(runID string, eventID int64) string {
	return fmt.Sprintf("%s/%d", runID, eventID)
}

func toEventDoc(runID string, ev history.Event) eventDoc {
	return eventDoc{
		ID:         eventDocID(runID, ev.ID),
		RunID:      runID,
		EventID:    ev.ID,
		Kind:       string(ev.Kind),
		Timestamp:  ev.Timestamp,
		Attributes: ev.Attributes,
	}
}

func (d eventDoc) toEvent() history.Event {
	return history.Event{
		ID:         d.EventID,
		Kind:       history.EventKind(d.Kind),
		Timestamp:  utcOrZero(d.Timestamp),
		Attributes: json.RawMessage(d.Attributes),
	}
}

// Append appends events when the run's next event ID equals expectedNext.
func (s *HistoryStore) Append(ctx context.Context, runID string, expectedNext int64, events []history.Event) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	next, err := s.nextEventID(ctx, runID)
	if err != nil {
		return 0, err
	}
	if next != expectedNext {
		return next, store.ErrConflict
	}
	if len(events) == 0 {
		return next, nil
	}
	docs := make([]any, len(events))
	for i, ev := range events {
		if want := expectedNext + int64(i); ev.ID != want {
			return next, fmt.Errorf("event ID %d out of sequence, want %d", ev.ID, want)
		}
		docs[i] = toEventDoc(runID, ev)
	}
	if _, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			// Lost the race against a concurrent append from the same
			// position.
			if next, nerr := s.nextEventID(ctx, runID); nerr == nil {
				return next, store.ErrConflict
			}
			return 0, store.ErrConflict
		}
		return 0, fmt.Errorf("append history: %w", err)
	}
	return expectedNext + int64(len(events)), nil
}

// Load returns events with ID >= fromID in order.
func (s *HistoryStore) Load(ctx context.Context, runID string, fromID int64) ([]history.Event, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx,
		bson.M{"run_id": runID, "event_id": bson.M{"$gte": fromID}},
		options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer cur.Close(ctx)
	var evs []history.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		evs = append(evs, doc.toEvent())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return evs, nil
}

// NextEventID returns the ID the next appended event will receive.
func (s *HistoryStore) NextEventID(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.nextEventID(ctx, runID)
}

func (s *HistoryStore) nextEventID(ctx context.Context, runID string) (int64, error) {
	var doc eventDoc
	err := s.coll.FindOne(ctx,
		bson.M{"run_id": runID},
		options.FindOne().SetSort(bson.D{{Key: "event_id", Value: -1}}),
	).Decode(&doc)
	if err == mongodriver.ErrNoDocuments {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read history head: %w", err)
	}
	return doc.EventID + 1, nil
}
