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

// InboxStore implements store.InboxStore on the signal_inbox collection.
// Per-principal sequences are allocated through the counters collection so
// they increase strictly even across concurrent appends.
type InboxStore struct {
	coll    *mongodriver.Collection
	seq     *counters
	timeout time.Duration
}

type inboxDoc struct {
	ID         string    `bson:"_id"`
	Principal  string    `bson:"principal"`
	Sequence   int64     `bson:"sequence"`
	WorkflowID string    `bson:"workflow_id,omitempty"`
	Kind       string    `bson:"kind"`
	Payload    []byte    `bson:"payload,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
	ReadAt     time.Time `bson:"read_at,omitempty"`
}

func inboxDocID(principal string, seq int64) string {
	return fmt.Sprintf("%s/%d", principal, seq)
}

func (d inboxDoc) toRecord() store.InboxRecord {
	return store.InboxRecord{
		Principal:  d.Principal,
		Sequence:   d.Sequence,
		WorkflowID: d.WorkflowID,
		Kind:       d.Kind,
		Payload:    d.Payload,
		CreatedAt:  utcOrZero(d.CreatedAt),
		ReadAt:     utcOrZero(d.ReadAt),
	}
}

// Append stores the signal under the principal's next sequence.
func (s *InboxStore) Append(ctx context.Context, rec store.InboxRecord) (int64, error) {
	seq, err := s.seq.next(ctx, "inbox/"+rec.Principal)
	if err != nil {
		return 0, err
	}
	doc := inboxDoc{
		ID:         inboxDocID(rec.Principal, seq),
		Principal:  rec.Principal,
		Sequence:   seq,
		WorkflowID: rec.WorkflowID,
		Kind:       rec.Kind,
		Payload:    rec.Payload,
		CreatedAt:  rec.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert inbox signal: %w", err)
	}
	return seq, nil
}

// List returns the principal's signals, newest first.
func (s *InboxStore) List(ctx context.Context, principal string, limit, offset int) ([]store.InboxRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}})
	if offset > 0 {
		opts = opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"principal": principal}, opts)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer cur.Close(ctx)
	return decodeInbox(ctx, cur)
}

// MarkRead stamps the signal read. Marking an already-read signal is a
// no-op; marking an unknown sequence returns ErrNotFound.
func (s *InboxStore) MarkRead(ctx context.Context, principal string, sequence int64) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": inboxDocID(principal, sequence), "read_at": nil},
		bson.M{"$set": bson.M{"read_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("mark inbox signal read: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": inboxDocID(principal, sequence)})
	if err != nil {
		return fmt.Errorf("check inbox signal: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UnreadCount reports the number of unread signals.
func (s *InboxStore) UnreadCount(ctx context.Context, principal string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{"principal": principal, "read_at": nil})
	if err != nil {
		return 0, fmt.Errorf("count unread signals: %w", err)
	}
	return n, nil
}

// Unread returns unread signals in delivery order.
func (s *InboxStore) Unread(ctx context.Context, principal string, limit int) ([]store.InboxRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"principal": principal, "read_at": nil}, opts)
	if err != nil {
		return nil, fmt.Errorf("list unread signals: %w", err)
	}
	defer cur.Close(ctx)
	return decodeInbox(ctx, cur)
}

func decodeInbox(ctx context.Context, cur *mongodriver.Cursor) ([]store.InboxRecord, error) {
	var recs []store.InboxRecord
	for cur.Next(ctx) {
		var doc inboxDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode inbox signal: %w", err)
		}
		recs = append(recs, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return recs, nil
}
