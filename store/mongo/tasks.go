package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/corpusworks/corpus/store"
)

const taskSeqCounter = "task_seq"

// TaskStore implements store.TaskStore on the activity_tasks collection.
// Claim leases atomically through findAndModify so concurrent pollers on the
// same queue never receive the same task.
type TaskStore struct {
	coll    *mongodriver.Collection
	seq     *counters
	timeout time.Duration
}

type taskDoc struct {
	ID               string    `bson:"_id"`
	WorkflowID       string    `bson:"workflow_id"`
	RunID            string    `bson:"run_id"`
	ScheduledEventID int64     `bson:"scheduled_event_id"`
	ActivityType     string    `bson:"activity_type"`
	Queue            string    `bson:"queue"`
	Input            []byte    `bson:"input,omitempty"`
	Options          []byte    `bson:"options,omitempty"`
	RetryPolicy      []byte    `bson:"retry_policy,omitempty"`
	Attempt          int       `bson:"attempt"`
	State            string    `bson:"state"`
	Seq              int64     `bson:"seq"`
	VisibleAt        time.Time `bson:"visible_at"`
	LeaseDeadline    time.Time `bson:"lease_deadline,omitempty"`
	WorkerID         string    `bson:"worker_id,omitempty"`
	ScheduleDeadline time.Time `bson:"schedule_deadline,omitempty"`
	CloseDeadline    time.Time `bson:"close_deadline,omitempty"`
	CancelRequested  bool      `bson:"cancel_requested,omitempty"`
	Heartbeat        []byte    `bson:"heartbeat,omitempty"`
	ScheduledAt      time.Time `bson:"scheduled_at"`
	StartedAt        time.Time `bson:"started_at,omitempty"`
}

func toTaskDoc(rec store.TaskRecord) (taskDoc, error) {
	opts, err := json.Marshal(rec.Options)
	if err != nil {
		return taskDoc{}, fmt.Errorf("marshal task options: %w", err)
	}
	retry, err := json.Marshal(rec.RetryPolicy)
	if err != nil {
		return taskDoc{}, fmt.Errorf("marshal retry policy: %w", err)
	}
	return taskDoc{
		ID:               rec.TaskID,
		WorkflowID:       rec.WorkflowID,
		RunID:            rec.RunID,
		ScheduledEventID: rec.ScheduledEventID,
		ActivityType:     rec.ActivityType,
		Queue:            rec.Queue,
		Input:            rec.Input,
		Options:          opts,
		RetryPolicy:      retry,
		Attempt:          rec.Attempt,
		State:            string(rec.State),
		Seq:              rec.Seq,
		VisibleAt:        rec.VisibleAt,
		LeaseDeadline:    rec.LeaseDeadline,
		WorkerID:         rec.WorkerID,
		ScheduleDeadline: rec.ScheduleDeadline,
		CloseDeadline:    rec.CloseDeadline,
		CancelRequested:  rec.CancelRequested,
		Heartbeat:        rec.HeartbeatProgress,
		ScheduledAt:      rec.ScheduledAt,
		StartedAt:        rec.StartedAt,
	}, nil
}

func (d taskDoc) toRecord() (store.TaskRecord, error) {
	rec := store.TaskRecord{
		TaskID:            d.ID,
		WorkflowID:        d.WorkflowID,
		RunID:             d.RunID,
		ScheduledEventID:  d.ScheduledEventID,
		ActivityType:      d.ActivityType,
		Queue:             d.Queue,
		Input:             d.Input,
		Attempt:           d.Attempt,
		State:             store.TaskState(d.State),
		Seq:               d.Seq,
		VisibleAt:         utcOrZero(d.VisibleAt),
		LeaseDeadline:     utcOrZero(d.LeaseDeadline),
		WorkerID:          d.WorkerID,
		ScheduleDeadline:  utcOrZero(d.ScheduleDeadline),
		CloseDeadline:     utcOrZero(d.CloseDeadline),
		CancelRequested:   d.CancelRequested,
		HeartbeatProgress: d.Heartbeat,
		ScheduledAt:       utcOrZero(d.ScheduledAt),
		StartedAt:         utcOrZero(d.StartedAt),
	}
	if len(d.Options) > 0 {
		if err := json.Unmarshal(d.Options, &rec.Options); err != nil {
			return store.TaskRecord{}, fmt.Errorf("unmarshal task options: %w", err)
		}
	}
	if len(d.RetryPolicy) > 0 {
		if err := json.Unmarshal(d.RetryPolicy, &rec.RetryPolicy); err != nil {
			return store.TaskRecord{}, fmt.Errorf("unmarshal retry policy: %w", err)
		}
	}
	return rec, nil
}

// Create inserts the task, allocating its queue sequence number.
func (s *TaskStore) Create(ctx context.Context, rec store.TaskRecord) error {
	seq, err := s.seq.next(ctx, taskSeqCounter)
	if err != nil {
		return err
	}
	rec.Seq = seq
	if rec.State == "" {
		rec.State = store.TaskStateScheduled
	}
	doc, err := toTaskDoc(rec)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

var pendingStates = bson.A{string(store.TaskStateScheduled), string(store.TaskStateRetry)}

// Claim leases the oldest visible pending task on the queue.
func (s *TaskStore) Claim(ctx context.Context, queue, workerID string, now time.Time, leaseUntil time.Time) (store.TaskRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc taskDoc
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{
			"queue":      queue,
			"state":      bson.M{"$in": pendingStates},
			"visible_at": bson.M{"$lte": now},
		},
		bson.M{"$set": bson.M{
			"state":          string(store.TaskStateLeased),
			"worker_id":      workerID,
			"lease_deadline": leaseUntil,
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "seq", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if err == mongodriver.ErrNoDocuments {
			return store.TaskRecord{}, store.ErrNoTask
		}
		return store.TaskRecord{}, fmt.Errorf("claim task: %w", err)
	}
	return doc.toRecord()
}

// Get loads a task by ID.
func (s *TaskStore) Get(ctx context.Context, taskID string) (store.TaskRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc taskDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc); err != nil {
		if err == mongodriver.ErrNoDocuments {
			return store.TaskRecord{}, store.ErrNotFound
		}
		return store.TaskRecord{}, fmt.Errorf("load task: %w", err)
	}
	return doc.toRecord()
}

// Update overwrites the task record.
func (s *TaskStore) Update(ctx context.Context, rec store.TaskRecord) error {
	doc, err := toTaskDoc(rec)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	set := bson.M{
		"workflow_id":        doc.WorkflowID,
		"run_id":             doc.RunID,
		"scheduled_event_id": doc.ScheduledEventID,
		"activity_type":      doc.ActivityType,
		"queue":              doc.Queue,
		"input":              doc.Input,
		"options":            doc.Options,
		"retry_policy":       doc.RetryPolicy,
		"attempt":            doc.Attempt,
		"state":              doc.State,
		"seq":                doc.Seq,
		"visible_at":         doc.VisibleAt,
		"lease_deadline":     timeOrNil(doc.LeaseDeadline),
		"worker_id":          doc.WorkerID,
		"schedule_deadline":  timeOrNil(doc.ScheduleDeadline),
		"close_deadline":     timeOrNil(doc.CloseDeadline),
		"cancel_requested":   doc.CancelRequested,
		"heartbeat":          doc.Heartbeat,
		"scheduled_at":       doc.ScheduledAt,
		"started_at":         timeOrNil(doc.StartedAt),
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes the task. Deleting an absent task is a no-op.
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": taskID}); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Expired returns tasks past a lease, schedule, or close deadline, oldest
// first. Comparison operators skip documents where the deadline is null.
func (s *TaskStore) Expired(ctx context.Context, now time.Time, limit int) ([]store.TaskRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"$or": bson.A{
		bson.M{"state": string(store.TaskStateLeased), "lease_deadline": bson.M{"$lte": now}},
		bson.M{"state": bson.M{"$in": pendingStates}, "schedule_deadline": bson.M{"$lte": now}},
		bson.M{"close_deadline": bson.M{"$lte": now}},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	defer cur.Close(ctx)
	return decodeTasks(ctx, cur)
}

// ListByRun returns the run's tasks ordered by sequence.
func (s *TaskStore) ListByRun(ctx context.Context, runID string) ([]store.TaskRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx,
		bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer cur.Close(ctx)
	return decodeTasks(ctx, cur)
}

// Depths reports pending task counts per queue.
func (s *TaskStore) Depths(ctx context.Context) (map[string]int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Aggregate(ctx, mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{"state": bson.M{"$in": pendingStates}}}},
		{{Key: "$group", Value: bson.M{"_id": "$queue", "depth": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate queue depths: %w", err)
	}
	defer cur.Close(ctx)
	depths := make(map[string]int)
	for cur.Next(ctx) {
		var row struct {
			Queue string `bson:"_id"`
			Depth int    `bson:"depth"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode queue depth: %w", err)
		}
		depths[row.Queue] = row.Depth
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue depths: %w", err)
	}
	return depths, nil
}

func decodeTasks(ctx context.Context, cur *mongodriver.Cursor) ([]store.TaskRecord, error) {
	var recs []store.TaskRecord
	for cur.Next(ctx) {
		var doc taskDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		rec, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return recs, nil
}
