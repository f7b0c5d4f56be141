package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/store"
)

// ExecutionStore implements store.ExecutionStore on the executions
// collection. Documents are keyed by "workflowID/runID" and the newest run of
// each workflow ID carries the latest flag.
type ExecutionStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

type executionDoc struct {
	ID                string            `bson:"_id"`
	WorkflowID        string            `bson:"workflow_id"`
	RunID             string            `bson:"run_id"`
	WorkflowType      string            `bson:"workflow_type"`
	TenantID          string            `bson:"tenant_id,omitempty"`
	Status            string            `bson:"status"`
	Input             []byte            `bson:"input,omitempty"`
	Result            []byte            `bson:"result,omitempty"`
	Failure           []byte            `bson:"failure,omitempty"`
	StartTime         time.Time         `bson:"start_time"`
	CloseTime         time.Time         `bson:"close_time,omitempty"`
	Latest            bool              `bson:"latest"`
	ContinuedFrom     string            `bson:"continued_from,omitempty"`
	ContinuedTo       string            `bson:"continued_to,omitempty"`
	RunTimeout        time.Duration     `bson:"run_timeout,omitempty"`
	RunDeadline       time.Time         `bson:"run_deadline,omitempty"`
	ExecutionDeadline time.Time         `bson:"execution_deadline,omitempty"`
	IDReusePolicy     string            `bson:"id_reuse_policy,omitempty"`
	Memo              map[string]string `bson:"memo,omitempty"`
	SignalsReceived   map[string]int    `bson:"signals_received,omitempty"`
	SignalsConsumed   map[string]int    `bson:"signals_consumed,omitempty"`
	HistoryLength     int64             `bson:"history_length"`
	HistoryBytes      int64             `bson:"history_bytes"`
}

func executionID(workflowID, runID string) string { return workflowID + "/" + runID }

func toExecutionDoc(rec store.ExecutionRecord) (executionDoc, error) {
	doc := executionDoc{
		ID:                executionID(rec.WorkflowID, rec.RunID),
		WorkflowID:        rec.WorkflowID,
		RunID:             rec.RunID,
		WorkflowType:      rec.WorkflowType,
		TenantID:          rec.TenantID,
		Status:            string(rec.Status),
		Input:             rec.Input,
		Result:            rec.Result,
		StartTime:         rec.StartTime,
		CloseTime:         rec.CloseTime,
		Latest:            rec.Latest,
		ContinuedFrom:     rec.ContinuedFrom,
		ContinuedTo:       rec.ContinuedTo,
		RunTimeout:        rec.RunTimeout,
		RunDeadline:       rec.RunDeadline,
		ExecutionDeadline: rec.ExecutionDeadline,
		IDReusePolicy:     string(rec.IDReusePolicy),
		Memo:              rec.Memo,
		SignalsReceived:   rec.SignalsReceived,
		SignalsConsumed:   rec.SignalsConsumed,
		HistoryLength:     rec.HistoryLength,
		HistoryBytes:      rec.HistoryBytes,
	}
	if rec.Failure != nil {
		b, err := json.Marshal(rec.Failure)
		if err != nil {
			return executionDoc{}, fmt.Errorf("marshal failure: %w", err)
		}
		doc.Failure = b
	}
	return doc, nil
}

func (d executionDoc) toRecord() (store.ExecutionRecord, error) {
	rec := store.ExecutionRecord{
		WorkflowID:        d.WorkflowID,
		RunID:             d.RunID,
		WorkflowType:      d.WorkflowType,
		TenantID:          d.TenantID,
		Status:            engine.RunStatus(d.Status),
		Input:             d.Input,
		Result:            d.Result,
		StartTime:         utcOrZero(d.StartTime),
		CloseTime:         utcOrZero(d.CloseTime),
		Latest:            d.Latest,
		ContinuedFrom:     d.ContinuedFrom,
		ContinuedTo:       d.ContinuedTo,
		RunTimeout:        d.RunTimeout,
		RunDeadline:       utcOrZero(d.RunDeadline),
		ExecutionDeadline: utcOrZero(d.ExecutionDeadline),
		IDReusePolicy:     engine.IDReusePolicy(d.IDReusePolicy),
		Memo:              d.Memo,
		SignalsReceived:   d.SignalsReceived,
		SignalsConsumed:   d.SignalsConsumed,
		HistoryLength:     d.HistoryLength,
		HistoryBytes:      d.HistoryBytes,
	}
	if len(d.Failure) > 0 {
		var f engine.Failure
		if err := json.Unmarshal(d.Failure, &f); err != nil {
			return store.ExecutionRecord{}, fmt.Errorf("unmarshal failure: %w", err)
		}
		rec.Failure = &f
	}
	return rec, nil
}

// Create inserts the execution and moves the latest flag of the workflow ID
// onto it.
func (s *ExecutionStore) Create(ctx context.Context, rec store.ExecutionRecord) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	rec.Latest = true
	doc, err := toExecutionDoc(rec)
	if err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	_, err = s.coll.UpdateMany(ctx,
		bson.M{"workflow_id": rec.WorkflowID, "latest": true, "run_id": bson.M{"$ne": rec.RunID}},
		bson.M{"$set": bson.M{"latest": false}},
	)
	if err != nil {
		return fmt.Errorf("demote previous latest run: %w", err)
	}
	return nil
}

// Get loads one execution. An empty runID resolves to the latest run; ties
// between concurrently created runs break on the newest start time.
func (s *ExecutionStore) Get(ctx context.Context, workflowID, runID string) (store.ExecutionRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var (
		doc executionDoc
		err error
	)
	if runID == "" {
		err = s.coll.FindOne(ctx,
			bson.M{"workflow_id": workflowID, "latest": true},
			options.FindOne().SetSort(bson.D{{Key: "start_time", Value: -1}}),
		).Decode(&doc)
	} else {
		err = s.coll.FindOne(ctx, bson.M{"_id": executionID(workflowID, runID)}).Decode(&doc)
	}
	if err != nil {
		if err == mongodriver.ErrNoDocuments {
			return store.ExecutionRecord{}, store.ErrNotFound
		}
		return store.ExecutionRecord{}, fmt.Errorf("load execution: %w", err)
	}
	return doc.toRecord()
}

// Update overwrites the record's mutable fields. The latest flag is managed
// by Create and is left untouched.
func (s *ExecutionStore) Update(ctx context.Context, rec store.ExecutionRecord) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	doc, err := toExecutionDoc(rec)
	if err != nil {
		return err
	}
	set := bson.M{
		"workflow_type":      doc.WorkflowType,
		"tenant_id":          doc.TenantID,
		"status":             doc.Status,
		"input":              doc.Input,
		"result":             doc.Result,
		"failure":            doc.Failure,
		"start_time":         doc.StartTime,
		"close_time":         timeOrNil(doc.CloseTime),
		"continued_from":     doc.ContinuedFrom,
		"continued_to":       doc.ContinuedTo,
		"run_timeout":        doc.RunTimeout,
		"run_deadline":       timeOrNil(doc.RunDeadline),
		"execution_deadline": timeOrNil(doc.ExecutionDeadline),
		"id_reuse_policy":    doc.IDReusePolicy,
		"memo":               doc.Memo,
		"signals_received":   doc.SignalsReceived,
		"signals_consumed":   doc.SignalsConsumed,
		"history_length":     doc.HistoryLength,
		"history_bytes":      doc.HistoryBytes,
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": doc.ID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns executions matching the filter, newest first.
func (s *ExecutionStore) List(ctx context.Context, f store.ExecutionFilter) ([]store.ExecutionRecord, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{}
	if f.TenantID != "" {
		filter["tenant_id"] = f.TenantID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.WorkflowType != "" {
		filter["workflow_type"] = f.WorkflowType
	}
	if f.LatestOnly {
		filter["latest"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}, {Key: "_id", Value: -1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer cur.Close(ctx)
	var recs []store.ExecutionRecord
	for cur.Next(ctx) {
		var doc executionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		rec, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return recs, nil
}
