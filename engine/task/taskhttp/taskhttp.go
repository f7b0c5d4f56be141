// Package taskhttp carries the task.Router port over HTTP so worker pools
// can run on separate hosts from the dispatcher. Server mounts the four
// worker endpoints; Client implements task.Router against them. Pools built
// on either side behave identically.
//
// The protocol is four POST endpoints under /api/v1/worker: poll (held open
// while the queue is empty), complete, fail, and heartbeat. Poll answers
// 204 when the hold closes without a task.
package taskhttp

import (
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/store"
)

// DefaultHold caps how long the server keeps an empty poll open.
const DefaultHold = 60 * time.Second

type (
	pollRequest struct {
		Queue    string `json:"queue"`
		WorkerID string `json:"worker_id"`
	}

	completeRequest struct {
		TaskID string `json:"task_id"`
		Result []byte `json:"result,omitempty"`
	}

	failRequest struct {
		TaskID  string         `json:"task_id"`
		Failure engine.Failure `json:"failure"`
	}

	heartbeatRequest struct {
		TaskID   string `json:"task_id"`
		Progress []byte `json:"progress,omitempty"`
	}

	errorResponse struct {
		Detail string `json:"detail"`
	}

	// wireTask is the on-wire form of a leased task. It carries what a
	// worker needs to execute and report the attempt; queue bookkeeping
	// fields stay server-side.
	wireTask struct {
		TaskID            string                 `json:"task_id"`
		WorkflowID        string                 `json:"workflow_id"`
		RunID             string                 `json:"run_id"`
		ScheduledEventID  int64                  `json:"scheduled_event_id"`
		ActivityType      string                 `json:"activity_type"`
		Queue             string                 `json:"queue"`
		Input             []byte                 `json:"input,omitempty"`
		Options           engine.ActivityOptions `json:"options"`
		Attempt           int                    `json:"attempt"`
		LeaseDeadline     time.Time              `json:"lease_deadline"`
		HeartbeatProgress []byte                 `json:"heartbeat_progress,omitempty"`
		ScheduledAt       time.Time              `json:"scheduled_at"`
		StartedAt         time.Time              `json:"started_at"`
	}
)

func toWire(t store.TaskRecord) wireTask {
	return wireTask{
		TaskID:            t.TaskID,
		WorkflowID:        t.WorkflowID,
		RunID:             t.RunID,
		ScheduledEventID:  t.ScheduledEventID,
		ActivityType:      t.ActivityType,
		Queue:             t.Queue,
		Input:             t.Input,
		Options:           t.Options,
		Attempt:           t.Attempt,
		LeaseDeadline:     t.LeaseDeadline,
		HeartbeatProgress: t.HeartbeatProgress,
		ScheduledAt:       t.ScheduledAt,
		StartedAt:         t.StartedAt,
	}
}

func (w wireTask) record() store.TaskRecord {
	return store.TaskRecord{
		TaskID:            w.TaskID,
		WorkflowID:        w.WorkflowID,
		RunID:             w.RunID,
		ScheduledEventID:  w.ScheduledEventID,
		ActivityType:      w.ActivityType,
		Queue:             w.Queue,
		Input:             w.Input,
		Options:           w.Options,
		Attempt:           w.Attempt,
		State:             store.TaskStateLeased,
		LeaseDeadline:     w.LeaseDeadline,
		HeartbeatProgress: w.HeartbeatProgress,
		ScheduledAt:       w.ScheduledAt,
		StartedAt:         w.StartedAt,
	}
}
