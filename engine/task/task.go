// Package task routes activity tasks between the durable orchestrator and
// worker pools. The orchestrator admits tasks through Enqueue; workers lease
// them through the Router port, execute the activity, and report the outcome
// back. The package owns the queue definitions, lease bookkeeping, retry
// computation, backpressure saturation events, and the deadline reaper.
//
// Routing never drops a task on admission: a queue past its soft depth
// threshold still accepts, and the dispatcher emits a saturation event for
// autoscaling instead.
package task

import (
	"context"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/store"
)

// QueueSpec describes one task queue class. MaxConcurrent is the per-worker
// parallelism cap enforced by the worker pool; SoftDepth is the pending-task
// depth past which the dispatcher emits saturation events.
type QueueSpec struct {
	Name          string
	MaxConcurrent int
	SoftDepth     int
}

// DefaultQueues returns the built-in queue classes in routing order. Soft
// depth defaults to ten times the per-worker concurrency cap.
func DefaultQueues() []QueueSpec {
	return []QueueSpec{
		{Name: engine.QueueAIProcessing, MaxConcurrent: 5, SoftDepth: 50},
		{Name: engine.QueueStorage, MaxConcurrent: 20, SoftDepth: 200},
		{Name: engine.QueueGeneral, MaxConcurrent: 50, SoftDepth: 500},
	}
}

// Ack is the response to a heartbeat. CancelRequested tells the worker to
// stop the activity; the final report for a cancelled task is still accepted.
type Ack struct {
	CancelRequested bool `json:"cancel_requested"`
}

// Router is the port workers pull tasks through. The Dispatcher implements
// it over the task store; taskhttp.Client implements it over HTTP so pools
// run identically in-process or remote. Every method is idempotent: resolving
// an already-resolved task is a no-op, and duplicate reports are settled by
// the orchestrator keyed on (run_id, scheduled_event_id).
type Router interface {
	// PollTask leases the oldest visible task on the queue, holding the
	// request until one arrives or the poll window closes. It returns
	// store.ErrNoTask when the window closes empty.
	PollTask(ctx context.Context, queue, workerID string) (store.TaskRecord, error)
	// CompleteTask reports a successful attempt with its result payload.
	CompleteTask(ctx context.Context, taskID string, result []byte) error
	// FailTask reports a failed attempt. The router decides between retry
	// backoff and terminal failure; workers never reschedule.
	FailTask(ctx context.Context, taskID string, failure engine.Failure) error
	// Heartbeat renews the task lease and records progress. Workers must
	// treat CancelRequested in the ack as a stop signal.
	Heartbeat(ctx context.Context, taskID string, progress []byte) (Ack, error)
}

// Reporter receives task lifecycle transitions and turns them into history
// events. durable.Orchestrator is the production implementation. A closed or
// unknown run reports engine.ErrNotFound, which the dispatcher treats as
// "discard the task".
type Reporter interface {
	TaskStarted(ctx context.Context, t store.TaskRecord) error
	TaskCompleted(ctx context.Context, t store.TaskRecord, result []byte) error
	TaskFailed(ctx context.Context, t store.TaskRecord, failure engine.Failure) error
	TaskTimedOut(ctx context.Context, t store.TaskRecord, timeout engine.TimeoutType) error
}

// SaturationEvent reports a queue whose pending depth crossed its soft
// threshold. Autoscalers consume these from the capacity stream.
type SaturationEvent struct {
	Queue     string    `json:"queue"`
	Depth     int       `json:"depth"`
	Threshold int       `json:"threshold"`
	EmittedAt time.Time `json:"emitted_at"`
}

// EventSink publishes dispatcher capacity events. clients/pulse provides the
// production implementation over a Pulse stream.
type EventSink interface {
	QueueSaturated(ctx context.Context, ev SaturationEvent) error
}
