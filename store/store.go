// Package store defines the persistence contracts of the orchestrator:
// executions, histories, activity tasks, durable timers, search attributes,
// and principal inboxes. Implementations live in store/memory (tests and dev
// mode) and store/mongo (production). All implementations must be safe for
// concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
)

var (
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")
	// ErrNotFound is returned when no record matches the given key.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned by conditional writes when the expected version
	// does not match the stored one.
	ErrConflict = errors.New("store: version conflict")
	// ErrNoTask is returned by Claim when no task is currently claimable.
	ErrNoTask = errors.New("store: no task available")
)

type (
	// ExecutionRecord is one row of the executions table, keyed by
	// (workflow_id, run_id). The newest run of a workflow ID is flagged so
	// API calls that omit the run ID resolve to it.
	ExecutionRecord struct {
		WorkflowID   string
		RunID        string
		WorkflowType string
		TenantID     string
		Status       engine.RunStatus
		Input        []byte
		Result       []byte
		Failure      *engine.Failure
		StartTime    time.Time
		CloseTime    time.Time
		// Latest marks the newest run for the workflow ID.
		Latest bool
		// ContinuedFrom and ContinuedTo link continue-as-new predecessors and
		// successors.
		ContinuedFrom string
		ContinuedTo   string
		// RunTimeout is the per-run bound, re-applied to continue-as-new
		// successors; zero means unbounded.
		RunTimeout time.Duration
		// RunDeadline is the absolute run-timeout bound; zero means none.
		RunDeadline time.Time
		// ExecutionDeadline spans continue-as-new successors; zero means none.
		ExecutionDeadline time.Time
		// IDReusePolicy recorded at start, applied to subsequent starts.
		IDReusePolicy engine.IDReusePolicy
		// Memo holds small diagnostic payloads supplied at start.
		Memo map[string]string
		// SignalsReceived counts signals appended per channel name.
		SignalsReceived map[string]int
		// SignalsConsumed counts signals consumed per channel name, updated
		// after each decision from the replay result.
		SignalsConsumed map[string]int
		// HistoryLength and HistoryBytes mirror the history store counters so
		// Describe does not load events.
		HistoryLength int64
		HistoryBytes  int64
	}

	// ExecutionFilter selects executions for List. Zero fields match all.
	ExecutionFilter struct {
		TenantID     string
		Status       engine.RunStatus
		WorkflowType string
		LatestOnly   bool
		Limit        int
	}

	// ExecutionStore persists execution metadata.
	ExecutionStore interface {
		// Create inserts a new execution. Returns ErrAlreadyExists when the
		// (workflow_id, run_id) pair is taken.
		Create(ctx context.Context, rec ExecutionRecord) error
		// Get loads an execution. An empty runID resolves to the latest run
		// of the workflow ID. Returns ErrNotFound when nothing matches.
		Get(ctx context.Context, workflowID, runID string) (ExecutionRecord, error)
		// Update overwrites an existing execution record.
		Update(ctx context.Context, rec ExecutionRecord) error
		// List returns executions matching the filter, newest first.
		List(ctx context.Context, f ExecutionFilter) ([]ExecutionRecord, error)
	}

	// HistoryStore persists per-run append-only event sequences.
	HistoryStore interface {
		// Append atomically appends events when the run's next event ID
		// equals expectedNext. Returns the new next event ID, or ErrConflict
		// on a version mismatch. Event IDs must already be assigned
		// contiguously starting at expectedNext.
		Append(ctx context.Context, runID string, expectedNext int64, events []history.Event) (int64, error)
		// Load returns events with ID >= fromID in order.
		Load(ctx context.Context, runID string, fromID int64) ([]history.Event, error)
		// NextEventID returns the ID the next appended event will receive
		// (1 for an empty history).
		NextEventID(ctx context.Context, runID string) (int64, error)
	}

	// TaskState tracks an activity task through its queue lifecycle.
	TaskState string

	// TaskRecord is one row of the activity_tasks table. A task exists from
	// scheduling until terminal resolution; retries reuse the record with an
	// incremented attempt.
	TaskRecord struct {
		TaskID           string
		WorkflowID       string
		RunID            string
		ScheduledEventID int64
		ActivityType     string
		Queue            string
		Input            []byte
		Options          engine.ActivityOptions
		RetryPolicy      engine.RetryPolicy
		Attempt          int
		State            TaskState
		// Seq orders tasks within a queue for FIFO delivery.
		Seq int64
		// VisibleAt is when the task becomes claimable; rescheduled on retry
		// backoff and on lease expiry.
		VisibleAt time.Time
		// LeaseDeadline is the visibility timeout of the current lease; zero
		// when unleased. A worker heartbeat renews it.
		LeaseDeadline time.Time
		WorkerID      string
		// ScheduleDeadline is the schedule_to_start bound; zero means none.
		ScheduleDeadline time.Time
		// CloseDeadline is the schedule_to_close bound; zero means none.
		CloseDeadline time.Time
		// CancelRequested is observed by workers through heartbeat responses.
		CancelRequested bool
		// HeartbeatProgress holds the latest progress payload.
		HeartbeatProgress []byte
		ScheduledAt       time.Time
		StartedAt         time.Time
	}

	// TaskStore persists activity tasks and implements lease semantics.
	TaskStore interface {
		// Create inserts a new task.
		Create(ctx context.Context, rec TaskRecord) error
		// Claim atomically leases the oldest visible task on the queue,
		// setting state, worker, and lease deadline. Returns ErrNoTask when
		// nothing is claimable.
		Claim(ctx context.Context, queue, workerID string, now time.Time, leaseUntil time.Time) (TaskRecord, error)
		// Get loads a task by ID. Returns ErrNotFound after terminal
		// resolution removes it.
		Get(ctx context.Context, taskID string) (TaskRecord, error)
		// Update overwrites a task record.
		Update(ctx context.Context, rec TaskRecord) error
		// Delete removes a task after terminal resolution.
		Delete(ctx context.Context, taskID string) error
		// Expired returns leased tasks whose lease deadline passed and
		// pending tasks whose schedule or close deadline passed.
		Expired(ctx context.Context, now time.Time, limit int) ([]TaskRecord, error)
		// ListByRun returns the pending tasks of a run, used by Describe and
		// by termination cleanup.
		ListByRun(ctx context.Context, runID string) ([]TaskRecord, error)
		// Depths reports the number of pending tasks per queue.
		Depths(ctx context.Context) (map[string]int, error)
	}

	// TimerRecord is one durable timer: a workflow timer, a run deadline, or
	// an escalation the engine set for itself.
	TimerRecord struct {
		TimerID    string
		WorkflowID string
		RunID      string
		// StartedEventID references the TimerStarted event for workflow
		// timers; zero for run-deadline timers.
		StartedEventID int64
		Kind           TimerKind
		FireAt         time.Time
	}

	// TimerKind discriminates durable timers.
	TimerKind string

	// TimerStore persists durable timers.
	TimerStore interface {
		Create(ctx context.Context, rec TimerRecord) error
		// Due returns timers with FireAt <= now, oldest first.
		Due(ctx context.Context, now time.Time, limit int) ([]TimerRecord, error)
		Delete(ctx context.Context, timerID string) error
		// DeleteByRun removes all timers of a run on terminal close.
		DeleteByRun(ctx context.Context, runID string) error
	}

	// AttributeRecord is the indexed search-attribute row for one run.
	AttributeRecord struct {
		WorkflowID   string
		RunID        string
		WorkflowType string
		TenantID     string
		Status       engine.RunStatus
		Attributes   map[string]any
		UpdatedAt    time.Time
	}

	// AttributeQuery is a conjunction of equality predicates over attribute
	// names plus optional execution fields.
	AttributeQuery struct {
		TenantID string
		Status   engine.RunStatus
		// Equals matches attribute values exactly, e.g. {"Queue":
		// "document-review", "Status": "pending"}.
		Equals map[string]any
		// DueBefore matches records whose DueAt attribute is before the
		// given time. Zero disables the predicate.
		DueBefore time.Time
		Limit     int
	}

	// AttributeStore persists the search-attribute index.
	AttributeStore interface {
		// Upsert merges the given attributes into the run's record, creating
		// it if absent.
		Upsert(ctx context.Context, rec AttributeRecord) error
		// Query returns records matching all predicates, most recently
		// updated first.
		Query(ctx context.Context, q AttributeQuery) ([]AttributeRecord, error)
		// Get loads the record of one run. Returns ErrNotFound when absent.
		Get(ctx context.Context, runID string) (AttributeRecord, error)
	}

	// InboxRecord is one signal delivered to a principal's inbox.
	InboxRecord struct {
		Principal  string
		Sequence   int64
		WorkflowID string
		Kind       string
		Payload    []byte
		CreatedAt  time.Time
		ReadAt     time.Time
	}

	// InboxStore persists per-principal ordered inboxes. Sequences are
	// allocated by the store and strictly increase per principal.
	InboxStore interface {
		// Append stores the signal and returns its allocated sequence.
		Append(ctx context.Context, rec InboxRecord) (int64, error)
		// List returns signals ordered by descending sequence.
		List(ctx context.Context, principal string, limit, offset int) ([]InboxRecord, error)
		// MarkRead sets the read timestamp of one signal. Idempotent.
		MarkRead(ctx context.Context, principal string, sequence int64) error
		// UnreadCount reports the number of unread signals.
		UnreadCount(ctx context.Context, principal string) (int64, error)
		// Unread returns unread signals ordered by ascending sequence, used
		// to replay backlog on subscriber connect.
		Unread(ctx context.Context, principal string, limit int) ([]InboxRecord, error)
	}
)

const (
	// TaskStateScheduled marks a task waiting for its first lease.
	TaskStateScheduled TaskState = "scheduled"
	// TaskStateLeased marks a task held by a worker under an unexpired lease.
	TaskStateLeased TaskState = "leased"
	// TaskStateRetry marks a task waiting out its retry backoff.
	TaskStateRetry TaskState = "retry"
)

const (
	// TimerKindWorkflow fires a TimerFired event for a workflow timer.
	TimerKindWorkflow TimerKind = "workflow"
	// TimerKindRunDeadline fails the run with a run timeout.
	TimerKindRunDeadline TimerKind = "run_deadline"
)

// Pending reports whether the task is claimable now or in the future.
func (s TaskState) Pending() bool {
	return s == TaskStateScheduled || s == TaskStateRetry
}
