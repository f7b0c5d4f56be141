// Package history defines the append-only event model that makes workflow
// executions durable. Every nondeterministic input to a workflow — activity
// results, timer fires, signal receipts, recorded side effects — is captured
// as an event; replaying the ordered sequence reconstructs all in-workflow
// state on any node.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/corpusworks/corpus/engine"
)

// EventKind discriminates history events. Command kinds are emitted by
// workflow code through the deterministic context; stimulus kinds are
// appended by the orchestrator, router, and signal API.
type EventKind string

const (
	KindWorkflowStarted          EventKind = "WorkflowStarted"
	KindWorkflowCompleted        EventKind = "WorkflowCompleted"
	KindWorkflowFailed           EventKind = "WorkflowFailed"
	KindActivityScheduled        EventKind = "ActivityScheduled"
	KindActivityStarted          EventKind = "ActivityStarted"
	KindActivityCompleted        EventKind = "ActivityCompleted"
	KindActivityFailed           EventKind = "ActivityFailed"
	KindActivityTimedOut         EventKind = "ActivityTimedOut"
	KindTimerStarted             EventKind = "TimerStarted"
	KindTimerFired               EventKind = "TimerFired"
	KindSignalReceived           EventKind = "SignalReceived"
	KindSearchAttributesUpserted EventKind = "SearchAttributesUpserted"
	KindSideEffectRecorded       EventKind = "SideEffectRecorded"
	KindContinueAsNew            EventKind = "ContinueAsNew"
	KindWorkflowTerminated       EventKind = "WorkflowTerminated"
)

// IsCommand reports whether events of this kind originate from workflow code
// during a decision. Replay matches the commands a workflow emits against
// recorded command events in order; stimulus events resolve futures and feed
// signal channels instead.
func (k EventKind) IsCommand() bool {
	switch k {
	case KindActivityScheduled, KindTimerStarted, KindSearchAttributesUpserted,
		KindSideEffectRecorded, KindContinueAsNew, KindWorkflowCompleted, KindWorkflowFailed:
		return true
	}
	return false
}

// Terminal reports whether events of this kind close the run.
func (k EventKind) Terminal() bool {
	switch k {
	case KindWorkflowCompleted, KindWorkflowFailed, KindContinueAsNew, KindWorkflowTerminated:
		return true
	}
	return false
}

type (
	// Event is one immutable entry in a run's history. IDs are assigned
	// sequentially starting at 1 and never reused within a run.
	Event struct {
		ID         int64           `json:"event_id" bson:"event_id"`
		Kind       EventKind       `json:"kind" bson:"kind"`
		Timestamp  time.Time       `json:"timestamp" bson:"timestamp"`
		Attributes json.RawMessage `json:"attributes,omitempty" bson:"attributes,omitempty"`
	}

	// WorkflowStartedAttrs carries the run's input and bounds. Always event 1.
	WorkflowStartedAttrs struct {
		WorkflowType string `json:"workflow_type"`
		TenantID     string `json:"tenant_id,omitempty"`
		Input        []byte `json:"input,omitempty"`
		// RunTimeout bounds this run; zero means unbounded.
		RunTimeout time.Duration `json:"run_timeout,omitempty"`
		// ExecutionDeadline is the absolute bound spanning continue-as-new
		// successors; zero means unbounded.
		ExecutionDeadline time.Time `json:"execution_deadline,omitempty"`
		// ContinuedFrom names the predecessor run under continue-as-new.
		ContinuedFrom string `json:"continued_from,omitempty"`
	}

	// WorkflowCompletedAttrs carries the workflow result.
	WorkflowCompletedAttrs struct {
		Result []byte `json:"result,omitempty"`
	}

	// WorkflowFailedAttrs records why the run failed. A run-timeout failure
	// carries TimeoutType "run" and closes the run as TIMED_OUT.
	WorkflowFailedAttrs struct {
		Failure engine.Failure `json:"failure"`
	}

	// ActivityScheduledAttrs is the command side of an activity invocation.
	// The scheduled event's ID keys the activity task, its completion
	// events, and report idempotency.
	ActivityScheduledAttrs struct {
		ActivityType string                 `json:"activity_type"`
		Queue        string                 `json:"queue"`
		Input        []byte                 `json:"input,omitempty"`
		Options      engine.ActivityOptions `json:"options"`
	}

	// ActivityStartedAttrs records a worker picking up an attempt.
	ActivityStartedAttrs struct {
		ScheduledEventID int64  `json:"scheduled_event_id"`
		Attempt          int    `json:"attempt"`
		WorkerID         string `json:"worker_id,omitempty"`
	}

	// ActivityCompletedAttrs resolves a scheduled activity with a result.
	ActivityCompletedAttrs struct {
		ScheduledEventID int64  `json:"scheduled_event_id"`
		Attempt          int    `json:"attempt"`
		Result           []byte `json:"result,omitempty"`
	}

	// ActivityFailedAttrs resolves a scheduled activity with a terminal
	// failure after retries were exhausted or forbidden.
	ActivityFailedAttrs struct {
		ScheduledEventID int64          `json:"scheduled_event_id"`
		Attempt          int            `json:"attempt"`
		Failure          engine.Failure `json:"failure"`
	}

	// ActivityTimedOutAttrs resolves a scheduled activity on deadline expiry.
	ActivityTimedOutAttrs struct {
		ScheduledEventID int64              `json:"scheduled_event_id"`
		Attempt          int                `json:"attempt"`
		TimeoutType      engine.TimeoutType `json:"timeout_type"`
	}

	// TimerStartedAttrs is the command side of a durable timer. FireAt is
	// recorded so replay observes the same absolute deadline.
	TimerStartedAttrs struct {
		Duration time.Duration `json:"duration"`
		FireAt   time.Time     `json:"fire_at"`
	}

	// TimerFiredAttrs resolves a started timer.
	TimerFiredAttrs struct {
		StartedEventID int64 `json:"started_event_id"`
	}

	// SignalReceivedAttrs buffers one external signal for the named channel.
	SignalReceivedAttrs struct {
		Name    string `json:"name"`
		Payload []byte `json:"payload,omitempty"`
	}

	// SearchAttributesUpsertedAttrs records a visibility index update
	// requested by workflow code.
	SearchAttributesUpsertedAttrs struct {
		Attributes map[string]any `json:"attributes"`
	}

	// SideEffectRecordedAttrs captures the first-call result of a side
	// effect so replay returns the recorded value instead of re-executing.
	SideEffectRecordedAttrs struct {
		Value []byte `json:"value,omitempty"`
	}

	// ContinueAsNewAttrs closes this run and names its successor.
	ContinueAsNewAttrs struct {
		Input    []byte `json:"input,omitempty"`
		NewRunID string `json:"new_run_id,omitempty"`
	}

	// WorkflowTerminatedAttrs records a forced close. No replay happens
	// after termination.
	WorkflowTerminatedAttrs struct {
		Reason string `json:"reason,omitempty"`
	}
)

// New builds an event with marshaled attributes. It panics on a
// non-marshalable attribute struct, which indicates a programming error in
// the engine rather than a runtime condition.
func New(id int64, kind EventKind, ts time.Time, attrs any) Event {
	raw, err := json.Marshal(attrs)
	if err != nil {
		panic(fmt.Sprintf("history: marshal %s attributes: %v", kind, err))
	}
	return Event{ID: id, Kind: kind, Timestamp: ts.UTC(), Attributes: raw}
}

// Decode unmarshals the event's attributes into the kind-specific struct.
func Decode[T any](ev Event) (T, error) {
	var out T
	if len(ev.Attributes) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(ev.Attributes, &out); err != nil {
		return out, fmt.Errorf("history: decode %s attributes of event %d: %w", ev.Kind, ev.ID, err)
	}
	return out, nil
}

// MustDecode is Decode for call sites that already validated the event kind.
func MustDecode[T any](ev Event) T {
	out, err := Decode[T](ev)
	if err != nil {
		panic(err)
	}
	return out
}

// Size approximates the event's storage footprint for history budgeting.
func (e Event) Size() int64 {
	// Fixed envelope overhead plus attribute payload.
	return 64 + int64(len(e.Attributes))
}

// TotalSize sums Size over a history slice.
func TotalSize(events []Event) int64 {
	var n int64
	for _, ev := range events {
		n += ev.Size()
	}
	return n
}

// ScheduledEventID extracts the scheduled-event reference from activity
// resolution events, or 0 for other kinds.
func (e Event) ScheduledEventID() int64 {
	switch e.Kind {
	case KindActivityStarted:
		return MustDecode[ActivityStartedAttrs](e).ScheduledEventID
	case KindActivityCompleted:
		return MustDecode[ActivityCompletedAttrs](e).ScheduledEventID
	case KindActivityFailed:
		return MustDecode[ActivityFailedAttrs](e).ScheduledEventID
	case KindActivityTimedOut:
		return MustDecode[ActivityTimedOutAttrs](e).ScheduledEventID
	}
	return 0
}
