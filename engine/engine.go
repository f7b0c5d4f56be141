// Package engine defines the client surface and shared vocabulary of the
// durable workflow engine: run lifecycle states, start options, retry
// policies, activity options, and the typed error taxonomy exchanged between
// workflows, activities, the task router, and API callers.
//
// The engine executes workflow definitions by recording every
// nondeterministic input (activity result, timer fire, signal receipt) in an
// append-only history. A workflow definition is a deterministic function
// over that history: re-executed from the first event on any node, it must
// produce the same sequence of decisions. Package engine/workflow provides
// the deterministic execution context; engine/durable the store-backed
// orchestrator; engine/task the queue router; engine/worker the activity
// worker pools.
package engine

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	StatusRunning        RunStatus = "RUNNING"
	StatusCompleted      RunStatus = "COMPLETED"
	StatusFailed         RunStatus = "FAILED"
	StatusTimedOut       RunStatus = "TIMED_OUT"
	StatusTerminated     RunStatus = "TERMINATED"
	StatusContinuedAsNew RunStatus = "CONTINUED_AS_NEW"
)

// Closed reports whether the status is terminal.
func (s RunStatus) Closed() bool { return s != StatusRunning && s != "" }

// IDReusePolicy governs whether StartWorkflow may reuse a workflow ID whose
// previous run has closed. A running workflow ID is never reusable.
type IDReusePolicy string

const (
	// ReuseAllowDuplicate permits a new run after any terminal state.
	ReuseAllowDuplicate IDReusePolicy = "AllowDuplicate"
	// ReuseAllowDuplicateFailedOnly permits a new run only after FAILED,
	// TIMED_OUT, or TERMINATED.
	ReuseAllowDuplicateFailedOnly IDReusePolicy = "AllowDuplicateFailedOnly"
	// ReuseRejectDuplicate forbids reuse regardless of the prior outcome.
	ReuseRejectDuplicate IDReusePolicy = "RejectDuplicate"
)

type (
	// RetryPolicy controls reattempts of a failed activity. The delay before
	// attempt n+1 is min(MaxInterval, InitialInterval × BackoffCoefficient^(n-1)).
	// Zero-valued fields fall back to engine defaults.
	RetryPolicy struct {
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration `json:"initial_interval,omitempty"`
		// BackoffCoefficient multiplies the delay after each attempt. Values
		// below 1 are treated as 1.
		BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`
		// MaxInterval caps the computed delay. Zero means no cap.
		MaxInterval time.Duration `json:"max_interval,omitempty"`
		// MaxAttempts caps total attempts including the first. Zero means
		// unlimited attempts within ScheduleToCloseTimeout.
		MaxAttempts int `json:"max_attempts,omitempty"`
		// NonRetryableErrorTypes lists failure types that end retrying
		// immediately.
		NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty"`
	}

	// ActivityOptions configures scheduling, timeouts, and retries for one
	// activity invocation. Zero-valued fields inherit the defaults registered
	// for the activity type.
	ActivityOptions struct {
		// Queue names the task queue the activity is routed to.
		Queue string `json:"queue,omitempty"`
		// ScheduleToStartTimeout bounds queue wait. Expiry is terminal.
		ScheduleToStartTimeout time.Duration `json:"schedule_to_start_timeout,omitempty"`
		// StartToCloseTimeout bounds one attempt's execution.
		StartToCloseTimeout time.Duration `json:"start_to_close_timeout,omitempty"`
		// HeartbeatTimeout bounds the gap between progress heartbeats. Zero
		// disables heartbeat supervision.
		HeartbeatTimeout time.Duration `json:"heartbeat_timeout,omitempty"`
		// ScheduleToCloseTimeout bounds the whole invocation across retries.
		ScheduleToCloseTimeout time.Duration `json:"schedule_to_close_timeout,omitempty"`
		// RetryPolicy overrides the registered retry policy.
		RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`
	}

	// StartOptions tunes a workflow start request.
	StartOptions struct {
		// IDReusePolicy applies when the workflow ID has prior runs.
		IDReusePolicy IDReusePolicy
		// ExecutionTimeout bounds the whole workflow including
		// continue-as-new successors. Zero means unbounded.
		ExecutionTimeout time.Duration
		// RunTimeout bounds a single run. Zero means unbounded.
		RunTimeout time.Duration
		// TaskTimeout bounds one decision task before it is considered lost
		// and redispatched. Zero uses the engine default.
		TaskTimeout time.Duration
		// SearchAttributes seeds the visibility index at start.
		SearchAttributes map[string]any
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]string
	}

	// StartRequest describes a workflow execution to launch.
	StartRequest struct {
		// WorkflowID is the caller-supplied identifier, unique within the
		// tenant while a run is open.
		WorkflowID string
		// WorkflowType selects the registered workflow definition.
		WorkflowType string
		// TenantID tags the execution for visibility routing.
		TenantID string
		// Input is the opaque payload handed to the workflow function.
		Input []byte
		// Options tunes timeouts and ID reuse.
		Options StartOptions
	}

	// PendingActivity describes one scheduled-but-unresolved activity of a
	// running workflow.
	PendingActivity struct {
		ActivityType     string    `json:"activity_type"`
		Queue            string    `json:"queue"`
		ScheduledEventID int64     `json:"scheduled_event_id"`
		Attempt          int       `json:"attempt"`
		State            string    `json:"state"`
		VisibleAt        time.Time `json:"visible_at,omitempty"`
	}

	// WorkflowDescription is the introspection view of one execution.
	WorkflowDescription struct {
		WorkflowID        string            `json:"workflow_id"`
		RunID             string            `json:"run_id"`
		WorkflowType      string            `json:"workflow_type"`
		TenantID          string            `json:"tenant_id"`
		Status            RunStatus         `json:"status"`
		StartTime         time.Time         `json:"start_time"`
		CloseTime         time.Time         `json:"close_time,omitempty"`
		HistoryLength     int64             `json:"history_length"`
		SearchAttributes  map[string]any    `json:"search_attributes,omitempty"`
		PendingActivities []PendingActivity `json:"pending_activities,omitempty"`
		Failure           *Failure          `json:"failure,omitempty"`
	}

	// ListFilter selects executions for ListWorkflows. Zero fields match all.
	ListFilter struct {
		TenantID     string
		Status       RunStatus
		WorkflowType string
		// AttributeEquals matches indexed search attributes exactly.
		AttributeEquals map[string]any
		Limit           int
	}

	// WorkflowSummary is one row of a ListWorkflows result, sourced from the
	// visibility index.
	WorkflowSummary struct {
		WorkflowID       string         `json:"workflow_id"`
		RunID            string         `json:"run_id"`
		WorkflowType     string         `json:"workflow_type"`
		TenantID         string         `json:"tenant_id"`
		Status           RunStatus      `json:"status"`
		SearchAttributes map[string]any `json:"search_attributes,omitempty"`
		UpdatedAt        time.Time      `json:"updated_at"`
	}

	// Client is the public contract of the durable orchestrator. All methods
	// are safe for concurrent use.
	Client interface {
		// StartWorkflow allocates a new run and appends the start event.
		// Returns ErrAlreadyStarted when the ID reuse policy forbids a new
		// run for the workflow ID.
		StartWorkflow(ctx context.Context, req StartRequest) (runID string, err error)

		// SignalWorkflow appends a signal to the current (or specified) run
		// of the workflow. Returns ErrNotFound when no run matches and
		// ErrChannelFull when the named channel's buffer is exhausted.
		SignalWorkflow(ctx context.Context, workflowID, runID, name string, payload []byte) error

		// QueryWorkflow invokes a registered query handler against replayed
		// workflow state. It never appends to history. Returns ErrNotFound
		// for unknown executions and ErrQueryNotRegistered for unknown query
		// names.
		QueryWorkflow(ctx context.Context, workflowID, runID, name string, args []byte) ([]byte, error)

		// DescribeWorkflow reports status, timing, search attributes, and
		// pending activities for an execution.
		DescribeWorkflow(ctx context.Context, workflowID, runID string) (*WorkflowDescription, error)

		// TerminateWorkflow forcefully closes a running execution. No replay
		// happens afterwards; outstanding activities are cancelled.
		TerminateWorkflow(ctx context.Context, workflowID, runID, reason string) error

		// ListWorkflows returns executions matching the filter through the
		// visibility index, most recently updated first.
		ListWorkflows(ctx context.Context, f ListFilter) ([]WorkflowSummary, error)

		// GetResult returns the result payload of a completed run. It
		// returns ErrNotCompleted while the run is open, and the recorded
		// failure as an error for FAILED, TIMED_OUT, or TERMINATED runs.
		// A run that continued as new reports the outcome of its successor.
		GetResult(ctx context.Context, workflowID, runID string) ([]byte, error)
	}
)

// Merged returns o overlaid on defaults: zero-valued fields inherit.
func (o ActivityOptions) Merged(defaults ActivityOptions) ActivityOptions {
	out := o
	if out.Queue == "" {
		out.Queue = defaults.Queue
	}
	if out.ScheduleToStartTimeout == 0 {
		out.ScheduleToStartTimeout = defaults.ScheduleToStartTimeout
	}
	if out.StartToCloseTimeout == 0 {
		out.StartToCloseTimeout = defaults.StartToCloseTimeout
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if out.ScheduleToCloseTimeout == 0 {
		out.ScheduleToCloseTimeout = defaults.ScheduleToCloseTimeout
	}
	if out.RetryPolicy == nil {
		out.RetryPolicy = defaults.RetryPolicy
	}
	return out
}

// Merged returns p with zero-valued fields replaced by the defaults.
func (p RetryPolicy) Merged(defaults RetryPolicy) RetryPolicy {
	out := p
	if out.InitialInterval == 0 {
		out.InitialInterval = defaults.InitialInterval
	}
	if out.BackoffCoefficient == 0 {
		out.BackoffCoefficient = defaults.BackoffCoefficient
	}
	if out.MaxInterval == 0 {
		out.MaxInterval = defaults.MaxInterval
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = defaults.MaxAttempts
	}
	if len(out.NonRetryableErrorTypes) == 0 {
		out.NonRetryableErrorTypes = defaults.NonRetryableErrorTypes
	}
	return out
}

// DefaultRetryPolicy is applied when neither the activity registration nor
// the scheduling call provides a policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        100 * time.Second,
		MaxAttempts:        3,
	}
}
