package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind partitions engine errors by how callers and the retry machinery
// must treat them. The kind travels with failures recorded in history and
// with error reports submitted by workers, so it must remain stable across
// releases.
type ErrorKind string

const (
	// ErrorKindUser marks bad input, unauthorized access, or unknown
	// identifiers. Surfaced to API callers as 4xx and never retried.
	ErrorKindUser ErrorKind = "user"
	// ErrorKindTransient marks timeouts, 5xx adapter responses, and network
	// failures. Retried per the activity retry policy.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindNonRetryable marks failures explicitly tagged by the caller or
	// matching the policy's non-retryable types. Surfaced to the workflow
	// immediately.
	ErrorKindNonRetryable ErrorKind = "non_retryable"
	// ErrorKindNonDeterminism marks a replay that diverged from recorded
	// history. Fatal for the run.
	ErrorKindNonDeterminism ErrorKind = "non_determinism"
	// ErrorKindCapacity marks a full queue or signal channel. Propagated to
	// ingress as 503/429.
	ErrorKindCapacity ErrorKind = "capacity"
	// ErrorKindWorkflowLogic marks an unhandled panic or invalid operation in
	// workflow code. Fails the workflow.
	ErrorKindWorkflowLogic ErrorKind = "workflow_logic"
	// ErrorKindTimeout marks an activity or workflow deadline expiry.
	ErrorKindTimeout ErrorKind = "timeout"
)

// TimeoutType identifies which deadline expired when an activity or
// workflow times out.
type TimeoutType string

const (
	TimeoutScheduleToStart TimeoutType = "schedule_to_start"
	TimeoutStartToClose    TimeoutType = "start_to_close"
	TimeoutHeartbeat       TimeoutType = "heartbeat"
	TimeoutScheduleToClose TimeoutType = "schedule_to_close"
	TimeoutRun             TimeoutType = "run"
)

var (
	// ErrAlreadyStarted is returned by StartWorkflow when the workflow ID is
	// in use and the reuse policy forbids a new run.
	ErrAlreadyStarted = errors.New("workflow already started")
	// ErrNotFound is returned when no execution matches the given workflow
	// and run identifiers.
	ErrNotFound = errors.New("workflow not found")
	// ErrChannelFull is returned by SignalWorkflow when the named signal
	// channel has reached its buffering capacity.
	ErrChannelFull = errors.New("signal channel full")
	// ErrNotCompleted is returned by GetResult while the execution is still
	// running or closed without a result.
	ErrNotCompleted = errors.New("workflow not completed")
	// ErrQueryNotRegistered is returned by QueryWorkflow when the workflow
	// registered no handler under the requested name.
	ErrQueryNotRegistered = errors.New("query not registered")
)

type (
	// Error is the typed error exchanged across engine boundaries: between
	// activities and the router, the router and the orchestrator, and the
	// orchestrator and its callers. It carries a coarse kind for routing
	// decisions and a free-form type for application-level matching against
	// retry policies.
	Error struct {
		// Kind routes the error through retry and surfacing rules.
		Kind ErrorKind
		// Type is the machine-readable subtype, e.g. "StartTimeout" or
		// "ActivityTypeNotRegistered". Matched against a retry policy's
		// non-retryable types.
		Type string
		// Message is the human-readable description.
		Message string
		// cause is the wrapped error, if any.
		cause error
	}

	// Failure is the serializable form of an Error recorded in history and
	// reported over the worker protocol.
	Failure struct {
		Kind         ErrorKind      `json:"kind"`
		Type         string         `json:"type,omitempty"`
		Message      string         `json:"message"`
		NonRetryable bool           `json:"non_retryable,omitempty"`
		TimeoutType  TimeoutType    `json:"timeout_type,omitempty"`
		Details      map[string]any `json:"details,omitempty"`
	}

	// ActivityError wraps a terminal activity failure delivered to workflow
	// code through a future. Workflows unwrap it to branch on failure kinds
	// or schedule compensations.
	ActivityError struct {
		ActivityType     string
		ScheduledEventID int64
		Attempt          int
		Failure          Failure
	}

	// TerminatedError is returned when awaiting a run that was terminated.
	TerminatedError struct {
		Reason string
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the retry machinery may reattempt the failed
// operation. Only transient and timeout failures qualify; heartbeat and
// start-to-close timeouts are retried per policy while the other timeout
// types are handled by the router directly.
func (e *Error) Retryable() bool {
	return e.Kind == ErrorKindTransient || e.Kind == ErrorKindTimeout
}

// NewUserError builds a caller-input error. Never retried.
func NewUserError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindUser, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError builds a retryable error wrapping cause.
func NewTransientError(cause error, format string, args ...any) *Error {
	return &Error{Kind: ErrorKindTransient, Message: fmt.Sprintf(format, args...), cause: cause}
}

// NewNonRetryableError builds an error surfaced to the workflow without
// retries. typ participates in retry-policy matching.
func NewNonRetryableError(typ, format string, args ...any) *Error {
	return &Error{Kind: ErrorKindNonRetryable, Type: typ, Message: fmt.Sprintf(format, args...)}
}

// NewCapacityError builds a queue or channel saturation error.
func NewCapacityError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindCapacity, Message: fmt.Sprintf(format, args...)}
}

// NewWorkflowLogicError builds an error for invalid workflow code behavior.
func NewWorkflowLogicError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindWorkflowLogic, Message: fmt.Sprintf(format, args...)}
}

// NewNonDeterminismError builds the fatal replay-mismatch error.
func NewNonDeterminismError(format string, args ...any) *Error {
	return &Error{Kind: ErrorKindNonDeterminism, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutError builds a deadline-expiry error for the given timeout type.
func NewTimeoutError(t TimeoutType, format string, args ...any) *Error {
	return &Error{Kind: ErrorKindTimeout, Type: string(t), Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed (attempt %d): %s", e.ActivityType, e.Attempt, e.Failure.Message)
}

// Timeout reports whether the activity failed on a deadline, and which one.
func (e *ActivityError) Timeout() (TimeoutType, bool) {
	if e.Failure.Kind == ErrorKindTimeout {
		return e.Failure.TimeoutType, true
	}
	return "", false
}

// Error implements the error interface.
func (e *TerminatedError) Error() string {
	return fmt.Sprintf("workflow terminated: %s", e.Reason)
}

// FailureFromError converts an arbitrary error into its history
// representation, preserving kind and type when err is a typed engine error.
func FailureFromError(err error) Failure {
	if err == nil {
		return Failure{}
	}
	var terr *Error
	if errors.As(err, &terr) {
		f := Failure{
			Kind:         terr.Kind,
			Type:         terr.Type,
			Message:      terr.Message,
			NonRetryable: !terr.Retryable(),
		}
		if terr.Kind == ErrorKindTimeout {
			f.TimeoutType = TimeoutType(terr.Type)
		}
		return f
	}
	var aerr *ActivityError
	if errors.As(err, &aerr) {
		return aerr.Failure
	}
	return Failure{Kind: ErrorKindWorkflowLogic, Message: err.Error(), NonRetryable: true}
}

// Err converts a recorded failure back into a typed error.
func (f Failure) Err() error {
	if f.Message == "" && f.Kind == "" {
		return nil
	}
	return &Error{Kind: f.Kind, Type: f.Type, Message: f.Message}
}

// Retryable reports whether the retry machinery may reattempt the failure
// under the given policy. A nil policy applies default matching on the
// failure alone.
func (f Failure) Retryable(nonRetryableTypes []string) bool {
	if f.NonRetryable {
		return false
	}
	switch f.Kind {
	case ErrorKindTransient, ErrorKindTimeout:
	default:
		return false
	}
	for _, t := range nonRetryableTypes {
		if t == f.Type {
			return false
		}
	}
	return true
}

// TimeoutFailure builds the failure recorded when the given deadline expires.
func TimeoutFailure(t TimeoutType, elapsed time.Duration) Failure {
	return Failure{
		Kind:        ErrorKindTimeout,
		Type:        string(t),
		Message:     fmt.Sprintf("%s timeout after %s", t, elapsed),
		TimeoutType: t,
	}
}
