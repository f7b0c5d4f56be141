// Package workflow provides the deterministic execution context for workflow
// definitions and the replay executor that drives them against recorded
// histories.
//
// A workflow definition is an ordinary Go function running on a dedicated
// goroutine. It never blocks on real channels, clocks, or I/O; every
// suspension goes through the Context primitives (activity futures, timers,
// signal channels, Await), which park the goroutine and hand control back to
// the executor. The executor applies history events one at a time and resumes
// the function after each, so a given event sequence always produces the same
// sequence of commands regardless of which process replays it.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/telemetry"
)

// Fn is a workflow definition: a deterministic function from input payload
// and history-derived state to a result payload.
type Fn func(ctx *Context, input []byte) ([]byte, error)

// Definition binds a workflow type name to its function.
type Definition struct {
	// Type is the name StartWorkflow selects the definition by.
	Type string
	// Fn is the workflow function.
	Fn Fn
}

// Registry holds workflow definitions by type name. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Registering a duplicate type is an error.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("workflow type is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("workflow %q: function is required", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Type]; ok {
		return fmt.Errorf("workflow %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition registered under the given type.
func (r *Registry) Lookup(workflowType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[workflowType]
	return def, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Typed adapts a function over concrete input and output structs to Fn,
// handling payload codec at the boundary.
func Typed[In, Out any](fn func(ctx *Context, in In) (Out, error)) Fn {
	return func(ctx *Context, input []byte) ([]byte, error) {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, engine.NewUserError("decode workflow input: %v", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, engine.NewWorkflowLogicError("encode workflow result: %v", err)
		}
		return b, nil
	}
}

// ContinueAsNewError is returned by workflow code to close the current run
// and start a successor with fresh history under the same workflow ID.
type ContinueAsNewError struct {
	Input []byte
}

// Error implements the error interface.
func (e *ContinueAsNewError) Error() string { return "workflow continuing as new" }

// ContinueAsNew builds the error a workflow returns to request a successor
// run carrying the given input.
func ContinueAsNew(input any) error {
	b, err := encodePayload(input)
	if err != nil {
		return engine.NewWorkflowLogicError("encode continue-as-new input: %v", err)
	}
	return &ContinueAsNewError{Input: b}
}

// Info is the read-only description of the executing run available to
// workflow code.
type Info struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TenantID     string
	StartTime    time.Time
	// HistoryLength and HistoryBytes reflect events applied or emitted so
	// far, including commands of the current decision.
	HistoryLength int64
	HistoryBytes  int64
	// SuggestContinueAsNew turns true when history passes 80% of either
	// truncation threshold. Workflows should wind down and continue as new.
	SuggestContinueAsNew bool
}

// Logger emits replay-aware log entries: during replay of previously decided
// events entries are dropped, so a workflow logs each line once no matter how
// many times its history is re-executed.
type Logger struct {
	e    *Executor
	base telemetry.Logger
	kvs  []any
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, keyvals ...any) { l.log(l.base.Debug, msg, keyvals) }

// Info logs at info level.
func (l *Logger) Info(msg string, keyvals ...any) { l.log(l.base.Info, msg, keyvals) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, keyvals ...any) { l.log(l.base.Warn, msg, keyvals) }

// Error logs at error level.
func (l *Logger) Error(msg string, keyvals ...any) { l.log(l.base.Error, msg, keyvals) }

func (l *Logger) log(fn func(context.Context, string, ...any), msg string, keyvals []any) {
	if l.e.replaying() {
		return
	}
	fn(context.Background(), msg, append(append([]any{}, l.kvs...), keyvals...)...)
}

// encodePayload marshals a value for transport. Byte slices and raw JSON
// pass through unchanged.
func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// decodePayload unmarshals a payload into out. A *[]byte target receives the
// raw bytes; a nil target discards the payload.
func decodePayload(raw []byte, out any) error {
	if out == nil {
		return nil
	}
	if b, ok := out.(*[]byte); ok {
		*b = append([]byte(nil), raw...)
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return engine.NewWorkflowLogicError("decode payload: %v", err)
	}
	return nil
}
