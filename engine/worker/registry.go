package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/corpusworks/corpus/engine"
)

// Handler executes one activity attempt. The context carries the attempt's
// Info, a heartbeat sink, the start-to-close deadline, and cancellation;
// input and output travel through the engine payload codec.
type Handler func(ctx context.Context, input []byte) ([]byte, error)

// Registration binds an activity type to its handler and the scheduling
// defaults applied when a workflow omits them: target queue, timeouts, and
// retry policy all live in Options.
type Registration struct {
	Type    string
	Handler Handler
	Options engine.ActivityOptions
}

// Registry holds the activity registrations a worker serves. It also feeds
// the orchestrator's per-type option defaults, so registering an activity in
// one place fixes both where it runs and how it times out.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds one activity registration. Registering a type twice or
// omitting the handler is a programming error and fails.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return fmt.Errorf("worker: registration needs an activity type")
	}
	if reg.Handler == nil {
		return fmt.Errorf("worker: activity %q needs a handler", reg.Type)
	}
	if reg.Options.Queue == "" {
		reg.Options.Queue = engine.QueueGeneral
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[reg.Type]; ok {
		return fmt.Errorf("worker: activity %q already registered", reg.Type)
	}
	r.regs[reg.Type] = reg
	return nil
}

// Lookup returns the registration for an activity type.
func (r *Registry) Lookup(activityType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[activityType]
	return reg, ok
}

// Defaults returns the registered options for an activity type, zero when
// unregistered. Its signature matches the orchestrator's ActivityDefaults
// hook.
func (r *Registry) Defaults(activityType string) engine.ActivityOptions {
	reg, ok := r.Lookup(activityType)
	if !ok {
		return engine.ActivityOptions{}
	}
	return reg.Options
}

// Types returns the registered activity types sorted by name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.regs))
	for t := range r.regs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Typed adapts a function over concrete input and output structs to Handler,
// handling payload codec at the boundary. Undecodable input is a
// non-retryable failure: the same bytes would fail every attempt.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Handler {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, engine.NewNonRetryableError("InvalidActivityInput", "decode activity input: %v", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, engine.NewNonRetryableError("ResultEncodingFailed", "encode activity result: %v", err)
		}
		return b, nil
	}
}
