package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/store/memory"
)

// fakeClock is a manually advanced clock shared by the orchestrator and the
// tests, so timer and deadline behavior is deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubRouter admits tasks straight into the task store, standing in for the
// queue router.
type stubRouter struct {
	tasks *memory.TaskStore
}

func (r *stubRouter) Enqueue(ctx context.Context, rec store.TaskRecord) error {
	return r.tasks.Create(ctx, rec)
}

// testEnv wires an orchestrator over the in-memory stores and plays the
// worker role by claiming tasks and reporting handler outcomes.
type testEnv struct {
	t        *testing.T
	ctx      context.Context
	mem      *memory.Store
	clk      *fakeClock
	orch     *Orchestrator
	handlers map[string]func(store.TaskRecord) (any, error)
}

func newTestEnv(t *testing.T, tune func(*Config), defs ...workflow.Definition) *testEnv {
	t.Helper()
	mem := memory.New()
	clk := newFakeClock()
	reg := workflow.NewRegistry()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	cfg := Config{
		Executions:      mem.Executions,
		Histories:       mem.Histories,
		Tasks:           mem.Tasks,
		Timers:          mem.Timers,
		Index:           mem.Attributes,
		Registry:        reg,
		Enqueuer:        &stubRouter{tasks: mem.Tasks},
		Clock:           clk.Now,
		DecisionBackoff: time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{
		t:        t,
		ctx:      context.Background(),
		mem:      mem,
		clk:      clk,
		orch:     orch,
		handlers: make(map[string]func(store.TaskRecord) (any, error)),
	}
}

func (e *testEnv) handle(activityType string, fn func(store.TaskRecord) (any, error)) {
	e.handlers[activityType] = fn
}

func (e *testEnv) succeed(activityType string, result any) {
	e.handle(activityType, func(store.TaskRecord) (any, error) { return result, nil })
}

// claim leases the oldest visible task across all queues, reporting whether
// one was available.
func (e *testEnv) claim() (store.TaskRecord, bool) {
	e.t.Helper()
	for _, q := range engine.Queues() {
		task, err := e.mem.Tasks.Claim(e.ctx, q, "test-worker", e.clk.Now(), e.clk.Now().Add(time.Minute))
		if errors.Is(err, store.ErrNoTask) {
			continue
		}
		require.NoError(e.t, err)
		return task, true
	}
	return store.TaskRecord{}, false
}

// run executes one claimed task end to end: start report, handler, completion
// or failure report, record cleanup.
func (e *testEnv) run(task store.TaskRecord) {
	e.t.Helper()
	defer func() {
		require.NoError(e.t, e.mem.Tasks.Delete(e.ctx, task.TaskID))
	}()
	if err := e.orch.TaskStarted(e.ctx, task); err != nil {
		require.ErrorIs(e.t, err, engine.ErrNotFound)
		return
	}
	fn, ok := e.handlers[task.ActivityType]
	if !ok {
		e.t.Fatalf("no fake handler for activity %s", task.ActivityType)
	}
	out, err := fn(task)
	var report error
	if err != nil {
		report = e.orch.TaskFailed(e.ctx, task, engine.FailureFromError(err))
	} else {
		payload, merr := json.Marshal(out)
		require.NoError(e.t, merr)
		report = e.orch.TaskCompleted(e.ctx, task, payload)
	}
	if report != nil {
		require.ErrorIs(e.t, report, engine.ErrNotFound)
	}
}

// pump drives claimed tasks to resolution until the queues are quiet.
func (e *testEnv) pump() {
	e.t.Helper()
	for i := 0; i < 1000; i++ {
		task, ok := e.claim()
		if !ok {
			return
		}
		e.run(task)
	}
	e.t.Fatal("task pump did not quiesce")
}

func (e *testEnv) exec(workflowID, runID string) store.ExecutionRecord {
	e.t.Helper()
	rec, err := e.mem.Executions.Get(e.ctx, workflowID, runID)
	require.NoError(e.t, err)
	return rec
}

func (e *testEnv) kinds(runID string) []history.EventKind {
	e.t.Helper()
	events, err := e.mem.Histories.Load(e.ctx, runID, 0)
	require.NoError(e.t, err)
	out := make([]history.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func (e *testEnv) start(workflowID, workflowType string, input any, opts ...engine.StartOptions) string {
	e.t.Helper()
	payload, err := json.Marshal(input)
	require.NoError(e.t, err)
	req := engine.StartRequest{
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		TenantID:     "tenant-1",
		Input:        payload,
	}
	if len(opts) > 0 {
		req.Options = opts[0]
	}
	runID, err := e.orch.StartWorkflow(e.ctx, req)
	require.NoError(e.t, err)
	return runID
}

func TestStartWorkflowRunsToCompletion(t *testing.T) {
	def := workflow.Definition{
		Type: "document-processing",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			var text string
			if err := ctx.ExecuteActivity("extract_text", json.RawMessage(input)).Get(ctx, &text); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"text": text, "status": "PUBLISHED"})
		},
	}
	env := newTestEnv(t, nil, def)
	env.succeed("extract_text", "hello corpus")

	runID := env.start("doc-1", "document-processing", map[string]string{"document_id": "d-1"})
	env.pump()

	out, err := env.orch.GetResult(env.ctx, "doc-1", runID)
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"hello corpus","status":"PUBLISHED"}`, string(out))

	require.Equal(t, []history.EventKind{
		history.KindWorkflowStarted,
		history.KindActivityScheduled,
		history.KindActivityStarted,
		history.KindActivityCompleted,
		history.KindWorkflowCompleted,
	}, env.kinds(runID))

	exec := env.exec("doc-1", runID)
	require.Equal(t, engine.StatusCompleted, exec.Status)
	require.Equal(t, int64(5), exec.HistoryLength)
	require.False(t, exec.CloseTime.IsZero())
}

func TestStartWorkflowIDReusePolicies(t *testing.T) {
	def := workflow.Definition{
		Type: "gated",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			var outcome string
			if err := ctx.SignalChannel("release").Receive(ctx, &outcome); err != nil {
				return nil, err
			}
			if outcome == "fail" {
				return nil, engine.NewNonRetryableError("ReleaseRejected", "released with failure")
			}
			return json.Marshal(outcome)
		},
	}
	env := newTestEnv(t, nil, def)

	run1 := env.start("wf-reuse", "gated", nil)

	// A running workflow ID is never reusable.
	_, err := env.orch.StartWorkflow(env.ctx, engine.StartRequest{WorkflowID: "wf-reuse", WorkflowType: "gated"})
	require.ErrorIs(t, err, engine.ErrAlreadyStarted)

	payload, _ := json.Marshal("ok")
	require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-reuse", "", "release", payload))
	require.Equal(t, engine.StatusCompleted, env.exec("wf-reuse", run1).Status)

	_, err = env.orch.StartWorkflow(env.ctx, engine.StartRequest{
		WorkflowID:   "wf-reuse",
		WorkflowType: "gated",
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseRejectDuplicate},
	})
	require.ErrorIs(t, err, engine.ErrAlreadyStarted)

	_, err = env.orch.StartWorkflow(env.ctx, engine.StartRequest{
		WorkflowID:   "wf-reuse",
		WorkflowType: "gated",
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseAllowDuplicateFailedOnly},
	})
	require.ErrorIs(t, err, engine.ErrAlreadyStarted, "failed-only reuse must reject a completed predecessor")

	// The default policy allows a fresh run after any terminal state.
	run2 := env.start("wf-reuse", "gated", nil)
	require.NotEqual(t, run1, run2)

	payload, _ = json.Marshal("fail")
	require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-reuse", "", "release", payload))
	require.Equal(t, engine.StatusFailed, env.exec("wf-reuse", run2).Status)

	run3, err := env.orch.StartWorkflow(env.ctx, engine.StartRequest{
		WorkflowID:   "wf-reuse",
		WorkflowType: "gated",
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseAllowDuplicateFailedOnly},
	})
	require.NoError(t, err, "failed-only reuse must accept a failed predecessor")
	require.NotEqual(t, run2, run3)
}

func TestSignalDeliveryOrderAndConsumption(t *testing.T) {
	def := workflow.Definition{
		Type: "collector",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			ch := ctx.SignalChannel("review")
			var got []string
			for len(got) < 3 {
				var v string
				if err := ch.Receive(ctx, &v); err != nil {
					return nil, err
				}
				got = append(got, v)
			}
			return json.Marshal(got)
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-collect", "collector", nil)

	_, err := env.orch.GetResult(env.ctx, "wf-collect", runID)
	require.ErrorIs(t, err, engine.ErrNotCompleted)

	for _, v := range []string{"alpha", "beta", "gamma"} {
		payload, _ := json.Marshal(v)
		require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-collect", runID, "review", payload))
	}

	out, err := env.orch.GetResult(env.ctx, "wf-collect", runID)
	require.NoError(t, err)
	require.JSONEq(t, `["alpha","beta","gamma"]`, string(out))

	exec := env.exec("wf-collect", runID)
	require.Equal(t, 3, exec.SignalsReceived["review"])
	require.Equal(t, 3, exec.SignalsConsumed["review"])

	// Signals to a closed run are rejected, not buffered.
	err = env.orch.SignalWorkflow(env.ctx, "wf-collect", runID, "review", nil)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSignalChannelBackpressure(t *testing.T) {
	def := workflow.Definition{
		Type: "sink",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			ctx.SignalChannel("flood")
			if err := ctx.Await(func() bool { return false }); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
	env := newTestEnv(t, func(cfg *Config) { cfg.ChannelCapacity = 4 }, def)
	runID := env.start("wf-sink", "sink", nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-sink", runID, "flood", nil))
	}
	err := env.orch.SignalWorkflow(env.ctx, "wf-sink", runID, "flood", nil)
	require.ErrorIs(t, err, engine.ErrChannelFull)

	// Other channels of the same run are unaffected.
	require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-sink", runID, "other", nil))
}

func TestQueryWorkflow(t *testing.T) {
	def := workflow.Definition{
		Type: "tracked",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			seen := 0
			ctx.SetQueryHandler("progress", func([]byte) (any, error) {
				return map[string]int{"seen": seen}, nil
			})
			ch := ctx.SignalChannel("bump")
			for seen < 2 {
				if err := ch.Receive(ctx, nil); err != nil {
					return nil, err
				}
				seen++
			}
			return json.Marshal("done")
		},
	}
	env := newTestEnv(t, nil, def)
	input := map[string]string{"question": "what is corpus?"}
	runID := env.start("wf-query", "tracked", input)

	got, err := env.orch.QueryWorkflow(env.ctx, "wf-query", runID, workflow.QueryGetInput, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"question":"what is corpus?"}`, string(got))

	got, err = env.orch.QueryWorkflow(env.ctx, "wf-query", runID, "progress", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"seen":0}`, string(got))

	require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-query", runID, "bump", nil))
	got, err = env.orch.QueryWorkflow(env.ctx, "wf-query", runID, "progress", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"seen":1}`, string(got))

	_, err = env.orch.QueryWorkflow(env.ctx, "wf-query", runID, "nope", nil)
	require.ErrorIs(t, err, engine.ErrQueryNotRegistered)

	// Queries replay closed runs too.
	require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-query", runID, "bump", nil))
	require.Equal(t, engine.StatusCompleted, env.exec("wf-query", runID).Status)
	got, err = env.orch.QueryWorkflow(env.ctx, "wf-query", runID, workflow.QueryGetInput, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"question":"what is corpus?"}`, string(got))
}

func TestTerminateWorkflow(t *testing.T) {
	def := workflow.Definition{
		Type: "stuck-on-approval",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			ctx.ExecuteActivity("notify_reviewer", nil)
			if err := ctx.SignalChannel("approval").Receive(ctx, nil); err != nil {
				return nil, err
			}
			return json.Marshal("approved")
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-term", "stuck-on-approval", nil)

	tasks, err := env.mem.Tasks.ListByRun(env.ctx, runID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, env.orch.TerminateWorkflow(env.ctx, "wf-term", runID, "superseded by re-upload"))

	exec := env.exec("wf-term", runID)
	require.Equal(t, engine.StatusTerminated, exec.Status)

	_, err = env.orch.GetResult(env.ctx, "wf-term", runID)
	var terr *engine.TerminatedError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "superseded by re-upload", terr.Reason)

	// Pending work is discarded and late signals are rejected.
	tasks, err = env.mem.Tasks.ListByRun(env.ctx, runID)
	require.NoError(t, err)
	require.Empty(t, tasks)
	err = env.orch.SignalWorkflow(env.ctx, "wf-term", runID, "approval", nil)
	require.ErrorIs(t, err, engine.ErrNotFound)

	kinds := env.kinds(runID)
	require.Equal(t, history.KindWorkflowTerminated, kinds[len(kinds)-1])

	// The abandoned function is never resumed, but its recorded state remains
	// queryable.
	_, err = env.orch.QueryWorkflow(env.ctx, "wf-term", runID, workflow.QueryGetInput, nil)
	require.NoError(t, err)
}

func TestDurableTimerFires(t *testing.T) {
	def := workflow.Definition{
		Type: "reminder",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			if err := ctx.Sleep(5 * time.Minute); err != nil {
				return nil, err
			}
			return json.Marshal("woke")
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-timer", "reminder", nil)

	// Not due yet: sweeping must not fire early.
	require.NoError(t, env.orch.SweepTimers(env.ctx))
	require.Equal(t, engine.StatusRunning, env.exec("wf-timer", runID).Status)

	env.clk.Advance(5 * time.Minute)
	require.NoError(t, env.orch.SweepTimers(env.ctx))

	out, err := env.orch.GetResult(env.ctx, "wf-timer", runID)
	require.NoError(t, err)
	require.JSONEq(t, `"woke"`, string(out))
	require.Contains(t, env.kinds(runID), history.KindTimerFired)

	due, err := env.mem.Timers.Due(env.ctx, env.clk.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, due, "closed runs leave no timers behind")
}

func TestRunTimeout(t *testing.T) {
	def := workflow.Definition{
		Type: "stalled",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			ctx.ExecuteActivity("never_finishes", nil)
			if err := ctx.Await(func() bool { return false }); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-deadline", "stalled", nil, engine.StartOptions{RunTimeout: 10 * time.Minute})

	env.clk.Advance(9 * time.Minute)
	require.NoError(t, env.orch.SweepTimers(env.ctx))
	require.Equal(t, engine.StatusRunning, env.exec("wf-deadline", runID).Status)

	env.clk.Advance(time.Minute)
	require.NoError(t, env.orch.SweepTimers(env.ctx))

	exec := env.exec("wf-deadline", runID)
	require.Equal(t, engine.StatusTimedOut, exec.Status)

	_, err := env.orch.GetResult(env.ctx, "wf-deadline", runID)
	var terr *engine.Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, engine.ErrorKindTimeout, terr.Kind)
	require.Equal(t, string(engine.TimeoutRun), terr.Type)

	kinds := env.kinds(runID)
	require.Equal(t, history.KindWorkflowFailed, kinds[len(kinds)-1])

	tasks, err := env.mem.Tasks.ListByRun(env.ctx, runID)
	require.NoError(t, err)
	require.Empty(t, tasks, "timing out discards the run's pending tasks")
}

func TestContinueAsNewChain(t *testing.T) {
	type state struct {
		Remaining int `json:"remaining"`
	}
	def := workflow.Definition{
		Type: "rollover",
		Fn: workflow.Typed(func(ctx *workflow.Context, in state) (string, error) {
			if in.Remaining == 0 {
				return "done", nil
			}
			return "", workflow.ContinueAsNew(state{Remaining: in.Remaining - 1})
		}),
	}
	env := newTestEnv(t, nil, def)
	run1 := env.start("wf-can", "rollover", state{Remaining: 2})

	exec1 := env.exec("wf-can", run1)
	require.Equal(t, engine.StatusContinuedAsNew, exec1.Status)
	require.NotEmpty(t, exec1.ContinuedTo)

	exec2 := env.exec("wf-can", exec1.ContinuedTo)
	require.Equal(t, engine.StatusContinuedAsNew, exec2.Status)
	require.Equal(t, run1, exec2.ContinuedFrom)

	exec3 := env.exec("wf-can", exec2.ContinuedTo)
	require.Equal(t, engine.StatusCompleted, exec3.Status)

	// Each closed predecessor has a two-event history: its start and the
	// continue-as-new command recording the successor.
	events, err := env.mem.Histories.Load(env.ctx, run1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	can := history.MustDecode[history.ContinueAsNewAttrs](events[1])
	require.Equal(t, exec1.ContinuedTo, can.NewRunID)

	started, err := env.mem.Histories.Load(env.ctx, exec1.ContinuedTo, 0)
	require.NoError(t, err)
	require.Equal(t, run1, history.MustDecode[history.WorkflowStartedAttrs](started[0]).ContinuedFrom)

	// Fetching the first run's result follows the chain to the end.
	out, err := env.orch.GetResult(env.ctx, "wf-can", run1)
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(out))

	// The latest run resolves by empty run ID.
	require.Equal(t, exec3.RunID, env.exec("wf-can", "").RunID)
}

func TestExecutionTimeoutSpansContinueAsNew(t *testing.T) {
	def := workflow.Definition{
		Type: "rollover-forever",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			if err := ctx.Sleep(30 * time.Minute); err != nil {
				return nil, err
			}
			return nil, workflow.ContinueAsNew(nil)
		},
	}
	env := newTestEnv(t, nil, def)
	run1 := env.start("wf-exec-timeout", "rollover-forever", nil,
		engine.StartOptions{ExecutionTimeout: time.Hour})

	env.clk.Advance(31 * time.Minute)
	require.NoError(t, env.orch.SweepTimers(env.ctx))
	require.Equal(t, engine.StatusContinuedAsNew, env.exec("wf-exec-timeout", run1).Status)

	env.clk.Advance(31 * time.Minute)
	require.NoError(t, env.orch.SweepTimers(env.ctx))

	latest := env.exec("wf-exec-timeout", "")
	require.Equal(t, engine.StatusTimedOut, latest.Status)

	_, err := env.orch.GetResult(env.ctx, "wf-exec-timeout", run1)
	var terr *engine.Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, engine.ErrorKindTimeout, terr.Kind)
}

func TestHistoryLimitFailsRun(t *testing.T) {
	def := workflow.Definition{
		Type: "looper",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			for {
				if err := ctx.ExecuteActivity("noop", nil).Get(ctx, nil); err != nil {
					return nil, err
				}
			}
		},
	}
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxHistoryEvents = 10 }, def)
	env.succeed("noop", "x")

	runID := env.start("wf-overflow", "looper", nil)
	env.pump()

	exec := env.exec("wf-overflow", runID)
	require.Equal(t, engine.StatusFailed, exec.Status)
	require.NotNil(t, exec.Failure)
	require.Equal(t, "HistoryLimitExceeded", exec.Failure.Type)

	kinds := env.kinds(runID)
	require.Equal(t, history.KindWorkflowFailed, kinds[len(kinds)-1])
	require.LessOrEqual(t, len(kinds), 11, "the failed event is the only growth past the limit")
}

func TestNonDeterministicWorkflowFailsAfterRetries(t *testing.T) {
	var calls atomic.Int64
	def := workflow.Definition{
		Type: "drifting",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			// Activity type depends on execution count, so every replay
			// diverges from the recorded command.
			name := fmt.Sprintf("act-%d", calls.Add(1))
			if err := ctx.ExecuteActivity(name, nil).Get(ctx, nil); err != nil {
				return nil, err
			}
			return json.Marshal("unreachable")
		},
	}
	env := newTestEnv(t, nil, def)
	env.succeed("act-1", "x")

	runID := env.start("wf-drift", "drifting", nil)
	env.pump()

	exec := env.exec("wf-drift", runID)
	require.Equal(t, engine.StatusFailed, exec.Status)
	require.NotNil(t, exec.Failure)
	require.Equal(t, engine.ErrorKindNonDeterminism, exec.Failure.Kind)
	require.EqualValues(t, 4, calls.Load(), "start decision plus three replay attempts")
}

func TestSearchAttributeVisibility(t *testing.T) {
	def := workflow.Definition{
		Type: "indexed",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			ctx.UpsertSearchAttributes(map[string]any{
				"Status":     "PENDING_REVIEW",
				"AssignedTo": "reviewer-7",
			})
			if err := ctx.SignalChannel("done").Receive(ctx, nil); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-indexed", "indexed", nil, engine.StartOptions{
		SearchAttributes: map[string]any{"DocumentID": "d-42"},
	})

	rec, err := env.mem.Attributes.Get(env.ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "d-42", rec.Attributes["DocumentID"], "start seeds survive upserts")
	require.Equal(t, "PENDING_REVIEW", rec.Attributes["Status"])

	sums, err := env.orch.ListWorkflows(env.ctx, engine.ListFilter{
		TenantID:        "tenant-1",
		AttributeEquals: map[string]any{"AssignedTo": "reviewer-7"},
	})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, "wf-indexed", sums[0].WorkflowID)
	require.Equal(t, engine.StatusRunning, sums[0].Status)

	sums, err = env.orch.ListWorkflows(env.ctx, engine.ListFilter{TenantID: "tenant-2"})
	require.NoError(t, err)
	require.Empty(t, sums)

	require.NoError(t, env.orch.SignalWorkflow(env.ctx, "wf-indexed", runID, "done", nil))

	sums, err = env.orch.ListWorkflows(env.ctx, engine.ListFilter{
		TenantID: "tenant-1",
		Status:   engine.StatusCompleted,
	})
	require.NoError(t, err)
	require.Len(t, sums, 1, "closing a run updates its indexed status")
}

func TestDescribeWorkflow(t *testing.T) {
	def := workflow.Definition{
		Type: "held",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			if err := ctx.ExecuteActivity("hold", nil, engine.ActivityOptions{Queue: engine.QueueStorage}).Get(ctx, nil); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-describe", "held", nil)

	desc, err := env.orch.DescribeWorkflow(env.ctx, "wf-describe", runID)
	require.NoError(t, err)
	require.Equal(t, engine.StatusRunning, desc.Status)
	require.Equal(t, "held", desc.WorkflowType)
	require.Equal(t, int64(2), desc.HistoryLength)
	require.Len(t, desc.PendingActivities, 1)
	require.Equal(t, "hold", desc.PendingActivities[0].ActivityType)
	require.Equal(t, engine.QueueStorage, desc.PendingActivities[0].Queue)

	_, err = env.orch.DescribeWorkflow(env.ctx, "wf-missing", "")
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestDuplicateTaskReportIsDropped(t *testing.T) {
	def := workflow.Definition{
		Type: "two-step",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			var a, b string
			if err := ctx.ExecuteActivity("first", nil).Get(ctx, &a); err != nil {
				return nil, err
			}
			if err := ctx.ExecuteActivity("second", nil).Get(ctx, &b); err != nil {
				return nil, err
			}
			return json.Marshal(a + "+" + b)
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-dup", "two-step", nil)

	task, ok := env.claim()
	require.True(t, ok)
	require.Equal(t, "first", task.ActivityType)
	require.NoError(t, env.orch.TaskStarted(env.ctx, task))

	payload, _ := json.Marshal("one")
	require.NoError(t, env.orch.TaskCompleted(env.ctx, task, payload))
	// A late duplicate, as after a lease-expiry race, changes nothing.
	require.NoError(t, env.orch.TaskCompleted(env.ctx, task, payload))

	completions := 0
	for _, k := range env.kinds(runID) {
		if k == history.KindActivityCompleted {
			completions++
		}
	}
	require.Equal(t, 1, completions, "first report wins, duplicates never append")
	require.NoError(t, env.mem.Tasks.Delete(env.ctx, task.TaskID))

	env.succeed("second", "two")
	env.pump()

	out, err := env.orch.GetResult(env.ctx, "wf-dup", runID)
	require.NoError(t, err)
	require.JSONEq(t, `"one+two"`, string(out))
}

func TestActivityFailureSurfacesToWorkflow(t *testing.T) {
	def := workflow.Definition{
		Type: "compensating",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			err := ctx.ExecuteActivity("store_embeddings", nil).Get(ctx, nil)
			if err == nil {
				return json.Marshal("stored")
			}
			var aerr *engine.ActivityError
			if !errors.As(err, &aerr) {
				return nil, err
			}
			if err := ctx.ExecuteActivity("update_status", "FAILED").Get(ctx, nil); err != nil {
				return nil, err
			}
			return json.Marshal("compensated:" + aerr.Failure.Type)
		},
	}
	env := newTestEnv(t, nil, def)
	env.handle("store_embeddings", func(store.TaskRecord) (any, error) {
		return nil, engine.NewNonRetryableError("VectorStoreDown", "connection refused")
	})
	env.succeed("update_status", "ok")

	runID := env.start("wf-comp", "compensating", nil)
	env.pump()

	out, err := env.orch.GetResult(env.ctx, "wf-comp", runID)
	require.NoError(t, err)
	require.JSONEq(t, `"compensated:VectorStoreDown"`, string(out))
	require.Contains(t, env.kinds(runID), history.KindActivityFailed)
}

func TestWorkflowTimedOutActivityResolution(t *testing.T) {
	def := workflow.Definition{
		Type: "timeout-aware",
		Fn: func(ctx *workflow.Context, input []byte) ([]byte, error) {
			err := ctx.ExecuteActivity("slow", nil).Get(ctx, nil)
			var aerr *engine.ActivityError
			if errors.As(err, &aerr) {
				if tt, ok := aerr.Timeout(); ok {
					return json.Marshal("timed out: " + string(tt))
				}
			}
			if err != nil {
				return nil, err
			}
			return json.Marshal("finished")
		},
	}
	env := newTestEnv(t, nil, def)
	runID := env.start("wf-slow", "timeout-aware", nil)

	task, ok := env.claim()
	require.True(t, ok)
	require.NoError(t, env.orch.TaskStarted(env.ctx, task))
	require.NoError(t, env.orch.TaskTimedOut(env.ctx, task, engine.TimeoutScheduleToStart))
	require.NoError(t, env.mem.Tasks.Delete(env.ctx, task.TaskID))

	out, err := env.orch.GetResult(env.ctx, "wf-slow", runID)
	require.NoError(t, err)
	require.JSONEq(t, `"timed out: schedule_to_start"`, string(out))
}

func TestUnknownWorkflowTypeRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.orch.StartWorkflow(env.ctx, engine.StartRequest{
		WorkflowID:   "wf-unknown",
		WorkflowType: "no-such-type",
	})
	var terr *engine.Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, engine.ErrorKindUser, terr.Kind)
}
