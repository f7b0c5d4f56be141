// Package durable implements the store-backed workflow orchestrator: the
// engine.Client surface, the per-run decision loop, durable timers, run
// timeouts, continue-as-new rollover, and forced termination.
//
// Every nondeterministic input to a workflow is appended to its run history
// before the next decision replays the definition against it. Decisions for
// one workflow ID are serialized by an in-process mutex; across processes the
// compare-and-swap append in the history store is the authority, and a lost
// race surfaces as a version conflict that retriggers the decision.
package durable

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

const (
	// DefaultChannelCapacity bounds the unconsumed backlog per signal
	// channel name per run.
	DefaultChannelCapacity = 1024
	// DefaultDecisionAttempts is how many consecutive replay mismatches are
	// tolerated before the run fails with a non-determinism failure.
	DefaultDecisionAttempts = 3
	// DefaultDecisionBackoff is the base delay between decision retries,
	// doubled per attempt.
	DefaultDecisionBackoff = 100 * time.Millisecond
	// DefaultTimerInterval is the durable-timer sweep period.
	DefaultTimerInterval = 100 * time.Millisecond
)

const lockShards = 256

type (
	// Enqueuer admits a scheduled activity task to the queue router. It must
	// not call back into the orchestrator synchronously; workers report task
	// outcomes through their own calls.
	Enqueuer interface {
		Enqueue(ctx context.Context, task store.TaskRecord) error
	}

	// Indexer is the visibility sink and query surface the orchestrator
	// feeds. store.AttributeStore satisfies it directly; production wires
	// the visibility index.
	Indexer interface {
		Upsert(ctx context.Context, rec store.AttributeRecord) error
		Query(ctx context.Context, q store.AttributeQuery) ([]store.AttributeRecord, error)
		Get(ctx context.Context, runID string) (store.AttributeRecord, error)
	}

	// Config carries the orchestrator's dependencies and tunables. Zero
	// tunables fall back to package defaults.
	Config struct {
		Executions store.ExecutionStore
		Histories  store.HistoryStore
		Tasks      store.TaskStore
		Timers     store.TimerStore
		Index      Indexer
		Registry   *workflow.Registry
		Enqueuer   Enqueuer

		// ActivityDefaults resolves registration-table defaults for an
		// activity type; nil leaves only the engine fallbacks.
		ActivityDefaults func(activityType string) engine.ActivityOptions

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock supplies event timestamps and deadline arithmetic. Nil uses
		// time.Now.
		Clock func() time.Time

		MaxHistoryEvents int64
		MaxHistoryBytes  int64
		ChannelCapacity  int
		DecisionAttempts int
		DecisionBackoff  time.Duration
		DeadlockTimeout  time.Duration
		TimerInterval    time.Duration
	}

	// Orchestrator is the durable engine behind engine.Client.
	Orchestrator struct {
		executions store.ExecutionStore
		histories  store.HistoryStore
		tasks      store.TaskStore
		timers     store.TimerStore
		index      Indexer
		registry   *workflow.Registry
		enqueuer   Enqueuer
		defaults   func(string) engine.ActivityOptions
		log        telemetry.Logger
		metrics    telemetry.Metrics
		clock      func() time.Time
		cfg        Config

		locks [lockShards]sync.Mutex
	}
)

var _ engine.Client = (*Orchestrator)(nil)

// New validates the configuration and builds an orchestrator. The timer
// sweeper must be started separately with RunTimers.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Executions == nil:
		return nil, errors.New("durable: execution store is required")
	case cfg.Histories == nil:
		return nil, errors.New("durable: history store is required")
	case cfg.Tasks == nil:
		return nil, errors.New("durable: task store is required")
	case cfg.Timers == nil:
		return nil, errors.New("durable: timer store is required")
	case cfg.Index == nil:
		return nil, errors.New("durable: visibility index is required")
	case cfg.Registry == nil:
		return nil, errors.New("durable: workflow registry is required")
	case cfg.Enqueuer == nil:
		return nil, errors.New("durable: task enqueuer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxHistoryEvents <= 0 {
		cfg.MaxHistoryEvents = workflow.DefaultMaxHistoryEvents
	}
	if cfg.MaxHistoryBytes <= 0 {
		cfg.MaxHistoryBytes = workflow.DefaultMaxHistoryBytes
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = DefaultChannelCapacity
	}
	if cfg.DecisionAttempts <= 0 {
		cfg.DecisionAttempts = DefaultDecisionAttempts
	}
	if cfg.DecisionBackoff <= 0 {
		cfg.DecisionBackoff = DefaultDecisionBackoff
	}
	if cfg.DeadlockTimeout <= 0 {
		cfg.DeadlockTimeout = workflow.DefaultDeadlockTimeout
	}
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = DefaultTimerInterval
	}
	return &Orchestrator{
		executions: cfg.Executions,
		histories:  cfg.Histories,
		tasks:      cfg.Tasks,
		timers:     cfg.Timers,
		index:      cfg.Index,
		registry:   cfg.Registry,
		enqueuer:   cfg.Enqueuer,
		defaults:   cfg.ActivityDefaults,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		cfg:        cfg,
	}, nil
}

// lock returns the mutex shard serializing decisions for the workflow ID.
// Runs of the same workflow never execute decisions concurrently.
func (o *Orchestrator) lock(workflowID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return &o.locks[h.Sum32()%lockShards]
}

// StartWorkflow allocates a run, appends the start event, and runs the first
// decision before returning.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req engine.StartRequest) (string, error) {
	if req.WorkflowID == "" {
		return "", engine.NewUserError("workflow ID is required")
	}
	def, ok := o.registry.Lookup(req.WorkflowType)
	if !ok {
		return "", engine.NewUserError("unknown workflow type %q", req.WorkflowType)
	}
	policy := req.Options.IDReusePolicy
	if policy == "" {
		policy = engine.ReuseAllowDuplicate
	}

	mu := o.lock(req.WorkflowID)
	mu.Lock()
	defer mu.Unlock()

	prev, err := o.executions.Get(ctx, req.WorkflowID, "")
	switch {
	case err == nil:
		if !prev.Status.Closed() {
			return "", engine.ErrAlreadyStarted
		}
		switch policy {
		case engine.ReuseRejectDuplicate:
			return "", engine.ErrAlreadyStarted
		case engine.ReuseAllowDuplicateFailedOnly:
			if prev.Status == engine.StatusCompleted || prev.Status == engine.StatusContinuedAsNew {
				return "", engine.ErrAlreadyStarted
			}
		}
	case errors.Is(err, store.ErrNotFound):
		// First run for this workflow ID.
	default:
		return "", fmt.Errorf("load previous run: %w", err)
	}

	now := o.clock().UTC()
	exec := store.ExecutionRecord{
		WorkflowID:      req.WorkflowID,
		RunID:           uuid.NewString(),
		WorkflowType:    req.WorkflowType,
		TenantID:        req.TenantID,
		Status:          engine.StatusRunning,
		Input:           req.Input,
		StartTime:       now,
		Latest:          true,
		RunTimeout:      req.Options.RunTimeout,
		IDReusePolicy:   policy,
		Memo:            req.Options.Memo,
		SignalsReceived: map[string]int{},
		SignalsConsumed: map[string]int{},
	}
	if req.Options.RunTimeout > 0 {
		exec.RunDeadline = now.Add(req.Options.RunTimeout)
	}
	if req.Options.ExecutionTimeout > 0 {
		exec.ExecutionDeadline = now.Add(req.Options.ExecutionTimeout)
	}
	if err := o.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return "", engine.ErrAlreadyStarted
		}
		return "", fmt.Errorf("create execution: %w", err)
	}

	started := history.New(1, history.KindWorkflowStarted, now, history.WorkflowStartedAttrs{
		WorkflowType:      req.WorkflowType,
		TenantID:          req.TenantID,
		Input:             req.Input,
		RunTimeout:        req.Options.RunTimeout,
		ExecutionDeadline: exec.ExecutionDeadline,
	})
	exec.HistoryLength = 1
	exec.HistoryBytes = started.Size()
	if _, err := o.histories.Append(ctx, exec.RunID, 1, []history.Event{started}); err != nil {
		return "", fmt.Errorf("append start event: %w", err)
	}
	if err := o.executions.Update(ctx, exec); err != nil {
		return "", fmt.Errorf("update execution: %w", err)
	}
	if err := o.armRunDeadline(ctx, exec); err != nil {
		return "", err
	}
	if err := o.index.Upsert(ctx, store.AttributeRecord{
		WorkflowID:   exec.WorkflowID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		TenantID:     exec.TenantID,
		Status:       engine.StatusRunning,
		Attributes:   req.Options.SearchAttributes,
		UpdatedAt:    now,
	}); err != nil {
		return "", fmt.Errorf("seed visibility: %w", err)
	}

	o.metrics.IncCounter(telemetry.MetricWorkflowsStarted, 1, "workflow_type", req.WorkflowType)
	o.log.Info(ctx, "workflow started",
		"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "workflow_type", exec.WorkflowType)

	if err := o.decideLocked(ctx, &exec, def); err != nil {
		return exec.RunID, err
	}
	return exec.RunID, nil
}

// SignalWorkflow appends a signal event to the run and immediately runs a
// decision so awaiting conditions observe it.
func (o *Orchestrator) SignalWorkflow(ctx context.Context, workflowID, runID, name string, payload []byte) error {
	if name == "" {
		return engine.NewUserError("signal name is required")
	}
	mu := o.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	exec, err := o.loadOpen(ctx, workflowID, runID)
	if err != nil {
		return err
	}
	received := exec.SignalsReceived[name]
	consumed := exec.SignalsConsumed[name]
	if received-consumed >= o.cfg.ChannelCapacity {
		return fmt.Errorf("%w: channel %q backlog is %d", engine.ErrChannelFull, name, received-consumed)
	}
	if _, err := o.appendStimulus(ctx, exec, history.KindSignalReceived, history.SignalReceivedAttrs{
		Name:    name,
		Payload: payload,
	}); err != nil {
		return err
	}
	if exec.SignalsReceived == nil {
		exec.SignalsReceived = map[string]int{}
	}
	exec.SignalsReceived[name] = received + 1
	if err := o.executions.Update(ctx, *exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	o.metrics.IncCounter(telemetry.MetricSignalsDelivered, 1, "signal", name)

	def, ok := o.registry.Lookup(exec.WorkflowType)
	if !ok {
		return engine.NewWorkflowLogicError("workflow type %q not registered", exec.WorkflowType)
	}
	return o.decideLocked(ctx, exec, def)
}

// QueryWorkflow replays the run and invokes the named query handler against
// the parked workflow state. It never appends to history.
func (o *Orchestrator) QueryWorkflow(ctx context.Context, workflowID, runID, name string, args []byte) ([]byte, error) {
	mu := o.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	exec, err := o.load(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	def, ok := o.registry.Lookup(exec.WorkflowType)
	if !ok {
		return nil, engine.NewWorkflowLogicError("workflow type %q not registered", exec.WorkflowType)
	}
	events, err := o.histories.Load(ctx, exec.RunID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	ex := workflow.NewExecutor(def, exec.WorkflowID, exec.RunID, o.executorOptions(exec))
	defer ex.Close()
	if _, err := ex.Execute(events); err != nil {
		return nil, err
	}
	return ex.Query(name, args)
}

// DescribeWorkflow reports execution status, search attributes, and pending
// activities.
func (o *Orchestrator) DescribeWorkflow(ctx context.Context, workflowID, runID string) (*engine.WorkflowDescription, error) {
	exec, err := o.load(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	// The execution record tracks only decision-processed history, so read the
	// exact length from the store.
	next, err := o.histories.NextEventID(ctx, exec.RunID)
	if err != nil {
		return nil, fmt.Errorf("history length: %w", err)
	}
	desc := &engine.WorkflowDescription{
		WorkflowID:    exec.WorkflowID,
		RunID:         exec.RunID,
		WorkflowType:  exec.WorkflowType,
		TenantID:      exec.TenantID,
		Status:        exec.Status,
		StartTime:     exec.StartTime,
		CloseTime:     exec.CloseTime,
		HistoryLength: next - 1,
		Failure:       exec.Failure,
	}
	if rec, err := o.index.Get(ctx, exec.RunID); err == nil {
		desc.SearchAttributes = rec.Attributes
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load search attributes: %w", err)
	}
	if exec.Status == engine.StatusRunning {
		pending, err := o.tasks.ListByRun(ctx, exec.RunID)
		if err != nil {
			return nil, fmt.Errorf("list pending tasks: %w", err)
		}
		for _, t := range pending {
			desc.PendingActivities = append(desc.PendingActivities, engine.PendingActivity{
				ActivityType:     t.ActivityType,
				Queue:            t.Queue,
				ScheduledEventID: t.ScheduledEventID,
				Attempt:          t.Attempt,
				State:            string(t.State),
				VisibleAt:        t.VisibleAt,
			})
		}
	}
	return desc, nil
}

// TerminateWorkflow forcefully closes an open run. The termination event is
// appended for the record but never replayed past.
func (o *Orchestrator) TerminateWorkflow(ctx context.Context, workflowID, runID, reason string) error {
	mu := o.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	exec, err := o.loadOpen(ctx, workflowID, runID)
	if err != nil {
		return err
	}
	if _, err := o.appendStimulus(ctx, exec, history.KindWorkflowTerminated, history.WorkflowTerminatedAttrs{
		Reason: reason,
	}); err != nil {
		return err
	}
	failure := &engine.Failure{
		Kind:         engine.ErrorKindNonRetryable,
		Type:         "WorkflowTerminated",
		Message:      reason,
		NonRetryable: true,
	}
	if err := o.closeRun(ctx, exec, engine.StatusTerminated, nil, failure, ""); err != nil {
		return err
	}
	o.log.Info(ctx, "workflow terminated",
		"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "reason", reason)
	return nil
}

// ListWorkflows queries the visibility index.
func (o *Orchestrator) ListWorkflows(ctx context.Context, f engine.ListFilter) ([]engine.WorkflowSummary, error) {
	recs, err := o.index.Query(ctx, store.AttributeQuery{
		TenantID: f.TenantID,
		Status:   f.Status,
		Equals:   f.AttributeEquals,
		Limit:    f.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query visibility: %w", err)
	}
	out := make([]engine.WorkflowSummary, 0, len(recs))
	for _, rec := range recs {
		if f.WorkflowType != "" && rec.WorkflowType != f.WorkflowType {
			continue
		}
		out = append(out, engine.WorkflowSummary{
			WorkflowID:       rec.WorkflowID,
			RunID:            rec.RunID,
			WorkflowType:     rec.WorkflowType,
			TenantID:         rec.TenantID,
			Status:           rec.Status,
			SearchAttributes: rec.Attributes,
			UpdatedAt:        rec.UpdatedAt,
		})
	}
	return out, nil
}

// GetResult returns the outcome of a run without blocking. A run that
// continued as new reports its successor's outcome.
func (o *Orchestrator) GetResult(ctx context.Context, workflowID, runID string) ([]byte, error) {
	for {
		exec, err := o.load(ctx, workflowID, runID)
		if err != nil {
			return nil, err
		}
		switch exec.Status {
		case engine.StatusCompleted:
			return exec.Result, nil
		case engine.StatusContinuedAsNew:
			if exec.ContinuedTo == "" {
				return nil, engine.ErrNotCompleted
			}
			runID = exec.ContinuedTo
		case engine.StatusFailed, engine.StatusTimedOut:
			if exec.Failure != nil {
				return nil, exec.Failure.Err()
			}
			return nil, engine.NewWorkflowLogicError("run %s failed without a recorded failure", exec.RunID)
		case engine.StatusTerminated:
			reason := ""
			if exec.Failure != nil {
				reason = exec.Failure.Message
			}
			return nil, &engine.TerminatedError{Reason: reason}
		default:
			return nil, engine.ErrNotCompleted
		}
	}
}

// load resolves an execution, mapping the store sentinel to the engine one.
// An empty runID resolves to the workflow's latest run.
func (o *Orchestrator) load(ctx context.Context, workflowID, runID string) (*store.ExecutionRecord, error) {
	exec, err := o.executions.Get(ctx, workflowID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: workflow %q", engine.ErrNotFound, workflowID)
		}
		return nil, fmt.Errorf("load execution: %w", err)
	}
	return &exec, nil
}

// loadOpen is load restricted to open runs.
func (o *Orchestrator) loadOpen(ctx context.Context, workflowID, runID string) (*store.ExecutionRecord, error) {
	exec, err := o.load(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Closed() {
		return nil, fmt.Errorf("%w: workflow %q run %s is %s", engine.ErrNotFound, workflowID, exec.RunID, exec.Status)
	}
	return exec, nil
}

// appendStimulus appends one engine-originated event at the run's next event
// ID, retrying version conflicts from concurrent appenders.
func (o *Orchestrator) appendStimulus(ctx context.Context, exec *store.ExecutionRecord, kind history.EventKind, attrs any) (int64, error) {
	for attempt := 0; ; attempt++ {
		nextID, err := o.histories.NextEventID(ctx, exec.RunID)
		if err != nil {
			return 0, fmt.Errorf("next event id: %w", err)
		}
		ev := history.New(nextID, kind, o.clock(), attrs)
		if _, err := o.histories.Append(ctx, exec.RunID, nextID, []history.Event{ev}); err != nil {
			if errors.Is(err, store.ErrConflict) && attempt < 3 {
				continue
			}
			return 0, fmt.Errorf("append %s: %w", kind, err)
		}
		exec.HistoryBytes += ev.Size()
		return nextID, nil
	}
}

// armRunDeadline creates the run-deadline timer at the earlier of the run and
// execution deadlines.
func (o *Orchestrator) armRunDeadline(ctx context.Context, exec store.ExecutionRecord) error {
	deadline := exec.RunDeadline
	if !exec.ExecutionDeadline.IsZero() && (deadline.IsZero() || exec.ExecutionDeadline.Before(deadline)) {
		deadline = exec.ExecutionDeadline
	}
	if deadline.IsZero() {
		return nil
	}
	err := o.timers.Create(ctx, store.TimerRecord{
		TimerID:    deadlineTimerID(exec.RunID),
		WorkflowID: exec.WorkflowID,
		RunID:      exec.RunID,
		Kind:       store.TimerKindRunDeadline,
		FireAt:     deadline,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("arm run deadline: %w", err)
	}
	return nil
}

func (o *Orchestrator) executorOptions(exec *store.ExecutionRecord) workflow.Options {
	return workflow.Options{
		ActivityDefaults: o.defaults,
		Logger:           o.log,
		DeadlockTimeout:  o.cfg.DeadlockTimeout,
		MaxHistoryEvents: o.cfg.MaxHistoryEvents,
		MaxHistoryBytes:  o.cfg.MaxHistoryBytes,
		ReplayUpTo:       exec.HistoryLength,
	}
}

func taskID(runID string, scheduledEventID int64) string {
	return fmt.Sprintf("%s/%d", runID, scheduledEventID)
}

func workflowTimerID(runID string, startedEventID int64) string {
	return fmt.Sprintf("%s/%d", runID, startedEventID)
}

func deadlineTimerID(runID string) string {
	return runID + "/deadline"
}
