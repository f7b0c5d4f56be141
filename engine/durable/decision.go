package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

// decideLocked replays the run against its full history and applies the
// resulting commands. Callers hold the workflow lock. Replay mismatches are
// retried with exponential backoff; after the configured attempts the run
// fails with a non-determinism failure. Deadlocked or panicking workflow
// logic fails the run on the first attempt.
func (o *Orchestrator) decideLocked(ctx context.Context, exec *store.ExecutionRecord, def workflow.Definition) error {
	if exec.Status.Closed() {
		return nil
	}
	start := o.clock()
	var lastErr error
	for attempt := 1; attempt <= o.cfg.DecisionAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(o.cfg.DecisionBackoff << (attempt - 2))
		}
		events, err := o.histories.Load(ctx, exec.RunID, 0)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		ex := workflow.NewExecutor(def, exec.WorkflowID, exec.RunID, o.executorOptions(exec))
		res, err := ex.Execute(events)
		ex.Close()
		if err != nil {
			lastErr = err
			var terr *engine.Error
			if errors.As(err, &terr) && terr.Kind == engine.ErrorKindNonDeterminism {
				o.log.Error(ctx, "decision replay mismatch",
					"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "attempt", attempt, "err", err)
				continue
			}
			failure := engine.FailureFromError(err)
			return o.failRun(ctx, exec, failure)
		}
		o.metrics.RecordTimer(telemetry.MetricDecisionLatency, o.clock().Sub(start), "workflow_type", exec.WorkflowType)
		return o.applyDecision(ctx, exec, events, res)
	}
	o.log.Error(ctx, "non-determinism detected, failing run",
		"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "err", lastErr)
	return o.failRun(ctx, exec, engine.FailureFromError(lastErr))
}

// applyDecision persists a decision's commands, performs their side effects,
// and closes the run on a terminal command.
func (o *Orchestrator) applyDecision(ctx context.Context, exec *store.ExecutionRecord, events []history.Event, res *workflow.Result) error {
	if res.Terminated {
		return nil
	}
	now := o.clock().UTC()
	total := int64(len(events)) + int64(len(res.Commands))

	newEvents := make([]history.Event, 0, len(res.Commands))
	newRunID := ""
	for _, cmd := range res.Commands {
		attrs := cmd.Attrs
		if cmd.Kind == history.KindContinueAsNew {
			// The successor run ID is allocated here so the event records it.
			var a history.ContinueAsNewAttrs
			if len(attrs) > 0 {
				if err := json.Unmarshal(attrs, &a); err != nil {
					return fmt.Errorf("decode continue-as-new command: %w", err)
				}
			}
			newRunID = uuid.NewString()
			a.NewRunID = newRunID
			b, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("encode continue-as-new event: %w", err)
			}
			attrs = b
		}
		newEvents = append(newEvents, history.Event{ID: cmd.ID, Kind: cmd.Kind, Timestamp: now, Attributes: attrs})
	}

	// Terminal decisions always land; only a run that keeps going can
	// overflow its history.
	totalBytes := history.TotalSize(events) + history.TotalSize(newEvents)
	if !res.Done && (total > o.cfg.MaxHistoryEvents || totalBytes > o.cfg.MaxHistoryBytes) {
		return o.failRun(ctx, exec, engine.Failure{
			Kind:         engine.ErrorKindWorkflowLogic,
			Type:         "HistoryLimitExceeded",
			Message:      fmt.Sprintf("history grew to %d events / %d bytes, limit %d / %d; complete or continue as new", total, totalBytes, o.cfg.MaxHistoryEvents, o.cfg.MaxHistoryBytes),
			NonRetryable: true,
		})
	}

	if len(newEvents) > 0 {
		if _, err := o.histories.Append(ctx, exec.RunID, int64(len(events))+1, newEvents); err != nil {
			return fmt.Errorf("append decision events: %w", err)
		}
	}
	exec.HistoryLength = total
	exec.HistoryBytes = totalBytes
	if len(res.ConsumedSignals) > 0 && exec.SignalsConsumed == nil {
		exec.SignalsConsumed = map[string]int{}
	}
	for name, n := range res.ConsumedSignals {
		exec.SignalsConsumed[name] = n
	}

	for _, ev := range newEvents {
		if ev.Kind != history.KindSearchAttributesUpserted {
			continue
		}
		attrs := history.MustDecode[history.SearchAttributesUpsertedAttrs](ev)
		if err := o.index.Upsert(ctx, store.AttributeRecord{
			WorkflowID:   exec.WorkflowID,
			RunID:        exec.RunID,
			WorkflowType: exec.WorkflowType,
			TenantID:     exec.TenantID,
			Status:       exec.Status,
			Attributes:   attrs.Attributes,
			UpdatedAt:    now,
		}); err != nil {
			return fmt.Errorf("upsert search attributes: %w", err)
		}
	}

	switch {
	case res.Failure != nil:
		status := engine.StatusFailed
		if res.Failure.Kind == engine.ErrorKindTimeout && res.Failure.TimeoutType == engine.TimeoutRun {
			status = engine.StatusTimedOut
		}
		return o.closeRun(ctx, exec, status, nil, res.Failure, "")
	case res.ContinueAsNew != nil:
		return o.continueAsNew(ctx, exec, newRunID, res.ContinueAsNew.Input)
	case res.Done:
		return o.closeRun(ctx, exec, engine.StatusCompleted, res.Output, nil, "")
	}

	if err := o.reconcile(ctx, exec, events, newEvents, now); err != nil {
		return err
	}
	if err := o.executions.Update(ctx, *exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// scheduleTask admits the activity task for a scheduled event to the router.
// Task IDs derive from (run_id, scheduled_event_id) so re-admission after a
// crash or decision retry is idempotent. Deadlines anchor to the recorded
// event timestamp so re-admission does not extend them.
func (o *Orchestrator) scheduleTask(ctx context.Context, exec *store.ExecutionRecord, ev history.Event, now time.Time) error {
	attrs := history.MustDecode[history.ActivityScheduledAttrs](ev)
	rec := store.TaskRecord{
		TaskID:           taskID(exec.RunID, ev.ID),
		WorkflowID:       exec.WorkflowID,
		RunID:            exec.RunID,
		ScheduledEventID: ev.ID,
		ActivityType:     attrs.ActivityType,
		Queue:            attrs.Queue,
		Input:            attrs.Input,
		Options:          attrs.Options,
		Attempt:          1,
		State:            store.TaskStateScheduled,
		VisibleAt:        now,
		ScheduledAt:      ev.Timestamp,
	}
	if attrs.Options.RetryPolicy != nil {
		rec.RetryPolicy = *attrs.Options.RetryPolicy
	}
	if attrs.Options.ScheduleToStartTimeout > 0 {
		rec.ScheduleDeadline = ev.Timestamp.Add(attrs.Options.ScheduleToStartTimeout)
	}
	if attrs.Options.ScheduleToCloseTimeout > 0 {
		rec.CloseDeadline = ev.Timestamp.Add(attrs.Options.ScheduleToCloseTimeout)
	}
	if err := o.enqueuer.Enqueue(ctx, rec); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return fmt.Errorf("enqueue %s: %w", attrs.ActivityType, err)
	}
	return nil
}

// reconcile admits tasks and timers for every unresolved scheduled command,
// fresh ones from this decision and stale ones whose admission was lost to a
// crash between the history append and the router or timer-store write. Task
// and timer IDs derive from event IDs, so admission is idempotent.
// Re-admitted tasks restart at attempt 1; the activity's own idempotency
// absorbs the re-execution.
func (o *Orchestrator) reconcile(ctx context.Context, exec *store.ExecutionRecord, events, newEvents []history.Event, now time.Time) error {
	firstNewID := int64(len(events)) + 1
	resolved := make(map[int64]bool)
	scheduled := make(map[int64]history.Event)
	started := make(map[int64]history.Event)
	scan := func(evs []history.Event) {
		for _, ev := range evs {
			switch ev.Kind {
			case history.KindActivityScheduled:
				scheduled[ev.ID] = ev
			case history.KindActivityCompleted, history.KindActivityFailed, history.KindActivityTimedOut:
				resolved[ev.ScheduledEventID()] = true
			case history.KindTimerStarted:
				started[ev.ID] = ev
			case history.KindTimerFired:
				resolved[history.MustDecode[history.TimerFiredAttrs](ev).StartedEventID] = true
			}
		}
	}
	scan(events)
	scan(newEvents)

	for id, ev := range scheduled {
		if resolved[id] {
			continue
		}
		_, err := o.tasks.Get(ctx, taskID(exec.RunID, id))
		switch {
		case err == nil:
			continue
		case errors.Is(err, store.ErrNotFound):
			if id < firstNewID {
				o.log.Warn(ctx, "re-admitting lost activity task",
					"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "scheduled_event_id", id)
			}
			if err := o.scheduleTask(ctx, exec, ev, now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("load task: %w", err)
		}
	}
	for id, ev := range started {
		if resolved[id] {
			continue
		}
		attrs := history.MustDecode[history.TimerStartedAttrs](ev)
		err := o.timers.Create(ctx, store.TimerRecord{
			TimerID:        workflowTimerID(exec.RunID, id),
			WorkflowID:     exec.WorkflowID,
			RunID:          exec.RunID,
			StartedEventID: id,
			Kind:           store.TimerKindWorkflow,
			FireAt:         attrs.FireAt,
		})
		if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("re-arm timer: %w", err)
		}
	}
	return nil
}

// failRun records an engine-detected failure (non-determinism, deadlock,
// history overflow, run timeout) and closes the run. Unlike a failure
// returned by workflow code, the failed event here is appended by the engine,
// so the run cannot be replayed afterwards.
func (o *Orchestrator) failRun(ctx context.Context, exec *store.ExecutionRecord, failure engine.Failure) error {
	if _, err := o.appendStimulus(ctx, exec, history.KindWorkflowFailed, history.WorkflowFailedAttrs{Failure: failure}); err != nil {
		return err
	}
	status := engine.StatusFailed
	if failure.TimeoutType == engine.TimeoutRun {
		status = engine.StatusTimedOut
	}
	return o.closeRun(ctx, exec, status, nil, &failure, "")
}

// timeOutRun fails an open run with a run-timeout failure.
func (o *Orchestrator) timeOutRun(ctx context.Context, exec *store.ExecutionRecord) error {
	elapsed := o.clock().Sub(exec.StartTime).Round(time.Millisecond)
	return o.failRun(ctx, exec, engine.TimeoutFailure(engine.TimeoutRun, elapsed))
}

// closeRun finalizes the execution record, cancels outstanding tasks and
// timers, and updates visibility.
func (o *Orchestrator) closeRun(ctx context.Context, exec *store.ExecutionRecord, status engine.RunStatus, result []byte, failure *engine.Failure, continuedTo string) error {
	now := o.clock().UTC()
	exec.Status = status
	exec.Result = result
	exec.Failure = failure
	exec.CloseTime = now
	exec.ContinuedTo = continuedTo
	if err := o.executions.Update(ctx, *exec); err != nil {
		return fmt.Errorf("close run: %w", err)
	}

	tasks, err := o.tasks.ListByRun(ctx, exec.RunID)
	if err != nil {
		return fmt.Errorf("list run tasks: %w", err)
	}
	for _, t := range tasks {
		if t.State == store.TaskStateLeased {
			// In-flight attempts observe the cancellation through heartbeats;
			// their eventual report is dropped against the closed run.
			t.CancelRequested = true
			if err := o.tasks.Update(ctx, t); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("cancel task %s: %w", t.TaskID, err)
			}
			continue
		}
		if err := o.tasks.Delete(ctx, t.TaskID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete task %s: %w", t.TaskID, err)
		}
	}
	if err := o.timers.DeleteByRun(ctx, exec.RunID); err != nil {
		return fmt.Errorf("clear timers: %w", err)
	}
	if err := o.index.Upsert(ctx, store.AttributeRecord{
		WorkflowID:   exec.WorkflowID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		TenantID:     exec.TenantID,
		Status:       status,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("update visibility: %w", err)
	}

	switch status {
	case engine.StatusCompleted:
		o.metrics.IncCounter(telemetry.MetricWorkflowsCompleted, 1, "workflow_type", exec.WorkflowType)
	case engine.StatusFailed, engine.StatusTimedOut:
		o.metrics.IncCounter(telemetry.MetricWorkflowsFailed, 1, "workflow_type", exec.WorkflowType)
	}
	o.log.Info(ctx, "workflow run closed",
		"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "status", string(status))
	return nil
}

// continueAsNew closes the current run and starts its successor under the
// same workflow ID with a fresh history.
func (o *Orchestrator) continueAsNew(ctx context.Context, exec *store.ExecutionRecord, newRunID string, input []byte) error {
	if err := o.closeRun(ctx, exec, engine.StatusContinuedAsNew, nil, nil, newRunID); err != nil {
		return err
	}
	now := o.clock().UTC()
	succ := store.ExecutionRecord{
		WorkflowID:        exec.WorkflowID,
		RunID:             newRunID,
		WorkflowType:      exec.WorkflowType,
		TenantID:          exec.TenantID,
		Status:            engine.StatusRunning,
		Input:             input,
		StartTime:         now,
		Latest:            true,
		ContinuedFrom:     exec.RunID,
		RunTimeout:        exec.RunTimeout,
		ExecutionDeadline: exec.ExecutionDeadline,
		IDReusePolicy:     exec.IDReusePolicy,
		Memo:              exec.Memo,
		SignalsReceived:   map[string]int{},
		SignalsConsumed:   map[string]int{},
	}
	if exec.RunTimeout > 0 {
		succ.RunDeadline = now.Add(exec.RunTimeout)
	}
	if err := o.executions.Create(ctx, succ); err != nil {
		return fmt.Errorf("create successor run: %w", err)
	}
	started := history.New(1, history.KindWorkflowStarted, now, history.WorkflowStartedAttrs{
		WorkflowType:      succ.WorkflowType,
		TenantID:          succ.TenantID,
		Input:             input,
		RunTimeout:        succ.RunTimeout,
		ExecutionDeadline: succ.ExecutionDeadline,
		ContinuedFrom:     exec.RunID,
	})
	succ.HistoryLength = 1
	succ.HistoryBytes = started.Size()
	if _, err := o.histories.Append(ctx, succ.RunID, 1, []history.Event{started}); err != nil {
		return fmt.Errorf("append successor start event: %w", err)
	}
	if err := o.executions.Update(ctx, succ); err != nil {
		return fmt.Errorf("update successor run: %w", err)
	}
	if err := o.armRunDeadline(ctx, succ); err != nil {
		return err
	}
	if err := o.index.Upsert(ctx, store.AttributeRecord{
		WorkflowID:   succ.WorkflowID,
		RunID:        succ.RunID,
		WorkflowType: succ.WorkflowType,
		TenantID:     succ.TenantID,
		Status:       engine.StatusRunning,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("seed successor visibility: %w", err)
	}
	o.log.Info(ctx, "workflow continued as new",
		"workflow_id", exec.WorkflowID, "run_id", exec.RunID, "new_run_id", newRunID)

	if !succ.ExecutionDeadline.IsZero() && !now.Before(succ.ExecutionDeadline) {
		return o.timeOutRun(ctx, &succ)
	}
	def, ok := o.registry.Lookup(succ.WorkflowType)
	if !ok {
		return engine.NewWorkflowLogicError("workflow type %q not registered", succ.WorkflowType)
	}
	return o.decideLocked(ctx, &succ, def)
}
