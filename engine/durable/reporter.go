package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

// TaskStarted records a worker claiming an activity attempt. It appends the
// started event without running a decision; nothing in the workflow can
// observe a start. Reports against closed runs return engine.ErrNotFound so
// the router drops the task.
func (o *Orchestrator) TaskStarted(ctx context.Context, t store.TaskRecord) error {
	mu := o.lock(t.WorkflowID)
	mu.Lock()
	defer mu.Unlock()

	exec, err := o.loadOpen(ctx, t.WorkflowID, t.RunID)
	if err != nil {
		return err
	}
	if _, err := o.appendStimulus(ctx, exec, history.KindActivityStarted, history.ActivityStartedAttrs{
		ScheduledEventID: t.ScheduledEventID,
		Attempt:          t.Attempt,
		WorkerID:         t.WorkerID,
	}); err != nil {
		return err
	}
	if err := o.executions.Update(ctx, *exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// TaskCompleted resolves an activity with its result and runs a decision.
// The first terminal report for a scheduled event wins; later duplicates from
// lease-expiry races are dropped.
func (o *Orchestrator) TaskCompleted(ctx context.Context, t store.TaskRecord, result []byte) error {
	return o.resolveTask(ctx, t, history.KindActivityCompleted, history.ActivityCompletedAttrs{
		ScheduledEventID: t.ScheduledEventID,
		Attempt:          t.Attempt,
		Result:           result,
	}, telemetry.MetricTasksCompleted)
}

// TaskFailed resolves an activity with a terminal failure, after the router
// has exhausted or forbidden retries, and runs a decision.
func (o *Orchestrator) TaskFailed(ctx context.Context, t store.TaskRecord, failure engine.Failure) error {
	return o.resolveTask(ctx, t, history.KindActivityFailed, history.ActivityFailedAttrs{
		ScheduledEventID: t.ScheduledEventID,
		Attempt:          t.Attempt,
		Failure:          failure,
	}, telemetry.MetricTasksFailed)
}

// TaskTimedOut resolves an activity on a terminal deadline expiry and runs a
// decision.
func (o *Orchestrator) TaskTimedOut(ctx context.Context, t store.TaskRecord, timeout engine.TimeoutType) error {
	return o.resolveTask(ctx, t, history.KindActivityTimedOut, history.ActivityTimedOutAttrs{
		ScheduledEventID: t.ScheduledEventID,
		Attempt:          t.Attempt,
		TimeoutType:      timeout,
	}, telemetry.MetricTasksFailed)
}

func (o *Orchestrator) resolveTask(ctx context.Context, t store.TaskRecord, kind history.EventKind, attrs any, metric string) error {
	mu := o.lock(t.WorkflowID)
	mu.Lock()
	defer mu.Unlock()

	exec, err := o.loadOpen(ctx, t.WorkflowID, t.RunID)
	if err != nil {
		return err
	}
	resolved, err := o.alreadyResolved(ctx, t.RunID, t.ScheduledEventID)
	if err != nil {
		return err
	}
	if resolved {
		// First report won. Still decide: the winning report may have crashed
		// between its append and its decision.
		o.log.Debug(ctx, "dropping duplicate task report",
			"run_id", t.RunID, "scheduled_event_id", t.ScheduledEventID, "kind", string(kind))
	} else {
		if _, err := o.appendStimulus(ctx, exec, kind, attrs); err != nil {
			return err
		}
		if err := o.executions.Update(ctx, *exec); err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		o.metrics.IncCounter(metric, 1, "activity_type", t.ActivityType, "queue", t.Queue)
	}

	def, ok := o.registry.Lookup(exec.WorkflowType)
	if !ok {
		return engine.NewWorkflowLogicError("workflow type %q not registered", exec.WorkflowType)
	}
	return o.decideLocked(ctx, exec, def)
}

// alreadyResolved reports whether the scheduled event already has a terminal
// resolution event. Resolution events always follow the scheduled event, so
// the scan starts just past it.
func (o *Orchestrator) alreadyResolved(ctx context.Context, runID string, scheduledEventID int64) (bool, error) {
	events, err := o.histories.Load(ctx, runID, scheduledEventID+1)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load history: %w", err)
	}
	for _, ev := range events {
		switch ev.Kind {
		case history.KindActivityCompleted, history.KindActivityFailed, history.KindActivityTimedOut:
			if ev.ScheduledEventID() == scheduledEventID {
				return true, nil
			}
		}
	}
	return false, nil
}
