package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/store"
)

// timerSweepBatch bounds how many due timers one sweep pass loads.
const timerSweepBatch = 128

// RunTimers delivers due durable timers until the context is canceled. Run it
// on exactly as many nodes as you like: firing is idempotent, the per-workflow
// lock and the history CAS serialize concurrent sweepers.
func (o *Orchestrator) RunTimers(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.SweepTimers(ctx); err != nil {
				o.log.Error(ctx, "timer sweep failed", "err", err)
			}
		}
	}
}

// SweepTimers fires every due timer once, draining full batches until the
// store is quiet or a pass makes no progress.
func (o *Orchestrator) SweepTimers(ctx context.Context) error {
	for {
		due, err := o.timers.Due(ctx, o.clock(), timerSweepBatch)
		if err != nil {
			return fmt.Errorf("load due timers: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		progress := false
		for _, t := range due {
			if err := o.fireTimer(ctx, t); err != nil {
				o.log.Error(ctx, "timer fire failed",
					"timer_id", t.TimerID, "run_id", t.RunID, "err", err)
				continue
			}
			progress = true
		}
		if !progress || len(due) < timerSweepBatch {
			return nil
		}
	}
}

// fireTimer delivers one due timer: a run-deadline timer times the run out, a
// workflow timer appends TimerFired and runs a decision. Timers for closed or
// missing runs are dropped.
func (o *Orchestrator) fireTimer(ctx context.Context, t store.TimerRecord) error {
	mu := o.lock(t.WorkflowID)
	mu.Lock()
	defer mu.Unlock()

	exec, err := o.executions.Get(ctx, t.WorkflowID, t.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.timers.Delete(ctx, t.TimerID)
		}
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.Status.Closed() {
		return o.timers.Delete(ctx, t.TimerID)
	}

	switch t.Kind {
	case store.TimerKindRunDeadline:
		if err := o.timers.Delete(ctx, t.TimerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete timer: %w", err)
		}
		o.log.Info(ctx, "run deadline reached",
			"workflow_id", exec.WorkflowID, "run_id", exec.RunID)
		return o.timeOutRun(ctx, &exec)

	case store.TimerKindWorkflow:
		fired, err := o.timerFired(ctx, t.RunID, t.StartedEventID)
		if err != nil {
			return err
		}
		if !fired {
			if _, err := o.appendStimulus(ctx, &exec, history.KindTimerFired, history.TimerFiredAttrs{
				StartedEventID: t.StartedEventID,
			}); err != nil {
				return err
			}
			if err := o.executions.Update(ctx, exec); err != nil {
				return fmt.Errorf("update execution: %w", err)
			}
		}
		if err := o.timers.Delete(ctx, t.TimerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete timer: %w", err)
		}
		def, ok := o.registry.Lookup(exec.WorkflowType)
		if !ok {
			return engine.NewWorkflowLogicError("workflow type %q not registered", exec.WorkflowType)
		}
		return o.decideLocked(ctx, &exec, def)

	default:
		return fmt.Errorf("unknown timer kind %q", t.Kind)
	}
}

// timerFired reports whether the started timer already has its fired event,
// which happens when a previous fire crashed between the append and the timer
// delete.
func (o *Orchestrator) timerFired(ctx context.Context, runID string, startedEventID int64) (bool, error) {
	events, err := o.histories.Load(ctx, runID, startedEventID+1)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load history: %w", err)
	}
	for _, ev := range events {
		if ev.Kind != history.KindTimerFired {
			continue
		}
		if history.MustDecode[history.TimerFiredAttrs](ev).StartedEventID == startedEventID {
			return true, nil
		}
	}
	return false, nil
}
