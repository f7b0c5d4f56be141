package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/telemetry"
)

const (
	// DefaultDeadlockTimeout bounds a single resume of the workflow
	// goroutine. A function that does not yield within it is blocked on a
	// non-workflow primitive and cannot be replayed safely.
	DefaultDeadlockTimeout = time.Second
	// DefaultMaxHistoryEvents and DefaultMaxHistoryBytes are the history
	// truncation thresholds. Workflows approaching either must complete or
	// continue as new.
	DefaultMaxHistoryEvents = 50_000
	DefaultMaxHistoryBytes  = 50 << 20
)

// QueryGetInput is the builtin query name returning the run's start input.
const QueryGetInput = "getInput"

// errAborted unwinds an abandoned workflow goroutine during Close.
var errAborted = errors.New("workflow executor closed")

type (
	// Options tunes a single replay.
	Options struct {
		// ActivityDefaults resolves registration-table defaults for an
		// activity type. Nil leaves only the engine fallbacks.
		ActivityDefaults func(activityType string) engine.ActivityOptions
		// Logger backs Context.Logger. Nil disables workflow logging.
		Logger telemetry.Logger
		// DeadlockTimeout, MaxHistoryEvents, and MaxHistoryBytes override
		// the package defaults when positive.
		DeadlockTimeout  time.Duration
		MaxHistoryEvents int64
		MaxHistoryBytes  int64
		// ReplayUpTo is the newest event ID a previous decision already
		// processed. Workflow log entries are suppressed while replaying
		// events at or below it.
		ReplayUpTo int64
	}

	// Command is one decision produced past the recorded history: an event
	// the orchestrator must append. IDs are assigned contiguously after the
	// replayed events, in emission order.
	Command struct {
		ID    int64
		Kind  history.EventKind
		Attrs json.RawMessage
	}

	// Result is the outcome of one replay.
	Result struct {
		// Commands are the new decisions in emission order. A terminal
		// decision appears as the last command.
		Commands []Command
		// Done reports the workflow function returned. Output, Failure, and
		// ContinueAsNew carry the outcome; exactly one is set.
		Done          bool
		Output        []byte
		Failure       *engine.Failure
		ContinueAsNew *ContinueAsNewError
		// Terminated reports the history ended with WorkflowTerminated; the
		// function was abandoned at its last suspension point.
		Terminated bool
		// ConsumedSignals counts signals consumed per channel over the whole
		// replay. The orchestrator uses it to bound channel backlogs.
		ConsumedSignals map[string]int
	}

	// Executor drives one workflow function against one history. It is not
	// safe for concurrent use; the orchestrator serializes decisions per run.
	Executor struct {
		def        Definition
		workflowID string
		runID      string
		tenantID   string
		opts       Options

		wfCtx *Context

		started  bool
		done     bool
		aborted  bool
		stuck    bool
		resumeCh chan struct{}
		yieldCh  chan struct{}
		doneCh   chan struct{}

		retOut  []byte
		retErr  error
		execErr error

		now         time.Time
		startTime   time.Time
		input       []byte
		commandEvs  []history.Event
		cmdIndex    int
		nextEventID int64
		lastApplied int64
		// watermark and histBytes track history growth as events are applied
		// and commands emitted, so Info reads the same values at the same
		// point of the function whether live or replaying.
		watermark int64
		histBytes int64

		futures       map[int64]*Future
		activityTypes map[int64]string
		channels      map[string]*channelState
		consumed      map[string]int
		queryHandlers map[string]func([]byte) (any, error)
		newCommands   []Command
	}

	channelState struct {
		buf [][]byte
	}

	// replayMismatch carries a non-determinism error across the workflow
	// goroutine boundary without being mistaken for a workflow panic.
	replayMismatch struct {
		err error
	}
)

// NewExecutor prepares a replay of the given definition for one run.
func NewExecutor(def Definition, workflowID, runID string, opts Options) *Executor {
	if opts.DeadlockTimeout <= 0 {
		opts.DeadlockTimeout = DefaultDeadlockTimeout
	}
	if opts.MaxHistoryEvents <= 0 {
		opts.MaxHistoryEvents = DefaultMaxHistoryEvents
	}
	if opts.MaxHistoryBytes <= 0 {
		opts.MaxHistoryBytes = DefaultMaxHistoryBytes
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	e := &Executor{
		def:           def,
		workflowID:    workflowID,
		runID:         runID,
		opts:          opts,
		resumeCh:      make(chan struct{}),
		yieldCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
		futures:       make(map[int64]*Future),
		activityTypes: make(map[int64]string),
		channels:      make(map[string]*channelState),
		consumed:      make(map[string]int),
		queryHandlers: make(map[string]func([]byte) (any, error)),
	}
	e.wfCtx = &Context{e: e}
	return e
}

// Execute replays the history from event 1, resuming the workflow function
// after each applied event, and returns the decisions produced past the
// recorded commands. It must be called exactly once; callers must Close the
// executor when done querying it.
//
// A returned error of kind non_determinism means the function's command
// sequence diverged from history. Other errors indicate invalid histories or
// a function stuck outside workflow primitives.
func (e *Executor) Execute(events []history.Event) (*Result, error) {
	if e.started {
		return nil, engine.NewWorkflowLogicError("executor already ran")
	}
	if len(events) == 0 || events[0].Kind != history.KindWorkflowStarted {
		return nil, engine.NewNonDeterminismError("history must begin with WorkflowStarted")
	}
	started, err := history.Decode[history.WorkflowStartedAttrs](events[0])
	if err != nil {
		return nil, engine.NewNonDeterminismError("decode WorkflowStarted: %v", err)
	}
	if started.WorkflowType != e.def.Type {
		return nil, engine.NewNonDeterminismError("history belongs to workflow type %q, executing %q", started.WorkflowType, e.def.Type)
	}
	e.input = started.Input
	e.tenantID = started.TenantID
	e.startTime = events[0].Timestamp
	e.nextEventID = events[len(events)-1].ID + 1
	for _, ev := range events {
		if ev.Kind.IsCommand() {
			e.commandEvs = append(e.commandEvs, ev)
		}
	}

	res := &Result{}
	for _, ev := range events {
		if ev.Kind.IsCommand() {
			continue
		}
		if ev.Kind == history.KindWorkflowTerminated {
			res.Terminated = true
			break
		}
		if err := e.applyStimulus(ev); err != nil {
			return nil, err
		}
		if err := e.runOnce(); err != nil {
			return nil, err
		}
		if e.done {
			break
		}
	}

	if e.done {
		if err := e.finish(res); err != nil {
			return nil, err
		}
	} else if !res.Terminated && e.cmdIndex < len(e.commandEvs) {
		return nil, engine.NewNonDeterminismError(
			"replay produced %d commands, history records %d", e.cmdIndex, len(e.commandEvs))
	}
	res.Commands = e.newCommands
	res.ConsumedSignals = maps.Clone(e.consumed)
	return res, nil
}

// Query invokes a handler the workflow registered, or the builtin getInput
// view. It must be called after Execute, with the function parked.
func (e *Executor) Query(name string, args []byte) ([]byte, error) {
	if h, ok := e.queryHandlers[name]; ok {
		v, err := h(args)
		if err != nil {
			return nil, err
		}
		return encodePayload(v)
	}
	if name == QueryGetInput {
		return e.input, nil
	}
	return nil, engine.ErrQueryNotRegistered
}

// Close abandons a parked workflow goroutine. Safe to call multiple times
// and after terminal decisions.
func (e *Executor) Close() {
	if !e.started || e.done || e.stuck {
		// A stuck goroutine never reaches a yield point; it cannot be
		// unwound and is abandoned.
		return
	}
	e.aborted = true
	e.resumeCh <- struct{}{}
	<-e.doneCh
	e.done = true
}

// run hosts the workflow function for the executor's lifetime.
func (e *Executor) run() {
	defer close(e.doneCh)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if rm, ok := r.(replayMismatch); ok {
			e.execErr = rm.err
			return
		}
		if err, ok := r.(error); ok && errors.Is(err, errAborted) {
			return
		}
		e.retErr = engine.NewWorkflowLogicError("workflow panic: %v", r)
	}()
	out, err := e.def.Fn(e.wfCtx, e.input)
	e.retOut, e.retErr = out, err
}

// runOnce hands control to the workflow goroutine until it parks or returns.
func (e *Executor) runOnce() error {
	if e.done {
		return nil
	}
	if !e.started {
		e.started = true
		go e.run()
	} else {
		e.resumeCh <- struct{}{}
	}
	timer := time.NewTimer(e.opts.DeadlockTimeout)
	defer timer.Stop()
	select {
	case <-e.yieldCh:
		return nil
	case <-e.doneCh:
		e.done = true
		return nil
	case <-timer.C:
		e.stuck = true
		return engine.NewWorkflowLogicError(
			"workflow %s did not yield within %s: blocked outside workflow primitives", e.workflowID, e.opts.DeadlockTimeout)
	}
}

// yield parks the workflow goroutine until the next applied event.
func (e *Executor) yield() {
	e.yieldCh <- struct{}{}
	<-e.resumeCh
	if e.aborted {
		panic(errAborted)
	}
}

// applyStimulus folds one non-command event into replay state and advances
// the workflow clock.
func (e *Executor) applyStimulus(ev history.Event) error {
	e.now = ev.Timestamp
	e.lastApplied = ev.ID
	e.watermark = ev.ID
	e.histBytes += ev.Size()
	switch ev.Kind {
	case history.KindWorkflowStarted, history.KindActivityStarted:
		// Start carries no state beyond the clock; attempt starts are
		// recorded for observability only.
		return nil
	case history.KindActivityCompleted:
		attrs, err := history.Decode[history.ActivityCompletedAttrs](ev)
		if err != nil {
			return engine.NewNonDeterminismError("decode event %d: %v", ev.ID, err)
		}
		return e.resolveFuture(ev, attrs.ScheduledEventID, attrs.Result, nil)
	case history.KindActivityFailed:
		attrs, err := history.Decode[history.ActivityFailedAttrs](ev)
		if err != nil {
			return engine.NewNonDeterminismError("decode event %d: %v", ev.ID, err)
		}
		return e.resolveFuture(ev, attrs.ScheduledEventID, nil, &engine.ActivityError{
			ActivityType:     e.activityTypes[attrs.ScheduledEventID],
			ScheduledEventID: attrs.ScheduledEventID,
			Attempt:          attrs.Attempt,
			Failure:          attrs.Failure,
		})
	case history.KindActivityTimedOut:
		attrs, err := history.Decode[history.ActivityTimedOutAttrs](ev)
		if err != nil {
			return engine.NewNonDeterminismError("decode event %d: %v", ev.ID, err)
		}
		return e.resolveFuture(ev, attrs.ScheduledEventID, nil, &engine.ActivityError{
			ActivityType:     e.activityTypes[attrs.ScheduledEventID],
			ScheduledEventID: attrs.ScheduledEventID,
			Attempt:          attrs.Attempt,
			Failure: engine.Failure{
				Kind:        engine.ErrorKindTimeout,
				Type:        string(attrs.TimeoutType),
				Message:     fmt.Sprintf("%s deadline exceeded", attrs.TimeoutType),
				TimeoutType: attrs.TimeoutType,
			},
		})
	case history.KindTimerFired:
		attrs, err := history.Decode[history.TimerFiredAttrs](ev)
		if err != nil {
			return engine.NewNonDeterminismError("decode event %d: %v", ev.ID, err)
		}
		return e.resolveFuture(ev, attrs.StartedEventID, nil, nil)
	case history.KindSignalReceived:
		attrs, err := history.Decode[history.SignalReceivedAttrs](ev)
		if err != nil {
			return engine.NewNonDeterminismError("decode event %d: %v", ev.ID, err)
		}
		st := e.channel(attrs.Name)
		st.buf = append(st.buf, attrs.Payload)
		return nil
	}
	return engine.NewNonDeterminismError("unexpected event kind %s at %d", ev.Kind, ev.ID)
}

func (e *Executor) resolveFuture(ev history.Event, boundID int64, result []byte, err error) error {
	f, ok := e.futures[boundID]
	if !ok {
		return engine.NewNonDeterminismError(
			"event %d (%s) resolves event %d, which replay never scheduled", ev.ID, ev.Kind, boundID)
	}
	if f.ready {
		return engine.NewNonDeterminismError(
			"event %d (%s) resolves event %d twice", ev.ID, ev.Kind, boundID)
	}
	f.ready = true
	f.result = result
	f.err = err
	return nil
}

// finish turns the function's return into a terminal command.
func (e *Executor) finish(res *Result) error {
	if e.execErr != nil {
		return e.execErr
	}
	res.Done = true
	var (
		can *ContinueAsNewError
		err error
	)
	switch {
	case e.retErr == nil:
		_, err = e.emit(history.KindWorkflowCompleted, history.WorkflowCompletedAttrs{Result: e.retOut})
		res.Output = e.retOut
	case errors.As(e.retErr, &can):
		_, err = e.emit(history.KindContinueAsNew, history.ContinueAsNewAttrs{Input: can.Input})
		res.ContinueAsNew = can
	default:
		failure := engine.FailureFromError(e.retErr)
		_, err = e.emit(history.KindWorkflowFailed, history.WorkflowFailedAttrs{Failure: failure})
		res.Failure = &failure
	}
	if err != nil {
		return err
	}
	if e.cmdIndex < len(e.commandEvs) {
		return engine.NewNonDeterminismError(
			"replay produced %d commands, history records %d", e.cmdIndex, len(e.commandEvs))
	}
	return nil
}

// emit matches a command against recorded history while commands remain, or
// assigns a fresh event ID and queues it for append.
func (e *Executor) emit(kind history.EventKind, attrs any) (int64, error) {
	raw, err := marshalAttrs(attrs)
	if err != nil {
		return 0, engine.NewWorkflowLogicError("encode %s attributes: %v", kind, err)
	}
	if e.cmdIndex < len(e.commandEvs) {
		expected := e.commandEvs[e.cmdIndex]
		if err := verifyCommand(expected, kind, raw); err != nil {
			return 0, err
		}
		e.cmdIndex++
		e.watermark = expected.ID
		e.histBytes += expected.Size()
		return expected.ID, nil
	}
	id := e.nextEventID
	e.nextEventID++
	e.newCommands = append(e.newCommands, Command{ID: id, Kind: kind, Attrs: raw})
	e.watermark = id
	// Mirrors history.Event.Size so the continue-as-new suggestion sees the
	// decision's own weight.
	e.histBytes += 64 + int64(len(raw))
	return id, nil
}

// mustEmit is emit for workflow-goroutine callers: replay mismatches unwind
// through the dedicated panic so they surface as executor errors rather than
// workflow failures.
func (e *Executor) mustEmit(kind history.EventKind, attrs any) int64 {
	id, err := e.emit(kind, attrs)
	if err == nil {
		return id
	}
	var terr *engine.Error
	if errors.As(err, &terr) && terr.Kind == engine.ErrorKindNonDeterminism {
		panic(replayMismatch{err})
	}
	panic(err)
}

// peekCommand reports whether the next recorded command has the given kind.
func (e *Executor) peekCommand(kind history.EventKind) (history.Event, bool) {
	if e.cmdIndex < len(e.commandEvs) && e.commandEvs[e.cmdIndex].Kind == kind {
		return e.commandEvs[e.cmdIndex], true
	}
	return history.Event{}, false
}

func (e *Executor) channel(name string) *channelState {
	st, ok := e.channels[name]
	if !ok {
		st = &channelState{}
		e.channels[name] = st
	}
	return st
}

func (e *Executor) resolveOptions(activityType string, o engine.ActivityOptions) engine.ActivityOptions {
	if e.opts.ActivityDefaults != nil {
		o = o.Merged(e.opts.ActivityDefaults(activityType))
	}
	if o.Queue == "" {
		o.Queue = engine.QueueGeneral
	}
	var p engine.RetryPolicy
	if o.RetryPolicy != nil {
		p = o.RetryPolicy.Merged(engine.DefaultRetryPolicy())
	} else {
		p = engine.DefaultRetryPolicy()
	}
	o.RetryPolicy = &p
	return o
}

// replaying reports whether the last applied event was already processed by
// a previous decision.
func (e *Executor) replaying() bool {
	return e.lastApplied <= e.opts.ReplayUpTo
}

func (e *Executor) buildInfo() Info {
	length := e.watermark
	size := e.histBytes
	return Info{
		WorkflowID:    e.workflowID,
		RunID:         e.runID,
		WorkflowType:  e.def.Type,
		TenantID:      e.tenantID,
		StartTime:     e.startTime,
		HistoryLength: length,
		HistoryBytes:  size,
		// 80% of either truncation threshold.
		SuggestContinueAsNew: length*5 >= e.opts.MaxHistoryEvents*4 || size*5 >= e.opts.MaxHistoryBytes*4,
	}
}

func marshalAttrs(attrs any) ([]byte, error) {
	if attrs == nil {
		return nil, nil
	}
	return json.Marshal(attrs)
}

func verifyCommand(expected history.Event, kind history.EventKind, raw []byte) error {
	if expected.Kind != kind {
		return engine.NewNonDeterminismError(
			"command %d mismatch: history records %s, replay produced %s", expected.ID, expected.Kind, kind)
	}
	switch kind {
	case history.KindActivityScheduled:
		want, err := history.Decode[history.ActivityScheduledAttrs](expected)
		if err != nil {
			return engine.NewNonDeterminismError("decode recorded command %d: %v", expected.ID, err)
		}
		var got history.ActivityScheduledAttrs
		if err := json.Unmarshal(raw, &got); err != nil {
			return engine.NewNonDeterminismError("decode produced command: %v", err)
		}
		if want.ActivityType != got.ActivityType {
			return engine.NewNonDeterminismError(
				"command %d mismatch: history schedules %s, replay schedules %s", expected.ID, want.ActivityType, got.ActivityType)
		}
		if !bytes.Equal(want.Input, got.Input) {
			return engine.NewNonDeterminismError(
				"command %d mismatch: %s scheduled with different input than recorded", expected.ID, want.ActivityType)
		}
	case history.KindTimerStarted:
		want, err := history.Decode[history.TimerStartedAttrs](expected)
		if err != nil {
			return engine.NewNonDeterminismError("decode recorded command %d: %v", expected.ID, err)
		}
		var got history.TimerStartedAttrs
		if err := json.Unmarshal(raw, &got); err != nil {
			return engine.NewNonDeterminismError("decode produced command: %v", err)
		}
		if want.Duration != got.Duration {
			return engine.NewNonDeterminismError(
				"command %d mismatch: history starts %s timer, replay starts %s", expected.ID, want.Duration, got.Duration)
		}
	}
	return nil
}
