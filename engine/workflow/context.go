package workflow

import (
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
)

type (
	// Context is the deterministic execution context handed to workflow
	// functions. All suspension points — futures, timers, signal channels,
	// Await — go through it. Context methods must only be called from the
	// workflow goroutine; handing a Context to another goroutine breaks
	// replay.
	Context struct {
		e *Executor
	}

	// Future is the pending result of an activity or timer. It resolves when
	// the corresponding completion event is applied.
	Future struct {
		e       *Executor
		eventID int64
		ready   bool
		result  []byte
		err     error
	}

	// Channel is the receive side of a named signal channel. Signals of the
	// same name are consumed in delivery order.
	Channel struct {
		e    *Executor
		name string
	}
)

// Now returns the workflow clock: the timestamp of the newest history event
// applied so far. It advances only on recorded events, so replay observes
// the same readings as the original execution.
func (c *Context) Now() time.Time { return c.e.now }

// Info describes the executing run.
func (c *Context) Info() Info { return c.e.buildInfo() }

// Logger returns a replay-aware logger tagged with the run's identity.
func (c *Context) Logger() *Logger {
	return &Logger{
		e:    c.e,
		base: c.e.opts.Logger,
		kvs: []any{
			"workflow_id", c.e.workflowID,
			"run_id", c.e.runID,
			"workflow_type", c.e.def.Type,
		},
	}
}

// ExecuteActivity schedules an activity on its registered queue and returns
// a Future for its result. The variadic options override the registration
// defaults field by field.
func (c *Context) ExecuteActivity(activityType string, input any, opts ...engine.ActivityOptions) *Future {
	e := c.e
	payload, err := encodePayload(input)
	if err != nil {
		return &Future{e: e, ready: true, err: engine.NewWorkflowLogicError("encode %s input: %v", activityType, err)}
	}
	var o engine.ActivityOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o = e.resolveOptions(activityType, o)
	id := e.mustEmit(history.KindActivityScheduled, history.ActivityScheduledAttrs{
		ActivityType: activityType,
		Queue:        o.Queue,
		Input:        payload,
		Options:      o,
	})
	f := &Future{e: e, eventID: id}
	e.futures[id] = f
	e.activityTypes[id] = activityType
	return f
}

// NewTimer starts a durable timer and returns a Future that resolves when it
// fires. Timers fire at or after the requested duration, never earlier.
func (c *Context) NewTimer(d time.Duration) *Future {
	e := c.e
	if d < 0 {
		d = 0
	}
	id := e.mustEmit(history.KindTimerStarted, history.TimerStartedAttrs{
		Duration: d,
		FireAt:   e.now.Add(d),
	})
	f := &Future{e: e, eventID: id}
	e.futures[id] = f
	return f
}

// Sleep blocks the workflow for the given duration.
func (c *Context) Sleep(d time.Duration) error {
	return c.NewTimer(d).Get(c, nil)
}

// SignalChannel returns the receive side of the named signal channel.
func (c *Context) SignalChannel(name string) *Channel {
	c.e.channel(name)
	return &Channel{e: c.e, name: name}
}

// Await blocks until cond returns true. The condition is re-evaluated after
// every applied history event; it must be a pure function of workflow state.
func (c *Context) Await(cond func() bool) error {
	for !cond() {
		c.e.yield()
	}
	return nil
}

// AwaitWithTimeout blocks until cond returns true or the timeout elapses.
// It reports whether the condition was met.
func (c *Context) AwaitWithTimeout(d time.Duration, cond func() bool) (bool, error) {
	timer := c.NewTimer(d)
	if err := c.Await(func() bool { return cond() || timer.Ready() }); err != nil {
		return false, err
	}
	return cond(), nil
}

// SideEffect executes fn once and records its result; replay decodes the
// recorded value into out without re-executing fn. Use it for
// nondeterministic reads such as generated identifiers.
func (c *Context) SideEffect(fn func() any, out any) error {
	e := c.e
	if rec, ok := e.peekCommand(history.KindSideEffectRecorded); ok {
		attrs, err := history.Decode[history.SideEffectRecordedAttrs](rec)
		if err != nil {
			panic(replayMismatch{engine.NewNonDeterminismError("decode recorded side effect %d: %v", rec.ID, err)})
		}
		e.mustEmit(history.KindSideEffectRecorded, nil)
		return decodePayload(attrs.Value, out)
	}
	value, err := encodePayload(fn())
	if err != nil {
		return engine.NewWorkflowLogicError("encode side effect value: %v", err)
	}
	e.mustEmit(history.KindSideEffectRecorded, history.SideEffectRecordedAttrs{Value: value})
	return decodePayload(value, out)
}

// UpsertSearchAttributes merges the given attributes into the run's
// visibility record. Keys overwrite previous values; omitted keys persist.
func (c *Context) UpsertSearchAttributes(attrs map[string]any) {
	c.e.mustEmit(history.KindSearchAttributesUpserted, history.SearchAttributesUpsertedAttrs{
		Attributes: attrs,
	})
}

// SetQueryHandler registers a named read-only view over workflow state.
// Handlers run after replay against the parked workflow and must not mutate
// state or block.
func (c *Context) SetQueryHandler(name string, fn func(args []byte) (any, error)) {
	c.e.queryHandlers[name] = fn
}

// Get blocks until the future resolves, then decodes the result into out.
// Activity failures surface as *engine.ActivityError.
func (f *Future) Get(ctx *Context, out any) error {
	if err := ctx.Await(func() bool { return f.ready }); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	return decodePayload(f.result, out)
}

// Ready reports whether the future has resolved. It never blocks, so it can
// be used inside Await conditions to race futures.
func (f *Future) Ready() bool { return f.ready }

// Receive blocks until a signal is available, then decodes its payload into
// out.
func (ch *Channel) Receive(ctx *Context, out any) error {
	st := ch.e.channel(ch.name)
	if err := ctx.Await(func() bool { return len(st.buf) > 0 }); err != nil {
		return err
	}
	return ch.pop(st, out)
}

// ReceiveAsync decodes the next buffered signal into out, reporting whether
// one was available.
func (ch *Channel) ReceiveAsync(out any) (bool, error) {
	st := ch.e.channel(ch.name)
	if len(st.buf) == 0 {
		return false, nil
	}
	return true, ch.pop(st, out)
}

// Len reports the number of buffered, unconsumed signals.
func (ch *Channel) Len() int { return len(ch.e.channel(ch.name).buf) }

func (ch *Channel) pop(st *channelState, out any) error {
	payload := st.buf[0]
	st.buf = st.buf[1:]
	ch.e.consumed[ch.name]++
	return decodePayload(payload, out)
}

// AwaitAll blocks until every future has resolved, then returns the first
// error among them in argument order.
func AwaitAll(ctx *Context, futures ...*Future) error {
	if err := ctx.Await(func() bool {
		for _, f := range futures {
			if !f.ready {
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}
	for _, f := range futures {
		if f.err != nil {
			return f.err
		}
	}
	return nil
}

// AwaitAny blocks until at least one future has resolved and returns the
// index of the first resolved future in argument order.
func AwaitAny(ctx *Context, futures ...*Future) (int, error) {
	if err := ctx.Await(func() bool {
		for _, f := range futures {
			if f.ready {
				return true
			}
		}
		return false
	}); err != nil {
		return 0, err
	}
	for i, f := range futures {
		if f.ready {
			return i, nil
		}
	}
	return 0, nil
}
