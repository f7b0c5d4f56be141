package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

// Dispatcher defaults.
const (
	// DefaultPollTimeout caps how long PollTask holds an empty poll.
	DefaultPollTimeout = 60 * time.Second
	// DefaultPollInterval is the visibility re-check cadence while a poll is
	// held open. Retry backoffs mature without an enqueue, so held polls must
	// re-check on a clock as well as on wakeups.
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultLeaseTimeout is the lease granted to tasks whose activity
	// options set neither a heartbeat nor a start-to-close bound.
	DefaultLeaseTimeout = 2 * time.Minute
	// DefaultReaperInterval is the deadline sweep cadence.
	DefaultReaperInterval = time.Second
	// DefaultSaturationInterval is the minimum gap between saturation events
	// for one queue.
	DefaultSaturationInterval = 10 * time.Second

	reapBatch = 128
)

// Config assembles a Dispatcher. Tasks and Reporter are required; everything
// else has a default.
type Config struct {
	Tasks    store.TaskStore
	Reporter Reporter

	// Queues overrides the built-in queue classes.
	Queues []QueueSpec
	// Events receives saturation events. Nil disables publication; depth
	// gauges and logs are still recorded.
	Events  EventSink
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// Clock overrides time.Now in tests.
	Clock func() time.Time

	PollTimeout        time.Duration
	PollInterval       time.Duration
	LeaseTimeout       time.Duration
	ReaperInterval     time.Duration
	SaturationInterval time.Duration
}

// Dispatcher is the store-backed task router. It admits tasks scheduled by
// workflow decisions, matches them to long-polling workers under exclusive
// leases, applies retry policy to failed attempts, and enforces the four
// activity deadlines.
//
// Dispatchers are stateless apart from in-process poll wakeups; any number of
// nodes may serve the same task store concurrently.
type Dispatcher struct {
	tasks    store.TaskStore
	reporter Reporter
	events   EventSink
	log      telemetry.Logger
	metrics  telemetry.Metrics
	clock    func() time.Time
	cfg      Config

	specs map[string]QueueSpec

	mu      sync.Mutex
	notify  map[string]chan struct{}
	lastSat map[string]time.Time
}

// New validates cfg and returns a ready Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task: Config.Tasks is required")
	}
	if cfg.Reporter == nil {
		return nil, fmt.Errorf("task: Config.Reporter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultQueues()
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = DefaultReaperInterval
	}
	if cfg.SaturationInterval == 0 {
		cfg.SaturationInterval = DefaultSaturationInterval
	}
	specs := make(map[string]QueueSpec, len(cfg.Queues))
	notify := make(map[string]chan struct{}, len(cfg.Queues))
	for _, spec := range cfg.Queues {
		specs[spec.Name] = spec
		notify[spec.Name] = make(chan struct{}, 1)
	}
	return &Dispatcher{
		tasks:    cfg.Tasks,
		reporter: cfg.Reporter,
		events:   cfg.Events,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		cfg:      cfg,
		specs:    specs,
		notify:   notify,
		lastSat:  make(map[string]time.Time),
	}, nil
}

// Enqueue admits a scheduled task to its queue. Admission is idempotent by
// task ID so the orchestrator can re-admit after a crash, and it never drops:
// a queue past its soft depth still accepts and a saturation event is emitted
// instead.
func (d *Dispatcher) Enqueue(ctx context.Context, t store.TaskRecord) error {
	if _, ok := d.specs[t.Queue]; !ok {
		// Admit anyway; the schedule-to-start deadline surfaces the routing
		// mistake to the workflow as a catchable timeout.
		d.log.Warn(ctx, "enqueueing task to unknown queue",
			"task_id", t.TaskID, "queue", t.Queue, "activity_type", t.ActivityType)
	}
	err := d.tasks.Create(ctx, t)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return nil
	case err != nil:
		return err
	}
	d.metrics.IncCounter(telemetry.MetricTasksScheduled, 1,
		"activity_type", t.ActivityType, "queue", t.Queue)
	d.wake(t.Queue)
	d.checkSaturation(ctx, t.Queue)
	return nil
}

// PollTask leases the oldest visible task on the queue. When the queue is
// empty the call is held until a task arrives, the poll window (PollTimeout)
// closes, or ctx is cancelled. Tasks whose run closed while queued are
// discarded without being handed out.
func (d *Dispatcher) PollTask(ctx context.Context, queue, workerID string) (store.TaskRecord, error) {
	if d.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PollTimeout)
		defer cancel()
	}
	wake := d.waker(queue)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		t, err := d.claim(ctx, queue, workerID)
		switch {
		case err == nil:
			return t, nil
		case !errors.Is(err, store.ErrNoTask):
			return store.TaskRecord{}, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return store.TaskRecord{}, store.ErrNoTask
			}
			return store.TaskRecord{}, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// claim leases one task and records the started event. A task whose run has
// closed is deleted and the next one tried.
func (d *Dispatcher) claim(ctx context.Context, queue, workerID string) (store.TaskRecord, error) {
	for {
		now := d.clock()
		t, err := d.tasks.Claim(ctx, queue, workerID, now, now.Add(d.cfg.LeaseTimeout))
		if err != nil {
			return store.TaskRecord{}, err
		}
		// The claim granted a provisional lease; size the real one from the
		// task's own timeout options.
		t.StartedAt = now
		t.LeaseDeadline = now.Add(leaseDuration(t, d.cfg.LeaseTimeout))
		if err := d.tasks.Update(ctx, t); err != nil {
			return store.TaskRecord{}, err
		}
		if err := d.reporter.TaskStarted(ctx, t); err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				if derr := d.tasks.Delete(ctx, t.TaskID); derr != nil {
					return store.TaskRecord{}, derr
				}
				continue
			}
			return store.TaskRecord{}, err
		}
		d.log.Debug(ctx, "leased activity task",
			"task_id", t.TaskID, "activity_type", t.ActivityType,
			"queue", queue, "worker_id", workerID, "attempt", t.Attempt)
		return t, nil
	}
}

// CompleteTask resolves a task with its result. Unknown task IDs are treated
// as already resolved.
func (d *Dispatcher) CompleteTask(ctx context.Context, taskID string, result []byte) error {
	t, err := d.tasks.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := d.reporter.TaskCompleted(ctx, t, result); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	return d.tasks.Delete(ctx, taskID)
}

// FailTask resolves a failed attempt: requeue with backoff when the retry
// policy allows, terminal ActivityFailed otherwise. Unknown task IDs are
// treated as already resolved.
func (d *Dispatcher) FailTask(ctx context.Context, taskID string, failure engine.Failure) error {
	t, err := d.tasks.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if visible, ok := d.nextRetry(t, failure); ok {
		return d.requeue(ctx, t, visible, failure)
	}
	if err := d.reporter.TaskFailed(ctx, t, failure); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	d.log.Info(ctx, "activity task failed",
		"task_id", t.TaskID, "activity_type", t.ActivityType,
		"attempt", t.Attempt, "failure_type", failure.Type)
	return d.tasks.Delete(ctx, taskID)
}

// Heartbeat renews the lease and stores the progress payload. A heartbeat
// for a task that no longer holds a lease answers CancelRequested so the
// worker abandons work that has already been resolved or reassigned.
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID string, progress []byte) (Ack, error) {
	t, err := d.tasks.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Ack{CancelRequested: true}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	if t.State != store.TaskStateLeased {
		return Ack{CancelRequested: true}, nil
	}
	if progress != nil {
		t.HeartbeatProgress = progress
	}
	t.LeaseDeadline = d.clock().Add(leaseDuration(t, d.cfg.LeaseTimeout))
	if err := d.tasks.Update(ctx, t); err != nil {
		return Ack{}, err
	}
	return Ack{CancelRequested: t.CancelRequested}, nil
}

// nextRetry reports whether the failed task may be reattempted and, if so,
// when the retry becomes visible.
func (d *Dispatcher) nextRetry(t store.TaskRecord, failure engine.Failure) (time.Time, bool) {
	policy := t.RetryPolicy
	if !failure.Retryable(policy.NonRetryableErrorTypes) {
		return time.Time{}, false
	}
	if policy.MaxAttempts > 0 && t.Attempt >= policy.MaxAttempts {
		return time.Time{}, false
	}
	visible := d.clock().Add(backoff(policy, t.Attempt))
	if !t.CloseDeadline.IsZero() && !visible.Before(t.CloseDeadline) {
		return time.Time{}, false
	}
	return visible, true
}

// requeue returns a failed task to its queue for the next attempt. The
// schedule-to-start deadline re-anchors to the retry's visibility; the
// schedule-to-close deadline is absolute and spans attempts.
func (d *Dispatcher) requeue(ctx context.Context, t store.TaskRecord, visible time.Time, failure engine.Failure) error {
	t.Attempt++
	t.State = store.TaskStateRetry
	t.VisibleAt = visible
	t.LeaseDeadline = time.Time{}
	t.WorkerID = ""
	if s2s := t.Options.ScheduleToStartTimeout; s2s > 0 {
		t.ScheduleDeadline = visible.Add(s2s)
	}
	if err := d.tasks.Update(ctx, t); err != nil {
		return err
	}
	d.metrics.IncCounter(telemetry.MetricTasksRetried, 1,
		"activity_type", t.ActivityType, "queue", t.Queue)
	d.log.Info(ctx, "retrying activity task",
		"task_id", t.TaskID, "activity_type", t.ActivityType,
		"attempt", t.Attempt, "visible_at", visible.Format(time.RFC3339),
		"failure_type", failure.Type)
	return nil
}

// RunReaper enforces task deadlines until ctx is cancelled. Run it on as many
// nodes as you like: reports are deduplicated by the orchestrator.
func (d *Dispatcher) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.SweepExpired(ctx); err != nil {
				d.log.Error(ctx, "task reaper sweep failed", "err", err)
			}
		}
	}
}

// SweepExpired resolves every task whose lease, schedule, or close deadline
// has passed: expired leases retry per policy, expired schedule deadlines are
// terminal.
func (d *Dispatcher) SweepExpired(ctx context.Context) error {
	for {
		expired, err := d.tasks.Expired(ctx, d.clock(), reapBatch)
		if err != nil {
			return err
		}
		progress := false
		for _, t := range expired {
			if err := d.reap(ctx, t); err != nil {
				d.log.Error(ctx, "failed to reap expired task",
					"task_id", t.TaskID, "err", err)
				continue
			}
			progress = true
		}
		if !progress || len(expired) < reapBatch {
			return nil
		}
	}
}

// reap resolves one expired task. Conditions are re-checked against the
// clock: a task resolved between listing and reaping matches none and is
// left alone.
func (d *Dispatcher) reap(ctx context.Context, t store.TaskRecord) error {
	now := d.clock()
	switch {
	case !t.CloseDeadline.IsZero() && !t.CloseDeadline.After(now):
		return d.timeOut(ctx, t, engine.TimeoutScheduleToClose)
	case t.State == store.TaskStateLeased && !t.LeaseDeadline.After(now):
		timeout := engine.TimeoutStartToClose
		if t.Options.HeartbeatTimeout > 0 {
			timeout = engine.TimeoutHeartbeat
		}
		elapsed := now.Sub(t.StartedAt).Round(time.Millisecond)
		if visible, ok := d.nextRetry(t, engine.TimeoutFailure(timeout, elapsed)); ok {
			return d.requeue(ctx, t, visible, engine.TimeoutFailure(timeout, elapsed))
		}
		return d.timeOut(ctx, t, timeout)
	case t.State.Pending() && !t.ScheduleDeadline.IsZero() && !t.ScheduleDeadline.After(now):
		return d.timeOut(ctx, t, engine.TimeoutScheduleToStart)
	}
	return nil
}

// timeOut resolves a task terminally with the given timeout type.
func (d *Dispatcher) timeOut(ctx context.Context, t store.TaskRecord, timeout engine.TimeoutType) error {
	if err := d.reporter.TaskTimedOut(ctx, t, timeout); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	d.log.Info(ctx, "activity task timed out",
		"task_id", t.TaskID, "activity_type", t.ActivityType,
		"timeout", string(timeout), "attempt", t.Attempt)
	return d.tasks.Delete(ctx, t.TaskID)
}

// checkSaturation records the queue depth gauge and emits a saturation event
// when the depth exceeds the queue's soft threshold. Events are rate-limited
// per queue.
func (d *Dispatcher) checkSaturation(ctx context.Context, queue string) {
	spec, ok := d.specs[queue]
	if !ok {
		return
	}
	depths, err := d.tasks.Depths(ctx)
	if err != nil {
		d.log.Warn(ctx, "failed to read queue depths", "err", err)
		return
	}
	depth := depths[queue]
	d.metrics.RecordGauge(telemetry.MetricQueueDepth, float64(depth), "queue", queue)
	if depth <= spec.SoftDepth {
		return
	}
	now := d.clock()
	d.mu.Lock()
	if now.Sub(d.lastSat[queue]) < d.cfg.SaturationInterval {
		d.mu.Unlock()
		return
	}
	d.lastSat[queue] = now
	d.mu.Unlock()
	d.log.Warn(ctx, "task queue saturated",
		"queue", queue, "depth", depth, "threshold", spec.SoftDepth)
	if d.events == nil {
		return
	}
	ev := SaturationEvent{Queue: queue, Depth: depth, Threshold: spec.SoftDepth, EmittedAt: now}
	if err := d.events.QueueSaturated(ctx, ev); err != nil {
		d.log.Error(ctx, "failed to publish saturation event", "queue", queue, "err", err)
	}
}

// waker returns the wakeup channel for a queue, creating one for queues
// outside the configured specs.
func (d *Dispatcher) waker(queue string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		d.notify[queue] = ch
	}
	return ch
}

// wake unparks one held poll on the queue. A missed wakeup is caught by the
// poll interval re-check.
func (d *Dispatcher) wake(queue string) {
	select {
	case d.waker(queue) <- struct{}{}:
	default:
	}
}

// leaseDuration sizes a task's lease: the heartbeat window when the activity
// heartbeats, otherwise one attempt's execution bound, otherwise def.
func leaseDuration(t store.TaskRecord, def time.Duration) time.Duration {
	if hb := t.Options.HeartbeatTimeout; hb > 0 {
		return hb
	}
	if s2c := t.Options.StartToCloseTimeout; s2c > 0 {
		return s2c
	}
	return def
}

// backoff computes the delay before attempt n+1 as
// min(MaxInterval, InitialInterval × BackoffCoefficient^(n-1)).
func backoff(p engine.RetryPolicy, attempt int) time.Duration {
	coeff := p.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(coeff, float64(attempt-1))
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	out := time.Duration(delay)
	if p.MaxInterval > 0 && out > p.MaxInterval {
		out = p.MaxInterval
	}
	return out
}
