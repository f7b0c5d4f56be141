// Package worker runs activity worker pools. A Pool serves one queue: a
// fixed set of poller goroutines long-polls the router with slot tokens
// capping concurrent work, a dispatcher hands leased tasks to executor
// goroutines, and a per-task heartbeater renews the lease and watches for
// cancellation. Workers execute activities only; workflow code never runs
// here.
//
// Draining a pool stops the pollers, lets in-flight activities finish, and
// abandons whatever outlives the drain window; their leases lapse and the
// dispatcher reassigns them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/task"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

// Pool defaults.
const (
	DefaultPollers       = 2
	DefaultMaxConcurrent = 10
	DefaultDrainTimeout  = 30 * time.Second

	// pollRetryDelay spaces polls after a router error.
	pollRetryDelay = time.Second
	// reportTimeout bounds one outcome report, retries included.
	reportTimeout = 30 * time.Second
)

// Config assembles a Pool. Queue, Router, and Registry are required.
type Config struct {
	// Queue names the task queue this pool serves.
	Queue string
	// Router is the task source and report sink: the in-process Dispatcher
	// or a taskhttp.Client.
	Router task.Router
	// Registry resolves activity types to handlers.
	Registry *Registry
	// WorkerID identifies this pool in leases and logs. Defaults to
	// hostname plus a random suffix.
	WorkerID string

	// Pollers is the number of dedicated poll goroutines.
	Pollers int
	// MaxConcurrent caps simultaneously executing activities; it sizes the
	// slot-token channel.
	MaxConcurrent int
	// PollsPerSecond rate-limits polling. Zero means unlimited.
	PollsPerSecond float64
	// DrainTimeout bounds Run's drain after its context is cancelled.
	DrainTimeout time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Pool executes activities leased from one queue.
type Pool struct {
	cfg      Config
	router   task.Router
	registry *Registry
	log      telemetry.Logger
	metrics  telemetry.Metrics
	workerID string

	limiter    *rate.Limiter
	pollCtx    context.Context
	pollCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc

	// slots are poll permissions: one token per free executor seat. Pollers
	// take a token before polling and executors return it when done, so
	// outstanding polls plus running tasks never exceed MaxConcurrent.
	slots    chan struct{}
	dispatch chan store.TaskRecord
	stopCh   chan struct{}
	pollWG   sync.WaitGroup
	taskWG   sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight atomic.Int64
}

// New validates cfg and returns a Pool ready to Start.
func New(cfg Config) (*Pool, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("worker: Config.Queue is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("worker: Config.Router is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("worker: Config.Registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	if cfg.Pollers <= 0 {
		cfg.Pollers = DefaultPollers
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%s-%s", host, cfg.Queue, uuid.NewString()[:8])
	}
	pollCtx, pollCancel := context.WithCancel(context.Background())
	taskCtx, taskCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		router:     cfg.Router,
		registry:   cfg.Registry,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		workerID:   cfg.WorkerID,
		pollCtx:    pollCtx,
		pollCancel: pollCancel,
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
		slots:      make(chan struct{}, cfg.MaxConcurrent),
		dispatch:   make(chan store.TaskRecord),
		stopCh:     make(chan struct{}),
	}
	if cfg.PollsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PollsPerSecond), 1)
	}
	return p, nil
}

// Start spawns the pollers and the dispatcher. Calling Start twice is a
// no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Pollers; i++ {
		p.pollWG.Add(1)
		go p.runPoller()
	}
	p.pollWG.Add(1)
	go p.runDispatcher()
	p.log.Info(context.Background(), "worker pool started",
		"queue", p.cfg.Queue, "worker_id", p.workerID,
		"pollers", p.cfg.Pollers, "max_concurrent", p.cfg.MaxConcurrent)
}

// Run starts the pool and drains it when ctx is cancelled. It returns the
// drain outcome.
func (p *Pool) Run(ctx context.Context) error {
	p.Start()
	<-ctx.Done()
	drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	return p.Stop(drainCtx)
}

// Stop drains the pool: pollers stop immediately, in-flight activities run
// to completion. When ctx expires first the stragglers are cancelled and
// abandoned; their leases lapse server-side and retry per policy.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.pollCancel()
	p.pollWG.Wait()

	done := make(chan struct{})
	go func() {
		p.taskWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info(context.Background(), "worker pool drained",
			"queue", p.cfg.Queue, "worker_id", p.workerID)
		return nil
	case <-ctx.Done():
		p.taskCancel()
		p.log.Warn(context.Background(), "worker pool drain timed out, abandoning in-flight tasks",
			"queue", p.cfg.Queue, "worker_id", p.workerID)
		return fmt.Errorf("worker: drain %s: %w", p.cfg.Queue, ctx.Err())
	}
}

// Name implements health.Pinger for readiness probes.
func (p *Pool) Name() string { return "worker-" + p.cfg.Queue }

// Ping implements health.Pinger: ready once started and not draining.
func (p *Pool) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.started:
		return errors.New("worker pool not started")
	case p.stopped:
		return errors.New("worker pool draining")
	}
	return nil
}

func (p *Pool) runPoller() {
	defer p.pollWG.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.slots:
		}
		if p.limiter != nil && p.limiter.Wait(p.pollCtx) != nil {
			return
		}
		t, err := p.router.PollTask(p.pollCtx, p.cfg.Queue, p.workerID)
		switch {
		case err == nil:
			select {
			case p.dispatch <- t:
				// The executor owns the slot token now.
			case <-p.stopCh:
				// Drain raced the delivery; the lease lapses and the task
				// is reassigned.
				return
			}
		case errors.Is(err, store.ErrNoTask):
			p.slots <- struct{}{}
		case errors.Is(err, context.Canceled):
			return
		default:
			p.log.Warn(p.pollCtx, "poll failed", "queue", p.cfg.Queue, "err", err)
			select {
			case <-p.stopCh:
				return
			case <-time.After(pollRetryDelay):
			}
			p.slots <- struct{}{}
		}
	}
}

func (p *Pool) runDispatcher() {
	defer p.pollWG.Done()
	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		p.slots <- struct{}{}
	}
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.dispatch:
			p.taskWG.Add(1)
			go p.execute(t)
		}
	}
}

// execute runs one activity attempt and reports its outcome.
func (p *Pool) execute(t store.TaskRecord) {
	p.metrics.RecordGauge(telemetry.MetricWorkerInflight, float64(p.inflight.Add(1)), "queue", p.cfg.Queue)
	defer func() {
		p.metrics.RecordGauge(telemetry.MetricWorkerInflight, float64(p.inflight.Add(-1)), "queue", p.cfg.Queue)
		p.taskWG.Done()
		p.slots <- struct{}{}
	}()

	ctx, cancel := context.WithCancel(p.taskCtx)
	defer cancel()
	info := Info{
		TaskID:            t.TaskID,
		WorkflowID:        t.WorkflowID,
		RunID:             t.RunID,
		ActivityType:      t.ActivityType,
		Queue:             t.Queue,
		Attempt:           t.Attempt,
		ScheduledAt:       t.ScheduledAt,
		StartedAt:         t.StartedAt,
		HeartbeatProgress: t.HeartbeatProgress,
	}
	if s2c := t.Options.StartToCloseTimeout; s2c > 0 {
		start := t.StartedAt
		if start.IsZero() {
			start = time.Now()
		}
		info.Deadline = start.Add(s2c)
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, info.Deadline)
		defer dcancel()
	}

	hb := newHeartbeater(p.router, t, cancel, p.log)
	go hb.run(ctx)
	defer hb.wait()

	reg, ok := p.registry.Lookup(t.ActivityType)
	if !ok {
		p.reportFailure(t, engine.Failure{
			Kind:         engine.ErrorKindNonRetryable,
			Type:         "ActivityTypeNotRegistered",
			Message:      fmt.Sprintf("no handler registered for activity %q", t.ActivityType),
			NonRetryable: true,
		})
		return
	}

	result, err := p.invoke(withInvocation(ctx, info, hb), reg.Handler, t.Input)
	if err != nil {
		p.reportFailure(t, p.classify(t, hb, err))
		return
	}
	p.report(t, func(ctx context.Context) error {
		return p.router.CompleteTask(ctx, t.TaskID, result)
	})
}

// invoke runs the handler, converting panics into errors. Panics report as
// the retryable type "ActivityPanic"; policies that want them terminal list
// it in NonRetryableErrorTypes.
func (p *Pool) invoke(ctx context.Context, h Handler, input []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(ctx, "activity panicked",
				"panic", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
			perr := engine.NewTransientError(nil, "activity panic: %v", r)
			perr.Type = "ActivityPanic"
			err = perr
		}
	}()
	return h(ctx, input)
}

// classify turns a handler error into the failure reported to the router.
func (p *Pool) classify(t store.TaskRecord, hb *heartbeater, err error) engine.Failure {
	switch {
	case hb.cancelRequested():
		return engine.Failure{
			Kind:         engine.ErrorKindNonRetryable,
			Type:         "ActivityCancelled",
			Message:      err.Error(),
			NonRetryable: true,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return engine.TimeoutFailure(engine.TimeoutStartToClose, time.Since(t.StartedAt).Round(time.Millisecond))
	default:
		return engine.FailureFromError(err)
	}
}

func (p *Pool) reportFailure(t store.TaskRecord, failure engine.Failure) {
	p.report(t, func(ctx context.Context) error {
		return p.router.FailTask(ctx, t.TaskID, failure)
	})
}

// report delivers an outcome with bounded retries. A report that cannot be
// delivered is abandoned: the lease lapses and the attempt is retried per
// policy, so activity handlers must stay idempotent.
func (p *Pool) report(t store.TaskRecord, send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second << (attempt - 1)):
			}
		}
		if err = send(ctx); err == nil {
			return
		}
	}
	p.log.Error(ctx, "failed to report task outcome, abandoning to lease expiry",
		"task_id", t.TaskID, "activity_type", t.ActivityType, "err", err)
}

// heartbeater renews one task's lease on a timer at a third of the heartbeat
// window and on RecordHeartbeat nudges. A cancel-requested ack cancels the
// task context.
type heartbeater struct {
	router   task.Router
	taskID   string
	interval time.Duration
	cancel   context.CancelFunc
	log      telemetry.Logger

	mu        sync.Mutex
	progress  []byte
	cancelled bool

	nudge chan struct{}
	done  chan struct{}
}

func newHeartbeater(router task.Router, t store.TaskRecord, cancel context.CancelFunc, log telemetry.Logger) *heartbeater {
	hb := &heartbeater{
		router:   router,
		taskID:   t.TaskID,
		cancel:   cancel,
		log:      log,
		progress: t.HeartbeatProgress,
		nudge:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if w := t.Options.HeartbeatTimeout; w > 0 {
		hb.interval = w / 3
	}
	return hb
}

func (h *heartbeater) record(progress []byte) {
	h.mu.Lock()
	h.progress = progress
	h.mu.Unlock()
	select {
	case h.nudge <- struct{}{}:
	default:
	}
}

func (h *heartbeater) cancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *heartbeater) run(ctx context.Context) {
	defer close(h.done)
	var tick <-chan time.Time
	if h.interval > 0 {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.nudge:
		case <-tick:
		}
		h.beat(ctx)
	}
}

func (h *heartbeater) beat(ctx context.Context) {
	h.mu.Lock()
	progress := h.progress
	h.mu.Unlock()
	ack, err := h.router.Heartbeat(ctx, h.taskID, progress)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.log.Warn(ctx, "heartbeat failed", "task_id", h.taskID, "err", err)
		}
		return
	}
	if ack.CancelRequested {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		h.cancel()
	}
}

// wait stops the heartbeater and blocks until its goroutine exits.
func (h *heartbeater) wait() {
	h.cancel()
	<-h.done
}
