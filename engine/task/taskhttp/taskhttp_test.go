package taskhttp

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/task"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/store/memory"
	"github.com/corpusworks/corpus/telemetry"
)

type recordingReporter struct {
	started   int
	completed [][]byte
	failed    []engine.Failure
	timedOut  []engine.TimeoutType
}

func (r *recordingReporter) TaskStarted(context.Context, store.TaskRecord) error {
	r.started++
	return nil
}

func (r *recordingReporter) TaskCompleted(_ context.Context, _ store.TaskRecord, result []byte) error {
	r.completed = append(r.completed, result)
	return nil
}

func (r *recordingReporter) TaskFailed(_ context.Context, _ store.TaskRecord, failure engine.Failure) error {
	r.failed = append(r.failed, failure)
	return nil
}

func (r *recordingReporter) TaskTimedOut(_ context.Context, _ store.TaskRecord, timeout engine.TimeoutType) error {
	r.timedOut = append(r.timedOut, timeout)
	return nil
}

func newRoundTrip(t *testing.T) (*Client, *task.Dispatcher, *recordingReporter) {
	t.Helper()
	mem := memory.New()
	rep := &recordingReporter{}
	d, err := task.New(task.Config{
		Tasks:        mem.Tasks,
		Reporter:     rep,
		PollTimeout:  100 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	})
	require.NoError(t, err)

	mux := chi.NewRouter()
	mux.Route("/api/v1/worker", NewServer(d, telemetry.NoopLogger{}, time.Second).Mount)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, srv.Client()), d, rep
}

func enqueue(t *testing.T, d *task.Dispatcher, runID string, eventID int64, tune func(*store.TaskRecord)) store.TaskRecord {
	t.Helper()
	rec := store.TaskRecord{
		TaskID:           fmt.Sprintf("%s/%d", runID, eventID),
		WorkflowID:       "wf-" + runID,
		RunID:            runID,
		ScheduledEventID: eventID,
		ActivityType:     "generate_embeddings",
		Queue:            engine.QueueAIProcessing,
		Input:            []byte(`{"document_id":"doc-9"}`),
		Attempt:          1,
		State:            store.TaskStateScheduled,
		RetryPolicy:      engine.DefaultRetryPolicy(),
		Options:          engine.ActivityOptions{HeartbeatTimeout: 30 * time.Second},
	}
	if tune != nil {
		tune(&rec)
	}
	require.NoError(t, d.Enqueue(context.Background(), rec))
	return rec
}

func TestPollCompleteRoundTrip(t *testing.T) {
	client, d, rep := newRoundTrip(t)
	ctx := context.Background()

	enqueue(t, d, "run-1", 2, nil)

	leased, err := client.PollTask(ctx, engine.QueueAIProcessing, "worker-7")
	require.NoError(t, err)
	require.Equal(t, "run-1/2", leased.TaskID)
	require.Equal(t, "generate_embeddings", leased.ActivityType)
	require.Equal(t, "worker-7", leased.WorkerID)
	require.Equal(t, store.TaskStateLeased, leased.State)
	require.JSONEq(t, `{"document_id":"doc-9"}`, string(leased.Input))
	require.Equal(t, 30*time.Second, leased.Options.HeartbeatTimeout)
	require.False(t, leased.LeaseDeadline.IsZero())
	require.Equal(t, 1, rep.started)

	require.NoError(t, client.CompleteTask(ctx, leased.TaskID, []byte(`{"vectors":128}`)))
	require.Len(t, rep.completed, 1)
	require.JSONEq(t, `{"vectors":128}`, string(rep.completed[0]))

	// Completion is idempotent across the wire too.
	require.NoError(t, client.CompleteTask(ctx, leased.TaskID, []byte(`{"vectors":128}`)))
	require.Len(t, rep.completed, 1)
}

func TestPollEmptyQueueReturnsNoTask(t *testing.T) {
	client, _, _ := newRoundTrip(t)
	_, err := client.PollTask(context.Background(), engine.QueueStorage, "worker-1")
	require.ErrorIs(t, err, store.ErrNoTask)
}

func TestFailRoundTripCarriesFailure(t *testing.T) {
	client, d, rep := newRoundTrip(t)
	ctx := context.Background()

	enqueue(t, d, "run-2", 2, func(rec *store.TaskRecord) {
		rec.RetryPolicy = engine.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaxAttempts:            5,
			NonRetryableErrorTypes: []string{"PromptTooLarge"},
		}
	})
	leased, err := client.PollTask(ctx, engine.QueueAIProcessing, "worker-7")
	require.NoError(t, err)

	failure := engine.Failure{
		Kind:    engine.ErrorKindTransient,
		Type:    "PromptTooLarge",
		Message: "prompt exceeds context window",
		Details: map[string]any{"tokens": 200000},
	}
	require.NoError(t, client.FailTask(ctx, leased.TaskID, failure))

	require.Len(t, rep.failed, 1)
	require.Equal(t, "PromptTooLarge", rep.failed[0].Type)
	require.Equal(t, "prompt exceeds context window", rep.failed[0].Message)
	// JSON numbers decode as float64 on the reporting side.
	require.Equal(t, map[string]any{"tokens": float64(200000)}, rep.failed[0].Details)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	client, d, _ := newRoundTrip(t)
	ctx := context.Background()

	enqueue(t, d, "run-3", 2, nil)
	leased, err := client.PollTask(ctx, engine.QueueAIProcessing, "worker-7")
	require.NoError(t, err)

	ack, err := client.Heartbeat(ctx, leased.TaskID, []byte(`{"chunk":4}`))
	require.NoError(t, err)
	require.False(t, ack.CancelRequested)

	// The server answers cancel for tasks it no longer tracks.
	require.NoError(t, client.CompleteTask(ctx, leased.TaskID, nil))
	ack, err = client.Heartbeat(ctx, leased.TaskID, nil)
	require.NoError(t, err)
	require.True(t, ack.CancelRequested)
}

func TestValidationErrors(t *testing.T) {
	client, _, _ := newRoundTrip(t)
	ctx := context.Background()

	_, err := client.PollTask(ctx, "", "")
	require.ErrorContains(t, err, "queue and worker_id are required")

	err = client.CompleteTask(ctx, "", nil)
	require.ErrorContains(t, err, "task_id is required")
}
