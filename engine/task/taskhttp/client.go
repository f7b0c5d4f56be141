package taskhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/task"
	"github.com/corpusworks/corpus/store"
)

// DefaultClientTimeout bounds one round trip, sized to outlast the poll hold.
const DefaultClientTimeout = 75 * time.Second

// Client implements task.Router against a remote taskhttp.Server.
type Client struct {
	base string
	hc   *http.Client
}

var _ task.Router = (*Client)(nil)

// NewClient returns a Client for the dispatcher at baseURL, e.g.
// "http://corpusd:8080". A nil hc gets a client with DefaultClientTimeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

// PollTask long-polls the queue. It returns store.ErrNoTask when the server
// answers an empty hold.
func (c *Client) PollTask(ctx context.Context, queue, workerID string) (store.TaskRecord, error) {
	resp, err := c.post(ctx, "/api/v1/worker/poll", pollRequest{Queue: queue, WorkerID: workerID})
	if err != nil {
		return store.TaskRecord{}, err
	}
	defer discard(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		var wt wireTask
		if err := json.NewDecoder(resp.Body).Decode(&wt); err != nil {
			return store.TaskRecord{}, fmt.Errorf("taskhttp: decode poll response: %w", err)
		}
		t := wt.record()
		t.WorkerID = workerID
		return t, nil
	case http.StatusNoContent:
		return store.TaskRecord{}, store.ErrNoTask
	default:
		return store.TaskRecord{}, responseError("poll", resp)
	}
}

// CompleteTask reports a successful attempt.
func (c *Client) CompleteTask(ctx context.Context, taskID string, result []byte) error {
	resp, err := c.post(ctx, "/api/v1/worker/complete", completeRequest{TaskID: taskID, Result: result})
	if err != nil {
		return err
	}
	defer discard(resp)
	if resp.StatusCode != http.StatusNoContent {
		return responseError("complete", resp)
	}
	return nil
}

// FailTask reports a failed attempt.
func (c *Client) FailTask(ctx context.Context, taskID string, failure engine.Failure) error {
	resp, err := c.post(ctx, "/api/v1/worker/fail", failRequest{TaskID: taskID, Failure: failure})
	if err != nil {
		return err
	}
	defer discard(resp)
	if resp.StatusCode != http.StatusNoContent {
		return responseError("fail", resp)
	}
	return nil
}

// Heartbeat renews the lease and reports progress.
func (c *Client) Heartbeat(ctx context.Context, taskID string, progress []byte) (task.Ack, error) {
	resp, err := c.post(ctx, "/api/v1/worker/heartbeat", heartbeatRequest{TaskID: taskID, Progress: progress})
	if err != nil {
		return task.Ack{}, err
	}
	defer discard(resp)
	if resp.StatusCode != http.StatusOK {
		return task.Ack{}, responseError("heartbeat", resp)
	}
	var ack task.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return task.Ack{}, fmt.Errorf("taskhttp: decode heartbeat response: %w", err)
	}
	return ack, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("taskhttp: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("taskhttp: %w", err)
	}
	return resp, nil
}

func responseError(op string, resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Detail == "" {
		body.Detail = resp.Status
	}
	return fmt.Errorf("taskhttp: %s: %s", op, body.Detail)
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
