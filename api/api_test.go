package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/inbox"
	"github.com/corpusworks/corpus/store/memory"
	"github.com/corpusworks/corpus/workflows"
)

// stubEngine records calls and plays back scripted answers.
type stubEngine struct {
	started   []engine.StartRequest
	startErr  error
	signals   []signalCall
	signalErr error
	desc      *engine.WorkflowDescription
	descErr   error
	listed    []engine.ListFilter
	summaries []engine.WorkflowSummary
	result    []byte
	resultErr error
}

type signalCall struct {
	workflowID, runID, name string
	payload                 []byte
}

func (s *stubEngine) StartWorkflow(_ context.Context, req engine.StartRequest) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	s.started = append(s.started, req)
	return "run-1", nil
}

func (s *stubEngine) SignalWorkflow(_ context.Context, workflowID, runID, name string, payload []byte) error {
	if s.signalErr != nil {
		return s.signalErr
	}
	s.signals = append(s.signals, signalCall{workflowID, runID, name, payload})
	return nil
}

func (s *stubEngine) QueryWorkflow(context.Context, string, string, string, []byte) ([]byte, error) {
	return nil, engine.ErrQueryNotRegistered
}

func (s *stubEngine) DescribeWorkflow(context.Context, string, string) (*engine.WorkflowDescription, error) {
	if s.descErr != nil {
		return nil, s.descErr
	}
	return s.desc, nil
}

func (s *stubEngine) TerminateWorkflow(context.Context, string, string, string) error { return nil }

func (s *stubEngine) ListWorkflows(_ context.Context, f engine.ListFilter) ([]engine.WorkflowSummary, error) {
	s.listed = append(s.listed, f)
	return s.summaries, nil
}

func (s *stubEngine) GetResult(context.Context, string, string) ([]byte, error) {
	return s.result, s.resultErr
}

func newTestService(t *testing.T, eng engine.Client, opts ...func(*Options)) *Service {
	t.Helper()
	svc, err := inbox.New(inbox.Options{Store: memory.NewInboxStore()})
	require.NoError(t, err)
	o := Options{
		Engine: eng,
		Inbox:  svc,
		Verifier: StaticVerifier{
			"tok-u1": {ID: "u1", Tenant: "T"},
		},
	}
	for _, f := range opts {
		f(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	h := newTestService(t, &stubEngine{}).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing bearer token")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workflows", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")
}

func TestStartDocument(t *testing.T) {
	eng := &stubEngine{}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/documents", "tok-u1", map[string]any{
		"document_id": "d1",
		"domain_id":   "T",
		"file_path":   "docs/d1.pdf",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var out startAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "d1", out.WorkflowID)
	assert.Equal(t, "processing", out.Status)

	require.Len(t, eng.started, 1)
	req := eng.started[0]
	assert.Equal(t, "d1", req.WorkflowID)
	assert.Equal(t, workflows.TypeDocumentProcessing, req.WorkflowType)
	assert.Equal(t, "T", req.TenantID)
	assert.Equal(t, engine.ReuseRejectDuplicate, req.Options.IDReusePolicy)

	var in workflows.DocumentInput
	require.NoError(t, json.Unmarshal(req.Input, &in))
	assert.Equal(t, "docs/d1.pdf", in.BlobPath)
	assert.Equal(t, "u1", in.ContributorPrincipal)
}

func TestStartDocumentValidation(t *testing.T) {
	eng := &stubEngine{}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/documents", "tok-u1", map[string]any{
		"document_id": "d1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, eng.started)
}

func TestStartDocumentDuplicate(t *testing.T) {
	eng := &stubEngine{startErr: engine.ErrAlreadyStarted}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/documents", "tok-u1", map[string]any{
		"document_id": "d1",
		"file_path":   "docs/d1.pdf",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartQuestionDefaultsAskerToPrincipal(t *testing.T) {
	eng := &stubEngine{}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/questions", "tok-u1", map[string]any{
		"question_id": "q1",
		"question":    "what is corpus?",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, eng.started, 1)

	var in workflows.QuestionInput
	require.NoError(t, json.Unmarshal(eng.started[0].Input, &in))
	assert.Equal(t, "u1", in.AskerPrincipal)
	// Tenant falls back to the principal's tenant when no domain is given.
	assert.Equal(t, "T", eng.started[0].TenantID)
}

func TestStartReview(t *testing.T) {
	eng := &stubEngine{}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/reviews", "tok-u1", map[string]any{
		"review_id":       "r1",
		"reviewable_type": "document",
		"reviewable_id":   "d1",
		"domain_id":       "T",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, eng.started, 1)
	assert.Equal(t, workflows.TypeQualityReview, eng.started[0].WorkflowType)
}

func TestListWorkflowsFilterMapping(t *testing.T) {
	eng := &stubEngine{summaries: []engine.WorkflowSummary{{WorkflowID: "d1"}}}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodGet,
		"/api/v1/workflows?status=pending&queue=document-review&domain_id=T", "tok-u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, eng.listed, 1)
	f := eng.listed[0]
	assert.Equal(t, "T", f.TenantID)
	assert.Empty(t, f.Status)
	assert.Equal(t, "pending", f.AttributeEquals[workflows.AttrStatus])
	assert.Equal(t, "document-review", f.AttributeEquals[workflows.AttrQueue])
	assert.Contains(t, rec.Body.String(), "d1")
}

func TestListWorkflowsRunStatus(t *testing.T) {
	eng := &stubEngine{}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows?status=running", "tok-u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, eng.listed, 1)
	assert.Equal(t, engine.StatusRunning, eng.listed[0].Status)
	assert.Empty(t, eng.listed[0].AttributeEquals)
}

func TestDescribeNotFound(t *testing.T) {
	eng := &stubEngine{descErr: engine.ErrNotFound}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows/nope", "tok-u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowStatus(t *testing.T) {
	eng := &stubEngine{desc: &engine.WorkflowDescription{
		WorkflowID:   "d1",
		WorkflowType: workflows.TypeDocumentProcessing,
		Status:       engine.StatusRunning,
	}}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows/d1/status", "tok-u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"RUNNING","type":"document-processing"}`, rec.Body.String())
}

func TestWorkflowResults(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		eng := &stubEngine{result: []byte(`{"state":"PUBLISHED"}`)}
		h := newTestService(t, eng).Handler()

		rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows/d1/results", "tok-u1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"result":{"state":"PUBLISHED"}}`, rec.Body.String())
	})

	t.Run("still running", func(t *testing.T) {
		eng := &stubEngine{resultErr: engine.ErrNotCompleted}
		h := newTestService(t, eng).Handler()

		rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows/d1/results", "tok-u1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out struct {
			Result  *json.RawMessage `json:"result"`
			Message string           `json:"message"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Nil(t, out.Result)
		assert.NotEmpty(t, out.Message)
	})

	t.Run("unknown", func(t *testing.T) {
		eng := &stubEngine{resultErr: engine.ErrNotFound}
		h := newTestService(t, eng).Handler()

		rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows/d1/results", "tok-u1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSignalWorkflow(t *testing.T) {
	eng := &stubEngine{}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows/d1/signal", "tok-u1", map[string]any{
		"signal_name": "controller_decision",
		"payload":     map[string]any{"decision": "approve", "reviewer": "u1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, eng.signals, 1)
	call := eng.signals[0]
	assert.Equal(t, "d1", call.workflowID)
	assert.Equal(t, "controller_decision", call.name)
	assert.Contains(t, string(call.payload), "approve")
}

func TestSignalWorkflowChannelFull(t *testing.T) {
	eng := &stubEngine{signalErr: engine.ErrChannelFull}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows/d1/signal", "tok-u1", map[string]any{
		"signal_name": "controller_decision",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSignalWorkflowValidation(t *testing.T) {
	eng := &stubEngine{}
	h := newTestService(t, eng).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows/d1/signal", "tok-u1", map[string]any{
		"payload": map[string]any{"decision": "approve"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, eng.signals)
}

func TestInboxEndpoints(t *testing.T) {
	inboxStore := memory.NewInboxStore()
	svc, err := inbox.New(inbox.Options{Store: inboxStore})
	require.NoError(t, err)
	s, err := New(Options{
		Engine:   &stubEngine{},
		Inbox:    svc,
		Verifier: StaticVerifier{"tok-u1": {ID: "u1", Tenant: "T"}},
	})
	require.NoError(t, err)
	h := s.Handler()

	ctx := context.Background()
	for _, kind := range []string{inbox.KindStatus, inbox.KindCompletion} {
		_, err := svc.Publish(ctx, inbox.Signal{
			Principal:  "u1",
			WorkflowID: "d1",
			Kind:       kind,
			Payload:    json.RawMessage(`{"state":"PUBLISHED"}`),
		})
		require.NoError(t, err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/inbox/signals/unread-count", "tok-u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/v1/inbox/signals?limit=10", "tok-u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Signals []inbox.Signal `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Signals, 2)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/inbox/signals/1/read", "tok-u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/inbox/signals/unread-count", "tok-u1", nil)
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())

	// Unknown sequence maps to 404.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/inbox/signals/99/read", "tok-u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestService(t, &stubEngine{}, func(o *Options) {
		o.RateLimitRPS = 1
		o.RateLimitBurst = 2
	}).Handler()

	var limited bool
	for range 5 {
		rec := doJSON(t, h, http.MethodGet, "/api/v1/workflows", "tok-u1", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.True(t, limited, "expected the limiter to reject within the burst window")
}

func TestInsecureVerifier(t *testing.T) {
	p, err := InsecureVerifier{}.Verify(context.Background(), "alice@acme")
	require.NoError(t, err)
	assert.Equal(t, Principal{ID: "alice", Tenant: "acme"}, p)

	_, err = InsecureVerifier{}.Verify(context.Background(), "")
	assert.Error(t, err)

	p, err = InsecureVerifier{}.Verify(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, Principal{ID: "bob"}, p)
}

func TestRejectsOversizedBody(t *testing.T) {
	h := newTestService(t, &stubEngine{}).Handler()

	big := strings.Repeat("x", MaxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader(`{"document_id":"`+big+`","file_path":"p"}`))
	req.Header.Set("Authorization", "Bearer tok-u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
