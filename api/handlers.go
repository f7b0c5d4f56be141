package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/workflows"
)

// startAccepted is the 202 body of the workflow-starting endpoints.
type startAccepted struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// readBody drains the request body under the size cap.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	return body, true
}

// start runs the shared tail of the three workflow-starting endpoints.
func (s *Service) start(w http.ResponseWriter, r *http.Request, req engine.StartRequest) {
	if _, err := s.engine.StartWorkflow(r.Context(), req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startAccepted{WorkflowID: req.WorkflowID, Status: "processing"})
}

func (s *Service) handleStartDocument(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in struct {
		DocumentID string `json:"document_id"`
		DomainID   string `json:"domain_id"`
		FilePath   string `json:"file_path"`
		Policy     struct {
			AutoApproveThreshold float64 `json:"auto_approve_threshold"`
			RelevanceThreshold   float64 `json:"relevance_threshold"`
			// ReviewDeadline is seconds on the wire.
			ReviewDeadline int64 `json:"review_deadline"`
		} `json:"policy"`
	}
	if err := decodeValid(body, s.schemas.document, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := PrincipalFrom(r.Context())
	tenant := in.DomainID
	if tenant == "" {
		tenant = p.Tenant
	}
	input := workflows.DocumentInput{
		DocumentID:           in.DocumentID,
		TenantID:             tenant,
		BlobPath:             in.FilePath,
		ContributorPrincipal: p.ID,
		Policy: workflows.ReviewPolicy{
			AutoApproveThreshold: in.Policy.AutoApproveThreshold,
			RelevanceThreshold:   in.Policy.RelevanceThreshold,
			ReviewDeadline:       time.Duration(in.Policy.ReviewDeadline) * time.Second,
		},
	}
	payload, err := json.Marshal(input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode workflow input")
		return
	}
	s.start(w, r, engine.StartRequest{
		WorkflowID:   in.DocumentID,
		WorkflowType: workflows.TypeDocumentProcessing,
		TenantID:     tenant,
		Input:        payload,
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseRejectDuplicate},
	})
}

func (s *Service) handleStartQuestion(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in struct {
		QuestionID string `json:"question_id"`
		Question   string `json:"question"`
		DomainID   string `json:"domain_id"`
		UserID     string `json:"user_id"`
	}
	if err := decodeValid(body, s.schemas.question, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := PrincipalFrom(r.Context())
	tenant := in.DomainID
	if tenant == "" {
		tenant = p.Tenant
	}
	asker := in.UserID
	if asker == "" {
		asker = p.ID
	}
	input := workflows.QuestionInput{
		QuestionID:     in.QuestionID,
		Question:       in.Question,
		TenantID:       tenant,
		AskerPrincipal: asker,
	}
	payload, err := json.Marshal(input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode workflow input")
		return
	}
	s.start(w, r, engine.StartRequest{
		WorkflowID:   in.QuestionID,
		WorkflowType: workflows.TypeQuestionAnswering,
		TenantID:     tenant,
		Input:        payload,
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseRejectDuplicate},
	})
}

func (s *Service) handleStartReview(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in struct {
		ReviewID       string `json:"review_id"`
		ReviewableType string `json:"reviewable_type"`
		ReviewableID   string `json:"reviewable_id"`
		DomainID       string `json:"domain_id"`
	}
	if err := decodeValid(body, s.schemas.review, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := PrincipalFrom(r.Context())
	tenant := in.DomainID
	if tenant == "" {
		tenant = p.Tenant
	}
	input := workflows.ReviewInput{
		ReviewID:       in.ReviewID,
		ReviewableType: in.ReviewableType,
		ReviewableID:   in.ReviewableID,
		TenantID:       tenant,
		RequestedBy:    p.ID,
	}
	payload, err := json.Marshal(input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode workflow input")
		return
	}
	s.start(w, r, engine.StartRequest{
		WorkflowID:   in.ReviewID,
		WorkflowType: workflows.TypeQualityReview,
		TenantID:     tenant,
		Input:        payload,
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseRejectDuplicate},
	})
}

func (s *Service) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.ListFilter{
		TenantID:     q.Get("domain_id"),
		WorkflowType: q.Get("type"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if f.Limit == 0 || f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	// status is either a run status (RUNNING, COMPLETED, ...) or a review
	// status carried in the indexed Status attribute (pending, approved).
	if status := q.Get("status"); status != "" {
		if upper := engine.RunStatus(strings.ToUpper(status)); isRunStatus(upper) {
			f.Status = upper
		} else {
			f.AttributeEquals = map[string]any{workflows.AttrStatus: status}
		}
	}
	if queue := q.Get("queue"); queue != "" {
		if f.AttributeEquals == nil {
			f.AttributeEquals = map[string]any{}
		}
		f.AttributeEquals[workflows.AttrQueue] = queue
	}
	if assignee := q.Get("assignee"); assignee != "" {
		if f.AttributeEquals == nil {
			f.AttributeEquals = map[string]any{}
		}
		f.AttributeEquals[workflows.AttrAssignee] = assignee
	}
	summaries, err := s.engine.ListWorkflows(r.Context(), f)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

func isRunStatus(s engine.RunStatus) bool {
	switch s {
	case engine.StatusRunning, engine.StatusCompleted, engine.StatusFailed,
		engine.StatusTimedOut, engine.StatusTerminated, engine.StatusContinuedAsNew:
		return true
	}
	return false
}

func (s *Service) handleDescribeWorkflow(w http.ResponseWriter, r *http.Request) {
	desc, err := s.engine.DescribeWorkflow(r.Context(), chi.URLParam(r, "workflowID"), r.URL.Query().Get("run_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Service) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	desc, err := s.engine.DescribeWorkflow(r.Context(), chi.URLParam(r, "workflowID"), r.URL.Query().Get("run_id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": desc.Status,
		"type":   desc.WorkflowType,
	})
}

func (s *Service) handleWorkflowResults(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	result, err := s.engine.GetResult(r.Context(), workflowID, r.URL.Query().Get("run_id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"result": json.RawMessage(result)})
	case isNotFound(err):
		writeEngineError(w, err)
	default:
		// Open runs and failed runs both answer 200 with a null result and
		// the reason, so pollers distinguish "no result yet" from "gone".
		writeJSON(w, http.StatusOK, map[string]any{"result": nil, "message": err.Error()})
	}
}

func (s *Service) handleSignalWorkflow(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in struct {
		SignalName string          `json:"signal_name"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := decodeValid(body, s.schemas.signal, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	workflowID := chi.URLParam(r, "workflowID")
	if err := s.engine.SignalWorkflow(r.Context(), workflowID, r.URL.Query().Get("run_id"), in.SignalName, in.Payload); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": workflowID, "status": "delivered"})
}

func (s *Service) handleInboxList(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	limit, offset := DefaultInboxPageSize, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxInboxPageSize)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}
	signals, err := s.inbox.List(r.Context(), p.ID, limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
}

func (s *Service) handleInboxUnreadCount(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	count, err := s.inbox.UnreadCount(r.Context(), p.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Service) handleInboxRead(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	seq, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "sequence must be an integer")
		return
	}
	if err := s.inbox.MarkRead(r.Context(), p.ID, seq); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequence": seq, "status": "read"})
}
