package activities

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/metadata"
)

// cancelPollInterval is the wait between liveness probes after a cancel
// signal is delivered.
const cancelPollInterval = 250 * time.Millisecond

// defaultCancelGrace is how long a run may keep running after the cancel
// signal before it is terminated.
const defaultCancelGrace = 10 * time.Second

type (
	// CreateReviewTaskInput starts a child review workflow. WorkflowID is
	// chosen by the parent so retried attempts collapse onto one child.
	CreateReviewTaskInput struct {
		WorkflowID   string          `json:"workflow_id"`
		WorkflowType string          `json:"workflow_type"`
		TenantID     string          `json:"tenant_id"`
		Input        json.RawMessage `json:"input"`
	}

	// CreateReviewTaskResult reports the child run.
	CreateReviewTaskResult struct {
		RunID string `json:"run_id"`
		// AlreadyRunning is true when a prior attempt had started the child.
		AlreadyRunning bool `json:"already_running,omitempty"`
	}

	// SignalWorkflowInput delivers a signal across workflow boundaries.
	SignalWorkflowInput struct {
		WorkflowID string          `json:"workflow_id"`
		RunID      string          `json:"run_id,omitempty"`
		Name       string          `json:"name"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}

	// SignalWorkflowResult acknowledges delivery.
	SignalWorkflowResult struct {
		Delivered bool `json:"delivered"`
	}

	// CancelWorkflowInput requests cooperative shutdown of a run, with
	// termination as the fallback once Grace elapses.
	CancelWorkflowInput struct {
		WorkflowID string        `json:"workflow_id"`
		RunID      string        `json:"run_id,omitempty"`
		Reason     string        `json:"reason,omitempty"`
		Grace      time.Duration `json:"grace,omitempty"`
	}

	// CancelWorkflowResult reports how the run went down.
	CancelWorkflowResult struct {
		// Terminated is true when the grace period expired and the run was
		// forcefully closed, false when it closed on its own.
		Terminated bool `json:"terminated"`
	}

	// SetDocumentStateInput flips the lifecycle state of a document row.
	SetDocumentStateInput struct {
		TenantID   string `json:"tenant_id"`
		DocumentID string `json:"document_id"`
	}

	// SetDocumentStateResult echoes the state written.
	SetDocumentStateResult struct {
		State string `json:"state"`
	}

	// RevertVectorAndGraphInput undoes one document's egress writes: the
	// listed vector IDs and every graph element stamped with the document.
	RevertVectorAndGraphInput struct {
		TenantID   string   `json:"tenant_id"`
		DocumentID string   `json:"document_id"`
		VectorIDs  []string `json:"vector_ids,omitempty"`
	}

	// RevertVectorAndGraphResult counts the vector deletions attempted.
	RevertVectorAndGraphResult struct {
		VectorsDeleted int `json:"vectors_deleted"`
	}

	// UpdateQualityScoresInput records a reviewer grade on the document row.
	UpdateQualityScoresInput struct {
		TenantID   string  `json:"tenant_id"`
		DocumentID string  `json:"document_id"`
		Score      float64 `json:"score"`
	}

	// UpdateQualityScoresResult acknowledges the write.
	UpdateQualityScoresResult struct {
		Updated bool `json:"updated"`
	}
)

func (l *library) createReviewTask(ctx context.Context, in CreateReviewTaskInput) (CreateReviewTaskResult, error) {
	if in.WorkflowID == "" || in.WorkflowType == "" {
		return CreateReviewTaskResult{}, engine.NewNonRetryableError("InvalidActivityInput", "review task requires workflow id and type")
	}
	runID, err := l.deps.Engine.StartWorkflow(ctx, engine.StartRequest{
		WorkflowID:   in.WorkflowID,
		WorkflowType: in.WorkflowType,
		TenantID:     in.TenantID,
		Input:        in.Input,
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseAllowDuplicate},
	})
	if err == nil {
		return CreateReviewTaskResult{RunID: runID}, nil
	}
	if errors.Is(err, engine.ErrAlreadyStarted) {
		// A prior attempt won the race; report the run it started.
		desc, derr := l.deps.Engine.DescribeWorkflow(ctx, in.WorkflowID, "")
		if derr != nil {
			return CreateReviewTaskResult{}, engine.NewTransientError(derr, "describe existing review %q: %v", in.WorkflowID, derr)
		}
		return CreateReviewTaskResult{RunID: desc.RunID, AlreadyRunning: true}, nil
	}
	return CreateReviewTaskResult{}, engine.NewTransientError(err, "start review %q: %v", in.WorkflowID, err)
}

func (l *library) signalWorkflow(ctx context.Context, in SignalWorkflowInput) (SignalWorkflowResult, error) {
	if in.WorkflowID == "" || in.Name == "" {
		return SignalWorkflowResult{}, engine.NewNonRetryableError("InvalidActivityInput", "signal requires workflow id and channel name")
	}
	err := l.deps.Engine.SignalWorkflow(ctx, in.WorkflowID, in.RunID, in.Name, in.Payload)
	switch {
	case err == nil:
		return SignalWorkflowResult{Delivered: true}, nil
	case errors.Is(err, engine.ErrNotFound):
		return SignalWorkflowResult{}, engine.NewNonRetryableError("WorkflowNotFound", "signal target %q not found", in.WorkflowID)
	case errors.Is(err, engine.ErrChannelFull):
		return SignalWorkflowResult{}, engine.NewTransientError(err, "signal channel %q full on %q", in.Name, in.WorkflowID)
	default:
		return SignalWorkflowResult{}, engine.NewTransientError(err, "signal %q on %q: %v", in.Name, in.WorkflowID, err)
	}
}

func (l *library) cancelWorkflow(ctx context.Context, in CancelWorkflowInput) (CancelWorkflowResult, error) {
	if in.WorkflowID == "" {
		return CancelWorkflowResult{}, engine.NewNonRetryableError("InvalidActivityInput", "cancel requires a workflow id")
	}
	payload, _ := json.Marshal(map[string]string{"reason": in.Reason})
	err := l.deps.Engine.SignalWorkflow(ctx, in.WorkflowID, in.RunID, engine.ChannelCancelRequested, payload)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return CancelWorkflowResult{}, engine.NewNonRetryableError("WorkflowNotFound", "cancel target %q not found", in.WorkflowID)
	case errors.Is(err, engine.ErrChannelFull):
		// A cancel request is already pending; fall through to the watch.
	case err != nil:
		return CancelWorkflowResult{}, engine.NewTransientError(err, "signal cancel on %q: %v", in.WorkflowID, err)
	}

	grace := in.Grace
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	deadline := time.Now().Add(grace)
	for {
		desc, err := l.deps.Engine.DescribeWorkflow(ctx, in.WorkflowID, in.RunID)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				return CancelWorkflowResult{}, engine.NewNonRetryableError("WorkflowNotFound", "cancel target %q vanished", in.WorkflowID)
			}
			return CancelWorkflowResult{}, engine.NewTransientError(err, "describe %q: %v", in.WorkflowID, err)
		}
		if desc.Status != engine.StatusRunning {
			return CancelWorkflowResult{Terminated: false}, nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return CancelWorkflowResult{}, engine.NewTransientError(ctx.Err(), "cancel watch interrupted: %v", ctx.Err())
		case <-time.After(cancelPollInterval):
		}
	}
	reason := in.Reason
	if reason == "" {
		reason = "canceled"
	}
	if err := l.deps.Engine.TerminateWorkflow(ctx, in.WorkflowID, in.RunID, reason); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return CancelWorkflowResult{}, engine.NewTransientError(err, "terminate %q: %v", in.WorkflowID, err)
	}
	return CancelWorkflowResult{Terminated: true}, nil
}

func (l *library) publishReviewable(ctx context.Context, in SetDocumentStateInput) (SetDocumentStateResult, error) {
	return l.setDocumentState(ctx, in, StatePublished)
}

func (l *library) archiveReviewable(ctx context.Context, in SetDocumentStateInput) (SetDocumentStateResult, error) {
	return l.setDocumentState(ctx, in, StateArchived)
}

func (l *library) setDocumentState(ctx context.Context, in SetDocumentStateInput, state string) (SetDocumentStateResult, error) {
	if in.DocumentID == "" {
		return SetDocumentStateResult{}, engine.NewNonRetryableError("InvalidActivityInput", "document id is required")
	}
	err := l.deps.Metadata.SetDocumentState(ctx, in.TenantID, in.DocumentID, state)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return SetDocumentStateResult{}, engine.NewNonRetryableError("DocumentNotFound", "document %q has no metadata row", in.DocumentID)
		}
		return SetDocumentStateResult{}, engine.NewTransientError(err, "set state of %q: %v", in.DocumentID, err)
	}
	return SetDocumentStateResult{State: state}, nil
}

func (l *library) revertVectorAndGraph(ctx context.Context, in RevertVectorAndGraphInput) (RevertVectorAndGraphResult, error) {
	if in.DocumentID == "" {
		return RevertVectorAndGraphResult{}, engine.NewNonRetryableError("InvalidActivityInput", "document id is required")
	}
	ids := in.VectorIDs
	if len(ids) == 0 {
		// Callers that never saw the vector write, such as post-publish
		// rollbacks, rely on the chunk count recorded at publish time.
		doc, err := l.deps.Metadata.GetDocument(ctx, in.TenantID, in.DocumentID)
		switch {
		case errors.Is(err, metadata.ErrNotFound):
			// Never published; nothing indexed under the document.
		case err != nil:
			return RevertVectorAndGraphResult{}, engine.NewTransientError(err, "load document %q: %v", in.DocumentID, err)
		default:
			for i := 0; i < doc.Chunks; i++ {
				ids = append(ids, chunkID(in.DocumentID, i))
			}
		}
	}
	for _, id := range ids {
		if err := l.deps.Vector.Delete(ctx, l.deps.VectorCollection, id); err != nil {
			return RevertVectorAndGraphResult{}, engine.NewTransientError(err, "delete vector %q: %v", id, err)
		}
	}
	if err := l.deps.Graph.RemoveByProperty(ctx, "document_id", in.DocumentID); err != nil {
		return RevertVectorAndGraphResult{}, engine.NewTransientError(err, "remove graph contribution of %q: %v", in.DocumentID, err)
	}
	// A reverted document must stop being served; archive the row if one
	// exists. Pre-publish compensation has no row yet and skips this.
	err := l.deps.Metadata.SetDocumentState(ctx, in.TenantID, in.DocumentID, StateArchived)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return RevertVectorAndGraphResult{}, engine.NewTransientError(err, "archive reverted document %q: %v", in.DocumentID, err)
	}
	return RevertVectorAndGraphResult{VectorsDeleted: len(ids)}, nil
}

func (l *library) updateQualityScores(ctx context.Context, in UpdateQualityScoresInput) (UpdateQualityScoresResult, error) {
	if in.DocumentID == "" {
		return UpdateQualityScoresResult{}, engine.NewNonRetryableError("InvalidActivityInput", "document id is required")
	}
	err := l.deps.Metadata.SetQualityScore(ctx, in.TenantID, in.DocumentID, clamp(in.Score, 0, 10))
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return UpdateQualityScoresResult{}, engine.NewNonRetryableError("DocumentNotFound", "document %q has no metadata row", in.DocumentID)
		}
		return UpdateQualityScoresResult{}, engine.NewTransientError(err, "set quality score of %q: %v", in.DocumentID, err)
	}
	return UpdateQualityScoresResult{Updated: true}, nil
}
