package workflows

import (
	"time"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/workflow"
)

// Reviewable subject kinds.
const (
	ReviewableDocument = "document"
	ReviewableAnswer   = "answer"
)

// Quality-review lifecycle states reported by the state query.
const (
	reviewPending  = "PENDING_REVIEW"
	reviewApplying = "APPLYING"
	reviewDone     = "DONE"
)

type (
	// ReviewInput starts a quality-review run, either directly by an admin
	// or as a child spawned by another workflow.
	ReviewInput struct {
		ReviewID       string `json:"review_id"`
		ReviewableType string `json:"reviewable_type"`
		ReviewableID   string `json:"reviewable_id"`
		TenantID       string `json:"tenant_id"`
		RequestedBy    string `json:"requested_by,omitempty"`
		// Summary gives reviewers the subject at a glance, e.g. the drafted
		// answer text.
		Summary        string        `json:"summary,omitempty"`
		ReviewDeadline time.Duration `json:"review_deadline,omitempty"`
		// Parent, when set, receives the result as a review_complete signal.
		Parent *WorkflowRef `json:"parent,omitempty"`
	}

	// ReviewResult is the run's recorded verdict.
	ReviewResult struct {
		ReviewID     string  `json:"review_id"`
		Decision     string  `json:"decision"`
		DecidedBy    string  `json:"decided_by,omitempty"`
		Reason       string  `json:"reason,omitempty"`
		QualityScore float64 `json:"quality_score,omitempty"`
	}

	// reviewNotice is the inbox payload sent to the requester when the
	// review closes.
	reviewNotice struct {
		ReviewID     string `json:"review_id"`
		ReviewableID string `json:"reviewable_id"`
		Decision     string `json:"decision"`
		DecidedBy    string `json:"decided_by,omitempty"`
		Reason       string `json:"reason,omitempty"`
	}
)

// QualityReview parks a reviewable under the controller queue and waits for
// a review_decision signal, escalating once and auto-rejecting on the second
// timeout. Document decisions are applied against the stores (publish,
// archive, or revert); answer decisions only travel back to the parent,
// which owns answer persistence.
func QualityReview(ctx *workflow.Context, in ReviewInput) (ReviewResult, error) {
	if in.ReviewID == "" || in.TenantID == "" || in.ReviewableID == "" {
		return ReviewResult{}, engine.NewUserError("quality review requires review_id, tenant_id, and reviewable_id")
	}
	if in.ReviewableType != ReviewableDocument && in.ReviewableType != ReviewableAnswer {
		return ReviewResult{}, engine.NewUserError("unknown reviewable type %q", in.ReviewableType)
	}
	deadline := in.ReviewDeadline
	if deadline <= 0 {
		deadline = defaultReviewDeadline
	}
	log := ctx.Logger()

	state := reviewPending
	ctx.SetQueryHandler(QueryState, func([]byte) (any, error) { return state, nil })
	ctx.UpsertSearchAttributes(map[string]any{
		AttrAssignee:   reviewAssignee,
		AttrQueue:      QueueQualityReview,
		AttrStatus:     "pending",
		AttrPriority:   "normal",
		AttrDueAt:      ctx.Now().Add(deadline),
		AttrTenant:     in.TenantID,
		AttrReviewType: in.ReviewableType,
		AttrReviewID:   in.ReviewableID,
	})

	sig, outcome := awaitReview(ctx, SignalReviewDecision, deadline, func(d string) bool {
		if d == DecisionApprove || d == DecisionReject {
			return true
		}
		return d == DecisionRollback && in.ReviewableType == ReviewableDocument
	})

	result := ReviewResult{ReviewID: in.ReviewID}
	switch outcome {
	case outcomeCanceled:
		result.Decision = DecisionReject
		result.Reason = reasonCanceled
		finishReview(ctx, in, result)
		return result, nil
	case outcomeTimedOut:
		log.Info("review window closed unanswered, auto-rejecting", "review_id", in.ReviewID)
		sig = decisionSignal{Decision: DecisionReject, Reason: reasonReviewTimeout}
	default:
		ctx.UpsertSearchAttributes(map[string]any{AttrStatus: decidedStatus(sig.Decision)})
	}
	result.Decision = sig.Decision
	result.DecidedBy = sig.Reviewer
	result.Reason = sig.Reason
	result.QualityScore = sig.QualityScore
	if outcome == outcomeTimedOut {
		result.Reason = reasonReviewTimeout
	}

	if in.ReviewableType == ReviewableDocument {
		state = reviewApplying
		if err := applyDocumentDecision(ctx, in, sig); err != nil {
			return ReviewResult{}, err
		}
	}

	state = reviewDone
	finishReview(ctx, in, result)
	return result, nil
}

// decidedStatus maps a decision verb to the terminal Status attribute value.
func decidedStatus(decision string) string {
	switch decision {
	case DecisionApprove:
		return "approved"
	case DecisionReject:
		return "rejected"
	case DecisionRollback:
		return "rolled_back"
	}
	return decision
}

// applyDocumentDecision runs the store-side consequence of a document
// verdict and records the reviewer's quality grade when one was given.
func applyDocumentDecision(ctx *workflow.Context, in ReviewInput, sig decisionSignal) error {
	target := activities.SetDocumentStateInput{
		TenantID:   in.TenantID,
		DocumentID: in.ReviewableID,
	}
	var apply *workflow.Future
	switch sig.Decision {
	case DecisionApprove:
		apply = ctx.ExecuteActivity(activities.TypePublishReviewable, target)
	case DecisionReject:
		apply = ctx.ExecuteActivity(activities.TypeArchiveReviewable, target)
	case DecisionRollback:
		apply = ctx.ExecuteActivity(activities.TypeRevertVectorAndGraph, activities.RevertVectorAndGraphInput{
			TenantID:   in.TenantID,
			DocumentID: in.ReviewableID,
		})
	}
	if err := apply.Get(ctx, nil); err != nil {
		return err
	}
	if sig.QualityScore > 0 {
		err := ctx.ExecuteActivity(activities.TypeUpdateQualityScores, activities.UpdateQualityScoresInput{
			TenantID:   in.TenantID,
			DocumentID: in.ReviewableID,
			Score:      sig.QualityScore,
		}).Get(ctx, nil)
		if err != nil {
			ctx.Logger().Warn("quality score update failed", "document_id", in.ReviewableID, "error", err)
		}
	}
	return nil
}

// finishReview reports the verdict outward: a review_complete signal to the
// parent when one is registered, and an inbox notice to the requester.
// Neither delivery can change the verdict, so failures are logged only.
func finishReview(ctx *workflow.Context, in ReviewInput, result ReviewResult) {
	log := ctx.Logger()
	if in.Parent != nil {
		err := ctx.ExecuteActivity(activities.TypeSignalWorkflow, activities.SignalWorkflowInput{
			WorkflowID: in.Parent.WorkflowID,
			RunID:      in.Parent.RunID,
			Name:       SignalReviewComplete,
			Payload:    mustJSON(result),
		}).Get(ctx, nil)
		if err != nil {
			log.Warn("parent verdict signal failed", "parent", in.Parent.WorkflowID, "error", err)
		}
	}
	if in.RequestedBy != "" {
		err := ctx.ExecuteActivity(activities.TypeNotifyStakeholders, activities.NotifyInput{
			Principal:  in.RequestedBy,
			WorkflowID: ctx.Info().WorkflowID,
			Kind:       "status",
			Payload: mustJSON(reviewNotice{
				ReviewID:     in.ReviewID,
				ReviewableID: in.ReviewableID,
				Decision:     result.Decision,
				DecidedBy:    result.DecidedBy,
				Reason:       result.Reason,
			}),
		}).Get(ctx, nil)
		if err != nil {
			log.Warn("requester notification failed", "review_id", in.ReviewID, "error", err)
		}
	}
}
