// Package workflows defines the durable workflow definitions: document
// processing with human review, retrieval-grounded question answering, and
// the quality-review flow both of them can spawn. Definitions are
// deterministic replay functions: they read only their input, activity
// results, timers, and signals, never configuration or wall clock, so any
// worker can replay a history and reach the same decisions.
package workflows

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/workflow"
)

// Workflow type names. StartWorkflow selects definitions by these.
const (
	TypeDocumentProcessing = "document-processing"
	TypeQuestionAnswering  = "question-answering"
	TypeQualityReview      = "quality-review"
)

// Signal channel names.
const (
	// SignalControllerDecision resolves a document HITL wait.
	SignalControllerDecision = "controller_decision"
	// SignalReviewDecision resolves a quality-review wait.
	SignalReviewDecision = "review_decision"
	// SignalReviewComplete carries a child review's result back to the
	// parent that spawned it.
	SignalReviewComplete = "review_complete"
)

// QueryState names the query returning a workflow's current lifecycle state.
const QueryState = "get_state"

// Decision verbs carried by review signals.
const (
	DecisionApprove  = "approve"
	DecisionReject   = "reject"
	DecisionRollback = "rollback"
)

// Search attribute keys. The visibility index and the list API filter on
// these; reviewers poll Status/Queue to find work.
const (
	AttrAssignee    = "Assignee"
	AttrQueue       = "Queue"
	AttrStatus      = "Status"
	AttrPriority    = "Priority"
	AttrDueAt       = "DueAt"
	AttrTenant      = "Tenant"
	AttrDocumentID  = "DocumentId"
	AttrContributor = "ContributorId"
	AttrRelevance   = "RelevanceScore"
	AttrQuestionID  = "QuestionId"
	AttrAsker       = "AskerId"
	AttrReviewType  = "ReviewableType"
	AttrReviewID    = "ReviewableId"
)

// Review queues surfaced through search attributes.
const (
	QueueDocumentReview = "document-review"
	QueueQualityReview  = "quality-review"
)

// reviewAssignee is the principal review work is parked under until a
// richer assignment scheme exists.
const reviewAssignee = "controller"

// Defaults applied when an input omits its policy knobs.
const (
	defaultAutoApproveThreshold = 8.0
	defaultRelevanceThreshold   = 5.0
	defaultReviewDeadline       = 24 * time.Hour
	defaultConfidenceThreshold  = 0.7
)

// Terminal and reporting reasons surfaced in results.
const (
	reasonLowRelevance  = "low_relevance"
	reasonReviewTimeout = "review_timeout"
	reasonRejected      = "rejected_by_controller"
	reasonCanceled      = "canceled"
	reasonRolledBack    = "partial_publish_rolled_back"
)

// WorkflowRef names a run so a child can signal its parent through the
// orchestrator without holding any in-process reference to it.
type WorkflowRef struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id,omitempty"`
}

// Register installs all workflow definitions into the registry.
func Register(reg *workflow.Registry) error {
	defs := []workflow.Definition{
		{Type: TypeDocumentProcessing, Fn: workflow.Typed(DocumentProcessing)},
		{Type: TypeQuestionAnswering, Fn: workflow.Typed(QuestionAnswering)},
		{Type: TypeQualityReview, Fn: workflow.Typed(QualityReview)},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// decisionSignal is the payload shape of controller_decision and
// review_decision signals.
type decisionSignal struct {
	Decision     string  `json:"decision"`
	Reviewer     string  `json:"reviewer,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
}

// reviewOutcome classifies how a review wait ended.
type reviewOutcome int

const (
	outcomeDecided reviewOutcome = iota
	outcomeTimedOut
	outcomeCanceled
)

// waitDecision blocks until a valid decision signal arrives on channel, the
// deadline passes, or cancellation is requested. Signals with unknown
// decision verbs are consumed, logged, and skipped without resetting the
// deadline.
func waitDecision(ctx *workflow.Context, channel string, deadline time.Duration, valid func(string) bool) (decisionSignal, reviewOutcome) {
	ch := ctx.SignalChannel(channel)
	cancel := ctx.SignalChannel(engine.ChannelCancelRequested)
	dueAt := ctx.Now().Add(deadline)
	for {
		remaining := dueAt.Sub(ctx.Now())
		if remaining <= 0 {
			return decisionSignal{}, outcomeTimedOut
		}
		met, err := ctx.AwaitWithTimeout(remaining, func() bool {
			return ch.Len() > 0 || cancel.Len() > 0
		})
		if err != nil || !met {
			return decisionSignal{}, outcomeTimedOut
		}
		if cancel.Len() > 0 {
			return decisionSignal{}, outcomeCanceled
		}
		var sig decisionSignal
		if ok, err := ch.ReceiveAsync(&sig); err != nil || !ok {
			if err != nil {
				ctx.Logger().Warn("discarding undecodable decision signal", "channel", channel, "error", err)
			}
			continue
		}
		sig.Decision = strings.ToLower(strings.TrimSpace(sig.Decision))
		if !valid(sig.Decision) {
			ctx.Logger().Warn("discarding unknown decision verb", "channel", channel, "decision", sig.Decision)
			continue
		}
		return sig, outcomeDecided
	}
}

// awaitReview runs the two-phase HITL protocol shared by document processing
// and quality review: wait one deadline, escalate by raising Priority, wait a
// second deadline, then report timeout.
func awaitReview(ctx *workflow.Context, channel string, deadline time.Duration, valid func(string) bool) (decisionSignal, reviewOutcome) {
	sig, outcome := waitDecision(ctx, channel, deadline, valid)
	if outcome != outcomeTimedOut {
		return sig, outcome
	}
	ctx.Logger().Info("review deadline passed, escalating", "channel", channel)
	ctx.UpsertSearchAttributes(map[string]any{AttrPriority: "high"})
	return waitDecision(ctx, channel, deadline, valid)
}

// mustJSON marshals a value that cannot fail to encode, for signal and
// notification payloads built from typed structs.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
