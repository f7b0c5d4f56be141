package workflows

import (
	"time"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/metadata"
)

// Question-answering lifecycle states reported by the state query.
const (
	qaRetrieving = "RETRIEVING"
	qaAnswering  = "ANSWERING"
	qaScoring    = "SCORING"
	qaReviewing  = "REVIEWING"
	qaPersisting = "PERSISTING"
)

// Answer outcome states carried in QuestionResult.
const (
	AnswerStateAnswered   = "ANSWERED"
	AnswerStateReviewed   = "REVIEWED"
	AnswerStateRejected   = "REJECTED"
	AnswerStateUnreviewed = "UNREVIEWED"
	AnswerStateCanceled   = "CANCELED"
)

type (
	// QuestionInput starts a question-answering run.
	QuestionInput struct {
		QuestionID     string `json:"question_id"`
		Question       string `json:"question"`
		TenantID       string `json:"tenant_id"`
		AskerPrincipal string `json:"asker_principal,omitempty"`
		// ConfidenceThreshold gates quality review. Zero means 0.7.
		ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
		// ReviewDeadline is handed to the spawned review. Zero means 24h.
		ReviewDeadline time.Duration `json:"review_deadline,omitempty"`
	}

	// QuestionResult is the run's recorded outcome.
	QuestionResult struct {
		Answer     string   `json:"answer"`
		Citations  []string `json:"citations,omitempty"`
		Confidence float64  `json:"confidence"`
		State      string   `json:"state"`
		ReviewedBy string   `json:"reviewed_by,omitempty"`
	}

	// answerNotice is the inbox payload sent to the asker when the run
	// closes.
	answerNotice struct {
		QuestionID string  `json:"question_id"`
		State      string  `json:"state"`
		Answer     string  `json:"answer,omitempty"`
		Confidence float64 `json:"confidence"`
		ReviewedBy string  `json:"reviewed_by,omitempty"`
	}
)

// QuestionAnswering answers one question from the knowledge base: retrieve
// nearest chunks and graph facts in parallel, draft a grounded answer, grade
// its confidence, and when the grade falls under the threshold, spawn a
// quality review and wait for its verdict before recording the answer.
func QuestionAnswering(ctx *workflow.Context, in QuestionInput) (QuestionResult, error) {
	if in.QuestionID == "" || in.TenantID == "" || in.Question == "" {
		return QuestionResult{}, engine.NewUserError("question answering requires question_id, tenant_id, and question")
	}
	threshold := in.ConfidenceThreshold
	if threshold <= 0 {
		threshold = defaultConfidenceThreshold
	}
	log := ctx.Logger()

	state := qaRetrieving
	ctx.SetQueryHandler(QueryState, func([]byte) (any, error) { return state, nil })
	ctx.UpsertSearchAttributes(map[string]any{
		AttrTenant:     in.TenantID,
		AttrQuestionID: in.QuestionID,
		AttrAsker:      in.AskerPrincipal,
	})

	fSearch := ctx.ExecuteActivity(activities.TypeVectorSearch, activities.VectorSearchInput{
		TenantID: in.TenantID,
		Question: in.Question,
	})
	fFacts := ctx.ExecuteActivity(activities.TypeGraphNeighbors, activities.GraphNeighborsInput{
		TenantID: in.TenantID,
		Question: in.Question,
	})
	var search activities.VectorSearchResult
	if err := fSearch.Get(ctx, &search); err != nil {
		return QuestionResult{}, err
	}
	var facts activities.GraphNeighborsResult
	if err := fFacts.Get(ctx, &facts); err != nil {
		// Graph context is additive; answer from passages alone.
		log.Warn("graph retrieval failed, answering from passages alone", "question_id", in.QuestionID, "error", err)
		facts.Facts = nil
	}

	state = qaAnswering
	var ans activities.GenerateAnswerResult
	if err := ctx.ExecuteActivity(activities.TypeGenerateAnswer, activities.GenerateAnswerInput{
		TenantID: in.TenantID,
		Question: in.Question,
		Passages: search.Passages,
		Facts:    facts.Facts,
	}).Get(ctx, &ans); err != nil {
		return QuestionResult{}, err
	}

	state = qaScoring
	var conf activities.ScoreConfidenceResult
	if err := ctx.ExecuteActivity(activities.TypeScoreConfidence, activities.ScoreConfidenceInput{
		TenantID:  in.TenantID,
		Question:  in.Question,
		Answer:    ans.Answer,
		Citations: ans.Citations,
	}).Get(ctx, &conf); err != nil {
		// An ungradable answer is treated as zero confidence so it lands in
		// review instead of failing the run.
		log.Warn("confidence scoring failed, forcing review", "question_id", in.QuestionID, "error", err)
		conf.Confidence = 0
	}

	result := QuestionResult{
		Answer:     ans.Answer,
		Citations:  ans.Citations,
		Confidence: conf.Confidence,
		State:      AnswerStateAnswered,
	}
	if conf.Confidence < threshold {
		state = qaReviewing
		log.Info("answer confidence below threshold, spawning review",
			"question_id", in.QuestionID, "confidence", conf.Confidence, "threshold", threshold)
		awaitAnswerReview(ctx, in, ans, &result)
	}

	if result.State == AnswerStateRejected || result.State == AnswerStateCanceled {
		notifyAsker(ctx, in, result)
		return result, nil
	}

	state = qaPersisting
	row := metadata.Answer{
		ID:         in.QuestionID,
		TenantID:   in.TenantID,
		WorkflowID: ctx.Info().WorkflowID,
		Principal:  in.AskerPrincipal,
		Question:   in.Question,
		Text:       ans.Answer,
		Confidence: conf.Confidence,
		Citations:  ans.Citations,
		CreatedAt:  ctx.Now(),
	}
	if err := ctx.ExecuteActivity(activities.TypeUpdateMetadata, activities.UpdateMetadataInput{
		Answer: &row,
	}).Get(ctx, nil); err != nil {
		return QuestionResult{}, err
	}

	state = result.State
	notifyAsker(ctx, in, result)
	return result, nil
}

// awaitAnswerReview spawns the child quality review and blocks on its
// verdict, updating result in place. The child signals review_complete when
// it closes; if the signal never arrives within three review windows, or
// this run is canceled, the child is canceled best-effort and the answer is
// recorded as unreviewed or dropped.
func awaitAnswerReview(ctx *workflow.Context, in QuestionInput, ans activities.GenerateAnswerResult, result *QuestionResult) {
	log := ctx.Logger()
	info := ctx.Info()
	childID := info.WorkflowID + "-review"
	deadline := in.ReviewDeadline
	if deadline <= 0 {
		deadline = defaultReviewDeadline
	}

	var created activities.CreateReviewTaskResult
	err := ctx.ExecuteActivity(activities.TypeCreateReviewTask, activities.CreateReviewTaskInput{
		WorkflowID:   childID,
		WorkflowType: TypeQualityReview,
		TenantID:     in.TenantID,
		Input: mustJSON(ReviewInput{
			ReviewID:       in.QuestionID,
			ReviewableType: ReviewableAnswer,
			ReviewableID:   in.QuestionID,
			TenantID:       in.TenantID,
			RequestedBy:    in.AskerPrincipal,
			Summary:        ans.Answer,
			ReviewDeadline: deadline,
			Parent:         &WorkflowRef{WorkflowID: info.WorkflowID, RunID: info.RunID},
		}),
	}).Get(ctx, &created)
	if err != nil {
		log.Warn("quality review could not be started, recording answer unreviewed",
			"question_id", in.QuestionID, "error", err)
		result.State = AnswerStateUnreviewed
		return
	}

	reviewCh := ctx.SignalChannel(SignalReviewComplete)
	cancelCh := ctx.SignalChannel(engine.ChannelCancelRequested)
	// The child resolves within two review windows by construction; the
	// third covers delivery of its terminal signal.
	met, err := ctx.AwaitWithTimeout(3*deadline, func() bool {
		return reviewCh.Len() > 0 || cancelCh.Len() > 0
	})
	if err != nil || !met {
		log.Warn("quality review abandoned, recording answer unreviewed", "question_id", in.QuestionID)
		cancelChild(ctx, childID, "review abandoned by asker workflow")
		result.State = AnswerStateUnreviewed
		return
	}
	if cancelCh.Len() > 0 {
		cancelChild(ctx, childID, "question answering canceled")
		result.State = AnswerStateCanceled
		return
	}

	var verdict ReviewResult
	if _, err := reviewCh.ReceiveAsync(&verdict); err != nil {
		log.Warn("undecodable review verdict, recording answer unreviewed", "question_id", in.QuestionID, "error", err)
		result.State = AnswerStateUnreviewed
		return
	}
	result.ReviewedBy = verdict.DecidedBy
	if verdict.Decision == DecisionApprove {
		result.State = AnswerStateReviewed
		return
	}
	result.State = AnswerStateRejected
}

// cancelChild requests cooperative shutdown of the spawned review. Failures
// are logged only: the parent outcome is already decided.
func cancelChild(ctx *workflow.Context, childID, reason string) {
	err := ctx.ExecuteActivity(activities.TypeCancelWorkflow, activities.CancelWorkflowInput{
		WorkflowID: childID,
		Reason:     reason,
	}).Get(ctx, nil)
	if err != nil {
		ctx.Logger().Warn("child review cancellation failed", "child", childID, "error", err)
	}
}

// notifyAsker publishes the terminal inbox signal for the asker.
func notifyAsker(ctx *workflow.Context, in QuestionInput, res QuestionResult) {
	if in.AskerPrincipal == "" {
		return
	}
	err := ctx.ExecuteActivity(activities.TypeNotifyStakeholders, activities.NotifyInput{
		Principal:  in.AskerPrincipal,
		WorkflowID: ctx.Info().WorkflowID,
		Kind:       "completion",
		Payload: mustJSON(answerNotice{
			QuestionID: in.QuestionID,
			State:      res.State,
			Answer:     res.Answer,
			Confidence: res.Confidence,
			ReviewedBy: res.ReviewedBy,
		}),
	}).Get(ctx, nil)
	if err != nil {
		ctx.Logger().Warn("asker notification failed", "question_id", in.QuestionID, "error", err)
	}
}
