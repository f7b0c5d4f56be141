package workflows

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/metadata"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/vector"
)

const vacationAnswer = "Employees accrue twenty days of paid vacation per year."

// seedPassage writes one retrievable chunk straight into the vector index.
func seedPassage(env *testEnv, id, documentID, text string) {
	env.t.Helper()
	vecs, err := env.embedder.Embed(env.ctx, []string{text})
	require.NoError(env.t, err)
	require.NoError(env.t, env.vector.Upsert(env.ctx, activities.DefaultVectorCollection, vector.Vector{
		ID:     id,
		Values: vecs[0],
		Metadata: map[string]string{
			"tenant_id":   "tenant-1",
			"document_id": documentID,
			"chunk":       "0",
			"text":        text,
		},
	}))
}

// scriptAnswer installs the model replies for drafting and grading.
func scriptAnswer(env *testEnv, confidence string) {
	env.t.Helper()
	env.model.reply("answer questions from a shared knowledge base",
		`{"answer":"`+vacationAnswer+`","citations":["d1#0"]}`)
	env.model.reply("how well an answer is supported", `{"confidence":`+confidence+`}`)
}

func TestQuestionHighConfidenceSkipsReview(t *testing.T) {
	env := newTestEnv(t)
	seedPassage(env, "d1#0", "d1", vacationAnswer)
	scriptAnswer(env, "0.92")

	env.start("qa-hi", TypeQuestionAnswering, QuestionInput{
		QuestionID:     "q1",
		Question:       "How many vacation days do employees accrue per year?",
		TenantID:       "tenant-1",
		AskerPrincipal: "dave",
	})
	env.pump()

	require.Equal(t, engine.StatusCompleted, env.exec("qa-hi", "").Status)
	var res QuestionResult
	env.result("qa-hi", &res)
	require.Equal(t, AnswerStateAnswered, res.State)
	require.Equal(t, vacationAnswer, res.Answer)
	require.Equal(t, []string{"d1#0"}, res.Citations)
	require.InEpsilon(t, 0.92, res.Confidence, 1e-9)
	require.Empty(t, res.ReviewedBy)

	// No review child was ever spawned.
	_, err := env.orch.DescribeWorkflow(env.ctx, "qa-hi-review", "")
	require.ErrorIs(t, err, engine.ErrNotFound)

	ans, err := env.metadata.GetAnswer(env.ctx, "tenant-1", "q1")
	require.NoError(t, err)
	require.Equal(t, vacationAnswer, ans.Text)
	require.Equal(t, "qa-hi", ans.WorkflowID)
	require.InEpsilon(t, 0.92, ans.Confidence, 1e-9)

	signals, err := env.inbox.List(env.ctx, "dave", 10, 0)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	var notice answerNotice
	require.NoError(t, json.Unmarshal(signals[0].Payload, &notice))
	require.Equal(t, AnswerStateAnswered, notice.State)
}

func TestQuestionLowConfidenceSpawnsReview(t *testing.T) {
	env := newTestEnv(t)
	seedPassage(env, "d1#0", "d1", vacationAnswer)
	scriptAnswer(env, "0.3")

	env.start("qa-1", TypeQuestionAnswering, QuestionInput{
		QuestionID:     "q1",
		Question:       "How many vacation days do employees accrue per year?",
		TenantID:       "tenant-1",
		AskerPrincipal: "erin",
	})
	env.pump()

	// The parent parks on the verdict; the spawned child sits in the
	// quality review queue.
	require.Equal(t, engine.StatusRunning, env.exec("qa-1", "").Status)
	require.Equal(t, qaReviewing, env.state("qa-1"))
	child := env.exec("qa-1-review", "")
	require.Equal(t, engine.StatusRunning, child.Status)
	attrs := env.attrs(child.RunID)
	require.Equal(t, QueueQualityReview, attrs[AttrQueue])
	require.Equal(t, "pending", attrs[AttrStatus])
	require.Equal(t, ReviewableAnswer, attrs[AttrReviewType])
	require.Equal(t, "q1", attrs[AttrReviewID])

	// The child carries the draft and a backreference to its parent.
	raw, err := env.orch.QueryWorkflow(env.ctx, "qa-1-review", "", workflow.QueryGetInput, nil)
	require.NoError(t, err)
	var reviewIn ReviewInput
	require.NoError(t, json.Unmarshal(raw, &reviewIn))
	require.Equal(t, vacationAnswer, reviewIn.Summary)
	require.Equal(t, "erin", reviewIn.RequestedBy)
	require.NotNil(t, reviewIn.Parent)
	require.Equal(t, "qa-1", reviewIn.Parent.WorkflowID)

	env.signal("qa-1-review", SignalReviewDecision, decisionSignal{Decision: DecisionApprove, Reviewer: "qa-lead"})

	require.Equal(t, engine.StatusCompleted, env.exec("qa-1", "").Status)
	var res QuestionResult
	env.result("qa-1", &res)
	require.Equal(t, AnswerStateReviewed, res.State)
	require.Equal(t, "qa-lead", res.ReviewedBy)
	require.InEpsilon(t, 0.3, res.Confidence, 1e-9)
	require.Equal(t, AnswerStateReviewed, env.state("qa-1"))

	var verdict ReviewResult
	env.result("qa-1-review", &verdict)
	require.Equal(t, DecisionApprove, verdict.Decision)
	require.Equal(t, "qa-lead", verdict.DecidedBy)

	ans, err := env.metadata.GetAnswer(env.ctx, "tenant-1", "q1")
	require.NoError(t, err)
	require.Equal(t, vacationAnswer, ans.Text)

	// The asker hears from the review and from the closing run.
	unread, err := env.inbox.UnreadCount(env.ctx, "erin")
	require.NoError(t, err)
	require.Equal(t, int64(2), unread)
	signals, err := env.inbox.List(env.ctx, "erin", 10, 0)
	require.NoError(t, err)
	kinds := map[string]string{}
	for _, s := range signals {
		kinds[s.Kind] = s.WorkflowID
	}
	require.Equal(t, "qa-1-review", kinds["status"])
	require.Equal(t, "qa-1", kinds["completion"])
}

func TestQuestionRejectedAnswerNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	seedPassage(env, "d1#0", "d1", vacationAnswer)
	scriptAnswer(env, "0.2")

	env.start("qa-2", TypeQuestionAnswering, QuestionInput{
		QuestionID:     "q2",
		Question:       "How many vacation days do employees accrue per year?",
		TenantID:       "tenant-1",
		AskerPrincipal: "erin",
	})
	env.pump()
	require.Equal(t, engine.StatusRunning, env.exec("qa-2", "").Status)

	env.signal("qa-2-review", SignalReviewDecision, decisionSignal{
		Decision: DecisionReject,
		Reviewer: "qa-lead",
		Reason:   "citation does not support the claim",
	})

	require.Equal(t, engine.StatusCompleted, env.exec("qa-2", "").Status)
	var res QuestionResult
	env.result("qa-2", &res)
	require.Equal(t, AnswerStateRejected, res.State)
	require.Equal(t, "qa-lead", res.ReviewedBy)

	// Rejected drafts never reach the answer table.
	_, err := env.metadata.GetAnswer(env.ctx, "tenant-1", "q2")
	require.ErrorIs(t, err, metadata.ErrNotFound)

	// The asker still learns the outcome.
	signals, err := env.inbox.List(env.ctx, "erin", 10, 0)
	require.NoError(t, err)
	var sawRejected bool
	for _, s := range signals {
		if s.Kind != "completion" {
			continue
		}
		var notice answerNotice
		require.NoError(t, json.Unmarshal(s.Payload, &notice))
		require.Equal(t, AnswerStateRejected, notice.State)
		sawRejected = true
	}
	require.True(t, sawRejected)
}

func TestQuestionReviewAbandonedRecordsUnreviewed(t *testing.T) {
	env := newTestEnv(t)
	seedPassage(env, "d1#0", "d1", vacationAnswer)
	scriptAnswer(env, "0.3")
	// The review "starts" but no child ever runs, so no verdict can arrive.
	env.handle(activities.TypeCreateReviewTask, func(store.TaskRecord) (any, error) {
		return activities.CreateReviewTaskResult{RunID: "r-ghost"}, nil
	})

	env.start("qa-3", TypeQuestionAnswering, QuestionInput{
		QuestionID:     "q3",
		Question:       "How many vacation days do employees accrue per year?",
		TenantID:       "tenant-1",
		AskerPrincipal: "erin",
		ReviewDeadline: time.Hour,
	})
	env.pump()
	require.Equal(t, engine.StatusRunning, env.exec("qa-3", "").Status)
	require.Equal(t, qaReviewing, env.state("qa-3"))

	// Three review windows pass without a verdict.
	env.clk.Advance(3 * time.Hour)
	require.NoError(t, env.orch.SweepTimers(env.ctx))
	env.pump()

	require.Equal(t, engine.StatusCompleted, env.exec("qa-3", "").Status)
	var res QuestionResult
	env.result("qa-3", &res)
	require.Equal(t, AnswerStateUnreviewed, res.State)
	require.Empty(t, res.ReviewedBy)

	// The unreviewed answer is still recorded for the asker.
	ans, err := env.metadata.GetAnswer(env.ctx, "tenant-1", "q3")
	require.NoError(t, err)
	require.Equal(t, vacationAnswer, ans.Text)

	// Cancelling the phantom child failed terminally and was tolerated.
	var failed []history.ActivityFailedAttrs
	for _, ev := range env.events(env.exec("qa-3", "").RunID) {
		if ev.Kind == history.KindActivityFailed {
			failed = append(failed, history.MustDecode[history.ActivityFailedAttrs](ev))
		}
	}
	require.Len(t, failed, 1)
	require.Equal(t, "WorkflowNotFound", failed[0].Failure.Type)
}

func TestQuestionAnswersThroughGraphOutage(t *testing.T) {
	env := newTestEnv(t)
	seedPassage(env, "d1#0", "d1", vacationAnswer)
	scriptAnswer(env, "0.92")
	env.handle(activities.TypeGraphNeighbors, func(store.TaskRecord) (any, error) {
		return nil, engine.NewNonRetryableError("GraphUnavailable", "neighbor scan offline")
	})

	env.start("qa-4", TypeQuestionAnswering, QuestionInput{
		QuestionID: "q4",
		Question:   "How many vacation days do employees accrue per year?",
		TenantID:   "tenant-1",
	})
	env.pump()

	require.Equal(t, engine.StatusCompleted, env.exec("qa-4", "").Status)
	var res QuestionResult
	env.result("qa-4", &res)
	require.Equal(t, AnswerStateAnswered, res.State)
	require.Equal(t, vacationAnswer, res.Answer)

	ans, err := env.metadata.GetAnswer(env.ctx, "tenant-1", "q4")
	require.NoError(t, err)
	require.Equal(t, vacationAnswer, ans.Text)
}
