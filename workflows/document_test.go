package workflows

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/history"
	"github.com/corpusworks/corpus/graph"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/vector"
)

const handbookText = `# Vacation Policy

Employees accrue twenty days of paid vacation per year. Requests longer
than two weeks need manager approval in advance.

Unused days roll over, up to five days, into the next calendar year.`

// entitiesReply is a plausible extraction for handbookText; the node IDs
// slugify to vacation-policy and acme.
const entitiesReply = `{"nodes":[
  {"id":"Vacation Policy","label":"Concept","properties":{"name":"Vacation Policy"}},
  {"id":"Acme","label":"Organization","properties":{"name":"Acme"}}],
 "edges":[{"from":"Acme","to":"Vacation Policy","type":"DEFINES"}]}`

func seedHandbook(env *testEnv, path string) {
	env.t.Helper()
	require.NoError(env.t, env.blob.Put(env.ctx, path, []byte(handbookText)))
	env.model.reply("extract a knowledge graph", entitiesReply)
}

// parkInReview starts a document run graded into the manual band and pumps
// it until it waits on the controller channel.
func parkInReview(env *testEnv, workflowID, documentID string) string {
	env.t.Helper()
	seedHandbook(env, "tenant-1/"+documentID+".md")
	env.model.reply("Grade how relevant", `{"score": 6.5, "rationale": "useful but niche"}`)
	runID := env.start(workflowID, TypeDocumentProcessing, DocumentInput{
		DocumentID:           documentID,
		TenantID:             "tenant-1",
		BlobPath:             "tenant-1/" + documentID + ".md",
		ContributorPrincipal: "carol",
	})
	env.pump()
	require.Equal(env.t, engine.StatusRunning, env.exec(workflowID, runID).Status)
	require.Equal(env.t, activities.StatePendingReview, env.state(workflowID))
	return runID
}

func (e *testEnv) searchChunks(tenantID, query string) []vector.Match {
	e.t.Helper()
	vecs, err := e.embedder.Embed(e.ctx, []string{query})
	require.NoError(e.t, err)
	matches, err := e.vector.Search(e.ctx, activities.DefaultVectorCollection, vecs[0], vector.SearchOptions{
		K:      5,
		Filter: map[string]string{"tenant_id": tenantID},
	})
	require.NoError(e.t, err)
	return matches
}

func TestDocumentAutoApprovePublishes(t *testing.T) {
	env := newTestEnv(t)
	seedHandbook(env, "tenant-1/d1.md")
	env.model.reply("Grade how relevant", `{"score": 9.1, "rationale": "core policy reference"}`)

	runID := env.start("doc-1", TypeDocumentProcessing, DocumentInput{
		DocumentID:           "d1",
		TenantID:             "tenant-1",
		BlobPath:             "tenant-1/d1.md",
		ContributorPrincipal: "alice",
	})
	env.pump()

	require.Equal(t, engine.StatusCompleted, env.exec("doc-1", runID).Status)
	var res DocumentResult
	env.result("doc-1", &res)
	require.Equal(t, activities.StatePublished, res.State)
	require.Empty(t, res.DecidedBy)

	// The run never parked: no pending review status was ever indexed, and
	// the relevance grade flowed straight into the publish fanout.
	events := env.events(runID)
	require.Empty(t, statusUpserts(events))
	types := scheduledTypes(events)
	assessDone := -1
	for i, ev := range events {
		if ev.Kind == history.KindActivityCompleted &&
			types[ev.ScheduledEventID()] == activities.TypeAssessRelevance {
			assessDone = i
		}
	}
	require.GreaterOrEqual(t, assessDone, 0)
	require.Equal(t, history.KindActivityScheduled, events[assessDone+1].Kind)
	require.Equal(t, history.KindActivityScheduled, events[assessDone+2].Kind)
	require.Equal(t, activities.TypeGenerateEmbeddings,
		history.MustDecode[history.ActivityScheduledAttrs](events[assessDone+1]).ActivityType)
	require.Equal(t, activities.TypeExtractGraphEntities,
		history.MustDecode[history.ActivityScheduledAttrs](events[assessDone+2]).ActivityType)

	doc, err := env.metadata.GetDocument(env.ctx, "tenant-1", "d1")
	require.NoError(t, err)
	require.Equal(t, activities.StatePublished, doc.State)
	require.Equal(t, "Vacation Policy", doc.Title)
	require.Equal(t, 1, doc.Chunks)
	require.InEpsilon(t, 9.1, doc.RelevanceScore, 1e-9)

	matches := env.searchChunks("tenant-1", "how many vacation days do employees get")
	require.Len(t, matches, 1)
	require.Equal(t, "d1#0", matches[0].ID)
	require.Equal(t, "d1", matches[0].Metadata["document_id"])

	neighbors, err := env.graph.Neighbors(env.ctx, "vacation-policy", graph.NeighborOptions{})
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	require.Equal(t, "DEFINES", neighbors[0].Edge.Type)

	signals, err := env.inbox.List(env.ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Equal(t, "completion", signals[0].Kind)
	require.Equal(t, "doc-1", signals[0].WorkflowID)
	var notice documentNotice
	require.NoError(t, json.Unmarshal(signals[0].Payload, &notice))
	require.Equal(t, activities.StatePublished, notice.State)
}

func TestDocumentControllerApprovalPublishes(t *testing.T) {
	env := newTestEnv(t)
	runID := parkInReview(env, "doc-2", "d2")

	attrs := env.attrs(runID)
	require.Equal(t, reviewAssignee, attrs[AttrAssignee])
	require.Equal(t, QueueDocumentReview, attrs[AttrQueue])
	require.Equal(t, "pending", attrs[AttrStatus])
	require.Equal(t, "normal", attrs[AttrPriority])
	require.Equal(t, 6.5, attrs[AttrRelevance])
	require.Equal(t, "2025-06-02T09:00:00Z", attrs[AttrDueAt])

	// The parked run is discoverable as a review queue item.
	rows, err := env.orch.ListWorkflows(env.ctx, engine.ListFilter{
		TenantID:        "tenant-1",
		AttributeEquals: map[string]any{AttrStatus: "pending", AttrQueue: QueueDocumentReview},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "doc-2", rows[0].WorkflowID)

	env.signal("doc-2", SignalControllerDecision, decisionSignal{Decision: DecisionApprove, Reviewer: "u1"})

	var res DocumentResult
	env.result("doc-2", &res)
	require.Equal(t, activities.StatePublished, res.State)
	require.Equal(t, "u1", res.DecidedBy)
	require.Equal(t, "approved", env.attrs(runID)[AttrStatus])

	doc, err := env.metadata.GetDocument(env.ctx, "tenant-1", "d2")
	require.NoError(t, err)
	require.Equal(t, activities.StatePublished, doc.State)
	require.NotEmpty(t, env.searchChunks("tenant-1", "vacation"))
}

func TestDocumentControllerRejectArchives(t *testing.T) {
	env := newTestEnv(t)
	runID := parkInReview(env, "doc-3", "d3")

	env.signal("doc-3", SignalControllerDecision, decisionSignal{
		Decision: DecisionReject,
		Reviewer: "u2",
		Reason:   "duplicates the onboarding guide",
	})

	var res DocumentResult
	env.result("doc-3", &res)
	require.Equal(t, activities.StateArchived, res.State)
	require.Equal(t, "u2", res.DecidedBy)
	require.Equal(t, reasonRejected, res.Reason)
	require.Equal(t, "rejected", env.attrs(runID)[AttrStatus])

	// Nothing was published on the reject path.
	doc, err := env.metadata.GetDocument(env.ctx, "tenant-1", "d3")
	require.NoError(t, err)
	require.Equal(t, activities.StateArchived, doc.State)
	require.Empty(t, env.searchChunks("tenant-1", "vacation"))

	signals, err := env.inbox.List(env.ctx, "carol", 10, 0)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	var notice documentNotice
	require.NoError(t, json.Unmarshal(signals[0].Payload, &notice))
	require.Equal(t, reasonRejected, notice.Reason)
	require.Equal(t, "u2", notice.DecidedBy)
}

func TestDocumentReviewTimeoutEscalatesThenArchives(t *testing.T) {
	env := newTestEnv(t)
	runID := parkInReview(env, "doc-4", "d4")

	// First deadline: the run escalates priority and keeps waiting.
	env.clk.Advance(defaultReviewDeadline)
	require.NoError(t, env.orch.SweepTimers(env.ctx))
	env.pump()
	require.Equal(t, engine.StatusRunning, env.exec("doc-4", runID).Status)
	attrs := env.attrs(runID)
	require.Equal(t, "high", attrs[AttrPriority])
	require.Equal(t, "pending", attrs[AttrStatus])

	// The escalation touched priority and nothing else.
	var escalations []map[string]any
	for _, ev := range env.events(runID) {
		if ev.Kind != history.KindSearchAttributesUpserted {
			continue
		}
		a := history.MustDecode[history.SearchAttributesUpsertedAttrs](ev).Attributes
		if a[AttrPriority] == "high" {
			escalations = append(escalations, a)
		}
	}
	require.Len(t, escalations, 1)
	require.Len(t, escalations[0], 1)

	// Second deadline: the run gives up and archives.
	env.clk.Advance(defaultReviewDeadline)
	require.NoError(t, env.orch.SweepTimers(env.ctx))
	env.pump()

	require.Equal(t, engine.StatusCompleted, env.exec("doc-4", runID).Status)
	var res DocumentResult
	env.result("doc-4", &res)
	require.Equal(t, activities.StateArchived, res.State)
	require.Equal(t, reasonReviewTimeout, res.Reason)

	doc, err := env.metadata.GetDocument(env.ctx, "tenant-1", "d4")
	require.NoError(t, err)
	require.Equal(t, activities.StateArchived, doc.State)
	require.Empty(t, env.searchChunks("tenant-1", "vacation"))
}

func TestDocumentPublishRollsBackVectorOnGraphFailure(t *testing.T) {
	env := newTestEnv(t)
	seedHandbook(env, "tenant-1/d5.md")
	env.model.reply("Grade how relevant", `{"score": 9.1, "rationale": "core policy reference"}`)
	env.handle(activities.TypeUpsertGraph, func(rec store.TaskRecord) (any, error) {
		if rec.Attempt < 4 {
			return nil, engine.NewTransientError(nil, "graph endpoint flapping")
		}
		return nil, engine.NewNonRetryableError("GraphUnavailable", "graph cluster offline for maintenance")
	})

	env.start("doc-5", TypeDocumentProcessing, DocumentInput{
		DocumentID: "d5",
		TenantID:   "tenant-1",
		BlobPath:   "tenant-1/d5.md",
	})
	ex := env.drain("doc-5", time.Minute)

	require.Equal(t, engine.StatusFailed, ex.Status)
	require.NotNil(t, ex.Failure)
	require.Equal(t, reasonRolledBack, ex.Failure.Type)

	// The graph leg burned its attempts before the terminal report, and the
	// workflow compensated by deleting the vectors that had already landed.
	events := env.events(ex.RunID)
	var failed []history.ActivityFailedAttrs
	for _, ev := range events {
		if ev.Kind == history.KindActivityFailed {
			failed = append(failed, history.MustDecode[history.ActivityFailedAttrs](ev))
		}
	}
	require.Len(t, failed, 1)
	require.Equal(t, 4, failed[0].Attempt)
	require.Equal(t, "GraphUnavailable", failed[0].Failure.Type)

	var compensated bool
	for _, at := range scheduledTypes(events) {
		if at == activities.TypeDeleteFromVector {
			compensated = true
		}
	}
	require.True(t, compensated)
	require.Empty(t, env.searchChunks("tenant-1", "vacation"))

	_, err := env.orch.GetResult(env.ctx, "doc-5", "")
	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, reasonRolledBack, engErr.Type)
}

func TestDocumentDuplicateStartRejected(t *testing.T) {
	env := newTestEnv(t)
	runID := parkInReview(env, "doc-6", "d6")

	// A second start against the running ID is refused outright.
	_, err := env.orch.StartWorkflow(env.ctx, engine.StartRequest{
		WorkflowID:   "doc-6",
		WorkflowType: TypeDocumentProcessing,
		TenantID:     "tenant-1",
		Input:        mustJSON(DocumentInput{DocumentID: "d6", TenantID: "tenant-1", BlobPath: "tenant-1/d6.md"}),
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseRejectDuplicate},
	})
	require.ErrorIs(t, err, engine.ErrAlreadyStarted)

	env.signal("doc-6", SignalControllerDecision, decisionSignal{Decision: DecisionApprove, Reviewer: "u1"})
	require.Equal(t, engine.StatusCompleted, env.exec("doc-6", runID).Status)

	// A reject-duplicate start is refused even after the run closed.
	_, err = env.orch.StartWorkflow(env.ctx, engine.StartRequest{
		WorkflowID:   "doc-6",
		WorkflowType: TypeDocumentProcessing,
		TenantID:     "tenant-1",
		Input:        mustJSON(DocumentInput{DocumentID: "d6", TenantID: "tenant-1", BlobPath: "tenant-1/d6.md"}),
		Options:      engine.StartOptions{IDReusePolicy: engine.ReuseRejectDuplicate},
	})
	require.ErrorIs(t, err, engine.ErrAlreadyStarted)
	require.Equal(t, runID, env.exec("doc-6", "").RunID)

	// The default allow-duplicate policy admits a fresh run once the
	// previous one closed.
	runID2, err := env.orch.StartWorkflow(env.ctx, engine.StartRequest{
		WorkflowID:   "doc-6",
		WorkflowType: TypeDocumentProcessing,
		TenantID:     "tenant-1",
		Input:        mustJSON(DocumentInput{DocumentID: "d6", TenantID: "tenant-1", BlobPath: "tenant-1/d6.md"}),
	})
	require.NoError(t, err)
	require.NotEqual(t, runID, runID2)
	require.Equal(t, engine.StatusRunning, env.exec("doc-6", runID2).Status)
}

func TestDocumentCancelWhileParkedArchives(t *testing.T) {
	env := newTestEnv(t)
	runID := parkInReview(env, "doc-7", "d7")

	require.NoError(t, env.orch.SignalWorkflow(env.ctx, "doc-7", "", engine.ChannelCancelRequested, nil))
	env.pump()

	require.Equal(t, engine.StatusCompleted, env.exec("doc-7", runID).Status)
	var res DocumentResult
	env.result("doc-7", &res)
	require.Equal(t, activities.StateArchived, res.State)
	require.Equal(t, reasonCanceled, res.Reason)

	doc, err := env.metadata.GetDocument(env.ctx, "tenant-1", "d7")
	require.NoError(t, err)
	require.Equal(t, activities.StateArchived, doc.State)
}

func TestDocumentIgnoresUnknownDecisionVerbs(t *testing.T) {
	env := newTestEnv(t)
	runID := parkInReview(env, "doc-8", "d8")

	env.signal("doc-8", SignalControllerDecision, decisionSignal{Decision: "maybe", Reviewer: "u9"})
	require.Equal(t, engine.StatusRunning, env.exec("doc-8", runID).Status)
	require.Equal(t, activities.StatePendingReview, env.state("doc-8"))

	// Rollback is not a controller verb on first-pass review either.
	env.signal("doc-8", SignalControllerDecision, decisionSignal{Decision: DecisionRollback, Reviewer: "u9"})
	require.Equal(t, engine.StatusRunning, env.exec("doc-8", runID).Status)

	env.signal("doc-8", SignalControllerDecision, decisionSignal{Decision: DecisionApprove, Reviewer: "u1"})
	var res DocumentResult
	env.result("doc-8", &res)
	require.Equal(t, activities.StatePublished, res.State)
	require.Equal(t, "u1", res.DecidedBy)
}

func TestDocumentMissingBlobFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	env.start("doc-9", TypeDocumentProcessing, DocumentInput{
		DocumentID: "d9",
		TenantID:   "tenant-1",
		BlobPath:   "tenant-1/never-uploaded.md",
	})
	env.pump()

	ex := env.exec("doc-9", "")
	require.Equal(t, engine.StatusFailed, ex.Status)
	require.NotNil(t, ex.Failure)
	require.Equal(t, "BlobNotFound", ex.Failure.Type)

	var failed []history.ActivityFailedAttrs
	for _, ev := range env.events(ex.RunID) {
		if ev.Kind == history.KindActivityFailed {
			failed = append(failed, history.MustDecode[history.ActivityFailedAttrs](ev))
		}
	}
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].Attempt)
}
