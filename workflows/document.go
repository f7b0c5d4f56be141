package workflows

import (
	"time"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/metadata"
)

type (
	// DocumentInput starts a document-processing run.
	DocumentInput struct {
		DocumentID           string       `json:"document_id"`
		TenantID             string       `json:"tenant_id"`
		BlobPath             string       `json:"blob_path"`
		ContributorPrincipal string       `json:"contributor_principal,omitempty"`
		Policy               ReviewPolicy `json:"policy,omitempty"`
	}

	// ReviewPolicy tunes the relevance gate. Zero values take the package
	// defaults: auto-approve at 8.0, auto-reject below 5.0, 24h per review
	// wait.
	ReviewPolicy struct {
		AutoApproveThreshold float64       `json:"auto_approve_threshold,omitempty"`
		RelevanceThreshold   float64       `json:"relevance_threshold,omitempty"`
		ReviewDeadline       time.Duration `json:"review_deadline,omitempty"`
	}

	// DocumentResult is the run's recorded outcome.
	DocumentResult struct {
		State     string `json:"state"`
		DecidedBy string `json:"decided_by,omitempty"`
		Reason    string `json:"reason,omitempty"`
	}

	// documentNotice is the inbox payload sent to the contributor when the
	// run closes.
	documentNotice struct {
		DocumentID     string  `json:"document_id"`
		State          string  `json:"state"`
		Reason         string  `json:"reason,omitempty"`
		DecidedBy      string  `json:"decided_by,omitempty"`
		RelevanceScore float64 `json:"relevance_score,omitempty"`
	}
)

func (p ReviewPolicy) withDefaults() ReviewPolicy {
	if p.AutoApproveThreshold <= 0 {
		p.AutoApproveThreshold = defaultAutoApproveThreshold
	}
	if p.RelevanceThreshold <= 0 {
		p.RelevanceThreshold = defaultRelevanceThreshold
	}
	if p.ReviewDeadline <= 0 {
		p.ReviewDeadline = defaultReviewDeadline
	}
	return p
}

// DocumentProcessing ingests one document: download, extract, grade for
// relevance, gate through auto-approval or controller review, then publish
// the chunks to the vector index and the entity graph in parallel. A
// permanent failure of either publish leg rolls back the leg that landed
// before the run fails.
func DocumentProcessing(ctx *workflow.Context, in DocumentInput) (DocumentResult, error) {
	if in.DocumentID == "" || in.TenantID == "" || in.BlobPath == "" {
		return DocumentResult{}, engine.NewUserError("document processing requires document_id, tenant_id, and blob_path")
	}
	policy := in.Policy.withDefaults()
	log := ctx.Logger()

	state := activities.StateDownloading
	ctx.SetQueryHandler(QueryState, func([]byte) (any, error) { return state, nil })
	ctx.UpsertSearchAttributes(map[string]any{
		AttrTenant:      in.TenantID,
		AttrDocumentID:  in.DocumentID,
		AttrContributor: in.ContributorPrincipal,
	})

	var dl activities.DownloadBlobResult
	if err := ctx.ExecuteActivity(activities.TypeDownloadBlob, activities.DownloadBlobInput{
		Path: in.BlobPath,
	}).Get(ctx, &dl); err != nil {
		return DocumentResult{}, err
	}

	state = activities.StateExtracting
	var ex activities.ExtractResult
	if err := ctx.ExecuteActivity(activities.TypeExtractTextAndChunk, activities.ExtractInput{
		DocumentID: in.DocumentID,
		Data:       dl.Data,
	}).Get(ctx, &ex); err != nil {
		return DocumentResult{}, err
	}

	state = activities.StateAssessing
	var grade activities.AssessRelevanceResult
	if err := ctx.ExecuteActivity(activities.TypeAssessRelevance, activities.AssessRelevanceInput{
		TenantID:   in.TenantID,
		DocumentID: in.DocumentID,
		Title:      ex.Title,
		Text:       ex.Text,
	}).Get(ctx, &grade); err != nil {
		return DocumentResult{}, err
	}

	var decidedBy string
	switch {
	case grade.Score >= policy.AutoApproveThreshold:
		log.Info("document auto-approved", "document_id", in.DocumentID, "score", grade.Score)
	case grade.Score < policy.RelevanceThreshold:
		log.Info("document auto-rejected", "document_id", in.DocumentID, "score", grade.Score)
		return archiveDocument(ctx, in, ex, grade.Score, &state,
			DocumentResult{State: activities.StateArchived, Reason: reasonLowRelevance})
	default:
		state = activities.StatePendingReview
		ctx.UpsertSearchAttributes(map[string]any{
			AttrAssignee:    reviewAssignee,
			AttrQueue:       QueueDocumentReview,
			AttrStatus:      "pending",
			AttrPriority:    "normal",
			AttrDueAt:       ctx.Now().Add(policy.ReviewDeadline),
			AttrTenant:      in.TenantID,
			AttrDocumentID:  in.DocumentID,
			AttrContributor: in.ContributorPrincipal,
			AttrRelevance:   grade.Score,
		})
		sig, outcome := awaitReview(ctx, SignalControllerDecision, policy.ReviewDeadline, func(d string) bool {
			return d == DecisionApprove || d == DecisionReject
		})
		switch outcome {
		case outcomeTimedOut:
			log.Info("review window closed unanswered", "document_id", in.DocumentID)
			return archiveDocument(ctx, in, ex, grade.Score, &state,
				DocumentResult{State: activities.StateArchived, Reason: reasonReviewTimeout})
		case outcomeCanceled:
			return archiveDocument(ctx, in, ex, grade.Score, &state,
				DocumentResult{State: activities.StateArchived, Reason: reasonCanceled})
		}
		decidedBy = sig.Reviewer
		if sig.Decision == DecisionReject {
			ctx.UpsertSearchAttributes(map[string]any{AttrStatus: "rejected"})
			return archiveDocument(ctx, in, ex, grade.Score, &state,
				DocumentResult{State: activities.StateArchived, Reason: reasonRejected, DecidedBy: decidedBy})
		}
		ctx.UpsertSearchAttributes(map[string]any{AttrStatus: "approved"})
	}

	state = activities.StateEmbedding
	fEmbed := ctx.ExecuteActivity(activities.TypeGenerateEmbeddings, activities.GenerateEmbeddingsInput{
		DocumentID: in.DocumentID,
		Chunks:     ex.Chunks,
	})
	fEntities := ctx.ExecuteActivity(activities.TypeExtractGraphEntities, activities.ExtractGraphEntitiesInput{
		TenantID:   in.TenantID,
		DocumentID: in.DocumentID,
		Title:      ex.Title,
		Text:       ex.Text,
	})
	var emb activities.GenerateEmbeddingsResult
	if err := fEmbed.Get(ctx, &emb); err != nil {
		return DocumentResult{}, err
	}
	var ents activities.ExtractGraphEntitiesResult
	if err := fEntities.Get(ctx, &ents); err != nil {
		return DocumentResult{}, err
	}

	fVector := ctx.ExecuteActivity(activities.TypeUpsertVectorIndex, activities.UpsertVectorIndexInput{
		TenantID:   in.TenantID,
		DocumentID: in.DocumentID,
		Chunks:     ex.Chunks,
		Vectors:    emb.Vectors,
	})
	fGraph := ctx.ExecuteActivity(activities.TypeUpsertGraph, activities.UpsertGraphInput{
		Mutation: ents.Mutation,
	})
	var vec activities.UpsertVectorIndexResult
	vecErr := fVector.Get(ctx, &vec)
	graphErr := fGraph.Get(ctx, nil)
	switch {
	case vecErr == nil && graphErr == nil:
	case vecErr != nil && graphErr != nil:
		// Neither leg landed; nothing to compensate.
		return DocumentResult{}, vecErr
	case graphErr != nil:
		log.Warn("graph publish failed, rolling back vector entries", "document_id", in.DocumentID, "error", graphErr)
		if err := ctx.ExecuteActivity(activities.TypeDeleteFromVector, activities.DeleteFromVectorInput{
			IDs: vec.IDs,
		}).Get(ctx, nil); err != nil {
			return DocumentResult{}, err
		}
		return DocumentResult{}, engine.NewNonRetryableError(reasonRolledBack,
			"graph publish failed after vector publish, vector entries rolled back: %v", graphErr)
	default:
		log.Warn("vector publish failed, rolling back graph contribution", "document_id", in.DocumentID, "error", vecErr)
		if err := ctx.ExecuteActivity(activities.TypeRevertVectorAndGraph, activities.RevertVectorAndGraphInput{
			TenantID:   in.TenantID,
			DocumentID: in.DocumentID,
		}).Get(ctx, nil); err != nil {
			return DocumentResult{}, err
		}
		return DocumentResult{}, engine.NewNonRetryableError(reasonRolledBack,
			"vector publish failed after graph publish, graph contribution rolled back: %v", vecErr)
	}

	state = activities.StateMetadataUpdating
	row := metadata.Document{
		ID:             in.DocumentID,
		TenantID:       in.TenantID,
		Title:          ex.Title,
		ContributorID:  in.ContributorPrincipal,
		State:          activities.StatePublished,
		RelevanceScore: grade.Score,
		Chunks:         len(ex.Chunks),
		UpdatedAt:      ctx.Now(),
	}
	if err := ctx.ExecuteActivity(activities.TypeUpdateMetadata, activities.UpdateMetadataInput{
		Document: &row,
	}).Get(ctx, nil); err != nil {
		return DocumentResult{}, err
	}

	state = activities.StatePublished
	result := DocumentResult{State: activities.StatePublished, DecidedBy: decidedBy}
	notifyContributor(ctx, in, result, grade.Score)
	return result, nil
}

// archiveDocument records the terminal ARCHIVED row and notifies the
// contributor, shared by the auto-reject, controller-reject, timeout, and
// cancel paths.
func archiveDocument(ctx *workflow.Context, in DocumentInput, ex activities.ExtractResult, score float64, state *string, res DocumentResult) (DocumentResult, error) {
	*state = activities.StateMetadataUpdating
	row := metadata.Document{
		ID:             in.DocumentID,
		TenantID:       in.TenantID,
		Title:          ex.Title,
		ContributorID:  in.ContributorPrincipal,
		State:          activities.StateArchived,
		RelevanceScore: score,
		Chunks:         len(ex.Chunks),
		UpdatedAt:      ctx.Now(),
	}
	if err := ctx.ExecuteActivity(activities.TypeUpdateMetadata, activities.UpdateMetadataInput{
		Document: &row,
	}).Get(ctx, nil); err != nil {
		return DocumentResult{}, err
	}
	*state = activities.StateArchived
	notifyContributor(ctx, in, res, score)
	return res, nil
}

// notifyContributor publishes the terminal inbox signal. Delivery failure is
// logged, not fatal: the run outcome stands regardless.
func notifyContributor(ctx *workflow.Context, in DocumentInput, res DocumentResult, score float64) {
	if in.ContributorPrincipal == "" {
		return
	}
	err := ctx.ExecuteActivity(activities.TypeNotifyStakeholders, activities.NotifyInput{
		Principal:  in.ContributorPrincipal,
		WorkflowID: ctx.Info().WorkflowID,
		Kind:       "completion",
		Payload: mustJSON(documentNotice{
			DocumentID:     in.DocumentID,
			State:          res.State,
			Reason:         res.Reason,
			DecidedBy:      res.DecidedBy,
			RelevanceScore: score,
		}),
	}).Get(ctx, nil)
	if err != nil {
		ctx.Logger().Warn("contributor notification failed", "document_id", in.DocumentID, "error", err)
	}
}
