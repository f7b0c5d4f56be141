// Package activities implements the activity library executed by the worker
// fleet. Every handler is registered through one table that fixes its task
// queue, timeouts, and retry policy, and receives its adapter dependencies
// explicitly at construction. Handlers are safe to re-execute: external
// writes go through upserts keyed by business identifiers, so a retried
// attempt converges on the same state instead of duplicating effects.
package activities

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corpusworks/corpus/blob"
	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/worker"
	"github.com/corpusworks/corpus/graph"
	"github.com/corpusworks/corpus/inbox"
	"github.com/corpusworks/corpus/metadata"
	"github.com/corpusworks/corpus/model"
	"github.com/corpusworks/corpus/telemetry"
	"github.com/corpusworks/corpus/vector"
)

// Activity type names. Workflows schedule by these; the registration table
// maps them onto queues.
const (
	TypeDownloadBlob         = "download_blob"
	TypeExtractTextAndChunk  = "extract_text_and_chunk"
	TypeAssessRelevance      = "assess_relevance"
	TypeGenerateEmbeddings   = "generate_embeddings"
	TypeExtractGraphEntities = "extract_graph_entities"
	TypeUpsertVectorIndex    = "upsert_vector_index"
	TypeUpsertGraph          = "upsert_graph"
	TypeDeleteFromVector     = "delete_from_vector_index"
	TypeUpdateMetadata       = "update_metadata"
	TypeNotifyStakeholders   = "notify_stakeholders"
	TypeVectorSearch         = "vector_search"
	TypeGraphNeighbors       = "graph_neighbors"
	TypeGenerateAnswer       = "generate_answer"
	TypeScoreConfidence      = "score_confidence"
	TypeCreateReviewTask     = "create_review_task"
	TypeSignalWorkflow       = "signal_workflow"
	TypeCancelWorkflow       = "cancel_workflow"
	TypePublishReviewable    = "publish_reviewable"
	TypeArchiveReviewable    = "archive_reviewable"
	TypeRevertVectorAndGraph = "revert_vector_and_graph"
	TypeUpdateQualityScores  = "update_quality_scores"
)

// Document lifecycle states recorded in the metadata store and carried in
// progress signals.
const (
	StateDownloading      = "DOWNLOADING"
	StateExtracting       = "EXTRACTING"
	StateAssessing        = "ASSESSING"
	StatePendingReview    = "PENDING_REVIEW"
	StateEmbedding        = "EMBEDDING"
	StateMetadataUpdating = "METADATA_UPDATING"
	StatePublished        = "PUBLISHED"
	StateArchived         = "ARCHIVED"
)

// DefaultVectorCollection is the vector index collection documents land in
// when the deployment does not name one.
const DefaultVectorCollection = "documents"

type (
	// Embedder turns texts into fixed-dimension vectors. The OpenAI adapter
	// satisfies it for production; HashingEmbedder serves dev mode and tests.
	Embedder interface {
		Embed(ctx context.Context, texts []string) ([][]float64, error)
	}

	// Notifier publishes signals to principal inboxes. *inbox.Service
	// satisfies it.
	Notifier interface {
		Publish(ctx context.Context, sig inbox.Signal) (int64, error)
	}

	// Deps carries the adapters the handlers act through. All fields except
	// Logger and VectorCollection are required.
	Deps struct {
		Blob     blob.Store
		Vector   vector.Index
		Graph    graph.Store
		Metadata metadata.Store
		Model    model.Client
		Embedder Embedder
		// Engine is the orchestrator client used by the coordination
		// activities: child starts, cross-workflow signals, cancellation.
		Engine engine.Client
		Inbox  Notifier
		Logger telemetry.Logger
		// VectorCollection overrides DefaultVectorCollection.
		VectorCollection string
	}

	// library binds the handlers to their dependencies.
	library struct {
		deps Deps
	}
)

// Register validates deps and installs every activity in the registry with
// its queue, timeouts, and retry policy. This table is the single source of
// routing truth: workflow code schedules by type name only.
func Register(reg *worker.Registry, deps Deps) error {
	switch {
	case deps.Blob == nil:
		return errors.New("activities: blob store is required")
	case deps.Vector == nil:
		return errors.New("activities: vector index is required")
	case deps.Graph == nil:
		return errors.New("activities: graph store is required")
	case deps.Metadata == nil:
		return errors.New("activities: metadata store is required")
	case deps.Model == nil:
		return errors.New("activities: model client is required")
	case deps.Embedder == nil:
		return errors.New("activities: embedder is required")
	case deps.Engine == nil:
		return errors.New("activities: engine client is required")
	case deps.Inbox == nil:
		return errors.New("activities: inbox notifier is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.VectorCollection == "" {
		deps.VectorCollection = DefaultVectorCollection
	}
	lib := &library{deps: deps}

	ai := engine.ActivityOptions{
		Queue:               engine.QueueAIProcessing,
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    60 * time.Second,
		RetryPolicy:         &engine.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaxAttempts: 5},
	}
	storage := engine.ActivityOptions{
		Queue:               engine.QueueStorage,
		StartToCloseTimeout: 2 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &engine.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaxAttempts: 5},
	}
	general := engine.ActivityOptions{
		Queue:               engine.QueueGeneral,
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &engine.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaxAttempts: 3},
	}
	download := storage
	download.StartToCloseTimeout = 5 * time.Minute
	download.RetryPolicy = &engine.RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaxAttempts: 3}
	cancel := general
	cancel.StartToCloseTimeout = 2 * time.Minute

	table := []worker.Registration{
		{Type: TypeDownloadBlob, Handler: worker.Typed(lib.downloadBlob), Options: download},
		{Type: TypeExtractTextAndChunk, Handler: worker.Typed(lib.extractTextAndChunk), Options: ai},
		{Type: TypeAssessRelevance, Handler: worker.Typed(lib.assessRelevance), Options: ai},
		{Type: TypeGenerateEmbeddings, Handler: worker.Typed(lib.generateEmbeddings), Options: ai},
		{Type: TypeExtractGraphEntities, Handler: worker.Typed(lib.extractGraphEntities), Options: ai},
		{Type: TypeUpsertVectorIndex, Handler: worker.Typed(lib.upsertVectorIndex), Options: storage},
		{Type: TypeUpsertGraph, Handler: worker.Typed(lib.upsertGraph), Options: storage},
		{Type: TypeDeleteFromVector, Handler: worker.Typed(lib.deleteFromVectorIndex), Options: storage},
		{Type: TypeUpdateMetadata, Handler: worker.Typed(lib.updateMetadata), Options: storage},
		{Type: TypeNotifyStakeholders, Handler: worker.Typed(lib.notifyStakeholders), Options: general},
		{Type: TypeVectorSearch, Handler: worker.Typed(lib.vectorSearch), Options: storage},
		{Type: TypeGraphNeighbors, Handler: worker.Typed(lib.graphNeighbors), Options: storage},
		{Type: TypeGenerateAnswer, Handler: worker.Typed(lib.generateAnswer), Options: ai},
		{Type: TypeScoreConfidence, Handler: worker.Typed(lib.scoreConfidence), Options: ai},
		{Type: TypeCreateReviewTask, Handler: worker.Typed(lib.createReviewTask), Options: general},
		{Type: TypeSignalWorkflow, Handler: worker.Typed(lib.signalWorkflow), Options: general},
		{Type: TypeCancelWorkflow, Handler: worker.Typed(lib.cancelWorkflow), Options: cancel},
		{Type: TypePublishReviewable, Handler: worker.Typed(lib.publishReviewable), Options: storage},
		{Type: TypeArchiveReviewable, Handler: worker.Typed(lib.archiveReviewable), Options: storage},
		{Type: TypeRevertVectorAndGraph, Handler: worker.Typed(lib.revertVectorAndGraph), Options: storage},
		{Type: TypeUpdateQualityScores, Handler: worker.Typed(lib.updateQualityScores), Options: storage},
	}
	for _, r := range table {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// chunkID derives the vector index ID of one chunk. Deterministic, so
// retried upserts and compensating deletes address the same entries.
func chunkID(documentID string, i int) string {
	return fmt.Sprintf("%s#%d", documentID, i)
}

// cacheKey derives the deterministic LLM cache key for an activity request.
// Retried attempts of the same scheduled activity produce the same key and
// replay the cached completion instead of re-billing the provider.
func cacheKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// decodeModelJSON decodes the first JSON object in a completion into out.
// Models occasionally wrap the object in prose or code fences, so the
// decoder scans for the outermost braces instead of requiring a bare object.
func decodeModelJSON(text string, out any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}

// complete runs one model call, classifying rate limits and transport
// failures as transient so the retry policy reattempts them.
func (l *library) complete(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := l.deps.Model.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrRateLimited) {
			return model.Response{}, engine.NewTransientError(err, "model rate limited")
		}
		return model.Response{}, engine.NewTransientError(err, "model completion failed: %v", err)
	}
	return resp, nil
}

// truncate clips s to at most n bytes on a rune boundary for prompt budgets.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
