package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/corpusworks/corpus/blob"
	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/engine/worker"
	"github.com/corpusworks/corpus/graph"
	"github.com/corpusworks/corpus/inbox"
	"github.com/corpusworks/corpus/metadata"
	"github.com/corpusworks/corpus/model"
	"github.com/corpusworks/corpus/vector"
)

// maxChunkBytes bounds one retrieval chunk. Paragraphs are packed up to the
// bound; a single oversized paragraph is split hard.
const maxChunkBytes = 1600

// maxPromptBytes bounds document text inlined into assessment and extraction
// prompts.
const maxPromptBytes = 6000

// heartbeatEvery is the chunk stride between explicit progress heartbeats in
// the batch loops.
const heartbeatEvery = 16

type (
	// DownloadBlobInput names the object to fetch.
	DownloadBlobInput struct {
		Path string `json:"path"`
	}

	// DownloadBlobResult carries the raw bytes and sniffed content type.
	DownloadBlobResult struct {
		Data        []byte `json:"data"`
		Size        int    `json:"size"`
		ContentType string `json:"content_type"`
	}

	// ExtractInput is the raw document to normalize.
	ExtractInput struct {
		DocumentID string `json:"document_id"`
		Data       []byte `json:"data"`
	}

	// ExtractResult is the normalized text split into retrieval chunks.
	ExtractResult struct {
		Title  string   `json:"title"`
		Text   string   `json:"text"`
		Chunks []string `json:"chunks"`
	}

	// AssessRelevanceInput asks the model to grade one document.
	AssessRelevanceInput struct {
		TenantID   string `json:"tenant_id"`
		DocumentID string `json:"document_id"`
		Title      string `json:"title"`
		Text       string `json:"text"`
	}

	// AssessRelevanceResult is the graded outcome on a 0-10 scale.
	AssessRelevanceResult struct {
		Score     float64 `json:"score"`
		Rationale string  `json:"rationale,omitempty"`
	}

	// GenerateEmbeddingsInput embeds the document chunks.
	GenerateEmbeddingsInput struct {
		DocumentID string   `json:"document_id"`
		Chunks     []string `json:"chunks"`
	}

	// GenerateEmbeddingsResult pairs each chunk index with its vector.
	GenerateEmbeddingsResult struct {
		Vectors [][]float64 `json:"vectors"`
		Dim     int         `json:"dim"`
	}

	// ExtractGraphEntitiesInput asks the model for entities and relations.
	ExtractGraphEntitiesInput struct {
		TenantID   string `json:"tenant_id"`
		DocumentID string `json:"document_id"`
		Title      string `json:"title"`
		Text       string `json:"text"`
	}

	// ExtractGraphEntitiesResult is the mutation to merge. Node and edge IDs
	// are normalized and every element carries document_id so a rollback can
	// find this document's contribution.
	ExtractGraphEntitiesResult struct {
		Mutation graph.Mutation `json:"mutation"`
	}

	// UpsertVectorIndexInput writes chunk vectors under deterministic IDs.
	UpsertVectorIndexInput struct {
		TenantID   string      `json:"tenant_id"`
		DocumentID string      `json:"document_id"`
		Chunks     []string    `json:"chunks"`
		Vectors    [][]float64 `json:"vectors"`
	}

	// UpsertVectorIndexResult reports the IDs written, in chunk order. The
	// compensating delete replays exactly this list.
	UpsertVectorIndexResult struct {
		IDs []string `json:"ids"`
	}

	// UpsertGraphInput merges the extracted mutation.
	UpsertGraphInput struct {
		Mutation graph.Mutation `json:"mutation"`
	}

	// UpsertGraphResult counts merged elements.
	UpsertGraphResult struct {
		Nodes int `json:"nodes"`
		Edges int `json:"edges"`
	}

	// DeleteFromVectorInput removes previously upserted vectors.
	DeleteFromVectorInput struct {
		IDs []string `json:"ids"`
	}

	// DeleteFromVectorResult counts deletions attempted.
	DeleteFromVectorResult struct {
		Deleted int `json:"deleted"`
	}

	// UpdateMetadataInput upserts the document row, the answer row, or both.
	UpdateMetadataInput struct {
		Document *metadata.Document `json:"document,omitempty"`
		Answer   *metadata.Answer   `json:"answer,omitempty"`
	}

	// UpdateMetadataResult acknowledges the write.
	UpdateMetadataResult struct {
		Updated int `json:"updated"`
	}

	// NotifyInput publishes one signal to a principal inbox.
	NotifyInput struct {
		Principal  string          `json:"principal"`
		WorkflowID string          `json:"workflow_id,omitempty"`
		Kind       string          `json:"kind"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}

	// NotifyResult echoes the assigned inbox sequence.
	NotifyResult struct {
		Sequence int64 `json:"sequence"`
	}
)

func (l *library) downloadBlob(ctx context.Context, in DownloadBlobInput) (DownloadBlobResult, error) {
	if in.Path == "" {
		return DownloadBlobResult{}, engine.NewNonRetryableError("InvalidActivityInput", "blob path is required")
	}
	data, err := l.deps.Blob.Get(ctx, in.Path)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return DownloadBlobResult{}, engine.NewNonRetryableError("BlobNotFound", "blob %q not found", in.Path)
		}
		return DownloadBlobResult{}, engine.NewTransientError(err, "fetch blob %q: %v", in.Path, err)
	}
	return DownloadBlobResult{
		Data:        data,
		Size:        len(data),
		ContentType: http.DetectContentType(data),
	}, nil
}

func (l *library) extractTextAndChunk(ctx context.Context, in ExtractInput) (ExtractResult, error) {
	if len(in.Data) == 0 {
		return ExtractResult{}, engine.NewNonRetryableError("EmptyDocument", "document %q has no content", in.DocumentID)
	}
	ct := http.DetectContentType(in.Data)
	if !strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "json") && !strings.Contains(ct, "xml") {
		return ExtractResult{}, engine.NewNonRetryableError("UnsupportedContentType", "document %q is %s, not text", in.DocumentID, ct)
	}
	if !utf8.Valid(in.Data) {
		return ExtractResult{}, engine.NewNonRetryableError("InvalidEncoding", "document %q is not valid UTF-8", in.DocumentID)
	}
	text := normalizeText(string(in.Data))
	if text == "" {
		return ExtractResult{}, engine.NewNonRetryableError("EmptyDocument", "document %q has no extractable text", in.DocumentID)
	}
	return ExtractResult{
		Title:  titleOf(text),
		Text:   text,
		Chunks: chunkText(text, maxChunkBytes),
	}, nil
}

const assessSystemPrompt = `You curate a shared knowledge base. Grade how relevant and useful the
submitted document is for inclusion, on a scale of 0 (noise) to 10
(essential reference). Respond with a single JSON object:
{"score": <number 0-10>, "rationale": "<one sentence>"}`

func (l *library) assessRelevance(ctx context.Context, in AssessRelevanceInput) (AssessRelevanceResult, error) {
	excerpt := truncate(in.Text, maxPromptBytes)
	resp, err := l.complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: assessSystemPrompt},
			{Role: model.RoleUser, Content: fmt.Sprintf("Title: %s\n\nDocument:\n%s", in.Title, excerpt)},
		},
		MaxTokens: 512,
		CacheKey:  cacheKey(TypeAssessRelevance, in.TenantID, in.DocumentID, in.Title, excerpt),
	})
	if err != nil {
		return AssessRelevanceResult{}, err
	}
	var out AssessRelevanceResult
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return AssessRelevanceResult{}, engine.NewNonRetryableError("ModelOutputUnparseable", "relevance grade for %q: %v", in.DocumentID, err)
	}
	out.Score = clamp(out.Score, 0, 10)
	l.deps.Logger.Debug(ctx, "relevance assessed", "document_id", in.DocumentID, "score", out.Score)
	return out, nil
}

func (l *library) generateEmbeddings(ctx context.Context, in GenerateEmbeddingsInput) (GenerateEmbeddingsResult, error) {
	if len(in.Chunks) == 0 {
		return GenerateEmbeddingsResult{}, engine.NewNonRetryableError("EmptyDocument", "document %q has no chunks to embed", in.DocumentID)
	}
	vectors := make([][]float64, 0, len(in.Chunks))
	for start := 0; start < len(in.Chunks); start += heartbeatEvery {
		end := start + heartbeatEvery
		if end > len(in.Chunks) {
			end = len(in.Chunks)
		}
		batch, err := l.deps.Embedder.Embed(ctx, in.Chunks[start:end])
		if err != nil {
			return GenerateEmbeddingsResult{}, engine.NewTransientError(err, "embed chunks %d-%d of %q: %v", start, end-1, in.DocumentID, err)
		}
		if len(batch) != end-start {
			return GenerateEmbeddingsResult{}, engine.NewTransientError(nil, "embedder returned %d vectors for %d chunks", len(batch), end-start)
		}
		vectors = append(vectors, batch...)
		worker.RecordHeartbeat(ctx, []byte(strconv.Itoa(len(vectors))))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	return GenerateEmbeddingsResult{Vectors: vectors, Dim: dim}, nil
}

const extractEntitiesSystemPrompt = `You extract a knowledge graph from a document. Identify the distinct
entities (people, organizations, products, concepts, places) and the
directed relations between them. Respond with a single JSON object:
{"nodes":[{"id":"<short name>","label":"<Person|Organization|Product|Concept|Place>","properties":{"name":"<display name>"}}],
 "edges":[{"from":"<node id>","to":"<node id>","type":"<UPPER_SNAKE relation>"}]}
Use the same id for repeated mentions of one entity. Omit relations you
cannot ground in the text.`

func (l *library) extractGraphEntities(ctx context.Context, in ExtractGraphEntitiesInput) (ExtractGraphEntitiesResult, error) {
	excerpt := truncate(in.Text, maxPromptBytes)
	resp, err := l.complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: extractEntitiesSystemPrompt},
			{Role: model.RoleUser, Content: fmt.Sprintf("Title: %s\n\nDocument:\n%s", in.Title, excerpt)},
		},
		MaxTokens: 2048,
		CacheKey:  cacheKey(TypeExtractGraphEntities, in.TenantID, in.DocumentID, in.Title, excerpt),
	})
	if err != nil {
		return ExtractGraphEntitiesResult{}, err
	}
	var raw struct {
		Nodes []struct {
			ID         string         `json:"id"`
			Label      string         `json:"label"`
			Properties map[string]any `json:"properties"`
		} `json:"nodes"`
		Edges []struct {
			From string `json:"from"`
			To   string `json:"to"`
			Type string `json:"type"`
		} `json:"edges"`
	}
	if err := decodeModelJSON(resp.Text, &raw); err != nil {
		return ExtractGraphEntitiesResult{}, engine.NewNonRetryableError("ModelOutputUnparseable", "entity extraction for %q: %v", in.DocumentID, err)
	}
	var mut graph.Mutation
	known := make(map[string]bool, len(raw.Nodes))
	for _, n := range raw.Nodes {
		id := slugify(n.ID)
		if id == "" || known[id] {
			continue
		}
		known[id] = true
		props := n.Properties
		if props == nil {
			props = map[string]any{}
		}
		props["document_id"] = in.DocumentID
		props["tenant_id"] = in.TenantID
		mut.Nodes = append(mut.Nodes, graph.Node{ID: id, Label: n.Label, Properties: props})
	}
	for _, e := range raw.Edges {
		from, to := slugify(e.From), slugify(e.To)
		typ := strings.ToUpper(strings.TrimSpace(e.Type))
		if from == "" || to == "" || typ == "" || !known[from] || !known[to] {
			continue
		}
		mut.Edges = append(mut.Edges, graph.Edge{
			ID:   fmt.Sprintf("%s|%s|%s", from, typ, to),
			From: from,
			To:   to,
			Type: typ,
			Properties: map[string]any{
				"document_id": in.DocumentID,
				"tenant_id":   in.TenantID,
			},
		})
	}
	sort.Slice(mut.Edges, func(i, j int) bool { return mut.Edges[i].ID < mut.Edges[j].ID })
	return ExtractGraphEntitiesResult{Mutation: mut}, nil
}

func (l *library) upsertVectorIndex(ctx context.Context, in UpsertVectorIndexInput) (UpsertVectorIndexResult, error) {
	if len(in.Chunks) != len(in.Vectors) {
		return UpsertVectorIndexResult{}, engine.NewNonRetryableError("InvalidActivityInput", "%d chunks but %d vectors", len(in.Chunks), len(in.Vectors))
	}
	ids := make([]string, 0, len(in.Vectors))
	for i, values := range in.Vectors {
		id := chunkID(in.DocumentID, i)
		err := l.deps.Vector.Upsert(ctx, l.deps.VectorCollection, vector.Vector{
			ID:     id,
			Values: values,
			Metadata: map[string]string{
				"tenant_id":   in.TenantID,
				"document_id": in.DocumentID,
				"chunk":       strconv.Itoa(i),
				"text":        truncate(in.Chunks[i], 500),
			},
		})
		if err != nil {
			return UpsertVectorIndexResult{}, engine.NewTransientError(err, "upsert vector %q: %v", id, err)
		}
		ids = append(ids, id)
		if (i+1)%heartbeatEvery == 0 {
			worker.RecordHeartbeat(ctx, []byte(strconv.Itoa(i+1)))
		}
	}
	return UpsertVectorIndexResult{IDs: ids}, nil
}

func (l *library) upsertGraph(ctx context.Context, in UpsertGraphInput) (UpsertGraphResult, error) {
	if err := l.deps.Graph.Merge(ctx, in.Mutation); err != nil {
		return UpsertGraphResult{}, engine.NewTransientError(err, "merge graph mutation: %v", err)
	}
	return UpsertGraphResult{Nodes: len(in.Mutation.Nodes), Edges: len(in.Mutation.Edges)}, nil
}

func (l *library) deleteFromVectorIndex(ctx context.Context, in DeleteFromVectorInput) (DeleteFromVectorResult, error) {
	for i, id := range in.IDs {
		if err := l.deps.Vector.Delete(ctx, l.deps.VectorCollection, id); err != nil {
			return DeleteFromVectorResult{}, engine.NewTransientError(err, "delete vector %q: %v", id, err)
		}
		if (i+1)%heartbeatEvery == 0 {
			worker.RecordHeartbeat(ctx, []byte(strconv.Itoa(i+1)))
		}
	}
	return DeleteFromVectorResult{Deleted: len(in.IDs)}, nil
}

func (l *library) updateMetadata(ctx context.Context, in UpdateMetadataInput) (UpdateMetadataResult, error) {
	if in.Document == nil && in.Answer == nil {
		return UpdateMetadataResult{}, engine.NewNonRetryableError("InvalidActivityInput", "metadata update carries neither document nor answer")
	}
	updated := 0
	if in.Document != nil {
		if err := l.deps.Metadata.UpsertDocument(ctx, *in.Document); err != nil {
			return UpdateMetadataResult{}, engine.NewTransientError(err, "upsert document row %q: %v", in.Document.ID, err)
		}
		updated++
	}
	if in.Answer != nil {
		if err := l.deps.Metadata.UpsertAnswer(ctx, *in.Answer); err != nil {
			return UpdateMetadataResult{}, engine.NewTransientError(err, "upsert answer row %q: %v", in.Answer.ID, err)
		}
		updated++
	}
	return UpdateMetadataResult{Updated: updated}, nil
}

func (l *library) notifyStakeholders(ctx context.Context, in NotifyInput) (NotifyResult, error) {
	if in.Principal == "" {
		return NotifyResult{}, engine.NewNonRetryableError("InvalidActivityInput", "notify requires a principal")
	}
	seq, err := l.deps.Inbox.Publish(ctx, inbox.Signal{
		Principal:  in.Principal,
		WorkflowID: in.WorkflowID,
		Kind:       in.Kind,
		Payload:    in.Payload,
	})
	if err != nil {
		return NotifyResult{}, engine.NewTransientError(err, "publish inbox signal to %q: %v", in.Principal, err)
	}
	return NotifyResult{Sequence: seq}, nil
}

// normalizeText canonicalizes line endings, drops control characters other
// than newline and tab, and trims trailing space per line.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// titleOf takes the first non-empty line, stripped of markdown heading
// markers, capped at 120 bytes.
func titleOf(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			return truncate(line, 120)
		}
	}
	return ""
}

// chunkText packs paragraphs into chunks of at most limit bytes. A paragraph
// longer than the limit is split on the boundary. Deterministic for a given
// input.
func chunkText(text string, limit int) []string {
	paras := strings.Split(text, "\n\n")
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for len(p) > limit {
			flush()
			head := truncate(p, limit)
			chunks = append(chunks, head)
			p = strings.TrimSpace(p[len(head):])
		}
		if p == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(p) > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return chunks
}

// slugify lowercases and collapses an entity mention into a stable node ID.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
