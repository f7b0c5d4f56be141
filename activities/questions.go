package activities

import (
	"context"
	"fmt"
	"strings"

	"github.com/corpusworks/corpus/engine"
	"github.com/corpusworks/corpus/graph"
	"github.com/corpusworks/corpus/model"
	"github.com/corpusworks/corpus/vector"
)

// defaultSearchK bounds retrieval when the caller does not.
const defaultSearchK = 5

// defaultFactLimit bounds graph facts folded into the answer prompt.
const defaultFactLimit = 16

type (
	// Passage is one retrieved chunk surfaced as answer context. ID is the
	// vector entry ID and doubles as the citation token.
	Passage struct {
		ID         string  `json:"id"`
		DocumentID string  `json:"document_id,omitempty"`
		Text       string  `json:"text"`
		Score      float64 `json:"score"`
	}

	// VectorSearchInput retrieves the chunks nearest to the question.
	VectorSearchInput struct {
		TenantID string `json:"tenant_id"`
		Question string `json:"question"`
		K        int    `json:"k,omitempty"`
	}

	// VectorSearchResult is the ranked context.
	VectorSearchResult struct {
		Passages []Passage `json:"passages"`
	}

	// GraphNeighborsInput expands question entities into related facts.
	GraphNeighborsInput struct {
		TenantID string `json:"tenant_id"`
		Question string `json:"question"`
		Limit    int    `json:"limit,omitempty"`
	}

	// GraphNeighborsResult carries rendered facts, one relation each.
	GraphNeighborsResult struct {
		Facts []string `json:"facts"`
	}

	// GenerateAnswerInput grounds the model on retrieved context.
	GenerateAnswerInput struct {
		TenantID string    `json:"tenant_id"`
		Question string    `json:"question"`
		Passages []Passage `json:"passages"`
		Facts    []string  `json:"facts,omitempty"`
	}

	// GenerateAnswerResult is the drafted answer with passage citations.
	GenerateAnswerResult struct {
		Answer    string   `json:"answer"`
		Citations []string `json:"citations,omitempty"`
	}

	// ScoreConfidenceInput grades the drafted answer.
	ScoreConfidenceInput struct {
		TenantID  string   `json:"tenant_id"`
		Question  string   `json:"question"`
		Answer    string   `json:"answer"`
		Citations []string `json:"citations,omitempty"`
	}

	// ScoreConfidenceResult is the 0-1 confidence grade.
	ScoreConfidenceResult struct {
		Confidence float64 `json:"confidence"`
	}
)

func (l *library) vectorSearch(ctx context.Context, in VectorSearchInput) (VectorSearchResult, error) {
	if strings.TrimSpace(in.Question) == "" {
		return VectorSearchResult{}, engine.NewNonRetryableError("InvalidActivityInput", "question is required")
	}
	vecs, err := l.deps.Embedder.Embed(ctx, []string{in.Question})
	if err != nil {
		return VectorSearchResult{}, engine.NewTransientError(err, "embed question: %v", err)
	}
	if len(vecs) != 1 {
		return VectorSearchResult{}, engine.NewTransientError(nil, "embedder returned %d vectors for one question", len(vecs))
	}
	k := in.K
	if k <= 0 {
		k = defaultSearchK
	}
	matches, err := l.deps.Vector.Search(ctx, l.deps.VectorCollection, vecs[0], vector.SearchOptions{
		K:      k,
		Filter: map[string]string{"tenant_id": in.TenantID},
	})
	if err != nil {
		return VectorSearchResult{}, engine.NewTransientError(err, "vector search: %v", err)
	}
	out := VectorSearchResult{Passages: make([]Passage, 0, len(matches))}
	for _, m := range matches {
		out.Passages = append(out.Passages, Passage{
			ID:         m.ID,
			DocumentID: m.Metadata["document_id"],
			Text:       m.Metadata["text"],
			Score:      m.Score,
		})
	}
	return out, nil
}

func (l *library) graphNeighbors(ctx context.Context, in GraphNeighborsInput) (GraphNeighborsResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultFactLimit
	}
	seen := make(map[string]bool)
	var facts []string
	for _, candidate := range entityCandidates(in.Question) {
		if len(facts) >= limit {
			break
		}
		neighbors, err := l.deps.Graph.Neighbors(ctx, candidate, graph.NeighborOptions{Limit: limit})
		if err != nil {
			return GraphNeighborsResult{}, engine.NewTransientError(err, "graph neighbors of %q: %v", candidate, err)
		}
		for _, n := range neighbors {
			if tenant, ok := n.Edge.Properties["tenant_id"].(string); ok && tenant != in.TenantID {
				continue
			}
			fact := renderFact(candidate, n)
			if seen[fact] {
				continue
			}
			seen[fact] = true
			facts = append(facts, fact)
			if len(facts) >= limit {
				break
			}
		}
	}
	return GraphNeighborsResult{Facts: facts}, nil
}

const answerSystemPrompt = `You answer questions from a shared knowledge base. Use only the numbered
passages and graph facts provided; if they do not contain the answer, say
so. Respond with a single JSON object:
{"answer": "<answer text>", "citations": ["<passage id>", ...]}
Citations list the passage ids that directly support the answer.`

func (l *library) generateAnswer(ctx context.Context, in GenerateAnswerInput) (GenerateAnswerResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nPassages:\n", in.Question)
	known := make(map[string]bool, len(in.Passages))
	for _, p := range in.Passages {
		known[p.ID] = true
		fmt.Fprintf(&b, "[%s] %s\n", p.ID, p.Text)
	}
	if len(in.Passages) == 0 {
		b.WriteString("(none)\n")
	}
	if len(in.Facts) > 0 {
		b.WriteString("\nGraph facts:\n")
		for _, f := range in.Facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	prompt := b.String()
	resp, err := l.complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: answerSystemPrompt},
			{Role: model.RoleUser, Content: prompt},
		},
		MaxTokens: 1024,
		CacheKey:  cacheKey(TypeGenerateAnswer, in.TenantID, prompt),
	})
	if err != nil {
		return GenerateAnswerResult{}, err
	}
	var out GenerateAnswerResult
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		// Some completions come back as prose; keep the text, drop citations.
		out = GenerateAnswerResult{Answer: strings.TrimSpace(resp.Text)}
	}
	kept := out.Citations[:0]
	for _, c := range out.Citations {
		if known[c] {
			kept = append(kept, c)
		}
	}
	out.Citations = kept
	if strings.TrimSpace(out.Answer) == "" {
		return GenerateAnswerResult{}, engine.NewNonRetryableError("ModelOutputUnparseable", "empty answer for question %q", truncate(in.Question, 80))
	}
	return out, nil
}

const confidenceSystemPrompt = `You grade how well an answer is supported by its cited passages. Respond
with a single JSON object: {"confidence": <number between 0 and 1>}
where 1 means fully supported and 0 means unsupported or evasive.`

func (l *library) scoreConfidence(ctx context.Context, in ScoreConfidenceInput) (ScoreConfidenceResult, error) {
	user := fmt.Sprintf("Question: %s\n\nAnswer: %s\n\nCited passages: %s",
		in.Question, in.Answer, strings.Join(in.Citations, ", "))
	resp, err := l.complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: confidenceSystemPrompt},
			{Role: model.RoleUser, Content: user},
		},
		MaxTokens: 128,
		CacheKey:  cacheKey(TypeScoreConfidence, in.TenantID, user),
	})
	if err != nil {
		return ScoreConfidenceResult{}, err
	}
	var out ScoreConfidenceResult
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return ScoreConfidenceResult{}, engine.NewNonRetryableError("ModelOutputUnparseable", "confidence grade: %v", err)
	}
	out.Confidence = clamp(out.Confidence, 0, 1)
	return out, nil
}

// questionStopwords excludes filler words from entity candidate extraction.
var questionStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true,
	"who": true, "where": true, "when": true, "which": true, "how": true,
	"does": true, "did": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "about": true, "that": true, "this": true,
	"why": true, "can": true, "could": true, "would": true, "should": true,
}

// entityCandidates derives graph node ID candidates from a question: each
// content word and each adjacent bigram, slugified the same way extraction
// slugifies entity mentions.
func entityCandidates(question string) []string {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	var content []string
	for _, w := range words {
		if len(w) >= 3 && !questionStopwords[w] {
			content = append(content, w)
		}
	}
	seen := make(map[string]bool, len(content)*2)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for i := 0; i+1 < len(content); i++ {
		add(content[i] + "-" + content[i+1])
	}
	for _, w := range content {
		add(w)
	}
	return out
}

// renderFact formats one neighbor relation as a prompt line, preferring the
// display name property over the node ID.
func renderFact(center string, n graph.Neighbor) string {
	other := displayName(n.Node)
	if n.Edge.From == n.Node.ID {
		return fmt.Sprintf("%s -[%s]-> %s", other, n.Edge.Type, center)
	}
	return fmt.Sprintf("%s -[%s]-> %s", center, n.Edge.Type, other)
}

func displayName(n graph.Node) string {
	if name, ok := n.Properties["name"].(string); ok && name != "" {
		return name
	}
	return n.ID
}
