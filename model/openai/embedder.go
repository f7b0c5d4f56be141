package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/corpusworks/corpus/model"
)

// EmbeddingsClient captures the subset of the go-openai client used by the
// embedder.
type EmbeddingsClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

// EmbedderOptions configures the embeddings adapter.
type EmbedderOptions struct {
	Client EmbeddingsClient
	Model  openai.EmbeddingModel
}

// Embedder turns texts into vectors via the OpenAI embeddings API.
type Embedder struct {
	client EmbeddingsClient
	model  openai.EmbeddingModel
}

// NewEmbedder builds an embeddings adapter from the provided options. Model
// defaults to text-embedding-3-small.
func NewEmbedder(opts EmbedderOptions) (*Embedder, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		opts.Model = openai.SmallEmbedding3
	}
	return &Embedder{client: opts.Client, model: opts.Model}, nil
}

// Embed requests one vector per input text, returned in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		vec := make([]float64, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float64(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
