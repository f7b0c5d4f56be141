package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	openaisdk "github.com/sashabaranov/go-openai"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/config"
	"github.com/corpusworks/corpus/model"
	"github.com/corpusworks/corpus/model/anthropic"
	modelmw "github.com/corpusworks/corpus/model/middleware"
	"github.com/corpusworks/corpus/model/openai"
)

// budgetMapName is the Pulse replicated map sharing the LLM token budget
// across corpus processes. Must match the router node's map name so every
// node draws from the same budget.
const budgetMapName = "corpus_model_budget"

// buildModel constructs the provider adapter with its middleware stack
// (adaptive rate limit, then response cache) and the embedder the AI
// activities use.
func buildModel(ctx context.Context, cfg *config.Config, rdb *redis.Client) (model.Client, activities.Embedder, error) {
	if cfg.Model.APIKey == "" {
		return nil, nil, fmt.Errorf("model.api_key is required (provider %s)", cfg.Model.Provider)
	}

	var (
		client   model.Client
		embedder activities.Embedder
		err      error
	)
	switch cfg.Model.Provider {
	case config.ProviderAnthropic:
		client, err = anthropic.NewFromAPIKey(cfg.Model.APIKey, cfg.Model.Model)
	case config.ProviderOpenAI:
		var c *openai.Client
		c, err = openai.NewFromAPIKey(cfg.Model.APIKey, cfg.Model.Model)
		client = c
		if err == nil {
			embedder, err = openai.NewEmbedder(openai.EmbedderOptions{
				Client: openaisdk.NewClient(cfg.Model.APIKey),
				Model:  openaisdk.EmbeddingModel(cfg.Model.EmbeddingModel),
			})
		}
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Model.Provider)
	}
	if err != nil {
		return nil, nil, err
	}
	if embedder == nil {
		// Anthropic has no embeddings endpoint; the hashing embedder keeps
		// ingestion working with deterministic dev-grade vectors.
		log.Printf(ctx, "no embeddings provider configured, using hashing embedder")
		embedder = activities.HashingEmbedder{}
	}

	var mws []model.Middleware
	if cfg.Model.InitialTPM > 0 {
		var budget *rmap.Map
		if rdb != nil {
			if budget, err = rmap.Join(ctx, budgetMapName, rdb); err != nil {
				return nil, nil, fmt.Errorf("join model budget map: %w", err)
			}
		}
		limiter := modelmw.NewAdaptiveRateLimiter(ctx, budget, cfg.Model.Provider,
			cfg.Model.InitialTPM, cfg.Model.MaxTPM)
		mws = append(mws, limiter.Middleware())
	}
	if cfg.Model.CacheTTL > 0 && rdb != nil {
		store, err := modelmw.NewRedisStore(rdb)
		if err != nil {
			return nil, nil, fmt.Errorf("create model cache store: %w", err)
		}
		cache, err := modelmw.NewResponseCache(store, cfg.Model.CacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("create model response cache: %w", err)
		}
		mws = append(mws, cache.Middleware())
	}
	return model.Chain(client, mws...), embedder, nil
}
