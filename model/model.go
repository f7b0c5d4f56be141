// Package model defines the provider-agnostic LLM port the AI activities
// call. Implementations wrap provider SDKs (Anthropic, OpenAI) and translate
// Request/Response to provider-specific formats; middlewares layer adaptive
// rate limiting and response caching on top without the activities knowing.
package model

import (
	"context"
	"errors"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrRateLimited is wrapped by adapters when the provider rejects a request
// for quota reasons. The rate-limit middleware backs off on it and the
// activity layer reports it as transient so the router retries with backoff.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client is the completion contract. Implementations must be safe for
	// concurrent use.
	Client interface {
		// Complete sends the request and returns the generated completion.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request carries one completion invocation.
	Request struct {
		// Model overrides the adapter's configured model when set.
		Model string `json:"model,omitempty"`
		// Messages is the ordered conversation, system prompts included.
		Messages []Message `json:"messages"`
		// MaxTokens caps completion length. Zero uses the adapter default.
		MaxTokens int `json:"max_tokens,omitempty"`
		// Temperature controls sampling. Zero means greedy decoding.
		Temperature float32 `json:"temperature,omitempty"`
		// CacheKey enables the response cache when non-empty. Callers derive
		// it deterministically from the request content so retried activity
		// attempts hit the cache instead of the provider.
		CacheKey string `json:"-"`
	}

	// Message is one turn of the conversation.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Response is the completion outcome.
	Response struct {
		// Text is the generated completion.
		Text string `json:"text"`
		// Model echoes the provider model that served the request.
		Model string `json:"model,omitempty"`
		// StopReason is provider-specific: "end_turn", "max_tokens", "stop".
		StopReason string `json:"stop_reason,omitempty"`
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage `json:"usage"`
	}

	// TokenUsage counts tokens consumed by one completion.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// Middleware wraps a Client with cross-cutting behavior.
	Middleware func(Client) Client

	// Func adapts a function to the Client interface, used by tests and
	// small composition sites.
	Func func(ctx context.Context, req Request) (Response, error)
)

// Complete implements Client.
func (f Func) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Chain applies middlewares left to right: the first middleware is the
// outermost wrapper and sees requests first.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		c = mws[i](c)
	}
	return c
}
