package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corpusworks/corpus/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{
		DefaultModel: "claude-3-5-sonnet",
		MaxTokens:    128,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleUser, Content: "hello"},
		},
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{
				Type: "text",
				Text: "world",
			},
		},
		Model:      "claude-3-5-sonnet",
		StopReason: sdk.StopReasonEndTurn,
		Usage: sdk.Usage{
			InputTokens:  10,
			OutputTokens: 5,
		},
	}

	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "world" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	params := stub.lastParams
	if params.Model != "claude-3-5-sonnet" {
		t.Fatalf("unexpected model %q", params.Model)
	}
	if params.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Fatalf("expected system prompt to be lifted out of the conversation, got %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 conversation message, got %d", len(params.Messages))
	}
}

func TestComplete_RateLimitedStatus(t *testing.T) {
	apiErr := &sdk.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
	}
	stub := &stubMessagesClient{err: apiErr}
	cl, err := New(stub, Options{
		DefaultModel: "claude-3-5-sonnet",
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}

	_, err = cl.Complete(context.Background(), req)
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestComplete_RequiresMessages(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{
		DefaultModel: "claude-3-5-sonnet",
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := cl.Complete(context.Background(), model.Request{}); err == nil {
		t.Fatal("expected error for empty request")
	}
	if _, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleSystem, Content: "system only"}},
	}); err == nil {
		t.Fatal("expected error when no user/assistant message is present")
	}
}

func TestComplete_RequestOverridesDefaults(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	cl, err := New(stub, Options{
		DefaultModel: "claude-3-5-sonnet",
		MaxTokens:    128,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Model:     "claude-3-5-haiku",
		MaxTokens: 32,
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if stub.lastParams.Model != "claude-3-5-haiku" {
		t.Fatalf("unexpected model %q", stub.lastParams.Model)
	}
	if stub.lastParams.MaxTokens != 32 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
}
