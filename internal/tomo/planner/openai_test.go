package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chatCompletion(content string) oaiResponse {
	return oaiResponse{
		Model:   "gpt-4o-mini",
		Choices: []oaiChoice{{Message: oaiMessage{Role: "assistant", Content: content}}},
		Usage:   &oaiUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

func TestOpenAIProvider_ParsesProposal(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req oaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Error("expected JSON-mode response format")
		}
		json.NewEncoder(w).Encode(chatCompletion(
			`{"outcome":"action","action":{"kind":"payments.balance","args":{}},"confidence":0.95}`))
	}))
	defer srv.Close()

	p := NewProvider(ProviderConfig{APIKey: "test-key", BaseURL: srv.URL})
	proposal, err := p.Propose(context.Background(), Request{Message: "what's my balance?", Catalogue: "- payments.balance"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("unexpected auth header: %q", gotAuth)
	}
	if proposal.Outcome != OutcomeAction {
		t.Errorf("expected action outcome, got %s", proposal.Outcome)
	}
	if proposal.Action == nil || proposal.Action.Kind != "payments.balance" {
		t.Errorf("unexpected action: %+v", proposal.Action)
	}
	if proposal.Usage == nil || proposal.Usage.TotalTokens != 120 {
		t.Errorf("expected usage to be reported, got %+v", proposal.Usage)
	}
}

func TestOpenAIProvider_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewProvider(ProviderConfig{BaseURL: srv.URL})
	_, err := p.Propose(context.Background(), Request{Message: "hi"})
	if !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected ErrRateLimit, got %v", err)
	}
}

func TestOpenAIProvider_MalformedContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatCompletion("certainly! here's some prose instead of JSON"))
	}))
	defer srv.Close()

	p := NewProvider(ProviderConfig{BaseURL: srv.URL})
	_, err := p.Propose(context.Background(), Request{Message: "hi"})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Errorf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestOpenAIProvider_FeedbackAppendedToMessages(t *testing.T) {
	var gotMessages []oaiMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotMessages = req.Messages
		json.NewEncoder(w).Encode(chatCompletion(`{"outcome":"reply","reply":"ok"}`))
	}))
	defer srv.Close()

	p := NewProvider(ProviderConfig{BaseURL: srv.URL})
	_, err := p.Propose(context.Background(), Request{
		Message:  "send money",
		Feedback: "amount must be a decimal string",
		History:  []HistoryMessage{{Role: "user", Content: "earlier"}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	last := gotMessages[len(gotMessages)-1]
	if last.Role != "system" {
		t.Errorf("expected trailing system feedback message, got role %q", last.Role)
	}
	if len(gotMessages) != 4 {
		t.Errorf("expected system+history+user+feedback, got %d messages", len(gotMessages))
	}
}
