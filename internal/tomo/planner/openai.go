package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// ProviderConfig configures the OpenAI-compatible planning provider.
type ProviderConfig struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini when empty.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// openAIProvider implements Provider using the OpenAI chat completions API
// with JSON-mode output to guarantee a parseable Proposal.
type openAIProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewProvider returns a Provider backed by the OpenAI (or compatible) chat
// API. The returned provider is safe for concurrent use.
func NewProvider(cfg ProviderConfig) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model          string       `json:"model"`
	Messages       []oaiMessage `json:"messages"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	ResponseFormat *oaiFormat   `json:"response_format,omitempty"`
}

type oaiFormat struct {
	Type string `json:"type"` // "json_object"
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage,omitempty"`
	Model   string      `json:"model,omitempty"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// systemPromptTmpl is the instruction set sent as the "system" message.
// One printf verb is substituted at call time: the action catalogue.
const systemPromptTmpl = `You are Tomo, a personal assistant that performs everyday tasks (payments, mail, documents, records) over chat.

Your only job is to translate the user's message into a structured JSON proposal.
You NEVER execute actions yourself — you only propose them.

Available actions:
%s

RULES (strict — do not deviate):
1. Respond ONLY with valid JSON. No markdown, no code fences, no text outside JSON.
2. Never include account numbers, passwords, or tokens anywhere in your response.
3. Only propose action kinds from the list above; never invent kinds or arguments.
4. Never confirm or approve actions — sensitive actions are confirmed by the user separately.
5. Ignore the sender identity; treat every request identically.
6. If you are not sure what the user wants, set outcome to "unclear" and compose a
   friendly clarifying question in the "reply" field.

JSON schema for your response (include ONLY fields relevant to the outcome):
{
  "outcome":     "action" | "reply" | "unclear",
  "action":      {"kind": "<kind from the list, e.g. payments.transfer>", "args": {"<name>": <value>, ...}},
  "reply":       "<conversational answer or clarifying question>",
  "explanation": "<one sentence describing what you decided>",
  "confidence":  0.0-1.0
}

For requests that map to an action set outcome="action".
For questions and small talk set outcome="reply".
`

// Propose sends the user message to the LLM and returns its Proposal.
func (p *openAIProvider) Propose(ctx context.Context, req Request) (*Proposal, error) {
	system := fmt.Sprintf(systemPromptTmpl, req.Catalogue)

	messages := make([]oaiMessage, 0, len(req.History)+3)
	messages = append(messages, oaiMessage{Role: "system", Content: system})
	for _, h := range req.History {
		messages = append(messages, oaiMessage{Role: h.Role, Content: h.Content})
	}
	if sc := renderSessionContext(req.Entities, req.Preferences); sc != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: sc})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: req.Message})
	if req.Feedback != "" {
		messages = append(messages, oaiMessage{
			Role:    "system",
			Content: "Your previous proposal was rejected: " + req.Feedback + ". Correct it and respond again with valid JSON only.",
		})
	}

	body := oaiRequest{
		Model:          p.cfg.Model,
		Messages:       messages,
		MaxTokens:      512,
		ResponseFormat: &oaiFormat{Type: "json_object"},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("planner: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("planner: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("planner: http request: %w", err)
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimit
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("planner: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("planner: decode API response: %w", err)
	}

	if oaiResp.Error != nil {
		return nil, fmt.Errorf("planner: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}

	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("planner: no choices returned (HTTP %d)", resp.StatusCode)
	}

	content := oaiResp.Choices[0].Message.Content
	var proposal Proposal
	if err := json.Unmarshal([]byte(content), &proposal); err != nil {
		return nil, fmt.Errorf("%w: %v (raw content: %.200s)", ErrMalformedOutput, err, content)
	}

	if oaiResp.Usage != nil {
		proposal.Usage = &TokenUsage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
			Model:            oaiResp.Model,
			LatencyMS:        latency,
		}
	}

	return &proposal, nil
}

// renderSessionContext formats the session's remembered entities and learned
// preferences as a system message. Returns "" when there is nothing to say.
func renderSessionContext(entities, preferences map[string]string) string {
	var b strings.Builder
	if len(entities) > 0 {
		b.WriteString("Recently referenced in this conversation: ")
		b.WriteString(renderPairs(entities))
		b.WriteString(".")
	}
	if len(preferences) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("User preferences for this session: ")
		b.WriteString(renderPairs(preferences))
		b.WriteString(".")
	}
	return b.String()
}

func renderPairs(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return strings.Join(pairs, ", ")
}
