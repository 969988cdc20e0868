// Package planner is the second layer of Tomo's intent resolution: an LLM
// proposes a structured action for messages the deterministic resolver could
// not classify.
//
// Security invariants:
//   - The LLM only proposes actions; it never executes them.
//   - Every proposal is validated against the action's argument schema
//     before it goes anywhere near the execution gateway.
//   - Sensitive proposals still go through the confirmation workflow like
//     every other sensitive action.
//   - Rate limiting and a daily token budget bound spend per sender.
package planner

import (
	"context"
	"errors"
)

// ErrRateLimit is returned by a Provider when the upstream LLM API reports a
// rate-limiting condition (e.g. HTTP 429).  Callers surface a user-visible
// message; the request was understood but cannot be fulfilled right now.
var ErrRateLimit = errors.New("planner: upstream rate limit exceeded")

// ErrMalformedOutput is returned by a Provider when the LLM responds with a
// body that cannot be interpreted as a Proposal (JSON parse failure,
// unexpected shape).  The planner retries a bounded number of times before
// asking the user to rephrase.
var ErrMalformedOutput = errors.New("planner: malformed response from LLM")

// Outcome is the high-level category of a proposal.
type Outcome string

const (
	// OutcomeAction means the model proposes a concrete action.
	OutcomeAction Outcome = "action"
	// OutcomeReply means the message is conversational; no action applies.
	OutcomeReply Outcome = "reply"
	// OutcomeUnclear means the model could not determine intent with
	// confidence and composed a clarifying question.
	OutcomeUnclear Outcome = "unclear"
)

// HistoryMessage is one prior conversation turn injected into the LLM
// context window.
type HistoryMessage struct {
	// Role is "user" or "assistant".
	Role string
	// Content is the message text.
	Content string
}

// Request is the input to a single planning call.
//
// The caller populates Catalogue on each request; it is a cheap string and
// deliberately not cached inside the provider so stale action lists are
// never replayed.
type Request struct {
	// Message is the raw text sent by the user.
	Message string

	// Catalogue describes the available actions and their arguments. The
	// LLM may only propose kinds that appear here.
	Catalogue string

	// History contains prior turns from the current session. May be nil for
	// a fresh conversation.
	History []HistoryMessage

	// Entities are the normalized arguments of the action most recently
	// referenced in the session, so "send it to bob instead" can resolve.
	Entities map[string]string

	// Preferences are session-scoped learned values (default currency and
	// the like) the model may fall back on when the user leaves them out.
	Preferences map[string]string

	// Feedback carries the validation error from a previous rejected
	// proposal, so the model can correct itself on retry. Empty on the
	// first attempt.
	Feedback string

	// SenderID identifies the sender for traceability; the system prompt
	// instructs the model to ignore it.
	SenderID string
}

// Turn bundles the per-session context handed to Plan. A nil *Turn means a
// fresh conversation with no remembered context.
type Turn struct {
	History     []HistoryMessage
	Entities    map[string]string
	Preferences map[string]string
}

// ProposedAction is the raw action shape as returned by the model, before
// kind and argument validation.
type ProposedAction struct {
	Kind string         `json:"kind"`
	Args map[string]any `json:"args,omitempty"`
}

// Proposal is the structured output of one planning call.
type Proposal struct {
	// Outcome is the high-level category of the proposal.
	Outcome Outcome `json:"outcome"`

	// Action is populated when Outcome == OutcomeAction.
	Action *ProposedAction `json:"action,omitempty"`

	// Reply is the conversational answer or clarifying question, populated
	// for OutcomeReply and OutcomeUnclear.
	Reply string `json:"reply,omitempty"`

	// Explanation is a one-sentence summary of what the model decided.
	Explanation string `json:"explanation,omitempty"`

	// Confidence is the model's 0–1 certainty in the proposal.
	Confidence float64 `json:"confidence,omitempty"`

	// Usage holds the token counts reported by the provider. Nil when the
	// provider does not report usage (e.g. stubs in tests).
	Usage *TokenUsage `json:"-"`
}

// TokenUsage carries the token counts reported by the upstream LLM API for
// one call. Zero-valued fields mean the provider did not report usage.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Model is the model name echoed back by the provider, may be empty.
	Model string
	// LatencyMS is the observed HTTP round-trip time in milliseconds.
	LatencyMS int64
}

// User-facing replies for the planner's throttling conditions, defined here
// so callers do not hard-code them.
const (
	RateLimitMessage = "I'm handling too many requests from you right now. Please try again in a moment."

	APIRateLimitMessage = "The assistant is temporarily rate-limited by its upstream provider. Please try again shortly."

	TokenBudgetExceededMessage = "I've reached my daily conversation limit for you. Simple commands like \"balance\" still work."

	CannotPlanMessage = "I couldn't work out what you'd like me to do. Could you rephrase that?"
)

// Provider turns a free-form message into a structured Proposal.
//
// Implementations must be safe for concurrent use. On network failure they
// return a descriptive error; the caller degrades to a clarification prompt
// rather than guessing.
type Provider interface {
	Propose(ctx context.Context, req Request) (*Proposal, error)
}
