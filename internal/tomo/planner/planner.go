package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

const (
	// maxAttempts bounds the propose/validate loop. A model that cannot
	// produce a schema-valid action in this many tries gets a clarification
	// prompt instead of another chance.
	maxAttempts = 3

	// minConfidence is the floor below which an action proposal is treated
	// as unclear.
	minConfidence = 0.5
)

// Plan is the planner's verdict on one delegated message: either a
// validated action ready for the gateway, or a reply to send as-is.
type Plan struct {
	Action *actions.Action
	Reply  string
}

// Planner wraps a Provider with validation, bounded retry, rate limiting
// and token accounting.
type Planner struct {
	provider  Provider
	registry  *actions.Registry
	limiter   *RateLimiter
	budget    *TokenBudget
	log       *slog.Logger
	catalogue string
}

// New creates a Planner. The catalogue shown to the model is rendered once;
// the action registry is immutable after startup validation.
func New(provider Provider, registry *actions.Registry, limiter *RateLimiter, budget *TokenBudget, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{
		provider:  provider,
		registry:  registry,
		limiter:   limiter,
		budget:    budget,
		log:       log,
		catalogue: renderCatalogue(registry),
	}
}

// Plan turns a delegated message into a validated action or a reply.
// Throttling conditions come back as replies, not errors: the turn loop
// always has something to tell the user.
func (p *Planner) Plan(ctx context.Context, senderID, message string, turn *Turn) (*Plan, error) {
	if !p.limiter.Allow(senderID) {
		p.log.Warn("planning call rate-limited", "sender", senderID)
		return &Plan{Reply: RateLimitMessage}, nil
	}
	if !p.budget.Allow(senderID) {
		p.log.Warn("token budget exhausted", "sender", senderID)
		return &Plan{Reply: TokenBudgetExceededMessage}, nil
	}
	if turn == nil {
		turn = &Turn{}
	}

	feedback := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		proposal, err := p.provider.Propose(ctx, Request{
			Message:     message,
			Catalogue:   p.catalogue,
			History:     turn.History,
			Entities:    turn.Entities,
			Preferences: turn.Preferences,
			Feedback:    feedback,
			SenderID:    senderID,
		})
		if err != nil {
			if errors.Is(err, ErrRateLimit) {
				return &Plan{Reply: APIRateLimitMessage}, nil
			}
			if errors.Is(err, ErrMalformedOutput) {
				p.log.Warn("malformed planner output", "attempt", attempt, "error", err)
				feedback = "the response was not valid JSON"
				continue
			}
			return nil, fmt.Errorf("planning call failed: %w", err)
		}
		if proposal.Usage != nil {
			p.budget.RecordUsage(senderID, proposal.Usage.TotalTokens)
			p.log.Debug("planning call completed",
				"sender", senderID,
				"tokens", proposal.Usage.TotalTokens,
				"latency_ms", proposal.Usage.LatencyMS)
		}

		switch proposal.Outcome {
		case OutcomeReply, OutcomeUnclear:
			if proposal.Reply == "" {
				return &Plan{Reply: CannotPlanMessage}, nil
			}
			return &Plan{Reply: proposal.Reply}, nil
		case OutcomeAction:
			action, verr := p.validateProposal(proposal)
			if verr != nil {
				p.log.Warn("rejected action proposal",
					"attempt", attempt, "error", verr)
				feedback = verr.Error()
				continue
			}
			return &Plan{Action: action}, nil
		default:
			feedback = fmt.Sprintf("unknown outcome %q", proposal.Outcome)
			continue
		}
	}

	return &Plan{Reply: CannotPlanMessage}, nil
}

// validateProposal checks an action proposal against the closed kind set
// and the kind's argument schema.
func (p *Planner) validateProposal(proposal *Proposal) (*actions.Action, error) {
	if proposal.Action == nil {
		return nil, errors.New("outcome is action but no action was given")
	}
	if proposal.Confidence > 0 && proposal.Confidence < minConfidence {
		return nil, fmt.Errorf("confidence %.2f is too low to act on", proposal.Confidence)
	}
	kind, err := actions.ParseKind(proposal.Action.Kind)
	if err != nil {
		return nil, err
	}
	spec, err := p.registry.Spec(kind)
	if err != nil {
		return nil, err
	}
	args := proposal.Action.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := spec.ValidateArgs(args); err != nil {
		return nil, err
	}
	return &actions.Action{Kind: kind, Args: args}, nil
}

// renderCatalogue formats the registry's specs for the system prompt.
func renderCatalogue(registry *actions.Registry) string {
	var b strings.Builder
	for _, spec := range registry.Catalogue() {
		fmt.Fprintf(&b, "- %s: %s", spec.Kind, spec.Description)
		if spec.Sensitive {
			b.WriteString(" (sensitive: requires user confirmation)")
		}
		fmt.Fprintf(&b, "\n  arguments schema: %s\n", compactJSON(spec.Schema))
	}
	return b.String()
}

// compactJSON collapses the indented schema literals for prompt brevity.
func compactJSON(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
