// Package resolver is the first, deterministic layer of Tomo's intent
// resolution.  It classifies a user message by exact vocabulary and phrase
// rules; anything it cannot classify is delegated to the command planner,
// never guessed at.
//
// Rule order is fixed and confirmation-first: when a confirmation is
// pending, a bare "yes" or "no" must resolve the confirmation and nothing
// else, no matter what other rules might match.
package resolver

import (
	"strings"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

// DecisionKind classifies a message.
type DecisionKind int

const (
	// DecisionDelegate means no deterministic rule matched; the command
	// planner takes over.
	DecisionDelegate DecisionKind = iota
	// DecisionAffirm confirms the pending intent.
	DecisionAffirm
	// DecisionRefuse declines the pending intent.
	DecisionRefuse
	// DecisionAction carries a fully resolved action.
	DecisionAction
	// DecisionListPending asks for the session's pending confirmations.
	DecisionListPending
	// DecisionHelp asks what the assistant can do.
	DecisionHelp
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAffirm:
		return "affirm"
	case DecisionRefuse:
		return "refuse"
	case DecisionAction:
		return "action"
	case DecisionListPending:
		return "list_pending"
	case DecisionHelp:
		return "help"
	default:
		return "delegate"
	}
}

// Decision is the resolver's verdict on one message.
type Decision struct {
	Kind DecisionKind

	// Action is set when Kind is DecisionAction.
	Action *actions.Action
}

// Resolver applies the vocabulary to incoming messages.
type Resolver struct {
	vocab *Vocabulary
}

// New creates a resolver over a vocabulary.
func New(vocab *Vocabulary) *Resolver {
	return &Resolver{vocab: vocab}
}

// Meta rule kinds resolved inside the assistant rather than dispatched as
// actions.
const (
	metaPending = "pending"
	metaHelp    = "help"
)

// Resolve classifies a message. hasPending reports whether the session has
// a confirmation outstanding; without one, confirmation vocabulary is not
// consulted and "yes" on its own falls through to the planner like any
// other unclassifiable message.
func (r *Resolver) Resolve(text string, hasPending bool) Decision {
	norm := normalize(text)
	if norm == "" {
		return Decision{Kind: DecisionDelegate}
	}

	if hasPending {
		if r.vocab.IsRefusal(norm) {
			return Decision{Kind: DecisionRefuse}
		}
		if r.vocab.IsAffirmation(norm) {
			return Decision{Kind: DecisionAffirm}
		}
	}

	for _, rule := range r.vocab.Rules {
		if decision, ok := r.applyRule(rule, norm); ok {
			return decision
		}
	}

	return Decision{Kind: DecisionDelegate}
}

func (r *Resolver) applyRule(rule Rule, norm string) (Decision, bool) {
	for _, phrase := range rule.Match {
		if norm == normalize(phrase) {
			return r.ruleDecision(rule, nil)
		}
	}
	for _, phrase := range rule.Prefix {
		p := normalize(phrase) + " "
		if rest, ok := strings.CutPrefix(norm, p); ok && strings.TrimSpace(rest) != "" {
			args := map[string]any{rule.Arg: strings.TrimSpace(rest)}
			return r.ruleDecision(rule, args)
		}
	}
	return Decision{}, false
}

func (r *Resolver) ruleDecision(rule Rule, args map[string]any) (Decision, bool) {
	switch rule.Kind {
	case metaPending:
		return Decision{Kind: DecisionListPending}, true
	case metaHelp:
		return Decision{Kind: DecisionHelp}, true
	}
	kind, err := actions.ParseKind(rule.Kind)
	if err != nil {
		// Unknown kinds in a user-supplied vocabulary are skipped, not
		// fatal; the planner still gets a shot at the message.
		return Decision{}, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return Decision{Kind: DecisionAction, Action: &actions.Action{Kind: kind, Args: args}}, true
}

// normalize lowercases, trims, collapses inner whitespace and strips
// trailing punctuation so "Yes!" and "yes" classify identically.
func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.TrimRight(text, ".!?,;: ")
	return strings.Join(strings.Fields(text), " ")
}
