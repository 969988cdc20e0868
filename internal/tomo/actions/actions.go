// Package actions defines the closed set of operations Tomo can perform on
// behalf of a user, together with their argument schemas and the registry
// that maps each action kind to its executors.
//
// An action kind is a closed enum, not a free-form string: unknown kinds are
// rejected at lookup time and the registry is checked for completeness at
// startup, so a missing handler is a boot failure rather than a runtime
// surprise.
package actions

import (
	"context"
	"fmt"
)

// Kind identifies one action Tomo knows how to perform.
type Kind string

const (
	KindTransfer       Kind = "payments.transfer"
	KindBalance        Kind = "payments.balance"
	KindSendMail       Kind = "mail.send"
	KindRegisterDoc    Kind = "documents.register"
	KindDocumentStatus Kind = "documents.status"
	KindLookupRecord   Kind = "records.lookup"
)

// Kinds returns the closed set of known action kinds.
func Kinds() []Kind {
	return []Kind{
		KindTransfer,
		KindBalance,
		KindSendMail,
		KindRegisterDoc,
		KindDocumentStatus,
		KindLookupRecord,
	}
}

// ParseKind validates a kind string against the closed set.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// Category groups action kinds by the capability-specific executor that can
// serve them when no primary handler is registered.
type Category string

const (
	CategoryPayments  Category = "payments"
	CategoryMail      Category = "mail"
	CategoryDocuments Category = "documents"
	CategoryRecords   Category = "records"
)

// Action is a named operation with its raw argument values, as proposed by
// the intent resolver or the command planner.  Ephemeral; the persisted form
// lives in the intents store.
type Action struct {
	Kind Kind
	Args map[string]any
}

// FallbackTarget names the next execution path a handler hands off to when it
// cannot complete an action itself.  It is a closed enum so the gateway's
// loop-prevention check is a type-level guarantee rather than a string
// comparison.
type FallbackTarget int

const (
	// FallbackNone means the handler is not handing off.
	FallbackNone FallbackTarget = iota
	// FallbackRouter dispatches to the capability-specific executor selected
	// by the action's category.
	FallbackRouter
	// FallbackLegacy dispatches to the designated legacy executor for the
	// exact action kind, bypassing the router entirely.
	FallbackLegacy
)

// String returns the target name for logs and error messages.
func (t FallbackTarget) String() string {
	switch t {
	case FallbackNone:
		return "none"
	case FallbackRouter:
		return "router"
	case FallbackLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("fallback(%d)", int(t))
	}
}

// Response is the outcome of one handler invocation.  A handler that cannot
// complete the action sets Handoff and names its Target explicitly; the
// gateway treats a hand-off with Target == FallbackNone as a hard error,
// never as "no handler exists".
type Response struct {
	// Output is the human-readable result, valid when Handoff is false.
	Output string
	// Handoff signals that the handler defers execution elsewhere.
	Handoff bool
	// Target is the explicit destination of the hand-off.
	Target FallbackTarget
}

// Handler executes one action.  Implementations are stateless from the
// gateway's point of view; a failed execution is reported through the error
// return, a hand-off through the Response.
type Handler interface {
	Handle(ctx context.Context, action *Action) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, action *Action) (*Response, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, action *Action) (*Response, error) {
	return f(ctx, action)
}
