// Package gateway is Tomo's execution layer.  It takes a resolved action,
// validates its arguments, and either executes it through the layered
// handler chain (primary, then at most one explicit hand-off to the routed
// or legacy executor) or — for sensitive actions — parks it as a pending
// intent and returns a confirmation prompt instead.
//
// The fallback chain is deliberately shallow: a handler may hand off once,
// and the executor it hands off to must finish the job.  A second hand-off
// in the same request fails closed as a loop rather than bouncing between
// layers.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bdobrica/Tomo/common/redact"
	"github.com/bdobrica/Tomo/common/trace"
	"github.com/bdobrica/Tomo/internal/tomo/actions"
	"github.com/bdobrica/Tomo/internal/tomo/intents"
	"github.com/bdobrica/Tomo/internal/tomo/store"
)

// Gateway validates and executes actions.
type Gateway struct {
	registry *actions.Registry
	intents  *intents.Store
	audit    *store.Store
	log      *slog.Logger
	ttl      time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTTL overrides the pending-intent TTL.
func WithTTL(ttl time.Duration) Option {
	return func(g *Gateway) { g.ttl = ttl }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// New creates a gateway. The audit store may be nil in tests; audit write
// failures are logged, never allowed to fail the user's request.
func New(registry *actions.Registry, intentStore *intents.Store, audit *store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		intents:  intentStore,
		audit:    audit,
		log:      slog.Default(),
		ttl:      intents.DefaultTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Result is the outcome of submitting an action.
type Result struct {
	// Output is the reply to show the user: either the execution result or
	// the confirmation prompt for a sensitive action.
	Output string

	// Pending is set when the action was parked for confirmation.
	Pending *intents.Intent

	// Coalesced reports that an identical request was already awaiting
	// confirmation and no new intent was created.
	Coalesced bool
}

// Execute validates an action and runs it, or parks it for confirmation if
// its kind is sensitive.  Sensitive actions never reach a handler on this
// path; they only execute through Dispatch after a successful claim.
func (g *Gateway) Execute(ctx context.Context, sessionID string, action *actions.Action) (*Result, error) {
	spec, err := g.registry.Spec(action.Kind)
	if err != nil {
		return nil, newError(KindHandlerNotFound, false, "%v", err)
	}
	if err := spec.ValidateArgs(action.Args); err != nil {
		return nil, newError(KindInvalidArguments, false, "%v", err)
	}

	if !spec.Sensitive {
		output, err := g.Dispatch(ctx, action)
		result := "executed"
		if err != nil {
			result = "failed"
		}
		g.writeAudit(ctx, sessionID, action, result, err)
		if err != nil {
			return nil, err
		}
		return &Result{Output: output}, nil
	}

	normalized, err := actions.Normalize(action)
	if err != nil {
		return nil, newError(KindInvalidArguments, false, "%v", err)
	}
	hash := actions.PayloadHash(action.Kind, normalized)
	preview := spec.Preview(normalized)

	intent, created, err := g.intents.Create(ctx, sessionID, action.Kind, normalized, hash, preview, g.ttl)
	if err != nil {
		return nil, newError(KindExecutionFailure, true, "failed to store pending intent: %w", err)
	}

	result := "held for confirmation"
	if !created {
		result = "coalesced"
	}
	g.writeAudit(ctx, sessionID, action, result, nil)
	g.log.Info("action held for confirmation",
		"intent_id", intent.ID,
		"kind", intent.Kind,
		"coalesced", !created)

	return &Result{
		Output:    ConfirmationPrompt(intent),
		Pending:   intent,
		Coalesced: !created,
	}, nil
}

// Dispatch runs an action through the layered handler chain.  It is also the
// execution path for claimed intents; argument validation is the caller's
// responsibility on that path (arguments were validated before the intent
// was stored).
func (g *Gateway) Dispatch(ctx context.Context, action *actions.Action) (string, error) {
	spec, err := g.registry.Spec(action.Kind)
	if err != nil {
		return "", newError(KindHandlerNotFound, false, "%v", err)
	}

	handler, layer, err := g.entryHandler(spec)
	if err != nil {
		return "", err
	}

	// Entering through the routed executor because no primary exists already
	// spends the request's one fallback; a hand-off on top of that is a loop.
	fellBack := layer == "routed"
	for {
		resp, herr := handler.Handle(ctx, action)
		if herr != nil {
			return "", newError(KindExecutionFailure, isTemporary(herr),
				"%s executor failed for %s: %w", layer, action.Kind, herr)
		}
		if !resp.Handoff {
			g.log.Debug("action executed", "kind", action.Kind, "layer", layer)
			return resp.Output, nil
		}
		if fellBack {
			return "", newError(KindFallbackLoop, false,
				"%s executor handed off %s again (target %s)", layer, action.Kind, resp.Target)
		}

		next, nextLayer, ferr := g.fallbackHandler(spec, action.Kind, resp.Target)
		if ferr != nil {
			return "", ferr
		}
		g.log.Info("handler hand-off",
			"kind", action.Kind, "from", layer, "to", nextLayer)
		handler, layer = next, nextLayer
		fellBack = true
	}
}

// entryHandler picks the first executor for an action: the primary handler
// when one exists, otherwise the category's routed executor.
func (g *Gateway) entryHandler(spec *actions.Spec) (actions.Handler, string, error) {
	if h, ok := g.registry.Primary(spec.Kind); ok {
		return h, "primary", nil
	}
	if h, ok := g.registry.Routed(spec.Category); ok {
		return h, "routed", nil
	}
	return nil, "", newError(KindHandlerNotFound, false,
		"no executor for %s (category %s)", spec.Kind, spec.Category)
}

// fallbackHandler resolves an explicit hand-off target.
func (g *Gateway) fallbackHandler(spec *actions.Spec, kind actions.Kind, target actions.FallbackTarget) (actions.Handler, string, error) {
	switch target {
	case actions.FallbackRouter:
		if h, ok := g.registry.Routed(spec.Category); ok {
			return h, "routed", nil
		}
		return nil, "", newError(KindHandlerNotFound, false,
			"hand-off to router for %s but no routed executor for category %s", kind, spec.Category)
	case actions.FallbackLegacy:
		if h, ok := g.registry.Legacy(kind); ok {
			return h, "legacy", nil
		}
		return nil, "", newError(KindHandlerNotFound, false,
			"hand-off to legacy for %s but no legacy executor registered", kind)
	default:
		return nil, "", newError(KindFallbackDestinationMissing, false,
			"handler handed off %s without naming a destination", kind)
	}
}

func (g *Gateway) writeAudit(ctx context.Context, sessionID string, action *actions.Action, result string, execErr error) {
	if g.audit == nil {
		return
	}
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	err := g.audit.WriteAudit(ctx,
		trace.FromContext(ctx), sessionID,
		string(action.Kind), "", result,
		store.AuditPayload{"args": redact.Map(action.Args)},
		errMsg)
	if err != nil {
		g.log.Error("failed to write audit entry", "error", err)
	}
}

// isTemporary reports whether the executor error marks itself transient.
func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
