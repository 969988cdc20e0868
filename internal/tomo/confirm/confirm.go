// Package confirm drives the confirmation workflow for sensitive actions:
// it turns a user's "yes" or "no" into intent store transitions and, on a
// successful claim, real execution through the gateway.
//
// The store decides everything. An affirmation claims the latest pending
// intent atomically; losing a race, confirming twice, or confirming after
// the TTL each produce a specific, honest reply instead of a second
// execution.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Tomo/common/trace"
	"github.com/bdobrica/Tomo/internal/tomo/actions"
	"github.com/bdobrica/Tomo/internal/tomo/gateway"
	"github.com/bdobrica/Tomo/internal/tomo/intents"
	"github.com/bdobrica/Tomo/internal/tomo/session"
	"github.com/bdobrica/Tomo/internal/tomo/store"
)

// Replies for the confirmation edge cases.
const (
	NothingPendingMessage = "There's nothing waiting for your confirmation."

	AlreadyInProgressMessage = "I'm already working on that — one moment."

	AlreadyDoneMessage = "That was already done; I won't repeat it."

	ExpiredMessage = "That request expired before you confirmed it. Please ask again if you still want it."

	CancelledMessage = "Okay, cancelled."

	WasCancelledMessage = "That request was already cancelled."
)

// Outcome is the result of handling a confirmation message.
type Outcome struct {
	// Reply is the message to send back to the user.
	Reply string

	// PendingIntentID is the advisory pointer value after this turn: the ID
	// of an intent still (or newly) awaiting confirmation, or "" when
	// nothing is pending anymore.
	PendingIntentID string
}

// Flow coordinates confirmations between the intent store and the gateway.
type Flow struct {
	intents *intents.Store
	gateway *gateway.Gateway
	audit   *store.Store
	log     *slog.Logger
}

// New creates a confirmation flow. The audit store may be nil in tests.
func New(intentStore *intents.Store, gw *gateway.Gateway, audit *store.Store, log *slog.Logger) *Flow {
	if log == nil {
		log = slog.Default()
	}
	return &Flow{intents: intentStore, gateway: gw, audit: audit, log: log}
}

// Affirm handles an affirmative confirmation: claim the pending intent,
// execute it, and finalize the store record according to how execution
// went.
func (f *Flow) Affirm(ctx context.Context, sess *session.Session) (*Outcome, error) {
	intent, err := f.lookupForAffirm(ctx, sess)
	if errors.Is(err, intents.ErrNotFound) {
		return f.recoverFromTranscript(ctx, sess)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending intent: %w", err)
	}

	claimed, err := f.intents.Claim(ctx, intent.ID)
	if err != nil {
		return f.claimFailureOutcome(ctx, sess, intent.ID, err)
	}

	f.log.Info("intent claimed for execution",
		"intent_id", claimed.ID, "kind", claimed.Kind)

	output, execErr := f.gateway.Dispatch(ctx, claimed.Action())
	if execErr != nil {
		return f.executionFailureOutcome(ctx, sess, claimed, execErr)
	}

	if err := f.intents.MarkExecuted(ctx, claimed.ID); err != nil {
		// Execution succeeded; a bookkeeping failure must not make the
		// reply look like the action failed.
		f.log.Error("failed to mark intent executed",
			"intent_id", claimed.ID, "error", err)
	}
	f.writeAudit(ctx, sess, claimed, "executed", nil)

	return &Outcome{Reply: output}, nil
}

// Refuse handles a negative confirmation: cancel the pending intent.
func (f *Flow) Refuse(ctx context.Context, sess *session.Session) (*Outcome, error) {
	intent, err := f.lookupPending(ctx, sess)
	if errors.Is(err, intents.ErrNotFound) {
		return &Outcome{Reply: NothingPendingMessage}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending intent: %w", err)
	}

	if err := f.intents.Cancel(ctx, intent.ID); err != nil {
		// Lost a race with another resolution; report the current state.
		return f.claimFailureOutcome(ctx, sess, intent.ID, err)
	}
	f.writeAudit(ctx, sess, intent, "cancelled", nil)
	return &Outcome{Reply: CancelledMessage}, nil
}

// ListPending renders the session's outstanding confirmations.
func (f *Flow) ListPending(ctx context.Context, sess *session.Session) (*Outcome, error) {
	pending, err := f.intents.ListPending(ctx, sess.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending intents: %w", err)
	}
	if len(pending) == 0 {
		return &Outcome{Reply: NothingPendingMessage}, nil
	}

	reply := "Waiting for your confirmation:\n"
	for _, intent := range pending {
		reply += fmt.Sprintf("- %s\n", intent.Preview)
	}
	reply += "\nReply \"yes\" to confirm the most recent one, or \"no\" to cancel it."
	return &Outcome{Reply: reply, PendingIntentID: pending[0].ID}, nil
}

// lookupForAffirm finds the intent an affirmation refers to. A resolvable
// advisory pointer is honoured whatever its status — a "yes" about an
// already-resolved intent should say so, not hunt for an older pending one.
// A missing or dangling pointer falls back to the newest pending intent.
func (f *Flow) lookupForAffirm(ctx context.Context, sess *session.Session) (*intents.Intent, error) {
	if sess.PendingIntentID != "" {
		intent, err := f.intents.Get(ctx, sess.PendingIntentID)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, intents.ErrNotFound) {
			return nil, err
		}
	}
	return f.intents.LatestPending(ctx, sess.Key())
}

// lookupPending is the refusal-side lookup: the pointer only counts while
// the intent is still pending, since only pending intents can be cancelled
// by the user.
func (f *Flow) lookupPending(ctx context.Context, sess *session.Session) (*intents.Intent, error) {
	if sess.PendingIntentID != "" {
		intent, err := f.intents.Get(ctx, sess.PendingIntentID)
		if err == nil && intent.Status == intents.StatusPending {
			return intent, nil
		}
		if err != nil && !errors.Is(err, intents.ErrNotFound) {
			return nil, err
		}
	}
	return f.intents.LatestPending(ctx, sess.Key())
}

// recoverFromTranscript handles a "yes" with no pending intent anywhere in
// the store. If the last assistant message carries an action marker, the
// action is re-proposed as a fresh intent and the user is asked to confirm
// again — a stale "yes" never executes anything directly.
func (f *Flow) recoverFromTranscript(ctx context.Context, sess *session.Session) (*Outcome, error) {
	kind, args, ok := gateway.ParseActionMarker(sess.LastAssistantMessage())
	if !ok {
		return &Outcome{Reply: NothingPendingMessage}, nil
	}

	anyArgs := make(map[string]any, len(args))
	for k, v := range args {
		anyArgs[k] = v
	}
	result, err := f.gateway.Execute(ctx, sess.Key(), &actions.Action{Kind: kind, Args: anyArgs})
	if err != nil {
		f.log.Warn("failed to re-propose recovered action",
			"kind", kind, "error", err)
		return &Outcome{Reply: NothingPendingMessage}, nil
	}
	if result.Pending == nil {
		// The marker pointed at a non-sensitive action; it just ran.
		return &Outcome{Reply: result.Output}, nil
	}

	f.log.Info("recovered lost confirmation from transcript",
		"intent_id", result.Pending.ID, "kind", kind)
	reply := "I lost track of that request, so to be safe I need a fresh confirmation.\n\n" + result.Output
	return &Outcome{Reply: reply, PendingIntentID: result.Pending.ID}, nil
}

// claimFailureOutcome maps store errors to user replies.
func (f *Flow) claimFailureOutcome(ctx context.Context, sess *session.Session, intentID string, err error) (*Outcome, error) {
	switch {
	case errors.Is(err, intents.ErrAlreadyInProgress):
		return &Outcome{Reply: AlreadyInProgressMessage}, nil
	case errors.Is(err, intents.ErrAlreadyExecuted):
		return &Outcome{Reply: AlreadyDoneMessage}, nil
	case errors.Is(err, intents.ErrExpired):
		return &Outcome{Reply: ExpiredMessage}, nil
	case errors.Is(err, intents.ErrCancelled):
		return &Outcome{Reply: WasCancelledMessage}, nil
	case errors.Is(err, intents.ErrNotFound):
		return &Outcome{Reply: NothingPendingMessage}, nil
	default:
		return nil, fmt.Errorf("failed to resolve intent %s: %w", intentID, err)
	}
}

// executionFailureOutcome finalizes the intent after a failed execution:
// transient failures release it for another try, permanent ones cancel it.
func (f *Flow) executionFailureOutcome(ctx context.Context, sess *session.Session, intent *intents.Intent, execErr error) (*Outcome, error) {
	if gateway.IsRetryable(execErr) {
		if err := f.intents.Release(ctx, intent.ID, execErr.Error()); err != nil {
			f.log.Error("failed to release intent", "intent_id", intent.ID, "error", err)
		}
		f.writeAudit(ctx, sess, intent, "released", execErr)
		return &Outcome{
			Reply:           "That didn't go through (temporary problem upstream). Reply \"yes\" to try again or \"no\" to cancel.",
			PendingIntentID: intent.ID,
		}, nil
	}

	if err := f.intents.CancelExecuting(ctx, intent.ID, execErr.Error()); err != nil {
		f.log.Error("failed to cancel intent", "intent_id", intent.ID, "error", err)
	}
	f.writeAudit(ctx, sess, intent, "failed", execErr)
	return &Outcome{
		Reply: fmt.Sprintf("I couldn't complete that: %s. The request has been cancelled.", userFacingError(execErr)),
	}, nil
}

func (f *Flow) writeAudit(ctx context.Context, sess *session.Session, intent *intents.Intent, result string, execErr error) {
	if f.audit == nil {
		return
	}
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	err := f.audit.WriteAudit(ctx,
		trace.FromContext(ctx), sess.Key(),
		string(intent.Kind), intent.ID, result,
		store.AuditPayload{"preview": intent.Preview}, errMsg)
	if err != nil {
		f.log.Error("failed to write audit entry", "error", err)
	}
}

// userFacingError strips the gateway's classification prefix for replies.
func userFacingError(err error) string {
	var gerr *gateway.Error
	if errors.As(err, &gerr) && gerr.Err != nil {
		return gerr.Err.Error()
	}
	return err.Error()
}
