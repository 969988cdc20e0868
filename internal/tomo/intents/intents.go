// Package intents implements the persistent confirmation workflow for
// sensitive Tomo actions.
//
// When a sensitive action (money transfer, outbound mail, document
// registration) is requested, the execution gateway holds it as a pending
// Intent in the database instead of executing it.  A later "yes" from the
// user claims the intent (pending → executing, exactly once) and hands it
// back to the gateway for actual execution; "no" cancels it; silence lets it
// expire after its TTL.
//
// The store is the single source of truth.  In-memory copies of "the last
// pending intent" are advisory caches and must defer to the store on
// conflict — this is what makes confirmation survive process restarts and
// a second device picking up the conversation.
package intents

import (
	"errors"
	"time"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

// Status represents the lifecycle state of a pending intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether the status is immutable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// DefaultTTL is how long a pending intent stays claimable without a
// confirmation.
const DefaultTTL = 2 * time.Hour

// DefaultMaxExecution is how long an intent may remain in the executing
// state before the reconciliation sweep cancels it as stuck.
const DefaultMaxExecution = 5 * time.Minute

// Intent is a persisted action awaiting (or past) confirmation.
type Intent struct {
	// ID is a unique identifier generated at creation.
	ID string

	// SessionID identifies the conversation the intent belongs to.
	SessionID string

	// Kind and Args are the canonical form of the action.
	Kind actions.Kind
	Args map[string]string

	// PayloadHash is the idempotency fingerprint of (Kind, Args).
	PayloadHash string

	// Preview is the human-readable description shown before confirmation.
	Preview string

	// Status is the current lifecycle state.
	Status Status

	CreatedAt time.Time
	ExpiresAt time.Time

	// ClaimedAt is set when the intent transitions to executing.
	ClaimedAt *time.Time

	// ExecutedAt is set when execution completed successfully.
	ExecutedAt *time.Time

	// ErrorNote records why a claim was released or cancelled.
	ErrorNote string
}

// Action reconstructs the ephemeral action form for dispatch.
func (i *Intent) Action() *actions.Action {
	args := make(map[string]any, len(i.Args))
	for k, v := range i.Args {
		args[k] = v
	}
	return &actions.Action{Kind: i.Kind, Args: args}
}

// Errors returned by claim and transition operations.  Callers use errors.Is
// to turn these into user-facing replies; none of them is destructive.
var (
	// ErrNotFound means no intent matches the lookup.
	ErrNotFound = errors.New("intent not found")
	// ErrAlreadyInProgress means a concurrent confirmation won the claim.
	ErrAlreadyInProgress = errors.New("intent is already being processed")
	// ErrAlreadyExecuted means the intent already ran to completion.
	ErrAlreadyExecuted = errors.New("intent was already executed")
	// ErrExpired means the intent passed its TTL before being claimed.
	ErrExpired = errors.New("intent has expired")
	// ErrCancelled means the intent was cancelled before the claim.
	ErrCancelled = errors.New("intent was cancelled")
)
