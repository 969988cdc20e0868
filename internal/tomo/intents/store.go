package intents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Tomo/internal/tomo/actions"
)

// Store persists intents in SQLite.  All lifecycle transitions are guarded
// UPDATEs on the current status, so two processes (or two goroutines racing
// on the same "yes") cannot both win a claim.
type Store struct {
	db *sql.DB

	// now is injectable for TTL tests.
	now func() time.Time
}

// NewStore creates an intent store on top of an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const intentColumns = `id, session_id, action_kind, args_json, payload_hash, preview,
	status, created_at, expires_at, claimed_at, executed_at, error_note`

// Create stores a new pending intent, or returns the existing live intent
// with the same payload for the session.  The second return value reports
// whether a new row was created: repeating a request while its twin is still
// pending must not stack up duplicate confirmations.
func (s *Store) Create(ctx context.Context, sessionID string, kind actions.Kind, args map[string]string, payloadHash, preview string, ttl time.Duration) (*Intent, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now().UTC()

	// Stale pending rows would otherwise shadow a fresh request through the
	// live-payload unique index.
	if err := s.expireSession(ctx, sessionID, now); err != nil {
		return nil, false, err
	}

	if existing, err := s.liveByPayload(ctx, sessionID, payloadHash); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal intent args: %w", err)
	}

	intent := &Intent{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Kind:        kind,
		Args:        args,
		PayloadHash: payloadHash,
		Preview:     preview,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intents (id, session_id, action_kind, args_json, payload_hash, preview, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.SessionID, string(intent.Kind), string(argsJSON),
		intent.PayloadHash, intent.Preview, string(intent.Status),
		intent.CreatedAt, intent.ExpiresAt,
	)
	if err != nil {
		// A concurrent Create for the same payload may have beaten us to the
		// unique index; coalesce into that row.
		if isUniqueViolation(err) {
			existing, selErr := s.liveByPayload(ctx, sessionID, payloadHash)
			if selErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create intent: %w", err)
	}

	return intent, true, nil
}

// Get returns the intent with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	return scanIntent(row)
}

// LatestPending returns the most recently created pending intent for a
// session, after lazily expiring anything past its TTL.
func (s *Store) LatestPending(ctx context.Context, sessionID string) (*Intent, error) {
	now := s.now().UTC()
	if err := s.expireSession(ctx, sessionID, now); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE session_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		sessionID, string(StatusPending))
	return scanIntent(row)
}

// ListPending returns all pending intents for a session, newest first.
func (s *Store) ListPending(ctx context.Context, sessionID string) ([]*Intent, error) {
	now := s.now().UTC()
	if err := s.expireSession(ctx, sessionID, now); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE session_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC`,
		sessionID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending intents: %w", err)
	}
	defer rows.Close()

	var intents []*Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// Claim atomically transitions a pending, unexpired intent to executing.
// Exactly one caller wins; everyone else gets a specific error describing
// why the intent was not claimable.
func (s *Store) Claim(ctx context.Context, id string) (*Intent, error) {
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET status = ?, claimed_at = ?
		WHERE id = ? AND status = ? AND expires_at > ?`,
		string(StatusExecuting), now, id, string(StatusPending), now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim intent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check claim result: %w", err)
	}
	if rows == 0 {
		return nil, s.diagnoseClaimFailure(ctx, id)
	}

	return s.Get(ctx, id)
}

// diagnoseClaimFailure turns a zero-row claim into the precise reason.
func (s *Store) diagnoseClaimFailure(ctx context.Context, id string) error {
	intent, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch intent.Status {
	case StatusPending:
		// Still pending but the guarded UPDATE skipped it: the TTL ran out.
		if _, err := s.db.ExecContext(ctx,
			`UPDATE intents SET status = ? WHERE id = ? AND status = ?`,
			string(StatusExpired), id, string(StatusPending)); err != nil {
			return fmt.Errorf("failed to expire intent: %w", err)
		}
		return ErrExpired
	case StatusExecuting:
		return ErrAlreadyInProgress
	case StatusExecuted:
		return ErrAlreadyExecuted
	case StatusExpired:
		return ErrExpired
	case StatusCancelled:
		return ErrCancelled
	}
	return fmt.Errorf("intent %s in unexpected status %q", id, intent.Status)
}

// MarkExecuted finalizes a claimed intent after successful execution.
func (s *Store) MarkExecuted(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusExecuting, StatusExecuted, "")
}

// Release returns a claimed intent to pending after a retryable execution
// failure, so the user can confirm again. The original TTL still applies.
func (s *Store) Release(ctx context.Context, id, note string) error {
	return s.transition(ctx, id, StatusExecuting, StatusPending, note)
}

// CancelExecuting cancels a claimed intent after a permanent execution
// failure.
func (s *Store) CancelExecuting(ctx context.Context, id, note string) error {
	return s.transition(ctx, id, StatusExecuting, StatusCancelled, note)
}

// Cancel cancels a pending intent, typically on an explicit "no".
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending, StatusCancelled, "cancelled by user")
}

func (s *Store) transition(ctx context.Context, id string, from, to Status, note string) error {
	now := s.now().UTC()

	var res sql.Result
	var err error
	if to == StatusExecuted {
		res, err = s.db.ExecContext(ctx, `
			UPDATE intents SET status = ?, executed_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE intents SET status = ?, error_note = ? WHERE id = ? AND status = ?`,
			string(to), note, id, string(from))
	}
	if err != nil {
		return fmt.Errorf("failed to transition intent to %s: %w", to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if rows == 0 {
		intent, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		switch intent.Status {
		case StatusExecuting:
			return ErrAlreadyInProgress
		case StatusExecuted:
			return ErrAlreadyExecuted
		case StatusExpired:
			return ErrExpired
		case StatusCancelled:
			return ErrCancelled
		}
		return fmt.Errorf("cannot transition intent %s from %s to %s: currently %s",
			id, from, to, intent.Status)
	}
	return nil
}

// ExpireStale marks every pending intent past its TTL as expired, across all
// sessions. Run periodically so abandoned confirmations do not linger as
// claimable rows.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?
		WHERE status = ? AND expires_at <= ?`,
		string(StatusExpired), string(StatusPending), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale intents: %w", err)
	}
	return res.RowsAffected()
}

// SweepStuck cancels intents that have sat in executing longer than
// maxExecution — a crash between claim and completion would otherwise pin
// the live-payload slot forever.
func (s *Store) SweepStuck(ctx context.Context, maxExecution time.Duration) (int64, error) {
	if maxExecution <= 0 {
		maxExecution = DefaultMaxExecution
	}
	cutoff := s.now().UTC().Add(-maxExecution)

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, error_note = ?
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?`,
		string(StatusCancelled), "execution timed out", string(StatusExecuting), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stuck intents: %w", err)
	}
	return res.RowsAffected()
}

// expireSession lazily expires this session's overdue pending intents.
func (s *Store) expireSession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?
		WHERE session_id = ? AND status = ? AND expires_at <= ?`,
		string(StatusExpired), sessionID, string(StatusPending), now)
	if err != nil {
		return fmt.Errorf("failed to expire session intents: %w", err)
	}
	return nil
}

// liveByPayload returns the pending or executing intent matching the payload
// hash for a session.
func (s *Store) liveByPayload(ctx context.Context, sessionID, payloadHash string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE session_id = ? AND payload_hash = ? AND status IN (?, ?)`,
		sessionID, payloadHash, string(StatusPending), string(StatusExecuting))
	return scanIntent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*Intent, error) {
	var intent Intent
	var kind, status, argsJSON string
	var claimedAt, executedAt sql.NullTime
	var errorNote sql.NullString

	err := row.Scan(
		&intent.ID, &intent.SessionID, &kind, &argsJSON,
		&intent.PayloadHash, &intent.Preview, &status,
		&intent.CreatedAt, &intent.ExpiresAt,
		&claimedAt, &executedAt, &errorNote,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan intent: %w", err)
	}

	intent.Kind = actions.Kind(kind)
	intent.Status = Status(status)
	if err := json.Unmarshal([]byte(argsJSON), &intent.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intent args: %w", err)
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		intent.ClaimedAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		intent.ExecutedAt = &t
	}
	if errorNote.Valid {
		intent.ErrorNote = errorNote.String
	}
	return &intent, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
