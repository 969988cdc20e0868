// Package session tracks per-conversation state: the rolling message
// transcript the planner sees, and an advisory pointer to the most recent
// pending intent.
//
// The pointer is a cache, nothing more.  The intents store keys pending
// intents by the stable session key (see Key), so confirmations survive a
// process restart even though everything in this package is in memory; on
// any disagreement the store wins.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key produces the stable session identifier for a room+sender pair.  It is
// what pending intents are keyed by in the database, so it must not change
// across restarts.
func Key(roomID, senderID string) string {
	return roomID + ":" + senderID
}

// Role identifies who produced a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session transcript.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Session is the in-memory state of one active conversation.
type Session struct {
	// ID identifies this tracking episode in logs. Unlike Key, it is not
	// stable across restarts.
	ID string

	RoomID   string
	SenderID string

	Messages  []Message
	StartedAt time.Time
	LastMsgAt time.Time

	// PendingIntentID is the advisory pointer to the intent most recently
	// held for confirmation in this session. Empty when nothing is known to
	// be pending.
	PendingIntentID string

	// Entities holds the normalized arguments of the action most recently
	// referenced in this session, so follow-up messages can lean on them.
	Entities map[string]string

	// Preferences are session-scoped learned values (a default currency,
	// say) surfaced to the planner as context.
	Preferences map[string]string
}

// Key returns the stable session identifier.
func (s *Session) Key() string {
	return Key(s.RoomID, s.SenderID)
}

// LastAssistantMessage returns the most recent assistant message content, or
// "" when there is none. Used to recover a lost confirmation context from
// the transcript.
func (s *Session) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// TrackerConfig holds configuration for the session Tracker.
type TrackerConfig struct {
	// IdleTimeout is the inactivity duration after which a session is
	// discarded by ExpireStale. Default: 30 minutes.
	IdleTimeout time.Duration

	// MaxMessages bounds the transcript buffer; oldest messages are dropped
	// first. Default: 50.
	MaxMessages int

	// MaxTokens is the estimated token budget for the transcript. Default:
	// 8000.
	MaxTokens int
}

// DefaultTrackerConfig returns the documented defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IdleTimeout: 30 * time.Minute,
		MaxMessages: 50,
		MaxTokens:   8000,
	}
}

// Tracker manages active sessions. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	config   TrackerConfig
	sessions map[string]*Session
}

// NewTracker creates a Tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	defaults := DefaultTrackerConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaults.MaxMessages
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	return &Tracker{
		config:   cfg,
		sessions: make(map[string]*Session),
	}
}

// RecordMessage appends a message to the session for the room+sender pair,
// creating the session if needed, and returns a snapshot of the session
// after the append.
func (t *Tracker) RecordMessage(roomID, senderID string, role Role, content string) *Session {
	return t.recordMessageAt(roomID, senderID, role, content, time.Now())
}

// recordMessageAt is the time-injectable core of RecordMessage.
func (t *Tracker) recordMessageAt(roomID, senderID string, role Role, content string, now time.Time) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(roomID, senderID)
	s := t.sessions[key]
	if s == nil {
		s = &Session{
			ID:        uuid.New().String(),
			RoomID:    roomID,
			SenderID:  senderID,
			StartedAt: now,
		}
		t.sessions[key] = s
	}

	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: now})
	s.LastMsgAt = now
	t.enforceBufferLimits(s)

	return snapshot(s)
}

// Get returns a snapshot of the session for a room+sender pair, or nil.
func (t *Tracker) Get(roomID, senderID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[Key(roomID, senderID)]
	if s == nil {
		return nil
	}
	return snapshot(s)
}

// SetPendingIntent records the advisory pending-intent pointer.
func (t *Tracker) SetPendingIntent(roomID, senderID, intentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := t.sessions[Key(roomID, senderID)]; s != nil {
		s.PendingIntentID = intentID
	}
}

// RecordEntities merges the given normalized action arguments into the
// session's last-referenced entities.
func (t *Tracker) RecordEntities(roomID, senderID string, entities map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sessions[Key(roomID, senderID)]
	if s == nil || len(entities) == 0 {
		return
	}
	if s.Entities == nil {
		s.Entities = make(map[string]string, len(entities))
	}
	for k, v := range entities {
		s.Entities[k] = v
	}
}

// SetPreference records a session-scoped learned preference.
func (t *Tracker) SetPreference(roomID, senderID, key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := t.sessions[Key(roomID, senderID)]; s != nil {
		if s.Preferences == nil {
			s.Preferences = make(map[string]string)
		}
		s.Preferences[key] = value
	}
}

// ClearPendingIntent drops the advisory pointer.
func (t *Tracker) ClearPendingIntent(roomID, senderID string) {
	t.SetPendingIntent(roomID, senderID, "")
}

// ExpireStale discards sessions idle longer than the timeout and returns how
// many were dropped. Pending intents are unaffected; they live in the
// database with their own TTL.
func (t *Tracker) ExpireStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for key, s := range t.sessions {
		if now.Sub(s.LastMsgAt) > t.config.IdleTimeout {
			delete(t.sessions, key)
			dropped++
		}
	}
	return dropped
}

// enforceBufferLimits trims the transcript to the configured bounds. Oldest
// messages drop first. Must be called with mu held.
func (t *Tracker) enforceBufferLimits(s *Session) {
	if len(s.Messages) > t.config.MaxMessages {
		excess := len(s.Messages) - t.config.MaxMessages
		s.Messages = s.Messages[excess:]
	}
	for len(s.Messages) > 1 && estimateTokens(s.Messages) > t.config.MaxTokens {
		s.Messages = s.Messages[1:]
	}
}

// estimateTokens approximates the token count of a transcript. Four bytes
// per token is the usual rough cut for western text.
func estimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)/4 + 4
	}
	return total
}

// snapshot returns a deep copy of a session.
func snapshot(s *Session) *Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	cp.Entities = copyMap(s.Entities)
	cp.Preferences = copyMap(s.Preferences)
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
