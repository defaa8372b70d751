package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"codechat/internal/domain"
)

// Session is the conversation state of one chat. It implements
// domain.ConversationContext.
type Session struct {
	mu        sync.RWMutex
	id        string // ULID
	key       string // caller lookup key (e.g. "cli:default")
	model     domain.ModelSelection
	counter   domain.TokenCounter
	msgs      []domain.Message
	createdAt time.Time
	updatedAt time.Time
	inflight  int // exchanges started and not yet resolved
}

// NewSession creates an empty session with a generated ULID. counter may be
// nil, in which case GetMessages never trims.
func NewSession(key string, model domain.ModelSelection, counter domain.TokenCounter) *Session {
	now := time.Now()
	return &Session{
		id:        generateULID(now),
		key:       key,
		model:     model,
		counter:   counter,
		msgs:      make([]domain.Message, 0),
		createdAt: now,
		updatedAt: now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ID returns the session's ULID.
func (s *Session) ID() string { return s.id }

// Key returns the lookup key the session was created under.
func (s *Session) Key() string { return s.key }

// Model returns the backend selection of this session.
func (s *Session) Model() domain.ModelSelection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SetModel replaces the backend selection for subsequent exchanges.
func (s *Session) SetModel(m domain.ModelSelection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = m
	s.updatedAt = time.Now()
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (s *Session) AddMessage(msg domain.Message) {
	s.appendMessages(msg)
}

// appendMessages appends msgs under one lock so readers never observe a
// partial turn.
func (s *Session) appendMessages(msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, m := range msgs {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		s.msgs = append(s.msgs, m)
	}
	s.updatedAt = now
}

// beginExchange marks an exchange as running on the session. The reaper
// leaves busy sessions alone.
func (s *Session) beginExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight++
	s.updatedAt = time.Now()
}

// endExchange undoes beginExchange and refreshes the idle clock.
func (s *Session) endExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.updatedAt = time.Now()
}

func (s *Session) busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.msgs))
	copy(cp, s.msgs)
	return cp
}

// GetMessages returns the prompt for newMessage: system messages, then as
// much of the most recent history as fits budget tokens, then newMessage.
// A budget <= 0 keeps the whole history.
func (s *Session) GetMessages(budget int, newMessage domain.Message) []domain.Message {
	s.mu.RLock()
	history := make([]domain.Message, len(s.msgs))
	copy(history, s.msgs)
	counter := s.counter
	s.mu.RUnlock()

	if budget <= 0 || counter == nil {
		return append(history, newMessage)
	}

	keep := make([]bool, len(history))
	pinned := []domain.Message{newMessage}
	for i, m := range history {
		if m.Role == domain.RoleSystem {
			keep[i] = true
			pinned = append(pinned, m)
		}
	}

	used := counter.CountMessages(pinned)
	for i := len(history) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		cost := counter.CountMessages(history[i : i+1])
		if used+cost > budget {
			break
		}
		used += cost
		keep[i] = true
	}

	out := make([]domain.Message, 0, len(history)+1)
	for i, m := range history {
		if keep[i] {
			out = append(out, m)
		}
	}
	return append(out, newMessage)
}

// Reset clears the history, keeping system messages.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgs[:0:0]
	for _, m := range s.msgs {
		if m.Role == domain.RoleSystem {
			kept = append(kept, m)
		}
	}
	s.msgs = kept
	s.updatedAt = time.Now()
}

// UpdatedAt returns the time of the last mutation.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// SessionManager keeps sessions in memory, keyed by caller lookup key.
type SessionManager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	defaultModel domain.ModelSelection
	systemPrompt string
	counter      domain.TokenCounter
	events       domain.EventBus
}

// SessionManagerConfig holds defaults applied to new sessions.
type SessionManagerConfig struct {
	Model        domain.ModelSelection
	SystemPrompt string
	Counter      domain.TokenCounter
	// Events, if set, receives session.created and session.deleted.
	Events domain.EventBus
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		sessions:     make(map[string]*Session),
		defaultModel: cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		counter:      cfg.Counter,
		events:       cfg.Events,
	}
}

func (sm *SessionManager) publish(t domain.EventType, s *Session, payload domain.SessionPayload) {
	if sm.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	sm.events.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: s.ID(),
		Payload:   raw,
	})
}

func validateSessionKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key contains null byte: %q", key)
	}
	return nil
}

// GetOrCreate returns an existing session or creates a new one seeded with
// the configured system prompt.
func (sm *SessionManager) GetOrCreate(key string) (*Session, error) {
	if err := validateSessionKey(key); err != nil {
		return nil, domain.NewDomainError("SessionManager.GetOrCreate", domain.ErrInvalidInput, err.Error())
	}

	sm.mu.Lock()
	if s, ok := sm.sessions[key]; ok {
		sm.mu.Unlock()
		return s, nil
	}
	s := NewSession(key, sm.defaultModel, sm.counter)
	if sm.systemPrompt != "" {
		s.AddMessage(domain.Message{Role: domain.RoleSystem, Content: sm.systemPrompt})
	}
	sm.sessions[key] = s
	sm.mu.Unlock()

	sm.publish(domain.EventSessionCreated, s, domain.SessionPayload{Key: key})
	return s, nil
}

// Get returns an existing session or ErrSessionNotFound.
func (sm *SessionManager) Get(key string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, key)
	}
	return s, nil
}

// Delete removes a session.
func (sm *SessionManager) Delete(key string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[key]
	if ok {
		delete(sm.sessions, key)
	}
	sm.mu.Unlock()
	if !ok {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, key)
	}
	sm.publish(domain.EventSessionDeleted, s, domain.SessionPayload{Key: key, Reason: "deleted"})
	return nil
}

// List returns the keys of all active sessions in sorted order.
func (sm *SessionManager) List() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	keys := make([]string, 0, len(sm.sessions))
	for k := range sm.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReapStaleSessions deletes sessions not updated within maxAge and returns
// the number removed. Sessions with an exchange in flight are kept.
func (sm *SessionManager) ReapStaleSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	sm.mu.Lock()
	stale := make(map[string]*Session)
	for k, s := range sm.sessions {
		if s.UpdatedAt().Before(cutoff) && !s.busy() {
			stale[k] = s
			delete(sm.sessions, k)
		}
	}
	sm.mu.Unlock()

	for k, s := range stale {
		sm.publish(domain.EventSessionDeleted, s, domain.SessionPayload{Key: k, Reason: "expired"})
	}
	return len(stale)
}
