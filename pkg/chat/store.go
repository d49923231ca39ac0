// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("chat: session not found")
	ErrSessionExists   = errors.New("chat: session already exists")
	ErrEmptyContent    = errors.New("chat: message content is empty")
	ErrInvalidSession  = errors.New("chat: invalid session")
)

// =============================================================================
// Change Notifications
// =============================================================================

// ChangeKind says what an observer is being told about.
type ChangeKind int

const (
	ChangeSessionCreated ChangeKind = iota + 1
	ChangeMessageAppended
	ChangeMessageUpdated
	ChangeSessionUpdated
	ChangeSessionDeleted
)

// Change describes one committed mutation.
type Change struct {
	Kind      ChangeKind
	SessionID string

	// Message is a snapshot of the affected message, if any.
	Message Message

	// Action is the action that caused the change, zero for user appends.
	Action Action
}

// =============================================================================
// Store
// =============================================================================

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator sets the generator for session and message ids.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// WithStoreLogger sets the logger for dropped actions.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// Store owns every session and message of a process.
//
// # Description
//
// All writes take the write lock for their whole duration and every read
// returns a deep copy, so a reader sees a message either before or after an
// action, never in between. Observers registered with Subscribe are called
// after the lock is released, in the goroutine that made the change.
//
// # Thread Safety
//
// Safe for concurrent use. Streams on different sessions may apply actions
// at the same time.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions:  make(map[string]*Session),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		observers: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateSession starts an empty session titled DefaultTitle.
func (s *Store) CreateSession() string {
	s.mu.Lock()
	id := s.newID()
	for s.sessions[id] != nil {
		id = s.newID()
	}
	now := s.now()
	sess := &Session{ID: id, Title: DefaultTitle, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSessionCreated, SessionID: id})
	return id
}

// AppendUserMessage appends a user message.
//
// # Description
//
// When the session has no messages yet, its title is derived from content.
// That is the only place a title is ever set. User messages are complete on
// arrival and never change afterwards.
//
// # Outputs
//
//   - Message: A copy of the appended message.
//   - error: ErrSessionNotFound, or ErrEmptyContent for blank content.
func (s *Store) AppendUserMessage(sessionID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	titled := false
	if len(sess.Messages) == 0 {
		sess.Title = DeriveTitle(content)
		titled = true
	}
	msg := Message{
		ID:        s.uniqueMessageID(sess, ""),
		Role:      RoleUser,
		Content:   content,
		Status:    StatusComplete,
		CreatedAt: s.now(),
	}
	sess.Messages = append(sess.Messages, msg)
	s.touch(sess, msg.CreatedAt)
	s.mu.Unlock()

	if titled {
		s.notify(Change{Kind: ChangeSessionUpdated, SessionID: sessionID})
	}
	s.notify(Change{Kind: ChangeMessageAppended, SessionID: sessionID, Message: msg})
	return msg, nil
}

// Apply performs one action on a session atomically.
//
// # Description
//
// Returns true when the action changed the session. Actions that do not
// apply, such as a delta with no streaming message, are dropped and
// return false with a nil error.
//
// A message_start while another message is still streaming settles the old
// one first (complete, Interrupted), so a session never holds two
// streaming messages.
//
// # Outputs
//
//   - bool: Whether the session changed.
//   - error: ErrSessionNotFound, or an error for an unknown action kind.
func (s *Store) Apply(sessionID string, a Action) (bool, error) {
	_, changed, err := s.ApplyMessage(sessionID, a)
	return changed, err
}

// ApplyMessage is Apply that also returns the message the action appended
// or updated. The message is zero when the action touched none.
func (s *Store) ApplyMessage(sessionID string, a Action) (Message, bool, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return Message{}, false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var changes []Change
	emit := func(kind ChangeKind, m Message) {
		changes = append(changes, Change{Kind: kind, SessionID: sessionID, Message: m, Action: a})
	}

	now := s.now()
	idx := streamingIndex(sess)

	switch a.Kind {
	case ActionStart:
		if idx >= 0 {
			settle(&sess.Messages[idx])
			emit(ChangeMessageUpdated, sess.Messages[idx])
		}
		msg := Message{
			ID:        s.uniqueMessageID(sess, a.MessageID),
			Role:      RoleAssistant,
			Status:    StatusStreaming,
			CreatedAt: now,
		}
		sess.Messages = append(sess.Messages, msg)
		emit(ChangeMessageAppended, msg)

	case ActionDelta:
		if idx < 0 {
			break
		}
		m := &sess.Messages[idx]
		m.Content += a.Delta
		emit(ChangeMessageUpdated, *m)

	case ActionComplete:
		if idx < 0 {
			break
		}
		m := &sess.Messages[idx]
		if a.Content != nil {
			m.Content = *a.Content
		}
		if a.Usage != nil {
			u := *a.Usage
			m.Usage = &u
		}
		m.Status = StatusComplete
		emit(ChangeMessageUpdated, *m)

	case ActionFail:
		if idx >= 0 {
			m := &sess.Messages[idx]
			m.Content = FallbackText
			m.Status = StatusErrored
			emit(ChangeMessageUpdated, *m)
			break
		}
		msg := Message{
			ID:        s.uniqueMessageID(sess, ""),
			Role:      RoleAssistant,
			Content:   FallbackText,
			Status:    StatusErrored,
			CreatedAt: now,
		}
		sess.Messages = append(sess.Messages, msg)
		emit(ChangeMessageAppended, msg)

	case ActionDone:
		if a.RemoteSessionID != "" && a.RemoteSessionID != sess.RemoteID {
			sess.RemoteID = a.RemoteSessionID
			emit(ChangeSessionUpdated, Message{})
		}

	case ActionFinalize:
		if idx < 0 {
			break
		}
		m := &sess.Messages[idx]
		m.Status = StatusComplete
		emit(ChangeMessageUpdated, *m)

	default:
		s.mu.Unlock()
		return Message{}, false, fmt.Errorf("chat: unknown action %s", a.Kind)
	}

	if len(changes) > 0 {
		s.touch(sess, now)
	}
	s.mu.Unlock()

	if len(changes) == 0 {
		s.logger.Debug("Dropped action",
			"session_id", sessionID,
			"action", a.Kind.String(),
			"message_id", a.MessageID,
		)
		return Message{}, false, nil
	}
	for _, c := range changes {
		s.notify(c)
	}
	return changes[len(changes)-1].Message, true, nil
}

// Messages returns a copy of the ordered message list of a session.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return cloneMessages(sess.Messages), nil
}

// Session returns a copy of a session.
func (s *Store) Session(sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Clone(), nil
}

// Streaming returns the message currently receiving deltas, if any.
func (s *Store) Streaming(sessionID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Message{}, false
	}
	if idx := streamingIndex(sess); idx >= 0 {
		return sess.Messages[idx], true
	}
	return Message{}, false
}

// Sessions returns copies of all sessions, most recently updated first.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteSession removes a session and all its messages.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSessionDeleted, SessionID: sessionID})
	return nil
}

// Import adds a previously archived session, for example to resume it.
//
// # Description
//
// No stream is live for an imported session, so any message still marked
// streaming is settled. Title and messages are kept as they were.
//
// # Outputs
//
//   - error: ErrInvalidSession for a session without id, ErrSessionExists
//     when the id is already loaded.
func (s *Store) Import(session Session) error {
	if session.ID == "" {
		return ErrInvalidSession
	}
	sess := session.Clone()
	if sess.Title == "" {
		sess.Title = DefaultTitle
	}
	for i := range sess.Messages {
		if sess.Messages[i].Status == StatusStreaming {
			settle(&sess.Messages[i])
		}
		if sess.Messages[i].CreatedAt.After(sess.UpdatedAt) {
			sess.UpdatedAt = sess.Messages[i].CreatedAt
		}
	}

	s.mu.Lock()
	if _, ok := s.sessions[sess.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	s.sessions[sess.ID] = &sess
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSessionCreated, SessionID: sess.ID})
	return nil
}

// Subscribe registers fn for every committed change. The returned function
// removes the subscription.
//
// fn runs synchronously on the goroutine that made the change, after the
// Store lock is released. It may read the Store but must not block.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Store) notify(c Change) {
	s.obsMu.Lock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// touch moves UpdatedAt forward, never back.
func (s *Store) touch(sess *Session, t time.Time) {
	if t.After(sess.UpdatedAt) {
		sess.UpdatedAt = t
	}
}

// uniqueMessageID returns want when it is free in the session, otherwise a
// fresh id.
func (s *Store) uniqueMessageID(sess *Session, want string) string {
	id := want
	for id == "" || hasMessage(sess, id) {
		id = s.newID()
	}
	return id
}

func hasMessage(sess *Session, id string) bool {
	for i := range sess.Messages {
		if sess.Messages[i].ID == id {
			return true
		}
	}
	return false
}

// streamingIndex finds the message with status streaming, or -1.
func streamingIndex(sess *Session) int {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Status == StatusStreaming {
			return i
		}
	}
	return -1
}

func settle(m *Message) {
	m.Status = StatusComplete
	m.Interrupted = true
}
