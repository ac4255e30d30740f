// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory provides an in-process Store for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/pkg/errors"
)

// Store keeps all records in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*store.Session
	messages map[string][]*store.Message
	tokens   map[string]*store.Token
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*store.Session),
		messages: make(map[string][]*store.Message),
		tokens:   make(map[string]*store.Token),
	}
}

// CreateSession inserts a session, assigning an id when empty.
func (s *Store) CreateSession(ctx context.Context, session *store.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return &errors.ValidationError{
			Field:   "id",
			Message: "session already exists: " + session.ID,
		}
	}

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "session", ID: id}
	}
	cp := *session
	return &cp, nil
}

// UpdateSession replaces the stored session record.
func (s *Store) UpdateSession(ctx context.Context, session *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return &errors.NotFoundError{Resource: "session", ID: session.ID}
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return &errors.NotFoundError{Resource: "session", ID: id}
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

// ListSessions returns sessions matching the filter, most recent activity
// first.
func (s *Store) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Session
	for _, session := range s.sessions {
		if filter.User != "" && session.User != filter.User {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		if filter.NotStatus != "" && session.Status == filter.NotStatus {
			continue
		}
		if !filter.LastActivityBefore.IsZero() && !session.LastActivity.Before(filter.LastActivityBefore) {
			continue
		}
		cp := *session
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// AppendMessage inserts a message, assigning an id when empty.
func (s *Store) AppendMessage(ctx context.Context, message *store.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[message.SessionID]; !ok {
		return &errors.NotFoundError{Resource: "session", ID: message.SessionID}
	}

	cp := *message
	s.messages[message.SessionID] = append(s.messages[message.SessionID], &cp)
	return nil
}

// ListMessages returns a session's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	out := make([]*store.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// DeleteMessages removes all messages for a session.
func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, sessionID)
	return nil
}

// SumTokensSince returns the total tokens recorded against a user's
// sessions with activity at or after the given instant.
func (s *Store) SumTokensSince(ctx context.Context, user string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, session := range s.sessions {
		if session.User != user {
			continue
		}
		if session.LastActivity.Before(since) {
			continue
		}
		total += session.TotalTokens
	}
	return total, nil
}

// GetToken returns the OAuth record for a user.
func (s *Store) GetToken(ctx context.Context, user string) (*store.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[user]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "token", ID: user}
	}
	cp := *token
	return &cp, nil
}

// PutToken inserts or replaces the OAuth record for a user.
func (s *Store) PutToken(ctx context.Context, token *store.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.tokens[token.User] = &cp
	return nil
}

// DeleteToken removes the OAuth record for a user.
func (s *Store) DeleteToken(ctx context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, user)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
