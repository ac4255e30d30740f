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

// Package store defines persistence for chat sessions, messages, and OAuth
// tokens, with in-memory and sqlite backends.
package store

import (
	"context"
	"time"
)

// SessionStatus tracks the lifecycle of a session. Transitions are
// monotonic: Active sessions may close, Closed is terminal for writes, and
// Archived is reached only through the inactivity sweep.
type SessionStatus string

const (
	// SessionActive accepts new messages.
	SessionActive SessionStatus = "active"

	// SessionClosed is terminal for writes; history remains readable.
	SessionClosed SessionStatus = "closed"

	// SessionArchived is set by the background sweep after prolonged
	// inactivity.
	SessionArchived SessionStatus = "archived"
)

// Session is one conversation owned by a user. Counters only grow, and only
// as side effects of message inserts.
type Session struct {
	ID            string        `json:"id"`
	User          string        `json:"user"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	LastActivity  time.Time     `json:"last_activity"`
	TotalMessages int           `json:"total_messages"`
	TotalTokens   int           `json:"total_tokens"`
	EstimatedCost float64       `json:"estimated_cost"`
}

// Message is one stored conversation turn. ToolCalls holds the serialized
// tool-call JSON and is empty when the turn made no calls.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCalls  string    `json:"tool_calls,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Token is the OAuth record for one user. There is at most one per user;
// refresh replaces the access token and expiry in place.
type Token struct {
	User         string    `json:"user"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionFilter narrows ListSessions. Zero-value fields are ignored.
type SessionFilter struct {
	// User restricts results to one owner.
	User string

	// Status restricts results to one lifecycle state.
	Status SessionStatus

	// NotStatus excludes one lifecycle state.
	NotStatus SessionStatus

	// LastActivityBefore restricts results to sessions idle since before
	// the given instant.
	LastActivityBefore time.Time
}

// Store persists sessions, messages, and tokens. Implementations must be
// safe for concurrent use. Absent records are reported with
// errors.NotFoundError.
type Store interface {
	// CreateSession inserts a session, assigning an id when empty.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession returns the session with the given id.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession replaces the stored session record.
	UpdateSession(ctx context.Context, session *Session) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns sessions matching the filter, most recent
	// activity first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)

	// AppendMessage inserts a message, assigning an id when empty.
	AppendMessage(ctx context.Context, message *Message) error

	// ListMessages returns a session's messages in insertion order.
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)

	// DeleteMessages removes all messages for a session.
	DeleteMessages(ctx context.Context, sessionID string) error

	// SumTokensSince returns the total tokens recorded against a user's
	// sessions with activity at or after the given instant.
	SumTokensSince(ctx context.Context, user string, since time.Time) (int, error)

	// GetToken returns the OAuth record for a user.
	GetToken(ctx context.Context, user string) (*Token, error)

	// PutToken inserts or replaces the OAuth record for a user.
	PutToken(ctx context.Context, token *Token) error

	// DeleteToken removes the OAuth record for a user.
	DeleteToken(ctx context.Context, user string) error

	// Close releases backend resources.
	Close() error
}
