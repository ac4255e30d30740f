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

package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/llm"
)

// Service ties sessions, context assembly, rate limiting, and the router
// together into the chat operations the transport layer exposes.
type Service struct {
	store    store.Store
	router   *Router
	contexts *ContextManager
	limiter  *RateLimiter

	systemPrompt string
	logger       *slog.Logger
}

// NewService creates the chat service. limiter may be nil to disable
// rate limiting.
func NewService(s store.Store, router *Router, contexts *ContextManager, limiter *RateLimiter, systemPrompt string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        s,
		router:       router,
		contexts:     contexts,
		limiter:      limiter,
		systemPrompt: systemPrompt,
		logger:       logger.With("component", "chat.service"),
	}
}

// GetOrCreate returns the user's active session, creating one when none
// exists. Reusing an existing session only touches last_activity; the
// message and token counters are untouched.
func (s *Service) GetOrCreate(ctx context.Context, user string) (*store.Session, error) {
	sessions, err := s.store.ListSessions(ctx, store.SessionFilter{
		User:   user,
		Status: store.SessionActive,
	})
	if err != nil {
		return nil, err
	}

	if len(sessions) > 0 {
		session := sessions[0]
		session.LastActivity = time.Now().UTC()
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}

	return s.create(ctx, user)
}

// CreateNew closes any active sessions for the user and starts a fresh
// one.
func (s *Service) CreateNew(ctx context.Context, user string) (*store.Session, error) {
	active, err := s.store.ListSessions(ctx, store.SessionFilter{
		User:   user,
		Status: store.SessionActive,
	})
	if err != nil {
		return nil, err
	}
	for _, session := range active {
		session.Status = store.SessionClosed
		if err := s.store.UpdateSession(ctx, session); err != nil {
			return nil, err
		}
	}

	return s.create(ctx, user)
}

func (s *Service) create(ctx context.Context, user string) (*store.Session, error) {
	now := time.Now().UTC()
	session := &store.Session{
		User:         user,
		Status:       store.SessionActive,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "user", user, "session", session.ID)
	return session, nil
}

// SendMessage runs one blocking turn: the user message is stored, the
// recent window goes to the router, and the assistant reply is stored
// with the session counters updated.
func (s *Service) SendMessage(ctx context.Context, user, content string) (*llm.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.AllowMessage(ctx, user); err != nil {
			return nil, err
		}
	}

	session, err := s.GetOrCreate(ctx, user)
	if err != nil {
		return nil, err
	}

	userTokens := llm.ApproxTokens(content)
	if err := s.append(ctx, session.ID, &store.Message{
		Role:       string(llm.MessageRoleUser),
		Content:    content,
		TokenCount: userTokens,
	}); err != nil {
		return nil, err
	}

	window, err := s.contexts.Window(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	resp, err := s.router.Chat(ctx, TurnRequest{
		User:         user,
		Messages:     window,
		SystemPrompt: s.systemPrompt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.append(ctx, session.ID, &store.Message{
		Role:       string(llm.MessageRoleAssistant),
		Content:    resp.Content,
		ToolCalls:  marshalToolCalls(resp.ToolCalls),
		TokenCount: resp.TokenCount,
	}); err != nil {
		return nil, err
	}

	if err := s.settle(ctx, session.ID, 2, userTokens+resp.TokenCount, resp.Cost); err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamMessage runs one streaming turn. The user message is stored up
// front; the assistant message, its executed tool calls, and one tool
// message per result are persisted when the terminal done event arrives.
func (s *Service) StreamMessage(ctx context.Context, user, content string) (<-chan Event, error) {
	if s.limiter != nil {
		if err := s.limiter.AllowMessage(ctx, user); err != nil {
			return nil, err
		}
	}

	session, err := s.GetOrCreate(ctx, user)
	if err != nil {
		return nil, err
	}

	userTokens := llm.ApproxTokens(content)
	if err := s.append(ctx, session.ID, &store.Message{
		Role:       string(llm.MessageRoleUser),
		Content:    content,
		TokenCount: userTokens,
	}); err != nil {
		return nil, err
	}

	window, err := s.contexts.Window(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	events, err := s.router.StreamChat(ctx, TurnRequest{
		User:         user,
		Messages:     window,
		SystemPrompt: s.systemPrompt,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 10)
	go s.relay(ctx, session.ID, userTokens, events, out)
	return out, nil
}

// relay forwards router events and persists the turn when it completes.
func (s *Service) relay(ctx context.Context, sessionID string, userTokens int, events <-chan Event, out chan<- Event) {
	defer close(out)

	var results []*ToolResult

	for ev := range events {
		switch ev.Type {
		case EventToolResult:
			results = append(results, ev.ToolResult)
		case EventDone:
			s.persistTurn(ctx, sessionID, userTokens, ev.Done, results)
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// persistTurn stores the assistant message and the tool messages for a
// completed streaming turn and settles the session counters. Tool calls
// that produced no result are not persisted.
func (s *Service) persistTurn(ctx context.Context, sessionID string, userTokens int, done *TurnResult, results []*ToolResult) {
	resolved := make(map[string]bool, len(results))
	for _, res := range results {
		resolved[res.CallID] = true
	}
	var calls []llm.ToolCall
	for _, call := range done.ToolCalls {
		if resolved[call.ID] {
			calls = append(calls, call)
		}
	}

	if err := s.append(ctx, sessionID, &store.Message{
		Role:       string(llm.MessageRoleAssistant),
		Content:    done.Content,
		ToolCalls:  marshalToolCalls(calls),
		TokenCount: done.Tokens,
	}); err != nil {
		s.logger.Error("persisting assistant message failed", "session", sessionID, "error", err)
		return
	}

	saved := 2
	for _, res := range results {
		payload, err := json.Marshal(res.Result)
		if err != nil {
			continue
		}
		if err := s.append(ctx, sessionID, &store.Message{
			Role:       string(llm.MessageRoleTool),
			Content:    string(payload),
			ToolCallID: res.CallID,
			Name:       res.Tool,
		}); err != nil {
			s.logger.Error("persisting tool message failed", "session", sessionID, "tool", res.Tool, "error", err)
			continue
		}
		saved++
	}

	if err := s.settle(ctx, sessionID, saved, userTokens+done.Tokens, done.Cost); err != nil {
		s.logger.Error("settling session counters failed", "session", sessionID, "error", err)
	}
}

// Messages returns a session's stored history in order.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, sessionID)
}

// ClearHistory deletes a session's messages and resets its counters. The
// session itself stays active.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteMessages(ctx, sessionID); err != nil {
		return err
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.TotalMessages = 0
	session.TotalTokens = 0
	session.EstimatedCost = 0
	session.LastActivity = time.Now().UTC()
	return s.store.UpdateSession(ctx, session)
}

// Close marks a session closed. Closing twice is a no-op; an archived
// session cannot be reopened or closed.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch session.Status {
	case store.SessionClosed:
		return nil
	case store.SessionArchived:
		return &errors.ValidationError{
			Field:   "session",
			Message: "archived sessions cannot be closed",
		}
	}
	session.Status = store.SessionClosed
	return s.store.UpdateSession(ctx, session)
}

// append stores one message against a session.
func (s *Service) append(ctx context.Context, sessionID string, msg *store.Message) error {
	msg.SessionID = sessionID
	msg.CreatedAt = time.Now().UTC()
	return s.store.AppendMessage(ctx, msg)
}

// settle folds a completed turn into the session counters.
func (s *Service) settle(ctx context.Context, sessionID string, messages, tokens int, cost float64) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.TotalMessages += messages
	session.TotalTokens += tokens
	session.EstimatedCost += cost
	session.LastActivity = time.Now().UTC()
	return s.store.UpdateSession(ctx, session)
}

// marshalToolCalls serializes tool calls for storage. Empty input stays
// empty so turns without calls store no tool_calls payload.
func marshalToolCalls(calls []llm.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(data)
}
