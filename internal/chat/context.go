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

// Package chat contains the conversation core: context windowing and
// pruning, the tool-calling router, session lifecycle, rate limiting, and
// the inactivity sweep.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/pkg/llm"
)

const (
	// defaultWindowSize is how many recent messages load into context.
	defaultWindowSize = 10

	// defaultKeepRecent is how many messages survive summarization
	// verbatim.
	defaultKeepRecent = 5

	// defaultRelevantLimit caps keyword-relevance retrieval.
	defaultRelevantLimit = 5

	// excerptLength truncates summarized message excerpts.
	excerptLength = 100
)

// TokenCounter approximates token usage for budget decisions. Counts are
// best-effort; they never hard-guarantee acceptance by a provider.
type TokenCounter interface {
	CountTokens(messages []llm.Message) int
}

// ContextManager assembles model context from stored conversation history.
type ContextManager struct {
	store      store.Store
	windowSize int
	logger     *slog.Logger
}

// NewContextManager creates a context manager over the given store. A
// windowSize of zero selects the default.
func NewContextManager(s store.Store, windowSize int, logger *slog.Logger) *ContextManager {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextManager{
		store:      s,
		windowSize: windowSize,
		logger:     logger.With("component", "chat.context"),
	}
}

// Window loads the most recent windowSize messages for a session, oldest
// first. Stored tool_calls JSON that fails to parse degrades to no tool
// calls rather than failing the load.
func (m *ContextManager) Window(ctx context.Context, sessionID string) ([]llm.Message, error) {
	stored, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if len(stored) > m.windowSize {
		stored = stored[len(stored)-m.windowSize:]
	}

	messages := make([]llm.Message, 0, len(stored))
	for _, sm := range stored {
		messages = append(messages, m.toMessage(sm))
	}
	return messages, nil
}

// toMessage converts a stored record to a normalized message.
func (m *ContextManager) toMessage(sm *store.Message) llm.Message {
	msg := llm.Message{
		Role:       llm.MessageRole(sm.Role),
		Content:    sm.Content,
		ToolCallID: sm.ToolCallID,
		Name:       sm.Name,
	}
	if sm.ToolCalls != "" {
		var calls []llm.ToolCall
		if err := json.Unmarshal([]byte(sm.ToolCalls), &calls); err != nil {
			m.logger.Warn("malformed stored tool_calls, dropping", "message", sm.ID)
		} else {
			msg.ToolCalls = calls
		}
	}
	return msg
}

// Prune drops the oldest non-system messages until the conversation fits
// the token budget. System messages are always kept in full regardless of
// age; the rest are walked newest to oldest, accumulating cost, and once a
// message would exceed maxTokens it and everything older (system aside) is
// dropped. Original chronological order is preserved, and pruning an
// already-fitting sequence returns it unchanged.
func Prune(messages []llm.Message, maxTokens int, counter TokenCounter) []llm.Message {
	used := 0
	for _, msg := range messages {
		if msg.Role == llm.MessageRoleSystem {
			used += counter.CountTokens([]llm.Message{msg})
		}
	}

	keep := make([]bool, len(messages))
	budgetFull := false
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.MessageRoleSystem {
			keep[i] = true
			continue
		}
		if budgetFull {
			continue
		}
		cost := counter.CountTokens([]llm.Message{messages[i]})
		if used+cost > maxTokens {
			budgetFull = true
			continue
		}
		used += cost
		keep[i] = true
	}

	pruned := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if keep[i] {
			pruned = append(pruned, msg)
		}
	}
	return pruned
}

// SummarizeOld collapses all but the last keepRecent messages into one
// synthetic system message holding truncated excerpts of the dropped
// user and assistant turns. A keepRecent of zero selects the default;
// conversations at or under the threshold come back unchanged.
func SummarizeOld(messages []llm.Message, keepRecent int) []llm.Message {
	if keepRecent <= 0 {
		keepRecent = defaultKeepRecent
	}
	if len(messages) <= keepRecent {
		return messages
	}

	old := messages[:len(messages)-keepRecent]
	recent := messages[len(messages)-keepRecent:]

	var b strings.Builder
	b.WriteString("Summary of earlier conversation:")
	for _, msg := range old {
		switch msg.Role {
		case llm.MessageRoleUser:
			b.WriteString("\nUser asked about: " + excerpt(msg.Content))
		case llm.MessageRoleAssistant:
			b.WriteString("\nAssistant responded: " + excerpt(msg.Content))
		}
	}

	out := make([]llm.Message, 0, len(recent)+1)
	out = append(out, llm.Message{Role: llm.MessageRoleSystem, Content: b.String()})
	out = append(out, recent...)
	return out
}

func excerpt(s string) string {
	if len(s) <= excerptLength {
		return s
	}
	return s[:excerptLength] + "..."
}

// Relevant returns up to maxMessages stored messages scored by keyword
// overlap with the query, highest score first with stable ordering on
// ties. This is a placeholder for semantic retrieval.
func (m *ContextManager) Relevant(ctx context.Context, sessionID, query string, maxMessages int) ([]llm.Message, error) {
	if maxMessages <= 0 {
		maxMessages = defaultRelevantLimit
	}

	stored, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	queryWords := wordSet(query)

	type scored struct {
		msg   llm.Message
		score int
	}
	var candidates []scored
	for _, sm := range stored {
		score := overlap(queryWords, wordSet(sm.Content))
		if score > 0 {
			candidates = append(candidates, scored{msg: m.toMessage(sm), score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > maxMessages {
		candidates = candidates[:maxMessages]
	}
	out := make([]llm.Message, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.msg)
	}
	return out, nil
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,!?;:\"'")] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}
