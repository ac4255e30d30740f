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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/internal/store/memory"
	"github.com/tombee/parley/pkg/llm"
)

// charCounter counts one token per four characters, mirroring the
// provider estimate.
type charCounter struct{}

func (charCounter) CountTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

func seedSession(t *testing.T, s store.Store, user string) *store.Session {
	t.Helper()
	session := &store.Session{User: user, Status: store.SessionActive}
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func seedMessages(t *testing.T, s store.Store, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := llm.MessageRoleUser
		if i%2 == 1 {
			role = llm.MessageRoleAssistant
		}
		require.NoError(t, s.AppendMessage(context.Background(), &store.Message{
			SessionID: sessionID,
			Role:      string(role),
			Content:   fmt.Sprintf("message %d", i),
		}))
	}
}

func TestWindowReturnsRecentInOrder(t *testing.T) {
	s := memory.New()
	session := seedSession(t, s, "alice")
	seedMessages(t, s, session.ID, 15)

	cm := NewContextManager(s, 10, nil)
	window, err := cm.Window(context.Background(), session.ID)
	require.NoError(t, err)

	require.Len(t, window, 10)
	assert.Equal(t, "message 5", window[0].Content)
	assert.Equal(t, "message 14", window[9].Content)
}

func TestWindowParsesStoredToolCalls(t *testing.T) {
	s := memory.New()
	session := seedSession(t, s, "alice")
	require.NoError(t, s.AppendMessage(context.Background(), &store.Message{
		SessionID: session.ID,
		Role:      string(llm.MessageRoleAssistant),
		ToolCalls: `[{"id":"c1","name":"echo","arguments":{"x":1}}]`,
	}))

	cm := NewContextManager(s, 0, nil)
	window, err := cm.Window(context.Background(), session.ID)
	require.NoError(t, err)

	require.Len(t, window, 1)
	require.Len(t, window[0].ToolCalls, 1)
	assert.Equal(t, "echo", window[0].ToolCalls[0].Name)
}

func TestWindowDegradesOnMalformedToolCalls(t *testing.T) {
	s := memory.New()
	session := seedSession(t, s, "alice")
	require.NoError(t, s.AppendMessage(context.Background(), &store.Message{
		SessionID: session.ID,
		Role:      string(llm.MessageRoleAssistant),
		Content:   "hello",
		ToolCalls: `{not json`,
	}))

	cm := NewContextManager(s, 0, nil)
	window, err := cm.Window(context.Background(), session.ID)
	require.NoError(t, err)

	require.Len(t, window, 1)
	assert.Equal(t, "hello", window[0].Content)
	assert.Empty(t, window[0].ToolCalls)
}

func TestPruneKeepsSystemAndRecent(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.MessageRoleSystem, Content: strings.Repeat("s", 40)},
		{Role: llm.MessageRoleUser, Content: strings.Repeat("a", 40)},
		{Role: llm.MessageRoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: llm.MessageRoleUser, Content: strings.Repeat("c", 40)},
	}

	// Budget fits the system message plus two more at 10 tokens each.
	pruned := Prune(messages, 30, charCounter{})

	require.Len(t, pruned, 3)
	assert.Equal(t, llm.MessageRoleSystem, pruned[0].Role)
	assert.Equal(t, strings.Repeat("b", 40), pruned[1].Content)
	assert.Equal(t, strings.Repeat("c", 40), pruned[2].Content)
}

func TestPruneKeepsSystemOlderThanCutoff(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.MessageRoleSystem, Content: "S"},
		{Role: llm.MessageRoleUser, Content: strings.Repeat("a", 80)},
		{Role: llm.MessageRoleUser, Content: strings.Repeat("b", 20)},
	}

	// The 20-token middle message busts the budget before the walk ever
	// reaches the system message. It must survive anyway.
	pruned := Prune(messages, 10, charCounter{})

	require.Len(t, pruned, 2)
	assert.Equal(t, llm.MessageRoleSystem, pruned[0].Role)
	assert.Equal(t, strings.Repeat("b", 20), pruned[1].Content)
}

func TestPruneIdempotent(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.MessageRoleUser, Content: strings.Repeat("a", 40)},
		{Role: llm.MessageRoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: llm.MessageRoleUser, Content: strings.Repeat("c", 40)},
	}

	once := Prune(messages, 20, charCounter{})
	twice := Prune(once, 20, charCounter{})
	assert.Equal(t, once, twice)
}

func TestPruneFittingSequenceUnchanged(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.MessageRoleUser, Content: "short"},
		{Role: llm.MessageRoleAssistant, Content: "reply"},
	}
	assert.Equal(t, messages, Prune(messages, 1000, charCounter{}))
}

func TestSummarizeOld(t *testing.T) {
	var messages []llm.Message
	for i := 0; i < 8; i++ {
		role := llm.MessageRoleUser
		if i%2 == 1 {
			role = llm.MessageRoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}

	out := SummarizeOld(messages, 5)

	require.Len(t, out, 6)
	assert.Equal(t, llm.MessageRoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "Summary of earlier conversation:")
	assert.Contains(t, out[0].Content, "User asked about: turn 0")
	assert.Contains(t, out[0].Content, "Assistant responded: turn 1")
	assert.Equal(t, "turn 3", out[1].Content)
	assert.Equal(t, "turn 7", out[5].Content)
}

func TestSummarizeOldTruncatesExcerpts(t *testing.T) {
	long := strings.Repeat("x", 150)
	messages := []llm.Message{
		{Role: llm.MessageRoleUser, Content: long},
		{Role: llm.MessageRoleAssistant, Content: "short"},
	}

	out := SummarizeOld(messages, 1)
	require.Len(t, out, 2)
	assert.Contains(t, out[0].Content, strings.Repeat("x", 100)+"...")
	assert.NotContains(t, out[0].Content, strings.Repeat("x", 101))
}

func TestSummarizeOldShortConversationUnchanged(t *testing.T) {
	messages := []llm.Message{
		{Role: llm.MessageRoleUser, Content: "hi"},
	}
	assert.Equal(t, messages, SummarizeOld(messages, 5))
}

func TestRelevantScoresByOverlap(t *testing.T) {
	s := memory.New()
	session := seedSession(t, s, "alice")
	for _, content := range []string{
		"the weather in Paris is mild",
		"deployment finished without errors",
		"Paris weather turns cold in winter",
		"lunch options near the office",
	} {
		require.NoError(t, s.AppendMessage(context.Background(), &store.Message{
			SessionID: session.ID,
			Role:      string(llm.MessageRoleUser),
			Content:   content,
		}))
	}

	cm := NewContextManager(s, 0, nil)
	relevant, err := cm.Relevant(context.Background(), session.ID, "weather in Paris?", 2)
	require.NoError(t, err)

	require.Len(t, relevant, 2)
	assert.Equal(t, "the weather in Paris is mild", relevant[0].Content)
	assert.Equal(t, "Paris weather turns cold in winter", relevant[1].Content)
}

func TestRelevantNoOverlapIsEmpty(t *testing.T) {
	s := memory.New()
	session := seedSession(t, s, "alice")
	require.NoError(t, s.AppendMessage(context.Background(), &store.Message{
		SessionID: session.ID,
		Role:      string(llm.MessageRoleUser),
		Content:   "completely unrelated",
	}))

	cm := NewContextManager(s, 0, nil)
	relevant, err := cm.Relevant(context.Background(), session.ID, "quantum tunneling", 5)
	require.NoError(t, err)
	assert.Empty(t, relevant)
}
