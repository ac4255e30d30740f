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

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/parley/internal/cache"
	"github.com/tombee/parley/internal/chat"
	"github.com/tombee/parley/internal/store/memory"
	"github.com/tombee/parley/pkg/llm"
)

// stubProvider replays canned responses and stream scripts in order.
type stubProvider struct {
	responses []*llm.Response
	streams   [][]llm.StreamEvent
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *stubProvider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	script := p.streams[0]
	p.streams = p.streams[1:]
	ch := make(chan llm.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *stubProvider) CountTokens(messages []llm.Message) int { return len(messages) }

func (p *stubProvider) EstimateCost(in, out int) float64 { return 0 }

func (p *stubProvider) ValidateConfig(ctx context.Context) error { return nil }

type serverFixture struct {
	server   *Server
	handler  http.Handler
	provider *stubProvider
}

func newTestServer(t *testing.T, limits chat.RateLimitConfig) *serverFixture {
	t.Helper()

	st := memory.New()
	t.Cleanup(func() { st.Close() })

	provider := &stubProvider{}
	router := chat.NewRouter(provider, nil, nil, chat.RouterConfig{}, slog.Default())
	contexts := chat.NewContextManager(st, 10, slog.Default())

	var limiter *chat.RateLimiter
	if limits != (chat.RateLimitConfig{}) {
		c := cache.NewMemory()
		t.Cleanup(func() { c.Close() })
		limiter = chat.NewRateLimiter(c, st, limits)
	}

	service := chat.NewService(st, router, contexts, limiter, "", slog.Default())
	srv := NewServer(Config{Listen: ":0"}, service, limiter)

	return &serverFixture{
		server:   srv,
		handler:  srv.Handler(),
		provider: provider,
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})

	rec := doJSON(t, fx.handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestChatBlocking(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})
	fx.provider.responses = []*llm.Response{{
		Content:      "hello there",
		Model:        "stub-1",
		TokenCount:   12,
		FinishReason: llm.FinishReasonStop,
	}}

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "stub-1", resp.Model)
	assert.Equal(t, 12, resp.Tokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat", map[string]string{"message": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "non-empty message")
}

func TestChatRateLimited(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{MessagesPerHour: 1})
	fx.provider.responses = []*llm.Response{{Content: "first"}}

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat", map[string]string{"message": "one"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, fx.handler, http.MethodPost, "/v1/chat", map[string]string{"message": "two"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "messages_per_hour")
}

func TestChatStreamEmitsSSE(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})
	fx.provider.streams = [][]llm.StreamEvent{{
		llm.ContentEvent("hel"),
		llm.ContentEvent("lo"),
		llm.DoneEvent(9, 0.001, "stub-1", nil),
	}}

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat/stream", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "user_message", events[0].name)
	assert.Contains(t, events[0].data, `"content":"hi"`)
	assert.Equal(t, "content", events[1].name)
	assert.Equal(t, "content", events[2].name)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.name)
	assert.Contains(t, last.data, `"name":"assistant"`)
	assert.Contains(t, last.data, `"content":"hello"`)
}

func TestSessionLifecycle(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})
	fx.provider.responses = []*llm.Response{{Content: "ack", TokenCount: 3}}

	// Creating a session and asking for the current one should agree.
	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, fx.handler, http.MethodGet, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = doJSON(t, fx.handler, http.MethodPost, "/v1/chat", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, fx.handler, http.MethodGet, "/v1/sessions/"+created.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var messages []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	assert.Len(t, messages, 2)

	rec = doJSON(t, fx.handler, http.MethodDelete, "/v1/sessions/"+created.ID+"/messages", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, fx.handler, http.MethodGet, "/v1/sessions/"+created.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	assert.Empty(t, messages)

	rec = doJSON(t, fx.handler, http.MethodPost, "/v1/sessions/"+created.ID+"/close", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCloseUnknownSession(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/sessions/nope/close", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLimitsReport(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{MessagesPerHour: 10, MaxConcurrent: 2})
	fx.provider.responses = []*llm.Response{{Content: "ack", TokenCount: 3}}

	rec := doJSON(t, fx.handler, http.MethodPost, "/v1/chat", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, fx.handler, http.MethodGet, "/v1/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status chat.RateLimitStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.MessagesUsed)
	assert.Equal(t, 10, status.MessagesPerHour)
	assert.Equal(t, 2, status.MaxConcurrent)
}

func TestLimitsWithoutLimiter(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})

	rec := doJSON(t, fx.handler, http.MethodGet, "/v1/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestUserHeaderIsolatesSessions(t *testing.T) {
	fx := newTestServer(t, chat.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/current", nil)
	req.Header.Set("X-User", "alice")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var alice struct {
		ID   string `json:"id"`
		User string `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alice))
	assert.Equal(t, "alice", alice.User)

	rec = doJSON(t, fx.handler, http.MethodGet, "/v1/sessions/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), alice.ID)
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}
