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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tombee/parley/internal/chat"
	parleyerrors "github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/llm"
)

// chatRequest is the body for both chat endpoints.
type chatRequest struct {
	Message string `json:"message"`
}

// chatResponse is the blocking chat reply.
type chatResponse struct {
	Content      string         `json:"content"`
	Model        string         `json:"model,omitempty"`
	Tokens       int            `json:"tokens"`
	Cost         float64        `json:"cost"`
	FinishReason string         `json:"finish_reason,omitempty"`
	ToolCalls    []llm.ToolCall `json:"tool_calls,omitempty"`
}

// donePayload is the terminal SSE event body.
type donePayload struct {
	Name      string         `json:"name"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}

// userMessagePayload echoes the accepted message at stream start.
type userMessagePayload struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, &parleyerrors.ValidationError{
			Field:   "message",
			Message: "a non-empty message is required",
		})
		return
	}

	user := userFrom(r)
	if s.limiter != nil {
		if err := s.limiter.Acquire(r.Context(), user); err != nil {
			writeError(w, err)
			return
		}
		defer s.limiter.Release(r.Context(), user)
	}

	start := time.Now()
	resp, err := s.service.SendMessage(r.Context(), user, req.Message)
	chatDuration.WithLabelValues("blocking").Observe(time.Since(start).Seconds())
	if err != nil {
		chatRequests.WithLabelValues("blocking", "error").Inc()
		writeError(w, err)
		return
	}

	chatRequests.WithLabelValues("blocking", "ok").Inc()
	chatTokens.Add(float64(resp.TokenCount))
	for _, call := range resp.ToolCalls {
		toolCalls.WithLabelValues(call.Name).Inc()
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Tokens:       resp.TokenCount,
		Cost:         resp.Cost,
		FinishReason: string(resp.FinishReason),
		ToolCalls:    resp.ToolCalls,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, &parleyerrors.ValidationError{
			Field:   "message",
			Message: "a non-empty message is required",
		})
		return
	}

	user := userFrom(r)
	if s.limiter != nil {
		if err := s.limiter.Acquire(r.Context(), user); err != nil {
			writeError(w, err)
			return
		}
		defer s.limiter.Release(r.Context(), user)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "streaming unsupported by connection",
		})
		return
	}

	start := time.Now()
	events, err := s.service.StreamMessage(r.Context(), user, req.Message)
	if err != nil {
		chatRequests.WithLabelValues("stream", "error").Inc()
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, "user_message", userMessagePayload{
		Content:   req.Message,
		Timestamp: time.Now().UTC(),
	})

	status := "ok"
	for ev := range events {
		switch ev.Type {
		case chat.EventContent:
			writeSSE(w, flusher, "content", map[string]string{"content": ev.Content})

		case chat.EventToolCall:
			toolCalls.WithLabelValues(ev.ToolCall.Name).Inc()
			writeSSE(w, flusher, "tool_call", ev.ToolCall)

		case chat.EventToolResult:
			writeSSE(w, flusher, "tool_result", ev.ToolResult)

		case chat.EventDone:
			chatTokens.Add(float64(ev.Done.Tokens))
			writeSSE(w, flusher, "done", donePayload{
				Name:      "assistant",
				Content:   ev.Done.Content,
				Timestamp: time.Now().UTC(),
				ToolCalls: ev.Done.ToolCalls,
			})

		case chat.EventError:
			status = "error"
			writeSSE(w, flusher, "error", map[string]string{"error": ev.Err})
		}
	}

	chatRequests.WithLabelValues("stream", status).Inc()
	chatDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.CreateNew(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.GetOrCreate(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.service.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ClearHistory(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Close(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "rate limiting disabled"})
		return
	}
	status, err := s.limiter.Status(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeSSE writes one server-sent event and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}

	var (
		rateErr     *parleyerrors.RateLimitedError
		notFoundErr *parleyerrors.NotFoundError
		valErr      *parleyerrors.ValidationError
		authErr     *parleyerrors.AuthorizationRequiredError
		providerErr *parleyerrors.ProviderError
	)

	status := http.StatusInternalServerError
	switch {
	case parleyerrors.As(err, &rateErr):
		status = http.StatusTooManyRequests
		recordRejection(rateErr.Limit)
	case parleyerrors.As(err, &notFoundErr):
		status = http.StatusNotFound
	case parleyerrors.As(err, &valErr):
		status = http.StatusBadRequest
		if valErr.Suggestion != "" {
			body["suggestion"] = valErr.Suggestion
		}
	case parleyerrors.As(err, &authErr):
		status = http.StatusForbidden
	case parleyerrors.As(err, &providerErr):
		status = http.StatusBadGateway
		if providerErr.Suggestion != "" {
			body["suggestion"] = providerErr.Suggestion
		}
	}

	writeJSON(w, status, body)
}
