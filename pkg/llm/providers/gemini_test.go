package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/llm"
)

func TestNewGeminiProvider(t *testing.T) {
	provider, err := NewGeminiProvider(llm.Config{APIKey: "test-api-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if provider.Name() != "gemini" {
		t.Errorf("expected provider name 'gemini', got '%s'", provider.Name())
	}

	_, err = NewGeminiProvider(llm.Config{})
	if err == nil {
		t.Error("expected error with empty API key, got nil")
	}
}

func TestGeminiProvider_SystemPreamble(t *testing.T) {
	contents := buildGeminiContents([]llm.Message{
		{Role: llm.MessageRoleUser, Content: "hello"},
	}, "Be concise.")

	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" || contents[0].Parts[0].Text != "System Instructions: Be concise." {
		t.Errorf("unexpected system turn: %+v", contents[0])
	}
	if contents[1].Role != "model" || contents[1].Parts[0].Text != geminiSystemAck {
		t.Errorf("unexpected acknowledgement turn: %+v", contents[1])
	}
	if contents[2].Role != "user" || contents[2].Parts[0].Text != "hello" {
		t.Errorf("unexpected user turn: %+v", contents[2])
	}
}

func TestGeminiProvider_AssistantRoleIsModel(t *testing.T) {
	contents := buildGeminiContents([]llm.Message{
		{Role: llm.MessageRoleUser, Content: "hi"},
		{Role: llm.MessageRoleAssistant, Content: "hello there"},
	}, "")

	if contents[1].Role != "model" {
		t.Errorf("expected assistant mapped to model role, got '%s'", contents[1].Role)
	}
}

func TestGeminiProvider_ToolResultPart(t *testing.T) {
	contents := buildGeminiContents([]llm.Message{
		{Role: llm.MessageRoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call_get_weather", Name: "get_weather", Arguments: map[string]any{"city": "Lima"}},
		}},
		{Role: llm.MessageRoleTool, Name: "get_weather", Content: "19C"},
	}, "")

	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}

	call := contents[0]
	if call.Role != "model" || call.Parts[0].FunctionCall == nil {
		t.Fatalf("expected model turn with functionCall part: %+v", call)
	}
	if call.Parts[0].FunctionCall.Name != "get_weather" {
		t.Errorf("unexpected function call: %+v", call.Parts[0].FunctionCall)
	}

	result := contents[1]
	if result.Role != "user" || result.Parts[0].FunctionResponse == nil {
		t.Fatalf("expected user turn with functionResponse part: %+v", result)
	}
	fr := result.Parts[0].FunctionResponse
	if fr.Name != "get_weather" || fr.Response["result"] != "19C" {
		t.Errorf("unexpected function response: %+v", fr)
	}
}

func TestGeminiProvider_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "test-api-key" {
			t.Errorf("expected key query parameter, got '%s'", got)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"candidates": [{
				"content": {
					"role": "model",
					"parts": [
						{"text": "Looking it up."},
						{"functionCall": {"name": "get_weather", "args": {"city": "Lima"}}}
					]
				},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 20, "candidatesTokenCount": 10, "totalTokenCount": 30}
		}`)
	}))
	defer server.Close()

	provider, _ := NewGeminiProvider(llm.Config{APIKey: "test-api-key", Endpoint: server.URL})

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "weather in Lima?"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Content != "Looking it up." {
		t.Errorf("unexpected content: '%s'", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	// The API assigns no ids, so the adapter synthesizes them from the name.
	if resp.ToolCalls[0].ID != "call_get_weather" {
		t.Errorf("expected synthesized id 'call_get_weather', got '%s'", resp.ToolCalls[0].ID)
	}
	// Tool calls force the tool_use finish reason regardless of finishReason.
	if resp.FinishReason != llm.FinishReasonToolUse {
		t.Errorf("expected tool_use finish reason, got '%s'", resp.FinishReason)
	}
	if resp.TokenCount != 30 {
		t.Errorf("expected 30 tokens, got %d", resp.TokenCount)
	}
}

func TestGeminiProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		status  int
		message string
		check   func(error) bool
		name    string
	}{
		{http.StatusBadRequest, "API key not valid. Please pass a valid API key.", errors.IsAuthentication, "authentication"},
		{http.StatusTooManyRequests, "Resource exhausted: quota exceeded", errors.IsRateLimit, "rate_limit"},
		{http.StatusBadRequest, "Invalid argument: unknown field", func(err error) bool {
			return errors.KindOf(err) == errors.KindInvalidRequest
		}, "invalid_request"},
		{http.StatusServiceUnavailable, "The service is temporarily unavailable", errors.IsConnection, "connection"},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			body, _ := json.Marshal(map[string]any{
				"error": map[string]any{"code": tt.status, "message": tt.message},
			})
			w.Write(body)
		}))

		provider, _ := NewGeminiProvider(llm.Config{APIKey: "test-api-key", Endpoint: server.URL})
		_, err := provider.Chat(context.Background(), llm.ChatRequest{
			Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "hi"}},
		})
		server.Close()

		if err == nil {
			t.Errorf("%s: expected error, got nil", tt.name)
			continue
		}
		if !tt.check(err) {
			t.Errorf("%s: message '%s' classified as %v", tt.name, tt.message, errors.KindOf(err))
		}
	}
}

func TestGeminiProvider_UnknownModelCostsZero(t *testing.T) {
	provider, _ := NewGeminiProvider(llm.Config{APIKey: "test-api-key", Model: "gemini-experimental"})

	if got := provider.EstimateCost(1_000_000, 1_000_000); got != 0 {
		t.Errorf("expected zero cost for unrecognized model, got %f", got)
	}
}
