package providers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tombee/parley/pkg/llm"
)

func TestLocalProvider_PromptConstruction(t *testing.T) {
	prompt := buildLocalPrompt([]llm.Message{
		{Role: llm.MessageRoleUser, Content: "weather in Cork?"},
		{Role: llm.MessageRoleAssistant, Content: "Let me check."},
		{Role: llm.MessageRoleTool, Name: "get_weather", Content: "12C, rain"},
	}, "Be brief.", nil)

	want := "System: Be brief.\n\n" +
		"User: weather in Cork?\n\n" +
		"Assistant: Let me check.\n\n" +
		"Tool Result (get_weather): 12C, rain\n\n" +
		"Assistant:"
	if prompt != want {
		t.Errorf("unexpected prompt:\n%s", prompt)
	}
}

func TestLocalProvider_PromptIncludesToolInstructions(t *testing.T) {
	prompt := buildLocalPrompt([]llm.Message{
		{Role: llm.MessageRoleUser, Content: "hi"},
	}, "", []llm.Tool{
		{Name: "get_weather", Description: "Get current weather"},
	})

	if !strings.Contains(prompt, "- get_weather: Get current weather") {
		t.Error("expected tool listed in prompt")
	}
	if !strings.Contains(prompt, `{"tool": "<tool name>", "arguments": {<parameters>}}`) {
		t.Error("expected call convention instructions in prompt")
	}
	if !strings.HasSuffix(prompt, "Assistant:") {
		t.Error("expected prompt to end with the assistant cue")
	}
}

func TestJSONBlockSniffer(t *testing.T) {
	text := "I'll check the weather.\n\n" +
		"```json\n{\"tool\": \"get_weather\", \"arguments\": {\"city\": \"Cork\"}}\n```\n\n" +
		"One moment."

	calls, remaining := JSONBlockSniffer{}.Sniff(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" || calls[0].Arguments["city"] != "Cork" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	if strings.Contains(remaining, "```") {
		t.Errorf("expected call markup removed, got: %s", remaining)
	}
	if !strings.Contains(remaining, "I'll check the weather.") {
		t.Errorf("expected surrounding text kept, got: %s", remaining)
	}
}

func TestJSONBlockSniffer_MalformedBlockLeftIntact(t *testing.T) {
	text := "```json\n{not valid json}\n```"

	calls, remaining := JSONBlockSniffer{}.Sniff(text)
	if len(calls) != 0 {
		t.Errorf("expected no calls, got %d", len(calls))
	}
	if remaining != text {
		t.Errorf("expected malformed block untouched, got: %s", remaining)
	}
}

func TestJSONBlockSniffer_NoToolField(t *testing.T) {
	text := "```json\n{\"data\": 42}\n```"

	calls, remaining := JSONBlockSniffer{}.Sniff(text)
	if len(calls) != 0 {
		t.Errorf("expected no calls for block without tool field, got %d", len(calls))
	}
	if remaining != text {
		t.Errorf("expected block untouched, got: %s", remaining)
	}
}

func TestLocalProvider_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"model": "llama3.2",
			"response": "Checking.\n\n`+"```"+`json\n{\"tool\": \"get_weather\", \"arguments\": {\"city\": \"Cork\"}}\n`+"```"+`",
			"done": true,
			"prompt_eval_count": 25,
			"eval_count": 15
		}`)
	}))
	defer server.Close()

	provider, _ := NewLocalProvider(llm.Config{Endpoint: server.URL})

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "weather in Cork?"}},
		Tools:    []llm.Tool{{Name: "get_weather", Description: "Get current weather"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 sniffed tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "local_0" {
		t.Errorf("expected id 'local_0', got '%s'", resp.ToolCalls[0].ID)
	}
	if resp.ToolCalls[0].Arguments["city"] != "Cork" {
		t.Errorf("unexpected arguments: %v", resp.ToolCalls[0].Arguments)
	}
	if strings.Contains(resp.Content, "```") {
		t.Errorf("expected call markup stripped from content: %s", resp.Content)
	}
	if resp.FinishReason != llm.FinishReasonToolUse {
		t.Errorf("expected tool_use finish reason, got '%s'", resp.FinishReason)
	}
	if resp.Cost != 0 {
		t.Errorf("expected zero cost, got %f", resp.Cost)
	}
	if resp.TokenCount != 40 {
		t.Errorf("expected server-reported 40 tokens, got %d", resp.TokenCount)
	}
}

func TestLocalProvider_StreamChat(t *testing.T) {
	chunks := strings.Join([]string{
		`{"response": "Sure, "}`,
		`{"response": "checking "}`,
		`{"response": "now."}`,
		`{"response": "", "done": true, "prompt_eval_count": 10, "eval_count": 3}`,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, chunks)
	}))
	defer server.Close()

	provider, _ := NewLocalProvider(llm.Config{Endpoint: server.URL})

	events, err := provider.StreamChat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.MessageRoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("StreamChat failed: %v", err)
	}

	var content strings.Builder
	var done *llm.StreamEvent
	for ev := range events {
		switch ev.Type {
		case llm.EventContent:
			content.WriteString(ev.Content)
		case llm.EventDone:
			e := ev
			done = &e
		case llm.EventError:
			t.Fatalf("unexpected error event: %s", ev.Err)
		}
	}

	if content.String() != "Sure, checking now." {
		t.Errorf("unexpected streamed content: '%s'", content.String())
	}
	if done == nil {
		t.Fatal("expected done event")
	}
	if done.Tokens != 13 {
		t.Errorf("expected 13 tokens from eval counts, got %d", done.Tokens)
	}
	if done.Cost != 0 {
		t.Errorf("expected zero cost, got %f", done.Cost)
	}
}

func TestLocalProvider_ValidateConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		io.WriteString(w, `{"models": [{"name": "llama3.2"}]}`)
	}))
	defer server.Close()

	provider, _ := NewLocalProvider(llm.Config{Endpoint: server.URL})
	if err := provider.ValidateConfig(context.Background()); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	server.Close()
	if err := provider.ValidateConfig(context.Background()); err == nil {
		t.Error("expected error when server is unreachable")
	}
}

func TestLocalProvider_CountTokens(t *testing.T) {
	provider, _ := NewLocalProvider(llm.Config{})

	messages := []llm.Message{
		{Role: llm.MessageRoleUser, Content: "one two three four"},
	}
	// 4 words * 1.3
	if got := provider.CountTokens(messages); got != 5 {
		t.Errorf("expected 5 tokens, got %d", got)
	}
}
