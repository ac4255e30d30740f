// Package llm provides abstractions for Large Language Model providers.
// This package is designed to be embeddable in other Go applications and
// provides a provider-agnostic interface for chat completions with tool
// calling, streaming, token counting, and cost estimation.
package llm

import (
	"context"
)

// Provider defines the interface that all LLM providers must implement.
// Implementations translate the normalized message model to and from one
// provider's native wire format. Implementations hold only immutable
// configuration captured at construction and are safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g., "anthropic", "openai").
	Name() string

	// Chat sends a blocking chat request and returns the full response.
	// Provider-native failures are mapped onto the pkg/errors taxonomy;
	// anything unclassified surfaces as a connection-kind ProviderError.
	Chat(ctx context.Context, req ChatRequest) (*Response, error)

	// StreamChat sends a streaming chat request and returns a channel of
	// events. The sequence is finite and single-pass: it ends with exactly
	// one done or error event, after which the channel closes. Each call
	// opens a fresh provider stream; the sequence is not restartable.
	StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)

	// CountTokens approximates the token footprint of the given messages.
	// Monotonic in input size and used consistently for budget decisions;
	// never a hard correctness guarantee.
	CountTokens(messages []Message) int

	// EstimateCost returns the USD cost for the given token counts using
	// the provider's per-model pricing table, with a default fallback row
	// when the configured model is unrecognized.
	EstimateCost(inputTokens, outputTokens int) float64

	// ValidateConfig checks that the minimum required configuration is
	// present (model name, API key where applicable; for the local
	// provider, a reachable endpoint).
	ValidateConfig(ctx context.Context) error
}

// Config holds the per-provider configuration captured at construction.
type Config struct {
	// Model is the provider-native model identifier.
	Model string

	// APIKey authenticates with the provider. Unused by the local provider.
	APIKey string

	// Endpoint overrides the provider's default base URL.
	Endpoint string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature *float64

	// TopP is the nucleus sampling parameter.
	TopP *float64

	// MaxTokens limits the response length. If nil, uses provider default.
	MaxTokens *int
}

// ChatRequest contains all parameters for a chat completion request.
type ChatRequest struct {
	// Messages is the conversation history including the current prompt.
	Messages []Message

	// Tools defines available functions the model can call.
	Tools []Tool

	// SystemPrompt is prepended per the provider's system-prompt convention.
	SystemPrompt string

	// Temperature overrides the configured temperature when set.
	Temperature *float64

	// TopP overrides the configured top_p when set.
	TopP *float64

	// MaxTokens overrides the configured limit when set.
	MaxTokens *int
}

// Message represents a single message in a conversation.
type Message struct {
	// Role indicates who sent this message (user, assistant, system, tool).
	Role MessageRole `json:"role"`

	// Content is the text content of the message. May be empty for pure
	// tool-call messages.
	Content string `json:"content"`

	// ToolCalls contains any tool invocations made by the assistant.
	// Only valid when Role is "assistant". Empty slices are stripped
	// before provider conversion; some providers reject empty arrays.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links this message to a specific tool call.
	// Only valid when Role is "tool".
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name identifies the tool that produced this result.
	// Only valid when Role is "tool".
	Name string `json:"name,omitempty"`
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	// MessageRoleSystem indicates a system message (context, instructions).
	MessageRoleSystem MessageRole = "system"

	// MessageRoleUser indicates a message from the user.
	MessageRoleUser MessageRole = "user"

	// MessageRoleAssistant indicates a message from the LLM.
	MessageRoleAssistant MessageRole = "assistant"

	// MessageRoleTool indicates a tool execution result.
	MessageRoleTool MessageRole = "tool"
)

// ToolCall represents a function invocation requested by the LLM.
type ToolCall struct {
	// ID uniquely identifies this tool call within a turn. Assigned by the
	// provider where supported, synthesized locally otherwise.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Arguments contains the structured call parameters.
	Arguments map[string]any `json:"arguments"`
}

// Tool defines a function the LLM can invoke, as discovered over MCP.
type Tool struct {
	// Name is the tool identifier.
	Name string `json:"name"`

	// Description explains what this tool does.
	Description string `json:"description"`

	// InputSchema is a JSON Schema describing the tool parameters.
	InputSchema map[string]any `json:"input_schema"`
}

// Response contains the full result of a blocking chat request.
type Response struct {
	// Content is the generated text response.
	Content string

	// Model is the actual model ID that handled this request.
	Model string

	// TokenCount is the total tokens consumed (prompt + completion).
	TokenCount int

	// ToolCalls contains any tool invocations requested by the model.
	ToolCalls []ToolCall

	// FinishReason explains why generation stopped.
	FinishReason FinishReason

	// Cost is the estimated USD cost of this request.
	Cost float64

	// Metadata carries provider-specific extras (request ids, raw usage).
	Metadata map[string]any
}

// FinishReason indicates why completion generation stopped.
type FinishReason string

const (
	// FinishReasonStop indicates natural completion.
	FinishReasonStop FinishReason = "stop"

	// FinishReasonLength indicates the max-token limit was reached.
	FinishReasonLength FinishReason = "length"

	// FinishReasonToolUse indicates the model wants to call tools.
	FinishReasonToolUse FinishReason = "tool_use"

	// FinishReasonError indicates an error occurred.
	FinishReasonError FinishReason = "error"
)

// EventType identifies one unit of a streaming response.
type EventType string

const (
	// EventContent carries an incremental text delta.
	EventContent EventType = "content"

	// EventToolCall carries one fully-assembled tool call.
	EventToolCall EventType = "tool_call"

	// EventDone terminates a successful stream with usage and cost.
	EventDone EventType = "done"

	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// StreamEvent is one unit of a streaming chat response. Exactly one of the
// payload groups is meaningful, selected by Type.
type StreamEvent struct {
	// Type selects the payload.
	Type EventType `json:"type"`

	// Content is the text delta for content events.
	Content string `json:"content,omitempty"`

	// ToolCall is the assembled call for tool_call events.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Tokens, Cost, Model, and ToolCalls describe the finished turn on
	// done events. ToolCalls re-lists every call surfaced this turn.
	Tokens    int        `json:"tokens,omitempty"`
	Cost      float64    `json:"cost,omitempty"`
	Model     string     `json:"model,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Err is the failure description for error events.
	Err string `json:"error,omitempty"`
}

// ContentEvent builds a content stream event.
func ContentEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventContent, Content: delta}
}

// ToolCallEvent builds a tool_call stream event.
func ToolCallEvent(tc ToolCall) StreamEvent {
	return StreamEvent{Type: EventToolCall, ToolCall: &tc}
}

// DoneEvent builds a terminal done event.
func DoneEvent(tokens int, cost float64, model string, toolCalls []ToolCall) StreamEvent {
	return StreamEvent{Type: EventDone, Tokens: tokens, Cost: cost, Model: model, ToolCalls: toolCalls}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Err: msg}
}

// StripEmptyToolCalls returns messages with zero-length ToolCalls slices
// normalized to nil. Providers reject empty tool_calls arrays.
func StripEmptyToolCalls(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		}
		out[i] = m
	}
	return out
}
