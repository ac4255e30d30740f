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

import "github.com/tombee/parley/pkg/llm"

// EventType tags router stream events.
type EventType string

const (
	// EventContent carries a text delta.
	EventContent EventType = "content"

	// EventToolCall announces a tool invocation requested by the model.
	EventToolCall EventType = "tool_call"

	// EventToolResult carries the outcome of one tool execution.
	EventToolResult EventType = "tool_result"

	// EventDone terminates a successful stream. Intermediate provider
	// done events inside the tool loop are suppressed; consumers see
	// exactly one.
	EventDone EventType = "done"

	// EventError terminates a failed stream. No events follow it.
	EventError EventType = "error"
)

// Event is one router stream event. Exactly one payload field is set,
// selected by Type.
type Event struct {
	Type EventType `json:"type"`

	// Content is the text delta for content events.
	Content string `json:"content,omitempty"`

	// ToolCall is set for tool_call events.
	ToolCall *llm.ToolCall `json:"tool_call,omitempty"`

	// ToolResult is set for tool_result events.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// Done is set for done events.
	Done *TurnResult `json:"done,omitempty"`

	// Err is the message for error events.
	Err string `json:"error,omitempty"`
}

// ToolResult is the outcome of one tool execution within a turn.
type ToolResult struct {
	// Tool is the tool name.
	Tool string `json:"tool"`

	// CallID links the result to the originating tool call.
	CallID string `json:"call_id"`

	// Result is the structured tool output, or an error-shaped payload
	// when the execution failed.
	Result map[string]any `json:"result"`

	// IsError marks a failed execution. Failed tools still count as
	// executed; the model is told about the failure and decides how to
	// proceed.
	IsError bool `json:"is_error"`
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	// Content is the assistant's final accumulated text.
	Content string `json:"content"`

	// Tokens is the total token count reported or estimated by the
	// provider for the final model call.
	Tokens int `json:"tokens"`

	// Cost is the estimated USD cost of the final model call.
	Cost float64 `json:"cost"`

	// Model is the model that produced the final reply.
	Model string `json:"model"`

	// ToolCalls lists the calls executed across the whole turn.
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}
