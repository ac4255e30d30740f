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
	stderrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/tombee/parley/pkg/llm"
)

// defaultMaxToolDepth bounds the tool-calling loop. Model output drives
// the natural termination condition, so the cap is the safety net against
// a model that never stops calling tools.
const defaultMaxToolDepth = 10

// ErrToolDepthExceeded is returned when a turn exhausts the tool-calling
// depth cap. It is fatal for the turn.
var ErrToolDepthExceeded = stderrors.New("tool call depth exceeded")

// ToolSource discovers the tools available to a user.
type ToolSource interface {
	ListTools(ctx context.Context, user string, useCache bool) ([]llm.Tool, error)
}

// ToolRunner executes one tool call. Failures come back as error-shaped
// results, never as panics or Go errors.
type ToolRunner interface {
	Execute(ctx context.Context, user, tool string, args map[string]any) map[string]any
}

// RouterConfig configures the router.
type RouterConfig struct {
	// MaxToolDepth bounds model-tool round trips per turn. Zero selects
	// the default.
	MaxToolDepth int

	// ToolsEnabled gates tool calling. Re-read each turn, so disabling
	// it mid-conversation stops offering tools on later turns without
	// touching stored history. Nil means enabled.
	ToolsEnabled func() bool
}

// TurnRequest is one user turn presented to the router. User identity is
// explicit; nothing is read from ambient state.
type TurnRequest struct {
	User         string
	Messages     []llm.Message
	SystemPrompt string
}

// Router drives the model-tool conversation loop against one provider.
type Router struct {
	provider llm.Provider
	tools    ToolSource
	runner   ToolRunner
	cfg      RouterConfig
	logger   *slog.Logger
}

// NewRouter creates a router. tools and runner may be nil to run without
// tool support.
func NewRouter(provider llm.Provider, tools ToolSource, runner ToolRunner, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = defaultMaxToolDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		provider: provider,
		tools:    tools,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.With("component", "chat.router"),
	}
}

// toolsEnabled reports whether tools are offered this turn.
func (r *Router) toolsEnabled() bool {
	if r.tools == nil || r.runner == nil {
		return false
	}
	if r.cfg.ToolsEnabled == nil {
		return true
	}
	return r.cfg.ToolsEnabled()
}

// loadTools fetches the tool list, degrading to no tools on discovery
// failure so a broken tool server does not take chat down with it.
func (r *Router) loadTools(ctx context.Context, user string) []llm.Tool {
	tools, err := r.tools.ListTools(ctx, user, true)
	if err != nil {
		r.logger.Warn("tool discovery failed, continuing without tools", "user", user, "error", err)
		return nil
	}
	return tools
}

// Chat runs one blocking turn: call the model, execute any requested
// tools, feed results back, and repeat until the model answers without
// tool calls or the depth cap trips.
func (r *Router) Chat(ctx context.Context, req TurnRequest) (*llm.Response, error) {
	messages := req.Messages

	for depth := 0; depth < r.cfg.MaxToolDepth; depth++ {
		var tools []llm.Tool
		if r.toolsEnabled() {
			tools = r.loadTools(ctx, req.User)
		}

		resp, err := r.provider.Chat(ctx, llm.ChatRequest{
			Messages:     messages,
			Tools:        tools,
			SystemPrompt: req.SystemPrompt,
		})
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 || !r.toolsEnabled() {
			return resp, nil
		}

		r.logger.Debug("executing tool calls", "user", req.User, "count", len(resp.ToolCalls), "depth", depth)

		results := make([]*ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, r.execute(ctx, req.User, call))
		}
		messages = appendToolTurn(messages, resp.Content, resp.ToolCalls, results)
	}

	return nil, fmt.Errorf("%w: aborting after %d rounds", ErrToolDepthExceeded, r.cfg.MaxToolDepth)
}

// execute runs one tool call and wraps the outcome.
func (r *Router) execute(ctx context.Context, user string, call llm.ToolCall) *ToolResult {
	result := r.runner.Execute(ctx, user, call.Name, call.Arguments)
	isError, _ := result["error"].(bool)
	if isError {
		r.logger.Warn("tool execution failed", "user", user, "tool", call.Name, "call_id", call.ID)
	}
	return &ToolResult{
		Tool:    call.Name,
		CallID:  call.ID,
		Result:  result,
		IsError: isError,
	}
}

// appendToolTurn extends the conversation with one assistant message
// carrying the tool calls and one tool message per result.
func appendToolTurn(messages []llm.Message, content string, calls []llm.ToolCall, results []*ToolResult) []llm.Message {
	messages = append(messages, llm.Message{
		Role:      llm.MessageRoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})
	for _, res := range results {
		payload, err := json.Marshal(res.Result)
		if err != nil {
			payload = []byte(`{"error":true,"message":"unserializable tool result"}`)
		}
		messages = append(messages, llm.Message{
			Role:       llm.MessageRoleTool,
			ToolCallID: res.CallID,
			Name:       res.Tool,
			Content:    string(payload),
		})
	}
	return messages
}

// StreamChat runs one streaming turn as an explicit state machine in a
// single goroutine: each state opens a fresh provider stream, forwards
// content immediately, executes tool calls as they surface (deduplicated
// by id), and either terminates on a done with no tool activity or feeds
// the results back and opens the next stream. Intermediate done events
// are suppressed; consumers see exactly one terminal done or error.
func (r *Router) StreamChat(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	out := make(chan Event, 10)
	go r.runStream(ctx, req, out)
	return out, nil
}

// turnState tracks one pass through the tool loop.
type turnState struct {
	content  strings.Builder
	executed map[string]llm.ToolCall
	calls    []llm.ToolCall
	results  []*ToolResult
	done     *llm.StreamEvent
}

func (r *Router) runStream(ctx context.Context, req TurnRequest, out chan<- Event) {
	defer close(out)

	messages := req.Messages
	var allCalls []llm.ToolCall

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for depth := 0; depth < r.cfg.MaxToolDepth; depth++ {
		var tools []llm.Tool
		if r.toolsEnabled() {
			tools = r.loadTools(ctx, req.User)
		}

		stream, err := r.provider.StreamChat(ctx, llm.ChatRequest{
			Messages:     messages,
			Tools:        tools,
			SystemPrompt: req.SystemPrompt,
		})
		if err != nil {
			emit(Event{Type: EventError, Err: err.Error()})
			return
		}

		turn := &turnState{executed: make(map[string]llm.ToolCall)}

		for ev := range stream {
			switch ev.Type {
			case llm.EventContent:
				turn.content.WriteString(ev.Content)
				if !emit(Event{Type: EventContent, Content: ev.Content}) {
					return
				}

			case llm.EventToolCall:
				if ev.ToolCall == nil {
					continue
				}
				if !r.handleToolCall(ctx, req.User, *ev.ToolCall, turn, emit) {
					return
				}

			case llm.EventDone:
				done := ev
				turn.done = &done
				// The terminal event may list calls that never got
				// their own event; execute any still unseen.
				for _, call := range ev.ToolCalls {
					if !r.handleToolCall(ctx, req.User, call, turn, emit) {
						return
					}
				}

			case llm.EventError:
				emit(Event{Type: EventError, Err: ev.Err})
				return
			}
		}

		if ctx.Err() != nil {
			// Consumer went away; skip follow-up turns.
			return
		}

		allCalls = append(allCalls, turn.calls...)

		if len(turn.results) == 0 {
			result := &TurnResult{
				Content:   turn.content.String(),
				ToolCalls: allCalls,
			}
			if turn.done != nil {
				result.Tokens = turn.done.Tokens
				result.Cost = turn.done.Cost
				result.Model = turn.done.Model
			}
			emit(Event{Type: EventDone, Done: result})
			return
		}

		// Tools ran this turn: suppress the intermediate done, feed the
		// results back, and reopen the stream.
		messages = appendToolTurn(messages, turn.content.String(), turn.calls, turn.results)
	}

	emit(Event{Type: EventError, Err: fmt.Sprintf("tool call depth exceeded: aborting after %d rounds", r.cfg.MaxToolDepth)})
}

// handleToolCall surfaces and executes one tool call, deduplicated by id.
// The first sighting's arguments are authoritative; a duplicate id with
// different arguments logs a warning and is not re-executed. Returns
// false when the consumer is gone.
func (r *Router) handleToolCall(ctx context.Context, user string, call llm.ToolCall, turn *turnState, emit func(Event) bool) bool {
	if seen, ok := turn.executed[call.ID]; ok {
		if !reflect.DeepEqual(seen.Arguments, call.Arguments) {
			r.logger.Warn("duplicate tool call id with differing arguments, keeping first-seen",
				"tool", call.Name, "call_id", call.ID)
		}
		return true
	}

	if !r.toolsEnabled() {
		return true
	}

	turn.executed[call.ID] = call
	turn.calls = append(turn.calls, call)

	if !emit(Event{Type: EventToolCall, ToolCall: &call}) {
		return false
	}

	res := r.execute(ctx, user, call)
	turn.results = append(turn.results, res)

	return emit(Event{Type: EventToolResult, ToolResult: res})
}
