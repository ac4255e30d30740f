package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/httpclient"
	"github.com/tombee/parley/pkg/llm"
)

const (
	// anthropicAPIBaseURL is the base URL for the Anthropic API
	anthropicAPIBaseURL = "https://api.anthropic.com/v1"

	// anthropicAPIVersion is the API version to use
	anthropicAPIVersion = "2023-06-01"

	// anthropicMessageOverhead is the per-message token overhead added to
	// the chars/4 estimate.
	anthropicMessageOverhead = 4
)

// AnthropicProvider implements the Provider interface for Anthropic's Claude
// models. System prompts go in a separate top-level field, tools declare
// their parameters under input_schema, and tool results are sent back as
// tool_result content blocks inside a user-role message.
type AnthropicProvider struct {
	cfg        llm.Config
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider instance.
func NewAnthropicProvider(cfg llm.Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{
			Key:    "anthropic.api_key",
			Reason: "API key is required for Anthropic provider",
		}
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}

	baseURL := anthropicAPIBaseURL
	if cfg.Endpoint != "" {
		baseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = 120 * time.Second // LLM requests can take a while
	hc.UserAgent = "parley-anthropic/1.0"
	hc.RetryAttempts = 0 // retries are handled by the llm retry wrapper

	httpClient, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &AnthropicProvider{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// ValidateConfig checks that the minimum required configuration is present.
func (p *AnthropicProvider) ValidateConfig(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return &errors.ConfigError{Key: "anthropic.api_key", Reason: "API key is required"}
	}
	if p.cfg.Model == "" {
		return &errors.ConfigError{Key: "anthropic.model", Reason: "model name is required"}
	}
	return nil
}

// CountTokens approximates token usage as chars/4 plus a fixed per-message
// overhead.
func (p *AnthropicProvider) CountTokens(messages []llm.Message) int {
	return llm.ApproxMessageTokens(messages, anthropicMessageOverhead)
}

// EstimateCost returns the USD cost for the given token counts.
func (p *AnthropicProvider) EstimateCost(inputTokens, outputTokens int) float64 {
	return llm.CostFor(anthropicModels, p.cfg.Model, anthropicDefaultPricing, inputTokens, outputTokens)
}

// Chat sends a blocking request to the Anthropic Messages API.
func (p *AnthropicProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "chat request must have at least one message",
			Suggestion: "Add at least one message to the chat request",
		}
	}

	apiReq := p.buildAPIRequest(req, false)

	respBody, err := p.doRequest(ctx, apiReq)
	if err != nil {
		return nil, err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}

	return p.parseResponse(&apiResp), nil
}

// buildAPIRequest constructs an anthropicRequest from a ChatRequest.
func (p *AnthropicProvider) buildAPIRequest(req llm.ChatRequest, stream bool) *anthropicRequest {
	systemPrompt := req.SystemPrompt
	apiMessages := buildAnthropicMessages(llm.StripEmptyToolCalls(req.Messages), &systemPrompt)

	maxTokens := 4096
	if p.cfg.MaxTokens != nil {
		maxTokens = *p.cfg.MaxTokens
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	temperature := p.cfg.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	topP := p.cfg.TopP
	if req.TopP != nil {
		topP = req.TopP
	}

	var tools []anthropicTool
	for _, t := range req.Tools {
		tools = append(tools, formatAnthropicTool(t))
	}

	return &anthropicRequest{
		Model:       p.cfg.Model,
		Messages:    apiMessages,
		MaxTokens:   maxTokens,
		System:      systemPrompt,
		Temperature: temperature,
		TopP:        topP,
		Tools:       tools,
		Stream:      stream,
	}
}

// buildAnthropicMessages converts normalized messages to the Anthropic wire
// shape. System messages are folded into the top-level system field; tool
// results become tool_result blocks inside user-role messages.
func buildAnthropicMessages(messages []llm.Message, systemPrompt *string) []anthropicMessage {
	var apiMessages []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			if *systemPrompt != "" {
				*systemPrompt += "\n\n"
			}
			*systemPrompt += msg.Content

		case llm.MessageRoleUser:
			apiMessages = append(apiMessages, anthropicMessage{
				Role: "user",
				Content: []any{
					anthropicTextContent{Type: "text", Text: msg.Content},
				},
			})

		case llm.MessageRoleAssistant:
			var content []any
			if msg.Content != "" {
				content = append(content, anthropicTextContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(content) > 0 {
				apiMessages = append(apiMessages, anthropicMessage{
					Role:    "assistant",
					Content: content,
				})
			}

		case llm.MessageRoleTool:
			apiMessages = append(apiMessages, anthropicMessage{
				Role: "user",
				Content: []any{
					anthropicToolResultContent{
						Type:      "tool_result",
						ToolUseID: msg.ToolCallID,
						Content:   msg.Content,
					},
				},
			})
		}
	}

	return apiMessages
}

// formatAnthropicTool converts a normalized tool to Anthropic's schema.
func formatAnthropicTool(t llm.Tool) anthropicTool {
	schema := t.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return anthropicTool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// doRequest sends the API request and returns the raw response body.
func (p *AnthropicProvider) doRequest(ctx context.Context, apiReq *anthropicRequest) ([]byte, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "anthropic",
			Kind:       errors.KindConnection,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, anthropicAPIError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// anthropicAPIError maps an error response onto the provider error taxonomy.
func anthropicAPIError(statusCode int, body []byte) error {
	message := fmt.Sprintf("API request failed with status %d", statusCode)
	var errResp anthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := &errors.ProviderError{
		Provider:   "anthropic",
		StatusCode: statusCode,
		Message:    message,
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		perr.Kind = errors.KindAuthentication
		perr.Suggestion = "Check that your API key is valid and correctly configured"
	case http.StatusTooManyRequests:
		perr.Kind = errors.KindRateLimit
		perr.Suggestion = "Rate limit exceeded. Reduce request frequency or back off"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		perr.Kind = errors.KindInvalidRequest
		perr.Suggestion = "Check the request parameters for errors"
	default:
		perr.Kind = errors.KindConnection
		perr.Suggestion = "Anthropic API is unreachable or experiencing issues. Retry after a short delay"
	}

	return perr
}

// parseResponse converts an anthropicResponse to a normalized Response.
func (p *AnthropicProvider) parseResponse(resp *anthropicResponse) *llm.Response {
	var textContent strings.Builder
	var toolCalls []llm.ToolCall

	for _, block := range resp.Content {
		blockType, _ := block["type"].(string)

		switch blockType {
		case "text":
			if text, ok := block["text"].(string); ok {
				if textContent.Len() > 0 {
					textContent.WriteString("\n")
				}
				textContent.WriteString(text)
			}
		case "tool_use":
			toolCalls = append(toolCalls, parseAnthropicToolUse(block))
		}
	}

	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens

	return &llm.Response{
		Content:      textContent.String(),
		Model:        resp.Model,
		TokenCount:   tokens,
		ToolCalls:    toolCalls,
		FinishReason: mapAnthropicStopReason(resp.StopReason),
		Cost:         p.EstimateCost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Metadata: map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"stop_reason":   resp.StopReason,
		},
	}
}

// parseAnthropicToolUse extracts a normalized tool call from a tool_use block.
func parseAnthropicToolUse(block map[string]any) llm.ToolCall {
	id, _ := block["id"].(string)
	name, _ := block["name"].(string)
	input, _ := block["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}

	return llm.ToolCall{ID: id, Name: name, Arguments: input}
}

// mapAnthropicStopReason converts Anthropic's stop_reason to a FinishReason.
func mapAnthropicStopReason(stopReason string) llm.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return llm.FinishReasonStop
	case "max_tokens":
		return llm.FinishReasonLength
	case "tool_use":
		return llm.FinishReasonToolUse
	default:
		return llm.FinishReasonStop
	}
}

// StreamChat sends a streaming request to the Anthropic Messages API.
func (p *AnthropicProvider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "chat request must have at least one message",
			Suggestion: "Add at least one message to the chat request",
		}
	}

	apiReq := p.buildAPIRequest(req, true)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("request failed: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, anthropicAPIError(resp.StatusCode, respBody)
	}

	events := make(chan llm.StreamEvent, 10)
	go p.processStream(ctx, resp, events)

	return events, nil
}

// processStream reads the SSE stream and sends normalized events.
// Tool input JSON arrives as partial fragments across content_block_delta
// events and is assembled until the matching content_block_stop.
func (p *AnthropicProvider) processStream(ctx context.Context, resp *http.Response, events chan<- llm.StreamEvent) {
	defer close(events)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	var (
		inputTokens  int
		outputTokens int
		model        = p.cfg.Model
		turnCalls    []llm.ToolCall
		pendingID    string
		pendingName  string
		pendingJSON  strings.Builder
		inToolBlock  bool
	)

	for {
		select {
		case <-ctx.Done():
			events <- llm.ErrorEvent(ctx.Err().Error())
			return
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Stream ended without message_stop; emit what we have.
				tokens := inputTokens + outputTokens
				events <- llm.DoneEvent(tokens, p.EstimateCost(inputTokens, outputTokens), model, turnCalls)
				return
			}
			events <- llm.ErrorEvent(fmt.Sprintf("stream read error: %v", err))
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				if m, ok := event.Message["model"].(string); ok && m != "" {
					model = m
				}
				if usage, ok := event.Message["usage"].(map[string]any); ok {
					if v, ok := usage["input_tokens"].(float64); ok {
						inputTokens = int(v)
					}
				}
			}

		case "content_block_start":
			if event.ContentBlock != nil {
				blockType, _ := event.ContentBlock["type"].(string)
				if blockType == "tool_use" {
					pendingID, _ = event.ContentBlock["id"].(string)
					pendingName, _ = event.ContentBlock["name"].(string)
					pendingJSON.Reset()
					inToolBlock = true
				}
			}

		case "content_block_delta":
			if event.Delta != nil {
				deltaType, _ := event.Delta["type"].(string)

				switch deltaType {
				case "text_delta":
					if text, _ := event.Delta["text"].(string); text != "" {
						events <- llm.ContentEvent(text)
					}

				case "input_json_delta":
					if partial, _ := event.Delta["partial_json"].(string); partial != "" && inToolBlock {
						pendingJSON.WriteString(partial)
					}
				}
			}

		case "content_block_stop":
			if inToolBlock {
				args := map[string]any{}
				if raw := pendingJSON.String(); raw != "" {
					// Malformed input JSON degrades to empty arguments.
					_ = json.Unmarshal([]byte(raw), &args)
				}
				tc := llm.ToolCall{ID: pendingID, Name: pendingName, Arguments: args}
				turnCalls = append(turnCalls, tc)
				events <- llm.ToolCallEvent(tc)
				inToolBlock = false
			}

		case "message_delta":
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
				if event.Usage.InputTokens > 0 {
					inputTokens = event.Usage.InputTokens
				}
			}

		case "message_stop":
			tokens := inputTokens + outputTokens
			events <- llm.DoneEvent(tokens, p.EstimateCost(inputTokens, outputTokens), model, turnCalls)
			return

		case "error":
			errMsg := "unknown streaming error"
			if event.Error != nil && event.Error.Message != "" {
				errMsg = event.Error.Message
			}
			events <- llm.ErrorEvent(errMsg)
			return
		}
	}
}

// Wire format types for the Anthropic Messages API.

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type anthropicTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolResultContent struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []map[string]any `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string          `json:"type"`
	Message      map[string]any  `json:"message,omitempty"`
	ContentBlock map[string]any  `json:"content_block,omitempty"`
	Delta        map[string]any  `json:"delta,omitempty"`
	Usage        *anthropicUsage `json:"usage,omitempty"`
	Error        *anthropicError `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicErrorResponse struct {
	Error anthropicError `json:"error"`
}

// anthropicModels contains pricing metadata for Claude models.
var anthropicModels = []llm.ModelInfo{
	{
		ID:                    "claude-3-5-haiku-20241022",
		Name:                  "Claude 3.5 Haiku",
		MaxTokens:             200000,
		InputPricePerMillion:  0.8,
		OutputPricePerMillion: 4.0,
		SupportsTools:         true,
	},
	{
		ID:                    "claude-3-5-sonnet-20241022",
		Name:                  "Claude 3.5 Sonnet",
		MaxTokens:             200000,
		InputPricePerMillion:  3.0,
		OutputPricePerMillion: 15.0,
		SupportsTools:         true,
	},
	{
		ID:                    "claude-3-opus-20240229",
		Name:                  "Claude 3 Opus",
		MaxTokens:             200000,
		InputPricePerMillion:  15.0,
		OutputPricePerMillion: 75.0,
		SupportsTools:         true,
	},
}

// anthropicDefaultPricing is the fallback row for unrecognized models.
var anthropicDefaultPricing = llm.ModelInfo{
	InputPricePerMillion:  3.0,
	OutputPricePerMillion: 15.0,
}
