package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/httpclient"
	"github.com/tombee/parley/pkg/llm"
)

const (
	// openaiAPIBaseURL is the base URL for the OpenAI API
	openaiAPIBaseURL = "https://api.openai.com/v1"

	// openaiMessageOverhead is the per-message token overhead added to the
	// chars/4 estimate.
	openaiMessageOverhead = 4

	// openaiCompletionOverhead is the fixed priming overhead for replies.
	openaiCompletionOverhead = 2
)

// OpenAIProvider implements the Provider interface for OpenAI chat models.
// The system prompt is the first message in the array, tools are wrapped in
// {type:"function", function:{...}}, and streamed tool-call arguments arrive
// as accumulating JSON string fragments keyed by array index.
type OpenAIProvider struct {
	cfg        llm.Config
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider instance.
func NewOpenAIProvider(cfg llm.Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{
			Key:    "openai.api_key",
			Reason: "API key is required for OpenAI provider",
		}
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}

	baseURL := openaiAPIBaseURL
	if cfg.Endpoint != "" {
		baseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = 120 * time.Second
	hc.UserAgent = "parley-openai/1.0"
	hc.RetryAttempts = 0

	httpClient, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &OpenAIProvider{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// ValidateConfig checks that the minimum required configuration is present.
func (p *OpenAIProvider) ValidateConfig(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return &errors.ConfigError{Key: "openai.api_key", Reason: "API key is required"}
	}
	if p.cfg.Model == "" {
		return &errors.ConfigError{Key: "openai.model", Reason: "model name is required"}
	}
	return nil
}

// CountTokens approximates token usage as chars/4 for content and role plus
// per-message and reply-priming overheads.
func (p *OpenAIProvider) CountTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += llm.ApproxTokens(m.Content) + llm.ApproxTokens(string(m.Role)) + openaiMessageOverhead
	}
	return total + openaiCompletionOverhead
}

// EstimateCost returns the USD cost for the given token counts.
func (p *OpenAIProvider) EstimateCost(inputTokens, outputTokens int) float64 {
	return llm.CostFor(openaiModels, p.cfg.Model, openaiDefaultPricing, inputTokens, outputTokens)
}

// Chat sends a blocking request to the chat completions API.
func (p *OpenAIProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
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

	var apiResp openaiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}

	return p.parseResponse(&apiResp)
}

// buildAPIRequest constructs an openaiRequest from a ChatRequest.
func (p *OpenAIProvider) buildAPIRequest(req llm.ChatRequest, stream bool) *openaiRequest {
	apiMessages := buildOpenAIMessages(llm.StripEmptyToolCalls(req.Messages), req.SystemPrompt)

	var tools []openaiTool
	for _, t := range req.Tools {
		tools = append(tools, formatOpenAITool(t))
	}

	temperature := p.cfg.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	topP := p.cfg.TopP
	if req.TopP != nil {
		topP = req.TopP
	}
	maxTokens := p.cfg.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = req.MaxTokens
	}

	return &openaiRequest{
		Model:       p.cfg.Model,
		Messages:    apiMessages,
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Tools:       tools,
		Stream:      stream,
	}
}

// buildOpenAIMessages converts normalized messages to the OpenAI wire shape.
// The system prompt leads the array; tool results become tool-role messages
// carrying tool_call_id.
func buildOpenAIMessages(messages []llm.Message, systemPrompt string) []openaiMessage {
	var apiMessages []openaiMessage

	if systemPrompt != "" {
		apiMessages = append(apiMessages, openaiMessage{Role: "system", Content: systemPrompt})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			apiMessages = append(apiMessages, openaiMessage{Role: "system", Content: msg.Content})

		case llm.MessageRoleUser:
			apiMessages = append(apiMessages, openaiMessage{Role: "user", Content: msg.Content})

		case llm.MessageRoleAssistant:
			m := openaiMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			apiMessages = append(apiMessages, m)

		case llm.MessageRoleTool:
			apiMessages = append(apiMessages, openaiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	return apiMessages
}

// formatOpenAITool converts a normalized tool to OpenAI's function schema.
func formatOpenAITool(t llm.Tool) openaiTool {
	params := t.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return openaiTool{
		Type: "function",
		Function: openaiFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// parseOpenAIToolCalls converts wire tool calls back to normalized form.
// Malformed argument JSON degrades to empty arguments.
func parseOpenAIToolCalls(calls []openaiToolCall) []llm.ToolCall {
	var out []llm.ToolCall
	for _, tc := range calls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out = append(out, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

// doRequest sends the API request and returns the raw response body.
func (p *OpenAIProvider) doRequest(ctx context.Context, apiReq *openaiRequest) ([]byte, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "openai",
			Kind:       errors.KindConnection,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, openaiAPIError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// openaiAPIError maps an error response onto the provider error taxonomy.
func openaiAPIError(statusCode int, body []byte) error {
	message := fmt.Sprintf("API request failed with status %d", statusCode)
	var errResp openaiErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := &errors.ProviderError{
		Provider:   "openai",
		StatusCode: statusCode,
		Message:    message,
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		perr.Kind = errors.KindAuthentication
		perr.Suggestion = "Check that your API key is valid and correctly configured"
	case http.StatusTooManyRequests:
		perr.Kind = errors.KindRateLimit
		perr.Suggestion = "Rate limit or quota exceeded. Back off before retrying"
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		perr.Kind = errors.KindInvalidRequest
		perr.Suggestion = "Check the request parameters and model name"
	default:
		perr.Kind = errors.KindConnection
		perr.Suggestion = "OpenAI API is unreachable or experiencing issues. Retry after a short delay"
	}

	return perr
}

// parseResponse converts an openaiResponse to a normalized Response.
func (p *OpenAIProvider) parseResponse(resp *openaiResponse) (*llm.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Kind:     errors.KindConnection,
			Message:  "response contained no choices",
		}
	}

	choice := resp.Choices[0]
	toolCalls := parseOpenAIToolCalls(choice.Message.ToolCalls)

	return &llm.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		TokenCount:   resp.Usage.TotalTokens,
		ToolCalls:    toolCalls,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
		Cost:         p.EstimateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Metadata: map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"finish_reason":     choice.FinishReason,
		},
	}, nil
}

// mapOpenAIFinishReason converts OpenAI's finish_reason to a FinishReason.
func mapOpenAIFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "tool_calls", "function_call":
		return llm.FinishReasonToolUse
	case "content_filter":
		return llm.FinishReasonError
	default:
		return llm.FinishReasonStop
	}
}

// StreamChat sends a streaming request to the chat completions API.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
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
			Provider: "openai",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "openai",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("request failed: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, openaiAPIError(resp.StatusCode, respBody)
	}

	events := make(chan llm.StreamEvent, 10)
	go p.processStream(ctx, resp, events, req.Messages)

	return events, nil
}

// openaiToolAccumulator assembles one streamed tool call from its indexed
// deltas. The id and name arrive with the first delta for the index;
// arguments accumulate as JSON string fragments.
type openaiToolAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// processStream reads the SSE stream and sends normalized events.
// The stream payload carries no usage, so token counts are estimated from
// the request messages and the accumulated reply text.
func (p *OpenAIProvider) processStream(ctx context.Context, resp *http.Response, events chan<- llm.StreamEvent, reqMessages []llm.Message) {
	defer close(events)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	var (
		model        = p.cfg.Model
		content      strings.Builder
		accumulators = map[int]*openaiToolAccumulator{}
		finished     bool
	)

	finish := func() {
		turnCalls := finalizeOpenAIAccumulators(accumulators)
		for _, tc := range turnCalls {
			events <- llm.ToolCallEvent(tc)
		}

		inputTokens := p.CountTokens(reqMessages)
		outputTokens := llm.ApproxTokens(content.String()) + openaiCompletionOverhead
		events <- llm.DoneEvent(inputTokens+outputTokens, p.EstimateCost(inputTokens, outputTokens), model, turnCalls)
	}

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
				if !finished {
					finish()
				}
				return
			}
			events <- llm.ErrorEvent(fmt.Sprintf("stream read error: %v", err))
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if !finished {
				finish()
				finished = true
			}
			return
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			events <- llm.ContentEvent(choice.Delta.Content)
		}

		for _, tcd := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tcd.Index]
			if !ok {
				acc = &openaiToolAccumulator{}
				accumulators[tcd.Index] = acc
			}
			if tcd.ID != "" {
				acc.id = tcd.ID
			}
			if tcd.Function.Name != "" {
				acc.name = tcd.Function.Name
			}
			acc.args.WriteString(tcd.Function.Arguments)
		}

		if choice.FinishReason != "" && !finished {
			finish()
			finished = true
			return
		}
	}
}

// finalizeOpenAIAccumulators converts accumulated deltas to normalized tool
// calls, in array-index order. Unparseable argument JSON degrades to empty
// arguments.
func finalizeOpenAIAccumulators(accumulators map[int]*openaiToolAccumulator) []llm.ToolCall {
	if len(accumulators) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(accumulators))
	for i := range accumulators {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var out []llm.ToolCall
	for _, i := range indexes {
		acc := accumulators[i]
		args := map[string]any{}
		if raw := acc.args.String(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		out = append(out, llm.ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	return out
}

// Wire format types for the OpenAI chat completions API.

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string                `json:"content"`
	ToolCalls []openaiToolCallDelta `json:"tool_calls"`
}

type openaiToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id"`
	Function openaiFunctionCall `json:"function"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// openaiModels contains pricing metadata for OpenAI models.
var openaiModels = []llm.ModelInfo{
	{
		ID:                    "gpt-4o",
		Name:                  "GPT-4o",
		MaxTokens:             128000,
		InputPricePerMillion:  2.5,
		OutputPricePerMillion: 10.0,
		SupportsTools:         true,
	},
	{
		ID:                    "gpt-4o-mini",
		Name:                  "GPT-4o mini",
		MaxTokens:             128000,
		InputPricePerMillion:  0.15,
		OutputPricePerMillion: 0.6,
		SupportsTools:         true,
	},
	{
		ID:                    "gpt-4-turbo",
		Name:                  "GPT-4 Turbo",
		MaxTokens:             128000,
		InputPricePerMillion:  10.0,
		OutputPricePerMillion: 30.0,
		SupportsTools:         true,
	},
}

// openaiDefaultPricing is the fallback row for unrecognized models.
var openaiDefaultPricing = llm.ModelInfo{
	InputPricePerMillion:  2.5,
	OutputPricePerMillion: 10.0,
}
