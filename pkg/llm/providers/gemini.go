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
	// geminiAPIBaseURL is the base URL for the Gemini API
	geminiAPIBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// geminiMessageOverhead is the per-message token overhead added to the
	// chars/4 estimate.
	geminiMessageOverhead = 4

	// geminiSystemAck is the synthesized model turn that follows the system
	// preamble. Gemini has no system role, so instructions are injected as a
	// user/model exchange at the head of the conversation.
	geminiSystemAck = "Understood. I'll follow these instructions."
)

// GeminiProvider implements the Provider interface for Google Gemini models.
// The assistant role is "model" on the wire, tool calls travel as
// functionCall/functionResponse parts, and the API assigns no tool-call ids
// so the adapter synthesizes call_{name} identifiers.
type GeminiProvider struct {
	cfg        llm.Config
	baseURL    string
	httpClient *http.Client
}

// NewGeminiProvider creates a new Gemini provider instance.
func NewGeminiProvider(cfg llm.Config) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{
			Key:    "gemini.api_key",
			Reason: "API key is required for Gemini provider",
		}
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	baseURL := geminiAPIBaseURL
	if cfg.Endpoint != "" {
		baseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = 120 * time.Second
	hc.UserAgent = "parley-gemini/1.0"
	hc.RetryAttempts = 0

	httpClient, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &GeminiProvider{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// ValidateConfig checks that the minimum required configuration is present.
func (p *GeminiProvider) ValidateConfig(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return &errors.ConfigError{Key: "gemini.api_key", Reason: "API key is required"}
	}
	if p.cfg.Model == "" {
		return &errors.ConfigError{Key: "gemini.model", Reason: "model name is required"}
	}
	return nil
}

// CountTokens approximates token usage as chars/4 plus a per-message overhead.
func (p *GeminiProvider) CountTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += llm.ApproxTokens(m.Content) + geminiMessageOverhead
	}
	return total
}

// EstimateCost returns the USD cost for the given token counts. Unrecognized
// models cost zero rather than guessing a rate.
func (p *GeminiProvider) EstimateCost(inputTokens, outputTokens int) float64 {
	return llm.CostFor(geminiModels, p.cfg.Model, geminiDefaultPricing, inputTokens, outputTokens)
}

// Chat sends a blocking generateContent request.
func (p *GeminiProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "chat request must have at least one message",
			Suggestion: "Add at least one message to the chat request",
		}
	}

	apiReq := p.buildAPIRequest(req)

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.cfg.Model, p.cfg.APIKey)
	respBody, err := p.doRequest(ctx, url, apiReq)
	if err != nil {
		return nil, err
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}

	return p.parseResponse(&apiResp)
}

// buildAPIRequest constructs a geminiRequest from a ChatRequest.
func (p *GeminiProvider) buildAPIRequest(req llm.ChatRequest) *geminiRequest {
	contents := buildGeminiContents(llm.StripEmptyToolCalls(req.Messages), req.SystemPrompt)

	var tools []geminiToolBlock
	if len(req.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, t := range req.Tools {
			decls = append(decls, formatGeminiTool(t))
		}
		tools = append(tools, geminiToolBlock{FunctionDeclarations: decls})
	}

	cfg := &geminiGenerationConfig{}
	cfg.Temperature = p.cfg.Temperature
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	}
	cfg.TopP = p.cfg.TopP
	if req.TopP != nil {
		cfg.TopP = req.TopP
	}
	cfg.MaxOutputTokens = p.cfg.MaxTokens
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = req.MaxTokens
	}

	return &geminiRequest{
		Contents:         contents,
		Tools:            tools,
		GenerationConfig: cfg,
	}
}

// buildGeminiContents converts normalized messages to Gemini contents.
// A system prompt becomes a synthesized user instruction turn followed by a
// model acknowledgement, ahead of the real conversation.
func buildGeminiContents(messages []llm.Message, systemPrompt string) []geminiContent {
	var contents []geminiContent

	addSystem := func(text string) {
		contents = append(contents,
			geminiContent{Role: "user", Parts: []geminiPart{{Text: "System Instructions: " + text}}},
			geminiContent{Role: "model", Parts: []geminiPart{{Text: geminiSystemAck}}},
		)
	}

	if systemPrompt != "" {
		addSystem(systemPrompt)
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			addSystem(msg.Content)

		case llm.MessageRoleUser:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})

		case llm.MessageRoleAssistant:
			var parts []geminiPart
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
				})
			}
			if len(parts) == 0 {
				parts = []geminiPart{{Text: ""}}
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})

		case llm.MessageRoleTool:
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     msg.Name,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		}
	}

	return contents
}

// formatGeminiTool converts a normalized tool to a function declaration.
func formatGeminiTool(t llm.Tool) geminiFunctionDecl {
	params := t.InputSchema
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return geminiFunctionDecl{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
	}
}

// doRequest sends the API request and returns the raw response body.
func (p *GeminiProvider) doRequest(ctx context.Context, url string, apiReq *geminiRequest) ([]byte, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "gemini",
			Kind:       errors.KindConnection,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, geminiAPIError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// geminiAPIError maps an error response onto the provider error taxonomy.
// The Gemini API reports most failures as 400s, so classification leans on
// the error message text rather than the status code alone.
func geminiAPIError(statusCode int, body []byte) error {
	message := fmt.Sprintf("API request failed with status %d", statusCode)
	var errResp geminiErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	perr := &errors.ProviderError{
		Provider:   "gemini",
		StatusCode: statusCode,
		Message:    message,
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "api key") || strings.Contains(lower, "permission") ||
		strings.Contains(lower, "unauthenticated") || statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusForbidden:
		perr.Kind = errors.KindAuthentication
		perr.Suggestion = "Check that your API key is valid and has access to the model"
	case strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "resource exhausted") || statusCode == http.StatusTooManyRequests:
		perr.Kind = errors.KindRateLimit
		perr.Suggestion = "Quota or rate limit exceeded. Back off before retrying"
	case strings.Contains(lower, "invalid") || statusCode == http.StatusBadRequest ||
		statusCode == http.StatusNotFound:
		perr.Kind = errors.KindInvalidRequest
		perr.Suggestion = "Check the request parameters and model name"
	default:
		perr.Kind = errors.KindConnection
		perr.Suggestion = "Gemini API is unreachable or experiencing issues. Retry after a short delay"
	}

	return perr
}

// parseResponse converts a geminiResponse to a normalized Response.
func (p *GeminiProvider) parseResponse(resp *geminiResponse) (*llm.Response, error) {
	if len(resp.Candidates) == 0 {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindConnection,
			Message:  "response contained no candidates",
		}
	}

	candidate := resp.Candidates[0]

	var content strings.Builder
	var toolCalls []llm.ToolCall
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			content.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			toolCalls = append(toolCalls, geminiToolCall(part.FunctionCall))
		}
	}

	finishReason := mapGeminiFinishReason(candidate.FinishReason)
	if len(toolCalls) > 0 {
		finishReason = llm.FinishReasonToolUse
	}

	usage := resp.UsageMetadata
	return &llm.Response{
		Content:      content.String(),
		Model:        p.cfg.Model,
		TokenCount:   usage.TotalTokenCount,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Cost:         p.EstimateCost(usage.PromptTokenCount, usage.CandidatesTokenCount),
		Metadata: map[string]any{
			"prompt_tokens":     usage.PromptTokenCount,
			"completion_tokens": usage.CandidatesTokenCount,
			"finish_reason":     candidate.FinishReason,
		},
	}, nil
}

// geminiToolCall converts a functionCall part to a normalized tool call with
// a synthesized id.
func geminiToolCall(fc *geminiFunctionCall) llm.ToolCall {
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	return llm.ToolCall{
		ID:        "call_" + fc.Name,
		Name:      fc.Name,
		Arguments: args,
	}
}

// mapGeminiFinishReason converts Gemini's finishReason to a FinishReason.
func mapGeminiFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "STOP":
		return llm.FinishReasonStop
	case "MAX_TOKENS":
		return llm.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return llm.FinishReasonError
	default:
		return llm.FinishReasonStop
	}
}

// StreamChat sends a streaming streamGenerateContent request.
func (p *GeminiProvider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "chat request must have at least one message",
			Suggestion: "Add at least one message to the chat request",
		}
	}

	apiReq := p.buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, p.cfg.Model, p.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "gemini",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("request failed: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, geminiAPIError(resp.StatusCode, respBody)
	}

	events := make(chan llm.StreamEvent, 10)
	go p.processStream(ctx, resp, events)

	return events, nil
}

// processStream reads the SSE stream and sends normalized events. Gemini
// delivers each functionCall complete in a single chunk, so tool-call events
// are emitted as they arrive. Usage metadata rides on the final chunk.
func (p *GeminiProvider) processStream(ctx context.Context, resp *http.Response, events chan<- llm.StreamEvent) {
	defer close(events)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	var (
		turnCalls    []llm.ToolCall
		inputTokens  int
		outputTokens int
		totalTokens  int
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
				events <- llm.DoneEvent(totalTokens, p.EstimateCost(inputTokens, outputTokens), p.cfg.Model, turnCalls)
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

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if chunk.UsageMetadata.TotalTokenCount > 0 {
			inputTokens = chunk.UsageMetadata.PromptTokenCount
			outputTokens = chunk.UsageMetadata.CandidatesTokenCount
			totalTokens = chunk.UsageMetadata.TotalTokenCount
		}

		for _, candidate := range chunk.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					events <- llm.ContentEvent(part.Text)
				}
				if part.FunctionCall != nil {
					tc := geminiToolCall(part.FunctionCall)
					turnCalls = append(turnCalls, tc)
					events <- llm.ToolCallEvent(tc)
				}
			}
		}
	}
}

// Wire format types for the Gemini generateContent API.

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	Tools            []geminiToolBlock       `json:"tools,omitempty"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolBlock struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// geminiModels contains pricing metadata for Gemini models.
var geminiModels = []llm.ModelInfo{
	{
		ID:                    "gemini-2.0-flash",
		Name:                  "Gemini 2.0 Flash",
		MaxTokens:             1048576,
		InputPricePerMillion:  0.1,
		OutputPricePerMillion: 0.4,
		SupportsTools:         true,
	},
	{
		ID:                    "gemini-1.5-pro",
		Name:                  "Gemini 1.5 Pro",
		MaxTokens:             2097152,
		InputPricePerMillion:  1.25,
		OutputPricePerMillion: 5.0,
		SupportsTools:         true,
	},
}

// geminiDefaultPricing is the fallback row for unrecognized models. Free
// tier and experimental models report zero cost.
var geminiDefaultPricing = llm.ModelInfo{
	InputPricePerMillion:  0,
	OutputPricePerMillion: 0,
}
