package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/httpclient"
	"github.com/tombee/parley/pkg/llm"
)

const (
	// localDefaultEndpoint is the default Ollama server address.
	localDefaultEndpoint = "http://localhost:11434"

	// localTokensPerWord converts a whitespace word count to an
	// approximate token count.
	localTokensPerWord = 1.3
)

// ToolCallSniffer extracts tool invocations from free-form model output.
// Local models have no structured tool-call channel, so calls are embedded
// in the reply text by convention and recovered after generation. Sniff
// returns the extracted calls and the text with the call markup removed.
// Returned calls carry no ids; the adapter assigns them.
type ToolCallSniffer interface {
	Sniff(text string) (calls []llm.ToolCall, remaining string)
}

// jsonBlockPattern matches fenced json blocks in model output.
var jsonBlockPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// JSONBlockSniffer recognizes fenced code blocks of the form
//
//	```json
//	{"tool": "name", "arguments": {...}}
//	```
//
// which is the convention the adapter's prompt instructs models to follow.
type JSONBlockSniffer struct{}

// Sniff extracts tool calls from fenced json blocks. Blocks that do not
// parse, or parse but lack a tool name, are left in the text untouched.
func (JSONBlockSniffer) Sniff(text string) ([]llm.ToolCall, string) {
	var calls []llm.ToolCall

	remaining := jsonBlockPattern.ReplaceAllStringFunc(text, func(block string) string {
		m := jsonBlockPattern.FindStringSubmatch(block)
		if m == nil {
			return block
		}

		var payload struct {
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &payload); err != nil || payload.Tool == "" {
			return block
		}

		args := payload.Arguments
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, llm.ToolCall{Name: payload.Tool, Arguments: args})
		return ""
	})

	return calls, strings.TrimSpace(remaining)
}

// LocalProvider implements the Provider interface for Ollama-compatible
// local inference servers. Conversations are flattened to a single prompt
// string, tool support is emulated through prompt instructions and output
// sniffing, and all usage is free.
type LocalProvider struct {
	cfg        llm.Config
	baseURL    string
	httpClient *http.Client
	sniffer    ToolCallSniffer
}

// NewLocalProvider creates a new local provider instance with the default
// fenced-json sniffer.
func NewLocalProvider(cfg llm.Config) (*LocalProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}

	baseURL := localDefaultEndpoint
	if cfg.Endpoint != "" {
		baseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = 300 * time.Second
	hc.UserAgent = "parley-local/1.0"
	hc.RetryAttempts = 0

	httpClient, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &LocalProvider{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: httpClient,
		sniffer:    JSONBlockSniffer{},
	}, nil
}

// SetSniffer replaces the tool-call sniffer. Useful when a local model is
// fine-tuned for a different call convention.
func (p *LocalProvider) SetSniffer(s ToolCallSniffer) {
	if s != nil {
		p.sniffer = s
	}
}

// Name returns the provider identifier.
func (p *LocalProvider) Name() string {
	return "local"
}

// ValidateConfig checks that the local server is reachable by listing its
// installed models.
func (p *LocalProvider) ValidateConfig(ctx context.Context) error {
	if p.cfg.Model == "" {
		return &errors.ConfigError{Key: "local.model", Reason: "model name is required"}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return &errors.ProviderError{
			Provider: "local",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return &errors.ProviderError{
			Provider:   "local",
			Kind:       errors.KindConnection,
			Message:    fmt.Sprintf("local model server is not reachable at %s: %v", p.baseURL, err),
			Suggestion: "Check that the server is running and the endpoint is correct",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &errors.ProviderError{
			Provider:   "local",
			Kind:       errors.KindConnection,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("local model server returned status %d", resp.StatusCode),
		}
	}

	return nil
}

// CountTokens approximates token usage from whitespace word counts.
func (p *LocalProvider) CountTokens(messages []llm.Message) int {
	words := 0
	for _, m := range messages {
		words += len(strings.Fields(m.Content))
	}
	return int(float64(words) * localTokensPerWord)
}

// EstimateCost always returns zero. Local inference is free.
func (p *LocalProvider) EstimateCost(inputTokens, outputTokens int) float64 {
	return 0
}

// Chat sends a blocking request to the generate API.
func (p *LocalProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "chat request must have at least one message",
			Suggestion: "Add at least one message to the chat request",
		}
	}

	prompt := buildLocalPrompt(llm.StripEmptyToolCalls(req.Messages), req.SystemPrompt, req.Tools)

	apiReq := &localRequest{
		Model:  p.cfg.Model,
		Prompt: prompt,
		Stream: false,
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "local",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "local",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "local",
			Kind:       errors.KindConnection,
			Message:    fmt.Sprintf("request failed: %v", err),
			Suggestion: "Check that the local model server is running",
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "local",
			Kind:       errors.KindConnection,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, localAPIError(resp.StatusCode, respBody)
	}

	var apiResp localResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider: "local",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}

	calls, content := p.sniffer.Sniff(apiResp.Response)
	toolCalls := assignLocalIDs(calls)

	finishReason := llm.FinishReasonStop
	if len(toolCalls) > 0 {
		finishReason = llm.FinishReasonToolUse
	}

	tokenCount := apiResp.PromptEvalCount + apiResp.EvalCount
	if tokenCount == 0 {
		tokenCount = p.CountTokens(req.Messages) + int(float64(len(strings.Fields(apiResp.Response)))*localTokensPerWord)
	}

	return &llm.Response{
		Content:      content,
		Model:        p.cfg.Model,
		TokenCount:   tokenCount,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Cost:         0,
	}, nil
}

// buildLocalPrompt flattens the conversation into a single prompt string.
// Tool definitions are described in the system section as text, along with
// the fenced-json call convention the sniffer recognizes.
func buildLocalPrompt(messages []llm.Message, systemPrompt string, tools []llm.Tool) string {
	var sections []string

	system := systemPrompt
	if len(tools) > 0 {
		var b strings.Builder
		b.WriteString("You have access to the following tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		b.WriteString("\nTo use a tool, respond with a json code block:\n")
		b.WriteString("```json\n{\"tool\": \"<tool name>\", \"arguments\": {<parameters>}}\n```")
		if system != "" {
			system += "\n\n" + b.String()
		} else {
			system = b.String()
		}
	}
	if system != "" {
		sections = append(sections, "System: "+system)
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			sections = append(sections, "System: "+msg.Content)
		case llm.MessageRoleUser:
			sections = append(sections, "User: "+msg.Content)
		case llm.MessageRoleAssistant:
			sections = append(sections, "Assistant: "+msg.Content)
		case llm.MessageRoleTool:
			sections = append(sections, fmt.Sprintf("Tool Result (%s): %s", msg.Name, msg.Content))
		}
	}

	sections = append(sections, "Assistant:")
	return strings.Join(sections, "\n\n")
}

// assignLocalIDs gives sniffed calls deterministic local_{n} identifiers.
func assignLocalIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		calls[i].ID = fmt.Sprintf("local_%d", i)
	}
	return calls
}

// localAPIError maps an error response onto the provider error taxonomy.
func localAPIError(statusCode int, body []byte) error {
	message := fmt.Sprintf("local model server returned status %d", statusCode)
	var errResp localErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	}

	perr := &errors.ProviderError{
		Provider:   "local",
		StatusCode: statusCode,
		Message:    message,
	}

	switch statusCode {
	case http.StatusNotFound, http.StatusBadRequest:
		perr.Kind = errors.KindInvalidRequest
		perr.Suggestion = "Check that the model is installed on the local server"
	default:
		perr.Kind = errors.KindConnection
		perr.Suggestion = "Check that the local model server is running and healthy"
	}

	return perr
}

// StreamChat sends a streaming request to the generate API. The server
// responds with line-delimited JSON objects rather than SSE.
func (p *LocalProvider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "chat request must have at least one message",
			Suggestion: "Add at least one message to the chat request",
		}
	}

	prompt := buildLocalPrompt(llm.StripEmptyToolCalls(req.Messages), req.SystemPrompt, req.Tools)

	apiReq := &localRequest{
		Model:  p.cfg.Model,
		Prompt: prompt,
		Stream: true,
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "local",
			Kind:     errors.KindInvalidRequest,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: "local",
			Kind:     errors.KindConnection,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:   "local",
			Kind:       errors.KindConnection,
			Message:    fmt.Sprintf("request failed: %v", err),
			Suggestion: "Check that the local model server is running",
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, localAPIError(resp.StatusCode, respBody)
	}

	events := make(chan llm.StreamEvent, 10)
	go p.processStream(ctx, resp, events, req.Messages)

	return events, nil
}

// processStream reads line-delimited JSON chunks and sends normalized
// events. Tool calls can only be recognized once the full reply has been
// seen, so content deltas stream through as-is and the sniffer runs over
// the accumulated text when the server reports done.
func (p *LocalProvider) processStream(ctx context.Context, resp *http.Response, events chan<- llm.StreamEvent, reqMessages []llm.Message) {
	defer close(events)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		full         strings.Builder
		inputTokens  int
		outputTokens int
	)

	finish := func() {
		calls, _ := p.sniffer.Sniff(full.String())
		turnCalls := assignLocalIDs(calls)
		for _, tc := range turnCalls {
			events <- llm.ToolCallEvent(tc)
		}

		if inputTokens == 0 {
			inputTokens = p.CountTokens(reqMessages)
		}
		if outputTokens == 0 {
			outputTokens = int(float64(len(strings.Fields(full.String()))) * localTokensPerWord)
		}
		events <- llm.DoneEvent(inputTokens+outputTokens, 0, p.cfg.Model, turnCalls)
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			events <- llm.ErrorEvent(ctx.Err().Error())
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk localResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue // skip malformed chunks
		}

		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			events <- llm.ContentEvent(chunk.Response)
		}

		if chunk.Done {
			inputTokens = chunk.PromptEvalCount
			outputTokens = chunk.EvalCount
			finish()
			return
		}
	}

	if err := scanner.Err(); err != nil {
		events <- llm.ErrorEvent(fmt.Sprintf("stream read error: %v", err))
		return
	}

	// Server closed the stream without a done marker.
	finish()
}

// Wire format types for the Ollama-compatible generate API.

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type localResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type localErrorResponse struct {
	Error string `json:"error"`
}
