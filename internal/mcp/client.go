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

// Package mcp implements a Model Context Protocol client over JSON-RPC 2.0
// HTTP POST, with per-user OAuth bearer auth, tool discovery caching, and a
// retrying, result-caching tool executor.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/parley/internal/cache"
	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/httpclient"
	"github.com/tombee/parley/pkg/llm"
)

const (
	// mcpProtocolVersion is the protocol revision this client speaks.
	mcpProtocolVersion = "2025-03-26"

	// clientName and clientVersion identify this client in the
	// initialize handshake.
	clientName    = "parley"
	clientVersion = "1.0.0"

	// codeAuthorizationRequired is reserved by this client for "no valid
	// token and no way to get one without user action."
	codeAuthorizationRequired = -32001

	// codeInternalError is the standard JSON-RPC internal error, used
	// for transport-level failures.
	codeInternalError = -32603

	// defaultToolCacheTTL bounds how long a discovered tool list is
	// served from cache.
	defaultToolCacheTTL = 5 * time.Minute
)

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the MCP client.
type ClientConfig struct {
	// Endpoint is the MCP server URL.
	Endpoint string

	// ToolCacheTTL bounds the per-user tool list cache. Zero selects
	// the default.
	ToolCacheTTL time.Duration
}

// Client is an MCP client over JSON-RPC 2.0 HTTP POST. Requests carry a
// per-user bearer token; a 401 triggers exactly one refresh and retry of
// the failed request.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	tokens     *TokenManager
	cache      cache.Cache
	logger     *slog.Logger

	mu          sync.Mutex
	initialized bool
	serverInfo  map[string]any
}

// NewClient creates an MCP client. The cache holds discovered tool lists;
// pass nil to disable discovery caching.
func NewClient(cfg ClientConfig, tokens *TokenManager, c cache.Cache, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, &errors.ConfigError{Key: "mcp.endpoint", Reason: "MCP server URL is required"}
	}
	if cfg.ToolCacheTTL <= 0 {
		cfg.ToolCacheTTL = defaultToolCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = 60 * time.Second
	hc.UserAgent = clientName + "-mcp/" + clientVersion
	hc.RetryAttempts = 0

	httpClient, err := httpclient.New(hc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP client")
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		cache:      c,
		logger:     logger.With("component", "mcp.client"),
	}, nil
}

// Initialize performs the MCP handshake. It is idempotent; repeat calls
// return the cached server info. ListTools and CallTool initialize lazily,
// so calling this directly is optional.
func (c *Client) Initialize(ctx context.Context, user string) (map[string]any, error) {
	c.mu.Lock()
	if c.initialized {
		info := c.serverInfo
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": false},
		},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	result, rpcErr := c.call(ctx, user, "initialize", params)
	if rpcErr != nil {
		if rpcErr.Code == codeAuthorizationRequired {
			return nil, &errors.AuthorizationRequiredError{User: user, Action: "authorize"}
		}
		return nil, rpcErr
	}

	var info map[string]any
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, errors.Wrap(err, "failed to parse initialize result")
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = info
	c.mu.Unlock()

	c.logger.Info("mcp session initialized", "user", user)
	return info, nil
}

// ListTools discovers the tools the server exposes to this user. With
// useCache, a previously discovered list is served until its TTL lapses.
func (c *Client) ListTools(ctx context.Context, user string, useCache bool) ([]llm.Tool, error) {
	cacheKey := "mcp_tools_" + user

	if useCache && c.cache != nil {
		if cached, ok := c.cache.Get(ctx, cacheKey); ok {
			if tools, ok := cached.([]llm.Tool); ok {
				return tools, nil
			}
		}
	}

	if _, err := c.Initialize(ctx, user); err != nil {
		return nil, err
	}

	result, rpcErr := c.call(ctx, user, "tools/list", map[string]any{})
	if rpcErr != nil {
		if rpcErr.Code == codeAuthorizationRequired {
			return nil, &errors.AuthorizationRequiredError{User: user, Action: "authorize"}
		}
		return nil, rpcErr
	}

	var parsed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse tools/list result")
	}

	tools := make([]llm.Tool, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		tools = append(tools, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	if c.cache != nil {
		c.cache.Set(ctx, cacheKey, tools, c.cfg.ToolCacheTTL)
	}

	c.logger.Debug("discovered tools", "user", user, "count", len(tools))
	return tools, nil
}

// InvalidateTools drops the cached tool list for a user.
func (c *Client) InvalidateTools(ctx context.Context, user string) {
	if c.cache != nil {
		c.cache.Delete(ctx, "mcp_tools_"+user)
	}
}

// CallTool invokes a tool. Server-reported failures come back as
// error-shaped results {error:true, message, tool} rather than Go errors,
// so a failing tool feeds back into the conversation instead of aborting
// it. The error return covers only malformed responses.
func (c *Client) CallTool(ctx context.Context, user, name string, args map[string]any) (map[string]any, error) {
	if _, err := c.Initialize(ctx, user); err != nil {
		return toolError(name, err.Error()), nil
	}

	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	result, rpcErr := c.call(ctx, user, "tools/call", params)
	if rpcErr != nil {
		c.logger.Warn("tool call failed", "user", user, "tool", name, "code", rpcErr.Code, "error", rpcErr.Message)
		if rpcErr.Code == codeInternalError {
			// Transport failures stay errors so the executor can retry.
			return nil, &errors.ProviderError{
				Provider: "mcp",
				Kind:     errors.KindConnection,
				Message:  rpcErr.Message,
			}
		}
		return toolError(name, rpcErr.Message), nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse tools/call result")
	}

	if isError, _ := parsed["isError"].(bool); isError {
		return toolError(name, extractText(parsed)), nil
	}

	return parsed, nil
}

// toolError builds the error-shaped result fed back to the model.
func toolError(tool, message string) map[string]any {
	return map[string]any{
		"error":   true,
		"message": message,
		"tool":    tool,
	}
}

// extractText flattens an MCP content array to plain text.
func extractText(result map[string]any) string {
	content, ok := result["content"].([]any)
	if !ok {
		return "tool execution failed"
	}
	var out string
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := block["text"].(string); ok {
			if out != "" {
				out += "\n"
			}
			out += text
		}
	}
	if out == "" {
		return "tool execution failed"
	}
	return out
}

// call performs one JSON-RPC request with bearer auth. A 401 response
// triggers exactly one token refresh and retry. Failures fold into
// RPCError: missing or unrefreshable tokens become -32001 with
// data.action="authorize", transport problems become -32603.
func (c *Client) call(ctx context.Context, user, method string, params any) (json.RawMessage, *RPCError) {
	token, err := c.tokens.AccessToken(ctx, user)
	if err != nil {
		return nil, authorizationRequired()
	}

	result, status, rpcErr := c.post(ctx, method, params, token)
	if status == http.StatusUnauthorized {
		c.logger.Debug("unauthorized, refreshing token once", "user", user, "method", method)
		token, err = c.tokens.Refresh(ctx, user)
		if err != nil {
			return nil, authorizationRequired()
		}
		result, _, rpcErr = c.post(ctx, method, params, token)
	}

	return result, rpcErr
}

func authorizationRequired() *RPCError {
	return &RPCError{
		Code:    codeAuthorizationRequired,
		Message: "Authorization required",
		Data:    map[string]any{"action": "authorize"},
	}
}

// post sends one JSON-RPC request and decodes the envelope. The HTTP
// status is returned so the caller can react to 401 before the body is
// interpreted.
func (c *Client) post(ctx context.Context, method string, params any, token string) (json.RawMessage, int, *RPCError) {
	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  method,
		"params":  params,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, 0, &RPCError{Code: codeInternalError, Message: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &RPCError{Code: codeInternalError, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &RPCError{Code: codeInternalError, Message: fmt.Sprintf("mcp server unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, &RPCError{Code: codeAuthorizationRequired, Message: "Unauthorized"}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &RPCError{Code: codeInternalError, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, &RPCError{
			Code:    codeInternalError,
			Message: fmt.Sprintf("mcp server returned status %d", resp.StatusCode),
		}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, resp.StatusCode, &RPCError{Code: codeInternalError, Message: fmt.Sprintf("invalid json-rpc response: %v", err)}
	}

	if envelope.Error != nil {
		return nil, resp.StatusCode, envelope.Error
	}

	return envelope.Result, resp.StatusCode, nil
}
