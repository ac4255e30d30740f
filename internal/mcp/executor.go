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

package mcp

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/parley/internal/cache"
	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/llm"
)

const (
	// defaultResultTTL bounds how long a successful tool result is
	// served from cache.
	defaultResultTTL = 5 * time.Minute

	// defaultMaxRetries is the number of retries after the first
	// attempt, applied to transport failures only.
	defaultMaxRetries = 2
)

// ToolCaller is the slice of the MCP client the executor needs. Tests
// substitute a scripted implementation.
type ToolCaller interface {
	CallTool(ctx context.Context, user, name string, args map[string]any) (map[string]any, error)
}

// ExecutorConfig configures the tool executor.
type ExecutorConfig struct {
	// ResultTTL bounds the result cache. Zero selects the default.
	ResultTTL time.Duration

	// MaxRetries is the number of retries on transport failure. A
	// negative value disables retrying; zero selects the default.
	MaxRetries int
}

// Executor runs tools through the MCP client with result caching and
// bounded retries. Error-shaped results are never cached, so a transient
// failure does not mask a later success.
type Executor struct {
	caller ToolCaller
	cache  cache.Cache
	cfg    ExecutorConfig
	logger *slog.Logger
}

// BatchResult pairs a tool name with its result in ExecuteBatch output.
type BatchResult struct {
	Tool   string         `json:"tool"`
	Result map[string]any `json:"result"`
}

// NewExecutor creates a tool executor. Pass a nil cache to disable result
// caching.
func NewExecutor(caller ToolCaller, c cache.Cache, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		caller: caller,
		cache:  c,
		cfg:    cfg,
		logger: logger.With("component", "mcp.executor"),
	}
}

// Execute runs one tool call. Identical calls (same tool, same arguments
// regardless of key order, same user) within the TTL are served from
// cache. Transport failures are retried with exponential backoff; any
// other failure becomes an error-shaped result.
func (e *Executor) Execute(ctx context.Context, user, tool string, args map[string]any) map[string]any {
	key := cacheKey(user, tool, args)

	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, key); ok {
			if result, ok := cached.(map[string]any); ok {
				e.logger.Debug("tool result served from cache", "tool", tool, "user", user)
				return result
			}
		}
	}

	var result map[string]any
	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			e.logger.Debug("retrying tool call", "tool", tool, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return toolError(tool, ctx.Err().Error())
			case <-time.After(backoff):
			}
		}

		result, err = e.caller.CallTool(ctx, user, tool, args)
		if err == nil {
			break
		}
		if !errors.IsConnection(err) {
			break
		}
	}
	if err != nil {
		return toolError(tool, err.Error())
	}

	if isErrorResult(result) {
		// Never cache failures.
		return result
	}

	if e.cache != nil {
		e.cache.Set(ctx, key, result, e.cfg.ResultTTL)
	}
	return result
}

// ExecuteBatch runs calls sequentially. Each call is isolated: a failure
// becomes that call's error-shaped result and the batch continues.
func (e *Executor) ExecuteBatch(ctx context.Context, user string, calls []llm.ToolCall) []BatchResult {
	results := make([]BatchResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, BatchResult{
			Tool:   call.Name,
			Result: e.Execute(ctx, user, call.Name, call.Arguments),
		})
	}
	return results
}

// isErrorResult reports whether a result is error-shaped.
func isErrorResult(result map[string]any) bool {
	flag, _ := result["error"].(bool)
	return flag
}

// cacheKey derives the result cache key from tool name, canonical argument
// JSON, and user. encoding/json writes map keys in sorted order, so two
// argument maps differing only in key order produce the same key.
func cacheKey(user, tool string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	sum := md5.Sum([]byte(tool + string(canonical) + user))
	return fmt.Sprintf("mcp_result_%x", sum)
}
