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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/parley/internal/cache"
	"github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/llm"
)

// scriptedCaller returns queued responses in order, repeating the last.
type scriptedCaller struct {
	calls     int
	responses []func() (map[string]any, error)
}

func (s *scriptedCaller) CallTool(ctx context.Context, user, name string, args map[string]any) (map[string]any, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i]()
}

func okResult(value string) func() (map[string]any, error) {
	return func() (map[string]any, error) {
		return map[string]any{"result": value}, nil
	}
}

func connectionFailure() func() (map[string]any, error) {
	return func() (map[string]any, error) {
		return nil, &errors.ProviderError{Provider: "mcp", Kind: errors.KindConnection, Message: "connection refused"}
	}
}

func TestExecutor_CacheKeyIgnoresArgumentOrder(t *testing.T) {
	a := cacheKey("alice", "get_weather", map[string]any{"city": "Cork", "units": "metric"})
	b := cacheKey("alice", "get_weather", map[string]any{"units": "metric", "city": "Cork"})
	assert.Equal(t, a, b, "key order must not change the cache key")

	c := cacheKey("bob", "get_weather", map[string]any{"city": "Cork", "units": "metric"})
	assert.NotEqual(t, a, c, "different users must not share cache entries")

	d := cacheKey("alice", "get_forecast", map[string]any{"city": "Cork", "units": "metric"})
	assert.NotEqual(t, a, d, "different tools must not share cache entries")
}

func TestExecutor_CachesSuccessfulResults(t *testing.T) {
	caller := &scriptedCaller{responses: []func() (map[string]any, error){okResult("first")}}
	c := cache.NewMemory()
	defer c.Close()

	e := NewExecutor(caller, c, ExecutorConfig{}, nil)
	ctx := context.Background()

	first := e.Execute(ctx, "alice", "get_weather", map[string]any{"city": "Cork"})
	second := e.Execute(ctx, "alice", "get_weather", map[string]any{"city": "Cork"})

	assert.Equal(t, first, second)
	assert.Equal(t, 1, caller.calls, "second call should hit the cache")
}

func TestExecutor_ErrorsNeverCached(t *testing.T) {
	caller := &scriptedCaller{responses: []func() (map[string]any, error){
		func() (map[string]any, error) {
			return toolError("get_weather", "upstream down"), nil
		},
		okResult("recovered"),
	}}
	c := cache.NewMemory()
	defer c.Close()

	e := NewExecutor(caller, c, ExecutorConfig{}, nil)
	ctx := context.Background()

	first := e.Execute(ctx, "alice", "get_weather", map[string]any{"city": "Cork"})
	assert.Equal(t, true, first["error"])

	second := e.Execute(ctx, "alice", "get_weather", map[string]any{"city": "Cork"})
	assert.Equal(t, "recovered", second["result"], "failure must not mask the later success")
	assert.Equal(t, 2, caller.calls)
}

func TestExecutor_RetriesTransportFailures(t *testing.T) {
	caller := &scriptedCaller{responses: []func() (map[string]any, error){
		connectionFailure(),
		okResult("after retry"),
	}}

	e := NewExecutor(caller, nil, ExecutorConfig{MaxRetries: 2}, nil)

	result := e.Execute(context.Background(), "alice", "get_weather", nil)
	assert.Equal(t, "after retry", result["result"])
	assert.Equal(t, 2, caller.calls)
}

func TestExecutor_FirstRetryBacksOffOneSecond(t *testing.T) {
	caller := &scriptedCaller{responses: []func() (map[string]any, error){
		connectionFailure(),
		okResult("after retry"),
	}}

	e := NewExecutor(caller, nil, ExecutorConfig{MaxRetries: 2}, nil)

	start := time.Now()
	result := e.Execute(context.Background(), "alice", "get_weather", nil)
	elapsed := time.Since(start)

	assert.Equal(t, "after retry", result["result"])
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond, "first retry waits 2^0 seconds")
	assert.Less(t, elapsed, 1900*time.Millisecond, "first retry must not wait 2 seconds")
}

func TestExecutor_ExhaustedRetriesBecomeErrorResult(t *testing.T) {
	caller := &scriptedCaller{responses: []func() (map[string]any, error){connectionFailure()}}

	e := NewExecutor(caller, nil, ExecutorConfig{MaxRetries: 1}, nil)

	result := e.Execute(context.Background(), "alice", "get_weather", nil)
	assert.Equal(t, true, result["error"])
	assert.Equal(t, 2, caller.calls, "one attempt plus one retry")
}

func TestExecutor_ContextCancelDuringBackoff(t *testing.T) {
	caller := &scriptedCaller{responses: []func() (map[string]any, error){connectionFailure()}}

	e := NewExecutor(caller, nil, ExecutorConfig{MaxRetries: 2}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result := e.Execute(ctx, "alice", "get_weather", nil)
	assert.Equal(t, true, result["error"])
	assert.Equal(t, 1, caller.calls, "backoff should observe cancellation")
}

func TestExecutor_ExecuteBatchIsolation(t *testing.T) {
	caller := &batchCaller{}

	e := NewExecutor(caller, nil, ExecutorConfig{MaxRetries: -1}, nil)

	results := e.ExecuteBatch(context.Background(), "alice", []llm.ToolCall{
		{ID: "1", Name: "works", Arguments: map[string]any{}},
		{ID: "2", Name: "breaks", Arguments: map[string]any{}},
		{ID: "3", Name: "works", Arguments: map[string]any{"n": float64(2)}},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "works", results[0].Tool)
	assert.NotContains(t, results[0].Result, "error")
	assert.Equal(t, true, results[1].Result["error"], "failure is isolated to its call")
	assert.NotContains(t, results[2].Result, "error", "batch continues past a failure")
}

// batchCaller fails only for the tool named "breaks".
type batchCaller struct{}

func (b *batchCaller) CallTool(ctx context.Context, user, name string, args map[string]any) (map[string]any, error) {
	if name == "breaks" {
		return toolError(name, "boom"), nil
	}
	return map[string]any{"ok": true}, nil
}
