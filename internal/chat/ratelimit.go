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
	"fmt"
	"sync"
	"time"

	"github.com/tombee/parley/internal/cache"
	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/pkg/errors"
)

const (
	// messageWindow is the fixed window for the per-user message counter.
	messageWindow = time.Hour

	// concurrentTTL bounds how long an orphaned concurrency slot can
	// linger when a release never arrives.
	concurrentTTL = 5 * time.Minute

	messageKeyPrefix    = "ratelimit_messages_"
	concurrentKeyPrefix = "ratelimit_concurrent_"
)

// RateLimitConfig holds per-user thresholds. A zero value disables that
// limit.
type RateLimitConfig struct {
	MessagesPerHour int
	TokensPerDay    int
	MaxConcurrent   int
}

// RateLimitStatus reports a user's current consumption against the
// configured thresholds.
type RateLimitStatus struct {
	MessagesUsed    int `json:"messages_used"`
	MessagesPerHour int `json:"messages_per_hour"`
	TokensUsed      int `json:"tokens_used"`
	TokensPerDay    int `json:"tokens_per_day"`
	Concurrent      int `json:"concurrent"`
	MaxConcurrent   int `json:"max_concurrent"`
}

// RateLimiter enforces per-user thresholds: messages per hour and
// concurrent requests via cache counters, tokens per day via the store's
// token aggregate.
type RateLimiter struct {
	cache cache.Cache
	store store.Store

	mu  sync.RWMutex
	cfg RateLimitConfig
}

// NewRateLimiter creates a limiter over the given cache and store.
func NewRateLimiter(c cache.Cache, s store.Store, cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{cache: c, store: s, cfg: cfg}
}

// SetConfig replaces the thresholds. Used by config hot reload; takes
// effect on the next check, counters are untouched.
func (l *RateLimiter) SetConfig(cfg RateLimitConfig) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *RateLimiter) config() RateLimitConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// AllowMessage checks the messages-per-hour and tokens-per-day thresholds
// and records the message against the hourly counter when both pass. The
// counter window is fixed at the first message; the limit-th message in a
// window succeeds and the next one fails.
func (l *RateLimiter) AllowMessage(ctx context.Context, user string) error {
	cfg := l.config()

	if cfg.MessagesPerHour > 0 {
		key := messageKeyPrefix + user
		count := int64(0)
		if v, ok := l.cache.Get(ctx, key); ok {
			count, _ = v.(int64)
		}
		if count >= int64(cfg.MessagesPerHour) {
			return &errors.RateLimitedError{
				Limit:   "messages_per_hour",
				Message: fmt.Sprintf("%d messages in the last hour (limit %d)", count, cfg.MessagesPerHour),
			}
		}
	}

	if cfg.TokensPerDay > 0 {
		used, err := l.tokensToday(ctx, user)
		if err != nil {
			return err
		}
		if used >= cfg.TokensPerDay {
			return &errors.RateLimitedError{
				Limit:   "tokens_per_day",
				Message: fmt.Sprintf("%d tokens today (limit %d)", used, cfg.TokensPerDay),
			}
		}
	}

	if cfg.MessagesPerHour > 0 {
		l.cache.Increment(ctx, messageKeyPrefix+user, 1, messageWindow)
	}
	return nil
}

// Acquire claims a concurrency slot for the user. The slot must be
// released when the request finishes.
func (l *RateLimiter) Acquire(ctx context.Context, user string) error {
	cfg := l.config()
	if cfg.MaxConcurrent <= 0 {
		return nil
	}
	key := concurrentKeyPrefix + user
	if n := l.cache.Increment(ctx, key, 1, concurrentTTL); n > int64(cfg.MaxConcurrent) {
		l.cache.Decrement(ctx, key, 1)
		return &errors.RateLimitedError{
			Limit:   "concurrent_requests",
			Message: fmt.Sprintf("limit of %d concurrent requests reached", cfg.MaxConcurrent),
		}
	}
	return nil
}

// Release frees a concurrency slot claimed by Acquire.
func (l *RateLimiter) Release(ctx context.Context, user string) {
	if l.config().MaxConcurrent <= 0 {
		return
	}
	l.cache.Decrement(ctx, concurrentKeyPrefix+user, 1)
}

// Status reports the user's consumption against each threshold.
func (l *RateLimiter) Status(ctx context.Context, user string) (*RateLimitStatus, error) {
	cfg := l.config()
	status := &RateLimitStatus{
		MessagesPerHour: cfg.MessagesPerHour,
		TokensPerDay:    cfg.TokensPerDay,
		MaxConcurrent:   cfg.MaxConcurrent,
	}

	if v, ok := l.cache.Get(ctx, messageKeyPrefix+user); ok {
		if n, ok := v.(int64); ok {
			status.MessagesUsed = int(n)
		}
	}
	if v, ok := l.cache.Get(ctx, concurrentKeyPrefix+user); ok {
		if n, ok := v.(int64); ok {
			status.Concurrent = int(n)
		}
	}

	used, err := l.tokensToday(ctx, user)
	if err != nil {
		return nil, err
	}
	status.TokensUsed = used

	return status, nil
}

// tokensToday sums tokens recorded against the user's sessions since UTC
// midnight.
func (l *RateLimiter) tokensToday(ctx context.Context, user string) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return l.store.SumTokensSince(ctx, user, midnight)
}
