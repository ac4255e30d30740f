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

// Package cache provides TTL-bounded key/value caching for tool results,
// discovered tool lists, and rate-limit counters.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL key/value store. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns the value for key, or ok=false when the key is absent
	// or its TTL has lapsed.
	Get(ctx context.Context, key string) (value any, ok bool)

	// Set stores value under key for the given TTL. A zero or negative
	// TTL stores the value without expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string)

	// Increment adds delta to the integer counter at key and returns the
	// new value. A missing or expired key starts from zero and takes the
	// given TTL; an existing key keeps its original expiry.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) int64

	// Decrement subtracts delta from the integer counter at key and
	// returns the new value. The counter never goes below zero, and an
	// absent or expired key returns zero without creating an entry.
	Decrement(ctx context.Context, key string, delta int64) int64

	// Close stops background maintenance.
	Close() error
}
