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

package cache

import (
	"context"
	"sync"
	"time"
)

// defaultJanitorInterval is how often expired entries are swept.
const defaultJanitorInterval = time.Minute

// entry stores a cached value with its expiry. A zero ExpiresAt means the
// entry never expires.
type entry struct {
	Value     any
	ExpiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Memory is an in-process Cache backed by a map with a background janitor
// sweeping expired entries.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry

	done chan struct{}
	once sync.Once
}

// NewMemory creates an in-memory cache and starts its janitor.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go m.janitor(defaultJanitorInterval)
	return m
}

// Get returns the value for key if present and unexpired. Expired entries
// are dropped on read rather than waiting for the janitor.
func (m *Memory) Get(ctx context.Context, key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		m.mu.Lock()
		// Re-check under the write lock; a Set may have raced the expiry.
		if cur, ok := m.entries[key]; ok && cur.expired(time.Now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key for the given TTL.
func (m *Memory) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Increment adds delta to the counter at key, creating it with the given
// TTL when absent or expired. The counter keeps its original expiry across
// increments so a fixed window does not slide.
func (m *Memory) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) int64 {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		e = entry{Value: int64(0)}
		if ttl > 0 {
			e.ExpiresAt = now.Add(ttl)
		}
	}

	count, _ := e.Value.(int64)
	count += delta
	e.Value = count
	m.entries[key] = e

	return count
}

// Decrement subtracts delta from the counter at key, flooring at zero. An
// absent or expired key returns zero and is left alone, so a stray release
// cannot seed a negative counter.
func (m *Memory) Decrement(ctx context.Context, key string, delta int64) int64 {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		return 0
	}

	count, _ := e.Value.(int64)
	count -= delta
	if count < 0 {
		count = 0
	}
	e.Value = count
	m.entries[key] = e

	return count
}

// Len returns the number of live entries. Used by tests and stats.
func (m *Memory) Len() int {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the janitor. The cache remains usable afterwards but expired
// entries are only dropped on read.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// janitor periodically sweeps expired entries.
func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
