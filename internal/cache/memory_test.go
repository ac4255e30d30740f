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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "key", "value", time.Minute)

	got, ok := m.Get(ctx, "key")
	require.True(t, ok)
	assert.Equal(t, "value", got)

	_, ok = m.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "short", "value", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := m.Get(ctx, "short")
	assert.False(t, ok, "expired entry should not be returned")

	m.Set(ctx, "forever", "value", 0)
	got, ok := m.Get(ctx, "forever")
	require.True(t, ok, "zero TTL should mean no expiry")
	assert.Equal(t, "value", got)
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "key", "value", time.Minute)
	m.Delete(ctx, "key")

	_, ok := m.Get(ctx, "key")
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	m.Delete(ctx, "missing")
}

func TestMemory_Increment(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	assert.Equal(t, int64(1), m.Increment(ctx, "counter", 1, time.Minute))
	assert.Equal(t, int64(2), m.Increment(ctx, "counter", 1, time.Minute))
	assert.Equal(t, int64(5), m.Increment(ctx, "counter", 3, time.Minute))
	assert.Equal(t, int64(4), m.Increment(ctx, "counter", -1, time.Minute))
}

func TestMemory_IncrementExpiredRestarts(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Increment(ctx, "counter", 10, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	// An expired counter restarts from zero.
	assert.Equal(t, int64(1), m.Increment(ctx, "counter", 1, time.Minute))
}

func TestMemory_Overwrite(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "key", "first", time.Minute)
	m.Set(ctx, "key", "second", time.Minute)

	got, ok := m.Get(ctx, "key")
	require.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestMemory_Decrement(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Increment(ctx, "slots", 3, time.Minute)
	assert.Equal(t, int64(2), m.Decrement(ctx, "slots", 1))
	assert.Equal(t, int64(0), m.Decrement(ctx, "slots", 5))

	// Decrementing an absent key returns zero without creating it.
	assert.Equal(t, int64(0), m.Decrement(ctx, "missing", 1))
	_, ok := m.Get(ctx, "missing")
	assert.False(t, ok)
}
