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

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsRateLimits(t *testing.T) {
	path := writeConfig(t, `
rate_limits:
  messages_per_hour: 10
`)

	reloaded := make(chan RateLimitsConfig, 1)
	w, err := NewWatcher(path, func(limits RateLimitsConfig) {
		select {
		case reloaded <- limits:
		default:
		}
	}, nil)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  messages_per_hour: 99
`), 0o600))

	select {
	case limits := <-reloaded:
		assert.Equal(t, 99, limits.MessagesPerHour)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherIgnoresInvalidEdit(t *testing.T) {
	path := writeConfig(t, `
rate_limits:
  messages_per_hour: 10
`)

	reloaded := make(chan RateLimitsConfig, 1)
	w, err := NewWatcher(path, func(limits RateLimitsConfig) {
		select {
		case reloaded <- limits:
		default:
		}
	}, nil)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`log: {level: nonsense}`), 0o600))

	select {
	case limits := <-reloaded:
		t.Fatalf("invalid config should not reload, got %+v", limits)
	case <-time.After(500 * time.Millisecond):
	}
}
