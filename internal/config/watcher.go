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
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the rate-limit thresholds when the config file changes.
// Only the rate limits apply live; everything else needs a restart.
type Watcher struct {
	path     string
	onReload func(RateLimitsConfig)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a config watcher for the given file. The parent
// directory is watched so editor rename-and-replace saves are seen.
func NewWatcher(path string, onReload func(RateLimitsConfig), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		path:     absPath,
		onReload: onReload,
		watcher:  fsw,
		logger:   logger.With("component", "config.watcher", "path", absPath),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return w, nil
}

// Start begins watching for config changes.
func (w *Watcher) Start() {
	go w.eventLoop()
	w.logger.Info("config watcher started")
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// reload re-parses the config file and applies the rate limits when the
// file is valid. Invalid edits are logged and ignored; the previous
// thresholds stay in force.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid config change", "error", err)
		return
	}

	w.logger.Info("reloaded rate limits",
		"messages_per_hour", cfg.RateLimits.MessagesPerHour,
		"tokens_per_day", cfg.RateLimits.TokensPerDay,
		"max_concurrent", cfg.RateLimits.MaxConcurrent)
	w.onReload(cfg.RateLimits)
}
