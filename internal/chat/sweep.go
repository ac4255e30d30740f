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
	"log/slog"
	"time"

	"github.com/tombee/parley/internal/store"
)

const (
	// defaultMaxIdle is how long a session may sit inactive before the
	// sweep archives it.
	defaultMaxIdle = 30 * 24 * time.Hour

	// defaultSweepInterval is how often the sweep runs.
	defaultSweepInterval = time.Hour
)

// SweeperConfig configures the archival sweep. Zero values select the
// defaults.
type SweeperConfig struct {
	MaxIdle  time.Duration
	Interval time.Duration
}

// Sweeper archives sessions after prolonged inactivity. Archival is the
// only path into the Archived status.
type Sweeper struct {
	store  store.Store
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates an archival sweeper.
func NewSweeper(s store.Store, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = defaultMaxIdle
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  s,
		cfg:    cfg,
		logger: logger.With("component", "chat.sweep"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. An
// initial sweep happens immediately.
func (w *Sweeper) Run(ctx context.Context) {
	w.sweep(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	archived, err := w.SweepOnce(ctx)
	if err != nil {
		w.logger.Error("archival sweep failed", "error", err)
		return
	}
	if archived > 0 {
		w.logger.Info("archived idle sessions", "count", archived)
	}
}

// SweepOnce archives every unarchived session whose last activity is
// older than the idle cutoff and returns how many were archived. Newer
// sessions are untouched.
func (w *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-w.cfg.MaxIdle)

	stale, err := w.store.ListSessions(ctx, store.SessionFilter{
		NotStatus:          store.SessionArchived,
		LastActivityBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, session := range stale {
		session.Status = store.SessionArchived
		if err := w.store.UpdateSession(ctx, session); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}
