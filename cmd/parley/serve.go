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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/parley/internal/cache"
	"github.com/tombee/parley/internal/chat"
	"github.com/tombee/parley/internal/config"
	"github.com/tombee/parley/internal/log"
	"github.com/tombee/parley/internal/mcp"
	"github.com/tombee/parley/internal/server"
	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/internal/store/memory"
	"github.com/tombee/parley/internal/store/sqlite"
	"github.com/tombee/parley/pkg/llm"

	// Register the built-in provider adapters.
	_ "github.com/tombee/parley/pkg/llm/providers"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// CLI flag overrides
			if listenAddr != "" {
				cfg.Server.Listen = listenAddr
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			return runServe(cmd.Context(), cfg, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c := cache.NewMemory()
	defer c.Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var (
		tools  chat.ToolSource
		runner chat.ToolRunner
	)
	if cfg.Tools.Enabled {
		tokens := mcp.NewTokenManager(mcp.TokenManagerConfig{
			TokenURL:     cfg.MCP.TokenURL,
			ClientID:     cfg.MCP.ClientID,
			ClientSecret: cfg.MCP.ClientSecret,
		}, st, logger)

		client, err := mcp.NewClient(mcp.ClientConfig{
			Endpoint:     cfg.MCP.ServerURL,
			ToolCacheTTL: cfg.Tools.CacheTTL,
		}, tokens, c, logger)
		if err != nil {
			return fmt.Errorf("mcp client: %w", err)
		}

		tools = client
		runner = mcp.NewExecutor(client, c, mcp.ExecutorConfig{
			ResultTTL:  cfg.Tools.ResultTTL,
			MaxRetries: cfg.Tools.MaxRetries,
		}, logger)
	}

	router := chat.NewRouter(provider, tools, runner, chat.RouterConfig{
		ToolsEnabled: func() bool { return cfg.Tools.Enabled },
	}, logger)

	limiter := chat.NewRateLimiter(c, st, chat.RateLimitConfig{
		MessagesPerHour: cfg.RateLimits.MessagesPerHour,
		TokensPerDay:    cfg.RateLimits.TokensPerDay,
		MaxConcurrent:   cfg.RateLimits.MaxConcurrent,
	})

	contexts := chat.NewContextManager(st, cfg.Chat.WindowSize, logger)
	service := chat.NewService(st, router, contexts, limiter, cfg.Chat.SystemPrompt, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sweeper := chat.NewSweeper(st, chat.SweeperConfig{
		MaxIdle: time.Duration(cfg.Chat.SessionTimeoutDays) * 24 * time.Hour,
	}, logger)
	go sweeper.Run(ctx)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(limits config.RateLimitsConfig) {
			limiter.SetConfig(chat.RateLimitConfig{
				MessagesPerHour: limits.MessagesPerHour,
				TokensPerDay:    limits.TokensPerDay,
				MaxConcurrent:   limits.MaxConcurrent,
			})
		}, logger)
		if err != nil {
			logger.Warn("config watcher unavailable, rate limit reload disabled", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	srv := server.NewServer(server.Config{
		Listen:          cfg.Server.Listen,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	}, service, limiter)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	default:
		return memory.New(), nil
	}
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	pc, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("default provider %q is not configured", cfg.DefaultProvider)
	}

	provider, err := llm.NewProvider(pc.Type, pc.LLM())
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.DefaultProvider, err)
	}

	// Transient provider failures are retried with backoff.
	return llm.NewRetryableProvider(provider, llm.DefaultRetryConfig()), nil
}
