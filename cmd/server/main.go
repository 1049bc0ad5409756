// Copyright (c) 2026 John Earle
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

// Email Router: Routing Service
//
// Entry point for the long-running router. It:
//  1. Loads configuration from config.yaml (or .toml) and the environment
//  2. Connects the key-value store and loads rules and queues
//  3. Serves the HTTP API, health and metrics endpoints
//  4. Polls PostgreSQL for stored messages when DATABASE_URL is set
//  5. Accepts Graph change notifications when Graph credentials are set
//  6. Listens for SMTP delivery when SMTP_ADDR is set
//  7. Reloads rules from the store on SIGHUP
//  8. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bcem/router/internal/api"
	"github.com/bcem/router/internal/app"
	"github.com/bcem/router/internal/config"
	"github.com/bcem/router/internal/poller"
	"github.com/bcem/router/internal/smtpd"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting email routing service")

	// --- Load Configuration ---
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"path", cfg.Path,
		"namespace", cfg.Namespace,
		"kv", cfg.KV.Driver,
		"workers", cfg.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Routing Pipeline ---
	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build routing pipeline", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var wg sync.WaitGroup

	// --- Postgres Poller ---
	if cfg.Postgres.URL != "" {
		pg, err := a.Postgres(ctx)
		if err != nil {
			slog.Error("failed to start postgres intake", "error", err)
			os.Exit(1)
		}
		pcfg := poller.Config{
			Rows:      pg,
			Router:    a.Orchestrator,
			Cursor:    a.KV,
			Namespace: cfg.Namespace,
			Interval:  cfg.Postgres.PollInterval,
			BatchSize: cfg.Postgres.BatchSize,
		}
		if f := a.Dedup(); f != nil {
			pcfg.Dedup = f
		}
		p := poller.New(pcfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	// --- Graph Notifications ---
	var notifications *api.GraphNotifications
	if cfg.Graph.Enabled() {
		fetcher, err := a.Graph(ctx)
		if err != nil {
			slog.Error("failed to create graph fetcher", "error", err)
			os.Exit(1)
		}
		gcfg := api.GraphNotificationsConfig{
			Fetcher:      fetcher,
			Orchestrator: a.Orchestrator,
			ClientState:  cfg.Graph.ClientState,
		}
		if f := a.Dedup(); f != nil {
			gcfg.Dedup = f
		}
		notifications = api.NewGraphNotifications(gcfg)
	}

	// --- API Server ---
	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator: a.Orchestrator,
		Repository:   a.Repository,
		Graph:        notifications,
	})
	ready, err := api.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- SMTP Listener ---
	if cfg.SMTP.Addr != "" {
		srv := smtpd.New(smtpd.Config{
			Addr:            cfg.SMTP.Addr,
			Domain:          cfg.SMTP.Domain,
			MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
		}, a.Orchestrator)
		smtpReady, err := srv.Serve(ctx)
		if err != nil {
			slog.Error("failed to start smtp listener", "error", err)
			os.Exit(1)
		}
		<-smtpReady
	}

	slog.Info("routing service ready", "port", cfg.Port)

	// --- Rule Reload ---
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				if err := a.Repository.Reload(ctx, a.Rules); err != nil {
					slog.Error("failed to reload rules", "error", err)
				}
			}
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	wg.Wait()
	if notifications != nil {
		notifications.Wait()
	}

	s := a.Recorder.Snapshot()
	slog.Info("routing service stopped",
		"total_processed", s.TotalProcessed,
		"successful_routes", s.SuccessfulRoutes,
		"failed_routes", s.FailedRoutes,
	)
}
