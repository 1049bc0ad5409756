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

// Package app wires configuration into a ready routing pipeline. Both the
// server and the route CLI build their components here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/router/internal/config"
	"github.com/bcem/router/internal/dedup"
	"github.com/bcem/router/internal/dispatch"
	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/kv"
	"github.com/bcem/router/internal/queue"
	"github.com/bcem/router/internal/routing"
	"github.com/bcem/router/internal/rules"
	"github.com/bcem/router/internal/stats"
)

// ErrNotConfigured is returned when an optional intake has no settings.
var ErrNotConfigured = errors.New("not configured")

// App holds the wired pipeline and the connections it owns.
type App struct {
	Config       *config.Config
	KV           kv.Store
	Redis        *redis.Client
	Rules        *rules.Store
	Repository   *rules.Repository
	Dispatcher   *dispatch.Dispatcher
	Recorder     *stats.Recorder
	Orchestrator *routing.Orchestrator

	closers []func()
}

// Build connects the key-value store, loads rules and queues, and creates
// the orchestrator. Call Close when done.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openKV(ctx); err != nil {
		return nil, err
	}

	a.Rules = rules.NewStore()
	a.Repository = rules.NewRepository(a.KV, cfg.Namespace)
	if err := a.loadRules(ctx); err != nil {
		return nil, err
	}

	reg, tcfg, err := a.loadQueues(ctx)
	if err != nil {
		return nil, err
	}

	transport, err := a.transport(ctx, reg, tcfg)
	if err != nil {
		return nil, err
	}

	a.Dispatcher = dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Registry:  reg,
		Transport: transport,
		Timeout:   cfg.DispatchTimeout,
	})
	a.Recorder = stats.NewRecorder(stats.RecorderConfig{Mirror: a.KV, Namespace: cfg.Namespace})
	a.Orchestrator = routing.New(routing.Config{
		Rules:        a.Rules,
		Dispatcher:   a.Dispatcher,
		Recorder:     a.Recorder,
		DefaultQueue: cfg.DefaultQueue,
		Hours:        cfg.Hours,
		Workers:      cfg.Workers,
	})

	slog.Info("routing pipeline ready",
		"kv", cfg.KV.Driver,
		"rules", a.Rules.Len(),
		"queues", reg.Len(),
		"default_queue", cfg.DefaultQueue,
	)
	ok = true
	return a, nil
}

func (a *App) openKV(ctx context.Context) error {
	switch a.Config.KV.Driver {
	case "redis":
		r, err := kv.DialRedis(ctx, a.Config.KV.RedisURL)
		if err != nil {
			return fmt.Errorf("connect kv: %w", err)
		}
		a.KV = r
		a.Redis = r.Client()
	case "sqlite":
		s, err := kv.OpenSQLite(a.Config.KV.SQLitePath)
		if err != nil {
			return fmt.Errorf("open kv: %w", err)
		}
		a.KV = s
	default:
		a.KV = kv.NewMemory()
	}
	store := a.KV
	a.closers = append(a.closers, func() { store.Close() })
	return nil
}

// loadRules prefers persisted rules, then rules from the config file, then
// the built-in defaults. Rules not read from the store are written back.
func (a *App) loadRules(ctx context.Context) error {
	persisted, err := a.Repository.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	switch {
	case len(persisted) > 0:
		return a.Rules.Replace(persisted)
	case len(a.Config.Rules) > 0:
		if err := a.Rules.Replace(a.Config.Rules); err != nil {
			return fmt.Errorf("config rules: %w", err)
		}
	default:
		if err := a.Rules.LoadDefaults(); err != nil {
			return fmt.Errorf("default rules: %w", err)
		}
	}
	if err := a.Repository.SaveAll(ctx, a.Rules); err != nil {
		return fmt.Errorf("persist rules: %w", err)
	}
	return nil
}

// loadQueues merges persisted queues with those from the config file. The
// config file wins on name conflicts.
func (a *App) loadQueues(ctx context.Context) (*queue.Registry, queue.TransportConfig, error) {
	reg, tcfg, err := queue.Load(ctx, a.KV, a.Config.Namespace)
	if err != nil {
		return nil, tcfg, fmt.Errorf("load queues: %w", err)
	}
	for _, q := range a.Config.Queues {
		if err := reg.Register(q); err != nil {
			return nil, tcfg, err
		}
	}
	if len(a.Config.Queues) > 0 {
		if err := queue.Save(ctx, a.KV, a.Config.Namespace, reg); err != nil {
			return nil, tcfg, err
		}
	}

	h := a.Config.HTTPTransport
	if tcfg.Ambient() && h.ClientID != "" {
		tcfg.TokenURL = h.TokenURL
		tcfg.ClientID = h.ClientID
		tcfg.ClientSecret = h.ClientSecret
		tcfg.Scopes = h.Scopes
	}
	return reg, tcfg, nil
}

func (a *App) transport(ctx context.Context, reg *queue.Registry, tcfg queue.TransportConfig) (*dispatch.Mux, error) {
	mux := dispatch.NewMux()
	mux.Handle(dispatch.NewHTTPTransport(ctx, dispatch.HTTPTransportConfig{
		TokenURL:     tcfg.TokenURL,
		ClientID:     tcfg.ClientID,
		ClientSecret: tcfg.ClientSecret,
		Scopes:       tcfg.Scopes,
	}), "http", "https")

	needRedis := false
	for _, q := range reg.List() {
		if q.Scheme() == "redis" {
			needRedis = true
			break
		}
	}
	if needRedis && a.Redis == nil {
		opt, err := redis.ParseURL(a.Config.KV.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() { rdb.Close() })
	}
	if a.Redis != nil {
		mux.Handle(queue.NewPublisher(a.Redis, ""), "redis")
	}
	return mux, nil
}

// Dedup returns a Redis-backed filter, or nil when Redis is not in use.
func (a *App) Dedup() *dedup.Filter {
	if a.Redis == nil {
		return nil
	}
	return dedup.NewFilter(a.Redis, a.Config.Namespace)
}

// Postgres opens the stored-message intake.
func (a *App) Postgres(ctx context.Context) (*intake.Postgres, error) {
	pc := a.Config.Postgres
	if pc.URL == "" {
		return nil, fmt.Errorf("postgres: %w (set DATABASE_URL)", ErrNotConfigured)
	}
	pool, err := pgxpool.New(ctx, pc.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	pg, err := intake.NewPostgres(pool, pc.Schema)
	if err != nil {
		return nil, err
	}
	slog.Info("postgres intake connected", "schema", pg.Schema())
	return pg, nil
}

// Graph creates a Microsoft Graph message fetcher.
func (a *App) Graph(ctx context.Context) (*intake.GraphFetcher, error) {
	g := a.Config.Graph
	if !g.Enabled() {
		return nil, fmt.Errorf("graph: %w (set GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET)", ErrNotConfigured)
	}
	client := intake.GraphClient(ctx, intake.GraphCredentials{
		TenantID:     g.TenantID,
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
	})
	return intake.NewGraphFetcher(client, ""), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
