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

// Package poller runs a background loop that periodically reads new rows
// from the stored-message tables and routes them.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/kv"
	"github.com/bcem/router/internal/metrics"
	"github.com/bcem/router/internal/routing"
)

// RowFetcher is the subset of *intake.Postgres used by the poller.
type RowFetcher interface {
	FetchAfter(ctx context.Context, after int64, limit int) ([]*intake.Row, error)
}

// Deduper is satisfied by *dedup.Filter.
type Deduper interface {
	IsNew(ctx context.Context, id string) (bool, error)
}

// Router is satisfied by *routing.Orchestrator.
type Router interface {
	Batch(ctx context.Context, sources []intake.Source, opts routing.BatchOptions) routing.BatchResult
}

// Poller routes rows whose em_id is past a persisted cursor.
type Poller struct {
	rows      RowFetcher
	router    Router
	dedup     Deduper
	cursor    kv.Store
	cursorKey string
	interval  time.Duration
	batchSize int
	dryRun    bool

	last int64
}

// Config holds dependencies for the poller. Dedup and Cursor may be nil;
// without a cursor store the position is kept in memory only.
type Config struct {
	Rows      RowFetcher
	Router    Router
	Dedup     Deduper
	Cursor    kv.Store
	Namespace string
	Interval  time.Duration
	BatchSize int
	DryRun    bool
}

// New creates a poller.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Poller{
		rows:      cfg.Rows,
		router:    cfg.Router,
		dedup:     cfg.Dedup,
		cursor:    cfg.Cursor,
		cursorKey: kv.Key(cfg.Namespace, "poller", "cursor"),
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		dryRun:    cfg.DryRun,
	}
}

// Result summarises one poll.
type Result struct {
	Fetched int
	Skipped int
	Cursor  int64
	Batch   routing.BatchResult
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("postgres poller starting",
		"interval", p.interval,
		"batch_size", p.batchSize,
	)

	// Do an initial poll immediately
	p.pollLogged(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("postgres poller stopping")
			return
		case <-ticker.C:
			p.pollLogged(ctx)
		}
	}
}

func (p *Poller) pollLogged(ctx context.Context) {
	for {
		res, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("poll failed", "error", err)
			}
			return
		}
		// Keep draining while full pages come back.
		if res.Fetched < p.batchSize || ctx.Err() != nil {
			return
		}
	}
}

// Poll routes one page of rows past the cursor and advances it.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	after, err := p.loadCursor(ctx)
	if err != nil {
		return Result{}, err
	}

	rows, err := p.rows.FetchAfter(ctx, after, p.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("fetch rows after %d: %w", after, err)
	}
	res := Result{Fetched: len(rows), Cursor: after}
	if len(rows) == 0 {
		slog.Debug("no new rows", "cursor", after)
		return res, nil
	}

	sources := make([]intake.Source, 0, len(rows))
	for _, row := range rows {
		if row.EmID > res.Cursor {
			res.Cursor = row.EmID
		}
		if p.dedup != nil {
			isNew, err := p.dedup.IsNew(ctx, row.Name())
			if err != nil {
				slog.Warn("dedup check failed", "em_id", row.EmID, "error", err)
			} else if !isNew {
				metrics.DuplicatesSkipped.Inc()
				res.Skipped++
				continue
			}
		}
		sources = append(sources, row)
	}

	if len(sources) > 0 {
		res.Batch = p.router.Batch(ctx, sources, routing.BatchOptions{DryRun: p.dryRun, Ordered: true})
	}

	// Items skipped by cancellation must be fetched again next time.
	if res.Batch.Skipped > 0 {
		p.release(context.WithoutCancel(ctx), sources, res.Batch)
		return res, ctx.Err()
	}
	if err := p.storeCursor(ctx, res.Cursor); err != nil {
		return res, err
	}

	slog.Info("poll complete",
		"fetched", res.Fetched,
		"routed", res.Batch.Processed,
		"duplicates", res.Skipped,
		"hard_failures", len(res.Batch.HardFailures),
		"cursor", res.Cursor,
	)
	return res, nil
}

type forgetter interface {
	Forget(ctx context.Context, id string) error
}

// release clears the dedup mark of sources the batch never started.
func (p *Poller) release(ctx context.Context, sources []intake.Source, br routing.BatchResult) {
	f, ok := p.dedup.(forgetter)
	if !ok {
		return
	}
	done := make(map[string]bool, len(br.Results)+len(br.HardFailures))
	for _, r := range br.Results {
		done[r.Source] = true
	}
	for _, hf := range br.HardFailures {
		done[hf.Source] = true
	}
	for _, s := range sources {
		if done[s.Name()] {
			continue
		}
		if err := f.Forget(ctx, s.Name()); err != nil {
			slog.Warn("failed to release dedup mark", "source", s.Name(), "error", err)
		}
	}
}

func (p *Poller) loadCursor(ctx context.Context) (int64, error) {
	if p.cursor == nil {
		return p.last, nil
	}
	v, err := p.cursor.Get(ctx, p.cursorKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load poller cursor: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse poller cursor %q: %w", v, err)
	}
	return n, nil
}

func (p *Poller) storeCursor(ctx context.Context, n int64) error {
	p.last = n
	if p.cursor == nil {
		return nil
	}
	if err := p.cursor.Set(ctx, p.cursorKey, strconv.FormatInt(n, 10)); err != nil {
		return fmt.Errorf("store poller cursor: %w", err)
	}
	return nil
}
