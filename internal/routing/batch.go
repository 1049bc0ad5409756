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

package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/router/internal/intake"
)

// BatchOptions control a batch run.
type BatchOptions struct {
	DryRun bool
	// Ordered returns results in input order instead of completion order.
	Ordered bool
	// Workers overrides the orchestrator's worker count when positive.
	Workers int
}

// Failure is an input that never became an Email.
type Failure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// BatchResult aggregates a batch. Results holds every item that reached
// the recorded state; parse failures are listed in HardFailures only.
// Skipped counts inputs never started because the context was cancelled.
type BatchResult struct {
	Processed    int           `json:"processed"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	Results      []Result      `json:"results"`
	HardFailures []Failure     `json:"hard_failures"`
	Duration     time.Duration `json:"duration_ns"`
}

// Batch routes every source independently on a bounded pool of workers.
//
// Once ctx is cancelled no further sources are started. Items already
// running finish under a context detached from the cancellation, so each
// of them still reaches a terminal state and is recorded.
func (o *Orchestrator) Batch(ctx context.Context, sources []intake.Source, opts BatchOptions) BatchResult {
	start := time.Now()
	workers := opts.Workers
	if workers <= 0 {
		workers = o.workers
	}

	slots := make([]*Result, len(sources))
	var (
		mu        sync.Mutex
		completed []Result
	)

	// sem bounds concurrency; acquiring it in the select lets cancellation
	// stop the launch loop while every slot is busy.
	var g errgroup.Group
	sem := make(chan struct{}, workers)
	runCtx := context.WithoutCancel(ctx)

	launched := 0
launch:
	for i, src := range sources {
		select {
		case <-ctx.Done():
			break launch
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			break
		}
		launched++
		g.Go(func() error {
			defer func() { <-sem }()
			res := o.Process(runCtx, src, opts.DryRun)
			if opts.Ordered {
				slots[i] = &res
				return nil
			}
			mu.Lock()
			completed = append(completed, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var all []Result
	if opts.Ordered {
		for _, r := range slots {
			if r != nil {
				all = append(all, *r)
			}
		}
	} else {
		all = completed
	}

	out := BatchResult{
		Skipped:      len(sources) - launched,
		Results:      []Result{},
		HardFailures: []Failure{},
	}
	for _, r := range all {
		if r.State == StateErrored {
			out.HardFailures = append(out.HardFailures, Failure{Source: r.Source, Error: r.Error})
			continue
		}
		out.Results = append(out.Results, r)
		out.Processed++
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	out.Duration = time.Since(start)

	slog.Info("batch complete",
		"inputs", len(sources),
		"processed", out.Processed,
		"successful", out.Successful,
		"failed", out.Failed,
		"hard_failures", len(out.HardFailures),
		"skipped", out.Skipped,
		"duration", out.Duration,
	)
	return out
}
