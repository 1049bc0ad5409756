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

// Package stats keeps process-wide routing counters and mirrors them to the
// key-value store.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bcem/router/internal/kv"
	"github.com/bcem/router/internal/metrics"
)

// Statistics is a point-in-time copy of the counters.
type Statistics struct {
	TotalProcessed   int64            `json:"total_processed"`
	SuccessfulRoutes int64            `json:"successful_routes"`
	FailedRoutes     int64            `json:"failed_routes"`
	QueueCounts      map[string]int64 `json:"queue_counts"`
	RuleMatches      map[string]int64 `json:"rule_matches"`
	StartedAt        time.Time        `json:"started_at"`
}

// SuccessRate is successful/total as a percentage, 0 when nothing was processed.
func (s Statistics) SuccessRate() float64 {
	if s.TotalProcessed == 0 {
		return 0
	}
	return float64(s.SuccessfulRoutes) / float64(s.TotalProcessed) * 100
}

// Recorder accumulates routing outcomes. All methods are safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	total   int64
	ok      int64
	failed  int64
	queues  map[string]int64
	rules   map[string]int64
	started time.Time

	mirror    kv.Store
	namespace string
}

// RecorderConfig configures a Recorder. Mirror may be nil.
type RecorderConfig struct {
	Mirror    kv.Store
	Namespace string
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	return &Recorder{
		queues:    make(map[string]int64),
		rules:     make(map[string]int64),
		started:   time.Now().UTC(),
		mirror:    cfg.Mirror,
		namespace: cfg.Namespace,
	}
}

// Record counts one terminal outcome. total_processed always increments,
// success selects successful_routes or failed_routes, and the per-queue and
// per-rule counters move only when a rule matched.
func (r *Recorder) Record(ctx context.Context, queue, rule string, matched, success bool) {
	r.mu.Lock()
	r.total++
	if success {
		r.ok++
	} else {
		r.failed++
	}
	if matched {
		r.queues[queue]++
		if rule != "" {
			r.rules[rule]++
		}
	}
	r.mu.Unlock()

	result := "failed"
	if success {
		result = "success"
	}
	metrics.EmailsProcessed.WithLabelValues(result).Inc()
	if matched {
		metrics.RoutesByQueue.WithLabelValues(queue).Inc()
	}

	if r.mirror != nil {
		r.mirrorOutcome(ctx, queue, matched, success)
	}
}

func (r *Recorder) mirrorOutcome(ctx context.Context, queue string, matched, success bool) {
	keys := []string{r.key("total_processed")}
	if success {
		keys = append(keys, r.key("successful_routes"))
	} else {
		keys = append(keys, r.key("failed_routes"))
	}
	if matched {
		keys = append(keys, r.key("queue", queue))
	}
	for _, k := range keys {
		if _, err := r.mirror.Incr(ctx, k, 1); err != nil {
			slog.Warn("failed to mirror routing statistic", "key", k, "error", err)
		}
	}
}

func (r *Recorder) key(parts ...string) string {
	return kv.Key(r.namespace, append([]string{"stats"}, parts...)...)
}

// Snapshot returns a copy of the in-process counters.
func (r *Recorder) Snapshot() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Statistics{
		TotalProcessed:   r.total,
		SuccessfulRoutes: r.ok,
		FailedRoutes:     r.failed,
		QueueCounts:      maps.Clone(r.queues),
		RuleMatches:      maps.Clone(r.rules),
		StartedAt:        r.started,
	}
}

// Reset zeroes the in-process counters. The mirror is left alone.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total, r.ok, r.failed = 0, 0, 0
	r.queues = make(map[string]int64)
	r.rules = make(map[string]int64)
	r.started = time.Now().UTC()
}

// Persisted reads the mirrored counters, which survive restarts and are
// shared by every process using the same namespace.
func (r *Recorder) Persisted(ctx context.Context) (Statistics, error) {
	out := Statistics{QueueCounts: map[string]int64{}, RuleMatches: map[string]int64{}}
	if r.mirror == nil {
		return out, errors.New("statistics mirror not configured")
	}

	prefix := r.key() + "."
	entries, err := r.mirror.List(ctx, prefix)
	if err != nil {
		return out, fmt.Errorf("list statistics: %w", err)
	}
	for k, v := range entries {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			slog.Warn("ignoring non-numeric statistic", "key", k)
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		switch {
		case name == "total_processed":
			out.TotalProcessed = n
		case name == "successful_routes":
			out.SuccessfulRoutes = n
		case name == "failed_routes":
			out.FailedRoutes = n
		case strings.HasPrefix(name, "queue."):
			out.QueueCounts[strings.TrimPrefix(name, "queue.")] = n
		}
	}
	return out, nil
}
