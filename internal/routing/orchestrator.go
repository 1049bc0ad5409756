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
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/bcem/router/internal/dispatch"
	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/metrics"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/rules"
	"github.com/bcem/router/internal/stats"
)

// State is a step of the per-email pipeline.
type State string

const (
	StateReceived   State = "received"
	StateParsed     State = "parsed"
	StateResolved   State = "resolved"
	StateDispatched State = "dispatched"
	StateRecorded   State = "recorded"
	StateErrored    State = "errored"
)

// ReasonParseError marks results whose input never became an Email.
const ReasonParseError = "parse_error"

const maxResultSubject = 100

// Result is the outcome of routing one email. It is not modified after
// the orchestrator returns it.
type Result struct {
	Source       string        `json:"source,omitempty"`
	MessageID    string        `json:"message_id"`
	Subject      string        `json:"subject"`
	Sender       string        `json:"sender"`
	State        State         `json:"state"`
	Matched      bool          `json:"matched"`
	MatchedRule  string        `json:"matched_rule,omitempty"`
	QueueName    string        `json:"queue_name,omitempty"`
	Success      bool          `json:"success"`
	DispatchID   string        `json:"dispatch_message_id,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	DryRun       bool          `json:"dry_run"`
	Duration     time.Duration `json:"duration_ns"`
	RuleErrors   []RuleError   `json:"rule_errors,omitempty"`
	RulePriority int           `json:"rule_priority,omitempty"`
}

// Orchestrator drives emails through resolve, dispatch and record.
type Orchestrator struct {
	resolver   *Resolver
	dispatcher *dispatch.Dispatcher
	recorder   *stats.Recorder
	workers    int
}

// Config configures an Orchestrator. Nil collaborators get in-memory
// defaults: an empty rule store, a dispatcher with no queues and a recorder
// without a mirror.
type Config struct {
	Rules        *rules.Store
	Dispatcher   *dispatch.Dispatcher
	Recorder     *stats.Recorder
	DefaultQueue string
	Hours        models.BusinessHours
	// Workers bounds batch concurrency. Zero means DefaultWorkers.
	Workers int
}

// DefaultWorkers is the batch worker count when none is configured.
const DefaultWorkers = 4

func New(cfg Config) *Orchestrator {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = dispatch.NewDispatcher(dispatch.DispatcherConfig{})
	}
	if cfg.Recorder == nil {
		cfg.Recorder = stats.NewRecorder(stats.RecorderConfig{})
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Orchestrator{
		resolver: NewResolver(ResolverConfig{
			Rules:        cfg.Rules,
			DefaultQueue: cfg.DefaultQueue,
			Hours:        cfg.Hours,
		}),
		dispatcher: cfg.Dispatcher,
		recorder:   cfg.Recorder,
		workers:    cfg.Workers,
	}
}

func (o *Orchestrator) Rules() *rules.Store { return o.resolver.Rules() }

func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher { return o.dispatcher }

func (o *Orchestrator) Recorder() *stats.Recorder { return o.recorder }

func (o *Orchestrator) Resolver() *Resolver { return o.resolver }

// Process reads one email from src and routes it. A source that fails to
// produce an email yields an errored result and leaves statistics untouched.
func (o *Orchestrator) Process(ctx context.Context, src intake.Source, dryRun bool) Result {
	start := time.Now()
	res := Result{Source: src.Name(), State: StateReceived, DryRun: dryRun}

	email, err := src.Read(ctx)
	if err == nil && email == nil {
		err = &intake.ParseError{Source: src.Name(), Err: errors.New("source returned no email")}
	}
	if err != nil {
		metrics.ParseErrors.Inc()
		res.State = StateErrored
		res.Reason = ReasonParseError
		res.Error = err.Error()
		res.Duration = time.Since(start)
		slog.Warn("failed to parse email", "source", src.Name(), "error", err)
		return res
	}
	return o.route(ctx, email, res, start)
}

// ProcessEmail routes an already-parsed email.
func (o *Orchestrator) ProcessEmail(ctx context.Context, email *models.Email, dryRun bool) Result {
	start := time.Now()
	res := Result{Source: email.MessageID, State: StateReceived, DryRun: dryRun}
	return o.route(ctx, email, res, start)
}

func (o *Orchestrator) route(ctx context.Context, email *models.Email, res Result, start time.Time) Result {
	res.State = StateParsed
	res.MessageID = email.MessageID
	res.Subject = truncate(email.Subject, maxResultSubject)
	res.Sender = email.Sender

	d := o.resolver.Resolve(email)
	res.State = StateResolved
	res.Matched = d.Matched
	res.MatchedRule = d.Rule
	res.RulePriority = d.RulePriority
	res.QueueName = d.Queue
	res.RuleErrors = d.Errors

	out := o.dispatcher.Dispatch(ctx, email, d.Queue, dispatch.Meta{
		Rule:     d.Rule,
		Matched:  d.Matched,
		Priority: d.RulePriority,
	}, res.DryRun)
	res.State = StateDispatched
	res.Success = out.Success
	res.DispatchID = out.MessageID
	res.Reason = string(out.Reason)
	if out.Err != nil {
		res.Error = out.Err.Error()
	}

	o.recorder.Record(ctx, d.Queue, d.Rule, d.Matched, out.Success)
	res.State = StateRecorded
	res.Duration = time.Since(start)
	metrics.PipelineDuration.Observe(res.Duration.Seconds())

	if out.Success {
		slog.Info("email routed",
			"message_id", res.MessageID,
			"queue", res.QueueName,
			"rule", res.MatchedRule,
			"dry_run", res.DryRun,
		)
	} else {
		slog.Warn("email routing failed",
			"message_id", res.MessageID,
			"queue", res.QueueName,
			"reason", res.Reason,
			"error", out.Err,
		)
	}
	return res
}

// ProcessFile routes the message stored at path.
func (o *Orchestrator) ProcessFile(ctx context.Context, path string, dryRun bool) Result {
	return o.Process(ctx, intake.File(path), dryRun)
}

// ProcessRaw routes an in-memory RFC 5322 message.
func (o *Orchestrator) ProcessRaw(ctx context.Context, name string, data []byte, dryRun bool) Result {
	return o.Process(ctx, intake.Raw(name, data), dryRun)
}

// ProcessDirectory routes every file in dir matching pattern as one batch.
func (o *Orchestrator) ProcessDirectory(ctx context.Context, dir, pattern string, opts BatchOptions) (BatchResult, error) {
	sources, err := intake.Directory(dir, pattern)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list %s: %w", dir, err)
	}
	return o.Batch(ctx, sources, opts), nil
}

// Statistics returns a snapshot of the recorder's counters.
func (o *Orchestrator) Statistics() stats.Statistics { return o.recorder.Snapshot() }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
