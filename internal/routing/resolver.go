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

// Package routing runs the per-email pipeline: read from a source, pick a
// queue with the rule snapshot, dispatch, and record the outcome.
package routing

import (
	"errors"
	"log/slog"

	"github.com/bcem/router/internal/expr"
	"github.com/bcem/router/internal/metrics"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/rules"
)

// DefaultQueue receives emails no rule matched when nothing else is configured.
const DefaultQueue = "default"

// RuleError is a rule whose condition failed to evaluate for one email.
type RuleError struct {
	Rule string         `json:"rule"`
	Kind expr.ErrorKind `json:"kind"`
	Pos  int            `json:"offset"`
}

// Decision is the resolver's choice for one email.
type Decision struct {
	Matched      bool
	Rule         string
	RulePriority int
	Queue        string
	Errors       []RuleError
}

// Attributes derives the evaluator inputs for email under hours.
func Attributes(email *models.Email, hours models.BusinessHours) *expr.Attributes {
	received := email.ReceivedDate
	return &expr.Attributes{
		Subject:             email.Subject,
		Sender:              email.Sender,
		SenderDomain:        email.SenderDomain(),
		Priority:            string(email.Priority),
		BodyText:            email.BodyText,
		BodyHTML:            email.BodyHTML,
		RecipientCount:      email.RecipientCount(),
		AttachmentCount:     email.AttachmentCount(),
		TotalAttachmentSize: email.TotalAttachmentSize(),
		HasAttachments:      email.HasAttachments(),
		IsBusinessHours:     hours.IsBusinessHours(received),
		IsWeekend:           hours.IsWeekend(received),
		IsAfterHours:        hours.IsAfterHours(received),
		AttachmentTypes:     email.AttachmentTypes(),
	}
}

// Resolve walks snap in order and returns the first rule whose condition is
// true. A condition that fails to evaluate counts as false and is reported
// in Decision.Errors. With no match the email goes to defaultQueue.
//
// Resolve depends only on its arguments.
func Resolve(email *models.Email, snap *rules.Snapshot, defaultQueue string, hours models.BusinessHours) Decision {
	if defaultQueue == "" {
		defaultQueue = DefaultQueue
	}
	d := Decision{Queue: defaultQueue}

	entries := snap.Entries()
	if len(entries) == 0 {
		return d
	}

	attrs := Attributes(email, hours)
	for _, e := range entries {
		ok, err := e.Program.Eval(attrs)
		if err != nil {
			re := RuleError{Rule: e.Name}
			var xe *expr.Error
			if errors.As(err, &xe) {
				re.Kind, re.Pos = xe.Kind, xe.Pos
			}
			d.Errors = append(d.Errors, re)
			continue
		}
		if ok {
			d.Matched = true
			d.Rule = e.Name
			d.RulePriority = e.Priority
			d.Queue = e.Action
			return d
		}
	}
	return d
}

// Resolver binds Resolve to a rule store and routing settings, and reports
// evaluation errors to the log and metrics.
type Resolver struct {
	rules        *rules.Store
	defaultQueue string
	hours        models.BusinessHours
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Rules        *rules.Store
	DefaultQueue string
	Hours        models.BusinessHours
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Rules == nil {
		cfg.Rules = rules.NewStore()
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = DefaultQueue
	}
	if cfg.Hours.Location == nil {
		cfg.Hours = models.DefaultBusinessHours()
	}
	return &Resolver{rules: cfg.Rules, defaultQueue: cfg.DefaultQueue, hours: cfg.Hours}
}

// Resolve decides the queue for email against the current snapshot.
func (r *Resolver) Resolve(email *models.Email) Decision {
	d := Resolve(email, r.rules.Snapshot(), r.defaultQueue, r.hours)
	for _, re := range d.Errors {
		metrics.RuleEvaluationErrors.WithLabelValues(string(re.Kind)).Inc()
		slog.Warn("rule evaluation failed",
			"rule", re.Rule,
			"kind", re.Kind,
			"offset", re.Pos,
		)
	}
	return d
}

func (r *Resolver) DefaultQueue() string { return r.defaultQueue }

func (r *Resolver) Hours() models.BusinessHours { return r.hours }

func (r *Resolver) Rules() *rules.Store { return r.rules }
