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
	"time"

	"github.com/bcem/router/internal/expr"
	"github.com/bcem/router/internal/models"
)

// ConditionMatch identifies an email that satisfied a tested condition.
type ConditionMatch struct {
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`
}

// ConditionError is an evaluation failure for one tested email.
type ConditionError struct {
	MessageID string         `json:"message_id"`
	Kind      expr.ErrorKind `json:"kind"`
	Error     string         `json:"error"`
}

// ConditionReport summarises a condition run against sample emails.
type ConditionReport struct {
	Condition string           `json:"condition"`
	Total     int              `json:"total_emails"`
	Matches   []ConditionMatch `json:"matching_emails"`
	Errors    []ConditionError `json:"error_details"`
}

// TestCondition compiles condition once and evaluates it against each email
// with the orchestrator's business hours. A compile failure is returned as
// the error; evaluation failures are listed in the report.
func (o *Orchestrator) TestCondition(condition string, emails []*models.Email) (ConditionReport, error) {
	prog, err := expr.Compile(condition)
	if err != nil {
		return ConditionReport{}, err
	}
	rep := ConditionReport{
		Condition: condition,
		Total:     len(emails),
		Matches:   []ConditionMatch{},
		Errors:    []ConditionError{},
	}
	hours := o.resolver.Hours()
	for _, e := range emails {
		ok, err := prog.Eval(Attributes(e, hours))
		if err != nil {
			ce := ConditionError{MessageID: e.MessageID, Error: err.Error()}
			var xe *expr.Error
			if errors.As(err, &xe) {
				ce.Kind = xe.Kind
			}
			rep.Errors = append(rep.Errors, ce)
			continue
		}
		if ok {
			rep.Matches = append(rep.Matches, ConditionMatch{
				MessageID: e.MessageID,
				Subject:   e.Subject,
				Sender:    e.Sender,
			})
		}
	}
	return rep, nil
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is the state of one dependency.
type ComponentHealth struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// HealthReport is the result of Health.
type HealthReport struct {
	Status     string                     `json:"overall_status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Health reports the rule store, queue registry and transport state.
// No rules or no queues is degraded; a failing transport ping is unhealthy.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	rep := HealthReport{
		Status:     StatusHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}

	enabled := o.resolver.Rules().Snapshot().Len()
	rc := ComponentHealth{Status: StatusHealthy, Detail: map[string]any{
		"enabled_rules": enabled,
		"total_rules":   o.resolver.Rules().Len(),
	}}
	if enabled == 0 {
		rc.Status = StatusDegraded
	}
	rep.Components["rules"] = rc

	queues := o.dispatcher.Registry().List()
	names := make([]string, 0, len(queues))
	for _, q := range queues {
		names = append(names, q.Name)
	}
	qc := ComponentHealth{Status: StatusHealthy, Detail: map[string]any{
		"total_queues":  len(queues),
		"queues":        names,
		"default_queue": o.resolver.DefaultQueue(),
	}}
	if len(queues) == 0 {
		qc.Status = StatusDegraded
	}
	rep.Components["queues"] = qc

	tc := ComponentHealth{Status: StatusHealthy}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.dispatcher.Ping(pingCtx); err != nil {
		tc.Status = StatusUnhealthy
		tc.Error = err.Error()
	}
	rep.Components["transport"] = tc

	for _, c := range rep.Components {
		switch {
		case c.Status == StatusUnhealthy:
			rep.Status = StatusUnhealthy
		case c.Status == StatusDegraded && rep.Status == StatusHealthy:
			rep.Status = StatusDegraded
		}
	}
	return rep
}
