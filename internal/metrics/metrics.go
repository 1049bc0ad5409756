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

// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing outcomes
var (
	EmailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_emails_processed_total",
			Help: "Emails that completed the routing pipeline, by result",
		},
		[]string{"result"},
	)

	RoutesByQueue = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_routes_total",
			Help: "Rule-matched emails routed per queue",
		},
		[]string{"queue"},
	)

	ParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "router_parse_errors_total",
			Help: "Inputs rejected before routing because they could not be parsed",
		},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "router_pipeline_duration_seconds",
			Help:    "Time spent routing one email, parse through record",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)
)

// Rule evaluation
var (
	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_rule_evaluation_errors_total",
			Help: "Rule conditions that failed to evaluate, by error kind",
		},
		[]string{"kind"},
	)

	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_rules_enabled",
			Help: "Enabled rules in the current snapshot",
		},
	)
)

// Dispatch
var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_dispatch_total",
			Help: "Dispatch attempts by queue and reason",
		},
		[]string{"queue", "reason"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_dispatch_duration_seconds",
			Help:    "Transport call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)
)

// Intake
var (
	IntakeReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_intake_received_total",
			Help: "Raw inputs accepted by each intake source",
		},
		[]string{"source"},
	)

	DuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "router_duplicates_skipped_total",
			Help: "Polled rows skipped because they were already routed",
		},
	)
)
