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

// Package api exposes the router over HTTP: routing requests, rule
// management, statistics, health, metrics and Graph change notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/routing"
	"github.com/bcem/router/internal/rules"
)

// DefaultMaxBody caps request bodies.
const DefaultMaxBody = 25 << 20

// Handler serves the HTTP API.
type Handler struct {
	orch    *routing.Orchestrator
	repo    *rules.Repository
	graph   *GraphNotifications
	maxBody int64
}

// HandlerConfig holds dependencies for the API. Repository and Graph are
// optional: without a repository rule changes live in memory only, and
// without Graph the /webhook/ endpoints are not mounted.
type HandlerConfig struct {
	Orchestrator *routing.Orchestrator
	Repository   *rules.Repository
	Graph        *GraphNotifications
	MaxBody      int64
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	return &Handler{orch: cfg.Orchestrator, repo: cfg.Repository, graph: cfg.Graph, maxBody: cfg.MaxBody}
}

// Routes returns the request multiplexer.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/route", h.route)
	mux.HandleFunc("POST /v1/route/batch", h.routeBatch)

	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("DELETE /v1/stats", h.resetStats)

	mux.HandleFunc("GET /v1/rules", h.listRules)
	mux.HandleFunc("POST /v1/rules", h.upsertRule)
	mux.HandleFunc("POST /v1/rules/test", h.testRule)
	mux.HandleFunc("POST /v1/rules/reload", h.reloadRules)
	mux.HandleFunc("GET /v1/rules/{name}", h.getRule)
	mux.HandleFunc("DELETE /v1/rules/{name}", h.deleteRule)
	mux.HandleFunc("POST /v1/rules/{name}/enable", h.toggleRule(true))
	mux.HandleFunc("POST /v1/rules/{name}/disable", h.toggleRule(false))

	mux.HandleFunc("GET /v1/queues", h.listQueues)

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())

	if h.graph != nil {
		// Change notification endpoints, one per tenant alias
		mux.HandleFunc("/webhook/", h.graph.ServeNotification)
	}
	return mux
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func dryRun(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	return v
}

// route accepts either a raw RFC 5322 message or a JSON email document.
func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read body: %w", err))
		return
	}

	var src intake.Source
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		email, err := intake.DecodeJSON(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		src = intake.Record("request", *email)
	} else {
		src = intake.Raw("request", body)
	}

	res := h.orch.Process(r.Context(), src, dryRun(r))
	status := http.StatusOK
	switch {
	case res.State == routing.StateErrored:
		status = http.StatusUnprocessableEntity
	case !res.Success:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

type batchRequest struct {
	Emails  []models.Email `json:"emails"`
	DryRun  bool           `json:"dry_run"`
	Ordered *bool          `json:"ordered"`
}

func (h *Handler) routeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode batch: %w", err))
		return
	}
	sources := make([]intake.Source, 0, len(req.Emails))
	for i, e := range req.Emails {
		sources = append(sources, intake.Record("emails["+strconv.Itoa(i)+"]", e))
	}
	ordered := req.Ordered == nil || *req.Ordered
	out := h.orch.Batch(r.Context(), sources, routing.BatchOptions{DryRun: req.DryRun || dryRun(r), Ordered: ordered})
	writeJSON(w, http.StatusOK, out)
}

type statsResponse struct {
	TotalProcessed   int64            `json:"total_processed"`
	SuccessfulRoutes int64            `json:"successful_routes"`
	FailedRoutes     int64            `json:"failed_routes"`
	SuccessRate      float64          `json:"success_rate"`
	QueueUsage       map[string]int64 `json:"queue_usage"`
	RuleMatches      map[string]int64 `json:"rule_matches"`
	UptimeSeconds    float64          `json:"uptime_seconds"`
	RulesCount       int              `json:"rules_count"`
	EnabledRules     int              `json:"enabled_rules_count"`
	QueuesCount      int              `json:"queues_count"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st := h.orch.Statistics()
	writeJSON(w, http.StatusOK, statsResponse{
		TotalProcessed:   st.TotalProcessed,
		SuccessfulRoutes: st.SuccessfulRoutes,
		FailedRoutes:     st.FailedRoutes,
		SuccessRate:      st.SuccessRate(),
		QueueUsage:       st.QueueCounts,
		RuleMatches:      st.RuleMatches,
		UptimeSeconds:    time.Since(st.StartedAt).Seconds(),
		RulesCount:       h.orch.Rules().Len(),
		EnabledRules:     h.orch.Rules().Snapshot().Len(),
		QueuesCount:      h.orch.Dispatcher().Registry().Len(),
	})
}

func (h *Handler) resetStats(w http.ResponseWriter, r *http.Request) {
	h.orch.Recorder().Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly, _ := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if enabledOnly {
		writeJSON(w, http.StatusOK, h.orch.Rules().ListEnabled())
		return
	}
	writeJSON(w, http.StatusOK, h.orch.Rules().List())
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.orch.Rules().Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, rules.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) upsertRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	rule, err := rules.Unmarshal(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Persist first so a store failure leaves the live rule set untouched.
	if err := h.persist(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.orch.Rules().Upsert(rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slog.Info("rule saved", "rule", rule.Name, "priority", rule.Priority, "enabled", rule.Enabled)
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := h.orch.Rules().Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", rules.ErrNotFound, name))
		return
	}
	if h.repo != nil {
		if err := h.repo.Delete(r.Context(), name); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if err := h.orch.Rules().Remove(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	slog.Info("rule removed", "rule", name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) toggleRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		rule, ok := h.orch.Rules().Get(name)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", rules.ErrNotFound, name))
			return
		}
		rule.Enabled = enabled
		if err := h.persist(r.Context(), rule); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		rule, err := h.orch.Rules().SetEnabled(name, enabled)
		if errors.Is(err, rules.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	}
}

type reloadResponse struct {
	Rules   int    `json:"rules"`
	Enabled int    `json:"enabled"`
	Version uint64 `json:"version"`
}

// reloadRules replaces the live rule set with the persisted one, picking up
// changes written by other processes sharing the store.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusConflict, errors.New("no rule repository configured"))
		return
	}
	store := h.orch.Rules()
	if err := h.repo.Reload(r.Context(), store); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("reload rules: %w", err))
		return
	}
	snap := store.Snapshot()
	writeJSON(w, http.StatusOK, reloadResponse{Rules: store.Len(), Enabled: snap.Len(), Version: snap.Version()})
}

func (h *Handler) persist(ctx context.Context, rule rules.Rule) error {
	if h.repo == nil {
		return nil
	}
	if err := h.repo.Save(ctx, rule); err != nil {
		return fmt.Errorf("persist rule %q: %w", rule.Name, err)
	}
	return nil
}

type testRuleRequest struct {
	Condition string         `json:"condition"`
	Emails    []models.Email `json:"emails"`
}

func (h *Handler) testRule(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	emails := make([]*models.Email, 0, len(req.Emails))
	for i := range req.Emails {
		emails = append(emails, req.Emails[i].Normalize())
	}
	rep, err := h.orch.TestCondition(req.Condition, emails)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type queueView struct {
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	queues := h.orch.Dispatcher().Registry().List()
	out := make([]queueView, 0, len(queues))
	for _, q := range queues {
		out = append(out, queueView{Name: q.Name, Endpoint: q.Endpoint, Description: q.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	rep := h.orch.Health(r.Context())
	status := http.StatusOK
	if rep.Status == routing.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Serve starts the API server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind api port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("api server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return ready, nil
}
