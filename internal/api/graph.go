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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/routing"
)

// ChangeNotification represents a single Graph API change notification.
type ChangeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
	TenantID       string `json:"tenantId"`
}

// NotificationPayload is the wrapper Graph sends.
type NotificationPayload struct {
	Value []ChangeNotification `json:"value"`
}

// Deduper is satisfied by *dedup.Filter.
type Deduper interface {
	IsNew(ctx context.Context, id string) (bool, error)
}

// MessageSource builds a Source for one mailbox message. *intake.GraphFetcher
// satisfies it.
type MessageSource interface {
	Message(userID, messageID string) intake.Source
}

// GraphNotifications routes messages announced by Graph change notifications.
type GraphNotifications struct {
	fetcher     MessageSource
	orch        *routing.Orchestrator
	dedup       Deduper
	clientState string
	dryRun      bool

	wg sync.WaitGroup
}

// GraphNotificationsConfig holds dependencies for GraphNotifications.
// Dedup may be nil. An empty ClientState accepts every notification.
type GraphNotificationsConfig struct {
	Fetcher      MessageSource
	Orchestrator *routing.Orchestrator
	Dedup        Deduper
	ClientState  string
	DryRun       bool
}

func NewGraphNotifications(cfg GraphNotificationsConfig) *GraphNotifications {
	return &GraphNotifications{
		fetcher:     cfg.Fetcher,
		orch:        cfg.Orchestrator,
		dedup:       cfg.Dedup,
		clientState: cfg.ClientState,
		dryRun:      cfg.DryRun,
	}
}

// ServeNotification handles change notification webhook requests.
//
// Graph API validation flow:
//   - When creating a subscription, Graph sends a POST with ?validationToken=<token>
//   - We must respond 200 OK with the token in plain text
//
// Normal notification flow:
//   - Graph POSTs a JSON body with an array of ChangeNotification objects
//   - We respond 202 Accepted immediately
//   - Route the announced messages in the background
func (g *GraphNotifications) ServeNotification(w http.ResponseWriter, r *http.Request) {
	// Handle validation handshake
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("subscription validation handshake received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("notification body not valid JSON, treating as validation request",
			"body_len", len(body),
		)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Respond immediately, Graph expects a fast response
	w.WriteHeader(http.StatusAccepted)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.process(context.Background(), payload.Value)
	}()
}

// Wait blocks until background notification processing has finished.
func (g *GraphNotifications) Wait() { g.wg.Wait() }

func (g *GraphNotifications) process(ctx context.Context, notifications []ChangeNotification) {
	var sources []intake.Source
	for _, n := range notifications {
		// Only new messages are routed
		if n.ChangeType != "created" {
			slog.Debug("skipping non-created notification",
				"change_type", n.ChangeType,
				"resource", n.Resource,
			)
			continue
		}

		if g.clientState != "" && n.ClientState != g.clientState {
			slog.Warn("clientState mismatch, possible spoofed notification",
				"subscription_id", n.SubscriptionID,
			)
			continue
		}

		userID, messageID, err := parseResource(n.Resource)
		if err != nil {
			slog.Warn("failed to parse notification resource",
				"resource", n.Resource,
				"error", err,
			)
			continue
		}

		if g.dedup != nil {
			isNew, err := g.dedup.IsNew(ctx, "graph:"+messageID)
			if err != nil {
				slog.Warn("dedup check failed, proceeding", "error", err)
			} else if !isNew {
				slog.Debug("skipping duplicate message", "message_id", messageID)
				continue
			}
		}

		sources = append(sources, g.fetcher.Message(userID, messageID))
	}

	if len(sources) == 0 {
		return
	}
	g.orch.Batch(ctx, sources, routing.BatchOptions{DryRun: g.dryRun})
}

// parseResource extracts userID and messageID from a Graph notification resource string.
// Format: "users/{userId}/messages/{messageId}"
func parseResource(resource string) (userID, messageID string, err error) {
	resource = strings.TrimPrefix(resource, "/")

	parts := strings.Split(resource, "/")
	// Graph may send capitalised variants: "Users", "Messages"
	if len(parts) != 4 || !strings.EqualFold(parts[0], "users") || !strings.EqualFold(parts[2], "messages") {
		return "", "", fmt.Errorf("unexpected resource format: %s", resource)
	}

	return parts[1], parts[3], nil
}
