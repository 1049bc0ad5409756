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

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/router/internal/queue"
)

// Transport delivers a serialised envelope to a queue endpoint and returns
// the id the destination assigned to it.
type Transport interface {
	Send(ctx context.Context, q queue.Queue, envelope []byte) (string, error)
}

// Pinger is implemented by transports that support a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, q queue.Queue, envelope []byte) (string, error)

func (f TransportFunc) Send(ctx context.Context, q queue.Queue, envelope []byte) (string, error) {
	return f(ctx, q, envelope)
}

// Mux picks a transport by endpoint scheme. Endpoints without a scheme use
// the fallback, if any.
type Mux struct {
	schemes  map[string]Transport
	fallback Transport
}

func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Transport)}
}

// Handle registers t for the given schemes.
func (m *Mux) Handle(t Transport, schemes ...string) *Mux {
	for _, s := range schemes {
		m.schemes[strings.ToLower(s)] = t
	}
	return m
}

// Fallback sets the transport for endpoints with no or unregistered scheme.
func (m *Mux) Fallback(t Transport) *Mux {
	m.fallback = t
	return m
}

func (m *Mux) Send(ctx context.Context, q queue.Queue, envelope []byte) (string, error) {
	t, ok := m.schemes[q.Scheme()]
	if !ok {
		t = m.fallback
	}
	if t == nil {
		return "", fmt.Errorf("%w: no transport for endpoint scheme %q of queue %s", ErrTransport, q.Scheme(), q.Name)
	}
	return t.Send(ctx, q, envelope)
}

// Ping checks every registered transport that supports it.
func (m *Mux) Ping(ctx context.Context) error {
	var errs []error
	check := func(t Transport) {
		if p, ok := t.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, t := range m.schemes {
		check(t)
	}
	check(m.fallback)
	return errors.Join(errs...)
}

// HTTPTransport POSTs envelopes as JSON to http(s) endpoints.
type HTTPTransport struct {
	client *http.Client
}

// HTTPTransportConfig configures an HTTPTransport. When TokenURL and
// ClientID are set, requests carry an OAuth2 client-credentials token.
type HTTPTransportConfig struct {
	Client       *http.Client
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func NewHTTPTransport(ctx context.Context, cfg HTTPTransportConfig) *HTTPTransport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TokenURL != "" && cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		client = cc.Client(ctx)
	}
	return &HTTPTransport{client: client}
}

// httpResponse is the optional JSON body returned by HTTP endpoints.
type httpResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

func (t *HTTPTransport) Send(ctx context.Context, q queue.Queue, envelope []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.Endpoint, bytes.NewReader(envelope))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Type", MessageType)
	req.Header.Set("X-Queue-Name", q.Name)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post envelope: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: endpoint returned HTTP %d", ErrTransport, resp.StatusCode)
	}

	var parsed httpResponse
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		if parsed.MessageID != "" {
			return parsed.MessageID, nil
		}
		if parsed.ID != "" {
			return parsed.ID, nil
		}
	}
	if id := resp.Header.Get("X-Message-Id"); id != "" {
		return id, nil
	}
	return uuid.New().String(), nil
}
