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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bcem/router/internal/kv"
)

// ErrUnknownQueue is returned when a queue name is not registered.
var ErrUnknownQueue = errors.New("unknown queue")

// Queue is a named routing destination.
type Queue struct {
	Name              string        `json:"-" yaml:"name" toml:"name"`
	Endpoint          string        `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Description       string        `json:"description,omitempty" yaml:"description" toml:"description"`
	VisibilityTimeout time.Duration `json:"visibility_timeout,omitempty" yaml:"visibility_timeout" toml:"visibility_timeout"`
	Retention         time.Duration `json:"retention,omitempty" yaml:"retention" toml:"retention"`
	MaxMessageSize    int           `json:"max_message_size,omitempty" yaml:"max_message_size" toml:"max_message_size"`
}

// Scheme returns the lower-cased scheme of the endpoint, or "" if it has none.
func (q Queue) Scheme() string {
	i := strings.Index(q.Endpoint, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(q.Endpoint[:i])
}

// Target returns the endpoint with its scheme stripped.
func (q Queue) Target() string {
	if i := strings.Index(q.Endpoint, "://"); i >= 0 {
		return q.Endpoint[i+3:]
	}
	return q.Endpoint
}

// Registry is a lookup table of queues by name. It holds no transport state.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]Queue
}

func NewRegistry(queues ...Queue) *Registry {
	r := &Registry{queues: make(map[string]Queue, len(queues))}
	for _, q := range queues {
		r.queues[q.Name] = q
	}
	return r
}

// Register adds q or replaces the queue with the same name.
func (r *Registry) Register(q Queue) error {
	if strings.TrimSpace(q.Name) == "" {
		return errors.New("queue name is required")
	}
	r.mu.Lock()
	r.queues[q.Name] = q
	r.mu.Unlock()
	return nil
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.queues, name)
	r.mu.Unlock()
}

// Get returns the named queue or an error wrapping ErrUnknownQueue.
func (r *Registry) Get(name string) (Queue, error) {
	r.mu.RLock()
	q, ok := r.queues[name]
	r.mu.RUnlock()
	if !ok {
		return Queue{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// List returns all queues ordered by name.
func (r *Registry) List() []Queue {
	r.mu.RLock()
	out := make([]Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Queue) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// TransportConfig holds credentials shared by the transports. The zero value
// means "use ambient credentials".
type TransportConfig struct {
	Region       string   `json:"region,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Ambient reports whether no explicit credentials are configured.
func (c TransportConfig) Ambient() bool {
	return c.TokenURL == "" && c.ClientID == "" && c.ClientSecret == ""
}

// storedQueue is the persisted form. "url" is accepted for older entries.
type storedQueue struct {
	Queue
	URL string `json:"url,omitempty"`
}

// Load reads "<namespace>.queues" and "<namespace>.config" from store.
// A missing queues key yields an empty registry; a missing config key yields
// ambient credentials.
func Load(ctx context.Context, store kv.Store, namespace string) (*Registry, TransportConfig, error) {
	var cfg TransportConfig
	reg := NewRegistry()

	blob, err := store.Get(ctx, kv.Key(namespace, "queues"))
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, cfg, fmt.Errorf("read queues: %w", err)
	case strings.TrimSpace(blob) != "":
		var stored map[string]storedQueue
		if err := json.Unmarshal([]byte(blob), &stored); err != nil {
			return nil, cfg, fmt.Errorf("decode queues: %w", err)
		}
		for name, sq := range stored {
			q := sq.Queue
			q.Name = name
			if q.Endpoint == "" {
				q.Endpoint = sq.URL
			}
			if err := reg.Register(q); err != nil {
				return nil, cfg, err
			}
		}
	}

	blob, err = store.Get(ctx, kv.Key(namespace, "config"))
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, cfg, fmt.Errorf("read transport config: %w", err)
	case strings.TrimSpace(blob) != "":
		if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
			return nil, cfg, fmt.Errorf("decode transport config: %w", err)
		}
	}

	return reg, cfg, nil
}

// Save writes the registry to "<namespace>.queues".
func Save(ctx context.Context, store kv.Store, namespace string, reg *Registry) error {
	m := make(map[string]Queue, reg.Len())
	for _, q := range reg.List() {
		m[q.Name] = q
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode queues: %w", err)
	}
	if err := store.Set(ctx, kv.Key(namespace, "queues"), string(blob)); err != nil {
		return fmt.Errorf("write queues: %w", err)
	}
	return nil
}
