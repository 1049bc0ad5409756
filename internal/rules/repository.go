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

package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bcem/router/internal/kv"
)

// Repository persists rules in a key-value store under
// "<namespace>.rule.<name>".
type Repository struct {
	kv        kv.Store
	namespace string
}

func NewRepository(store kv.Store, namespace string) *Repository {
	return &Repository{kv: store, namespace: namespace}
}

func (r *Repository) key(name string) string {
	return kv.Key(r.namespace, "rule", name)
}

func (r *Repository) prefix() string {
	return kv.Key(r.namespace, "rule") + "."
}

// Save writes one rule.
func (r *Repository) Save(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	blob, err := Marshal(rule)
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, r.key(rule.Name), blob); err != nil {
		return fmt.Errorf("save rule %s: %w", rule.Name, err)
	}
	return nil
}

// Get reads one rule.
func (r *Repository) Get(ctx context.Context, name string) (Rule, error) {
	blob, err := r.kv.Get(ctx, r.key(name))
	if errors.Is(err, kv.ErrNotFound) {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Rule{}, fmt.Errorf("get rule %s: %w", name, err)
	}
	return Unmarshal(blob)
}

// Delete removes one rule. Deleting a missing rule is not an error.
func (r *Repository) Delete(ctx context.Context, name string) error {
	if err := r.kv.Delete(ctx, r.key(name)); err != nil {
		return fmt.Errorf("delete rule %s: %w", name, err)
	}
	return nil
}

// LoadAll reads every persisted rule, sorted by key. Any undecodable entry
// fails the whole load.
func (r *Repository) LoadAll(ctx context.Context) ([]Rule, error) {
	prefix := r.prefix()
	entries, err := r.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Rule, 0, len(keys))
	for _, k := range keys {
		rule, err := Unmarshal(entries[k])
		if err != nil {
			return nil, fmt.Errorf("rule key %s: %w", k, err)
		}
		if rule.Name == "" {
			rule.Name = strings.TrimPrefix(k, prefix)
		}
		out = append(out, rule)
	}
	return out, nil
}

// Reload replaces the contents of store with the persisted rule set.
func (r *Repository) Reload(ctx context.Context, store *Store) error {
	loaded, err := r.LoadAll(ctx)
	if err != nil {
		return err
	}
	if err := store.Replace(loaded); err != nil {
		return err
	}
	slog.Info("rules reloaded", "count", len(loaded), "version", store.Snapshot().Version())
	return nil
}

// SaveAll persists every rule currently held by store.
func (r *Repository) SaveAll(ctx context.Context, store *Store) error {
	for _, rule := range store.List() {
		if err := r.Save(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}
