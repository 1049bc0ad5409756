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
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bcem/router/internal/metrics"
)

// Snapshot is an immutable, priority-ordered view of the enabled rules.
// Entries are sorted by priority descending, then by name ascending.
type Snapshot struct {
	entries []Entry
	version uint64
}

// Entries returns the ordered rules. Callers must not modify the slice.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	return s.entries
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Version increments on every change to the store.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// NewSnapshot builds a snapshot directly from rules, skipping disabled ones.
// It fails if any enabled rule is invalid.
func NewSnapshot(rules ...Rule) (*Snapshot, error) {
	entries := make([]Entry, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		e, err := compile(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return &Snapshot{entries: entries}, nil
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

// Store maps rule names to rules. Writers are serialised; readers take the
// current snapshot without locking.
type Store struct {
	mu      sync.Mutex
	rules   map[string]Entry
	version uint64
	current atomic.Pointer[Snapshot]
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{rules: make(map[string]Entry)}
	s.current.Store(&Snapshot{})
	return s
}

// Snapshot returns the current enabled-rule view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Upsert adds r or replaces the rule with the same name. The condition must
// compile.
func (s *Store) Upsert(r Rule) error {
	e, err := compile(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.Name] = e
	s.publish()
	return nil
}

// Remove deletes the named rule.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.rules, name)
	s.publish()
	return nil
}

// SetEnabled toggles the named rule.
func (s *Store) SetEnabled(name string, enabled bool) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rules[name]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e.Enabled = enabled
	s.rules[name] = e
	s.publish()
	return e.Rule.Clone(), nil
}

// Get returns a copy of the named rule.
func (s *Store) Get(name string) (Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rules[name]
	if !ok {
		return Rule{}, false
	}
	return e.Rule.Clone(), true
}

// List returns every rule, enabled or not, in evaluation order.
func (s *Store) List() []Rule {
	s.mu.Lock()
	entries := make([]Entry, 0, len(s.rules))
	for _, e := range s.rules {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sortEntries(entries)
	out := make([]Rule, len(entries))
	for i, e := range entries {
		out[i] = e.Rule.Clone()
	}
	return out
}

// ListEnabled returns the enabled rules in evaluation order.
func (s *Store) ListEnabled() []Rule {
	entries := s.Snapshot().Entries()
	out := make([]Rule, len(entries))
	for i, e := range entries {
		out[i] = e.Rule.Clone()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

// Replace swaps the whole rule set. Every rule is validated first; on error
// the store is left unchanged.
func (s *Store) Replace(rules []Rule) error {
	next := make(map[string]Entry, len(rules))
	for _, r := range rules {
		e, err := compile(r)
		if err != nil {
			return err
		}
		if _, dup := next[r.Name]; dup {
			return fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name)
		}
		next[r.Name] = e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = next
	s.publish()
	return nil
}

// LoadDefaults upserts the starter rule set.
func (s *Store) LoadDefaults() error {
	for _, r := range Defaults() {
		if err := s.Upsert(r); err != nil {
			return err
		}
	}
	return nil
}

// publish rebuilds and swaps the snapshot. Caller holds s.mu.
func (s *Store) publish() {
	entries := make([]Entry, 0, len(s.rules))
	for _, e := range s.rules {
		if e.Enabled {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	s.version++
	s.current.Store(&Snapshot{entries: entries, version: s.version})
	metrics.RulesLoaded.Set(float64(len(entries)))
}
