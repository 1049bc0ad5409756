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

// Package rules holds the routing rule set: the Rule type, its persisted
// form, and a Store that hands out immutable priority-ordered snapshots.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/bcem/router/internal/expr"
)

var (
	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrNotFound is returned when a named rule does not exist.
	ErrNotFound = errors.New("rule not found")
)

// Rule is a named condition → action pair.
type Rule struct {
	Name        string            `json:"name" yaml:"name" toml:"name"`
	Description string            `json:"description" yaml:"description" toml:"description"`
	Condition   string            `json:"condition" yaml:"condition" toml:"condition"`
	Action      string            `json:"action" yaml:"action" toml:"action"`
	Priority    int               `json:"priority" yaml:"priority" toml:"priority"`
	Enabled     bool              `json:"enabled" yaml:"enabled" toml:"enabled"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
}

// Validate checks the required fields and compiles the condition.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("%w: rule %q has no action", ErrInvalidRule, r.Name)
	}
	if err := expr.Validate(r.Condition); err != nil {
		return fmt.Errorf("%w: rule %q condition: %w", ErrInvalidRule, r.Name, err)
	}
	return nil
}

// Clone returns a deep copy.
func (r Rule) Clone() Rule {
	out := r
	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}
	return out
}

// Marshal encodes a rule into its persisted text form.
func Marshal(r Rule) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal rule %q: %w", r.Name, err)
	}
	return string(b), nil
}

// Unmarshal decodes a persisted rule. Rules stored before the enabled flag
// existed decode as enabled.
func Unmarshal(s string) (Rule, error) {
	r := Rule{Enabled: true}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Rule{}, fmt.Errorf("unmarshal rule: %w", err)
	}
	return r, nil
}

// Entry is a rule together with its compiled condition.
type Entry struct {
	Rule
	Program *expr.Program
}

// compile validates r and returns its Entry.
func compile(r Rule) (Entry, error) {
	if err := r.Validate(); err != nil {
		return Entry{}, err
	}
	p, err := expr.Compile(r.Condition)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: rule %q condition: %w", ErrInvalidRule, r.Name, err)
	}
	return Entry{Rule: r.Clone(), Program: p}, nil
}
