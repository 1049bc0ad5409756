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

// Package kv defines the key-value collaborator used to persist rules, queue
// configuration and statistics, with Redis, SQLite and in-memory backends.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal key-value contract the routing core depends on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every key/value pair whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	// Incr atomically adds delta to an integer counter and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key joins namespace and parts with '.', skipping empty segments.
func Key(namespace string, parts ...string) string {
	segs := make([]string, 0, len(parts)+1)
	if namespace != "" {
		segs = append(segs, namespace)
	}
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, ".")
}
