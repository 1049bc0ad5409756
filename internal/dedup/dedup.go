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

// Package dedup remembers which messages have already been routed, so a
// poller restarting from an older cursor does not route them twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a routed message id is remembered.
const DefaultTTL = 24 * time.Hour

// Filter tracks which message ids have already been routed.
type Filter struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewFilter creates a dedup filter backed by Redis. Keys are
// "<namespace>.seen.<id>".
func NewFilter(rdb *redis.Client, namespace string) *Filter {
	return &Filter{
		rdb:    rdb,
		ttl:    DefaultTTL,
		prefix: namespace + ".seen.",
	}
}

// WithTTL returns a copy of f that remembers ids for ttl.
func (f *Filter) WithTTL(ttl time.Duration) *Filter {
	c := *f
	c.ttl = ttl
	return &c
}

// IsNew returns true if id has NOT been seen before.
// If true, id is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, f.prefix+id, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget clears id so it can be routed again.
func (f *Filter) Forget(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, f.prefix+id).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
