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

package kv

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns one fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	lite, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb),
		"sqlite": lite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestKey(t *testing.T) {
	assert.Equal(t, "email.rule.urgent", Key("email", "rule", "urgent"))
	assert.Equal(t, "rule.urgent", Key("", "rule", "urgent"))
	assert.Equal(t, "email.queues", Key("email", "", "queues"))
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Ping(ctx))

			_, err := s.Get(ctx, "email.rule.missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "email.rule.a", `{"name":"a"}`))
			require.NoError(t, s.Set(ctx, "email.rule.b", `{"name":"b"}`))
			require.NoError(t, s.Set(ctx, "email.queues", `{}`))
			require.NoError(t, s.Set(ctx, "other.rule.c", `{}`))

			v, err := s.Get(ctx, "email.rule.a")
			require.NoError(t, err)
			assert.Equal(t, `{"name":"a"}`, v)

			require.NoError(t, s.Set(ctx, "email.rule.a", `{"name":"a2"}`))
			v, _ = s.Get(ctx, "email.rule.a")
			assert.Equal(t, `{"name":"a2"}`, v)

			listed, err := s.List(ctx, "email.rule.")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{
				"email.rule.a": `{"name":"a2"}`,
				"email.rule.b": `{"name":"b"}`,
			}, listed)

			require.NoError(t, s.Delete(ctx, "email.rule.b"))
			listed, _ = s.List(ctx, "email.rule.")
			assert.Len(t, listed, 1)

			n, err := s.Incr(ctx, "email.stats.total_processed", 1)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			n, err = s.Incr(ctx, "email.stats.total_processed", 4)
			require.NoError(t, err)
			assert.Equal(t, int64(5), n)

			v, err = s.Get(ctx, "email.stats.total_processed")
			require.NoError(t, err)
			assert.Equal(t, "5", v)
		})
	}
}

func TestStore_ConcurrentIncr(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						_, err := s.Incr(ctx, "ctr", 1)
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			v, err := s.Get(ctx, "ctr")
			require.NoError(t, err)
			assert.Equal(t, "200", v)
		})
	}
}

func TestRedis_ListEscapesGlob(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()

	require.NoError(t, s.Set(ctx, "ns*.rule.a", "1"))
	require.NoError(t, s.Set(ctx, "nsX.rule.b", "2"))

	listed, err := s.List(ctx, "ns*.rule.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ns*.rule.a": "1"}, listed)
}

func TestStore_ListNonASCIIPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set(ctx, "café.rule.a", "1"))
			require.NoError(t, s.Set(ctx, "café.rules", "2"))
			require.NoError(t, s.Set(ctx, "cafe.rule.b", "3"))

			listed, err := s.List(ctx, "café.rule.")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"café.rule.a": "1"}, listed)
		})
	}
}
