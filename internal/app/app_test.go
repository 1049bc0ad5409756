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

package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/router/internal/config"
	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/queue"
	"github.com/bcem/router/internal/rules"
)

func baseConfig() *config.Config {
	return &config.Config{
		Namespace:       "test",
		DefaultQueue:    "default",
		Workers:         2,
		DispatchTimeout: 5 * time.Second,
		Hours:           models.DefaultBusinessHours(),
		KV:              config.KVConfig{Driver: "memory"},
	}
}

// TestBuild_DefaultRules verifies the starter rules load when nothing is
// persisted or configured.
func TestBuild_DefaultRules(t *testing.T) {
	a, err := Build(context.Background(), baseConfig())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, len(rules.Defaults()), a.Rules.Len())
	assert.Nil(t, a.Dedup(), "memory driver has no dedup filter")
}

// TestBuild_PersistedRulesWin verifies rules saved in the store take
// precedence over the config file on the next start.
func TestBuild_PersistedRulesWin(t *testing.T) {
	cfg := baseConfig()
	cfg.KV = config.KVConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "router.db")}
	cfg.Rules = []rules.Rule{
		{Name: "billing", Condition: "contains(subject, 'invoice')", Action: "billing", Priority: 10, Enabled: true},
	}

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Rules.Upsert(rules.Rule{Name: "vip", Condition: "sender_domain == 'vip.com'", Action: "vip", Priority: 50, Enabled: true}))
	require.NoError(t, a.Repository.SaveAll(context.Background(), a.Rules))
	a.Close()

	b, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.Rules.Get("vip")
	assert.True(t, ok, "rule added at runtime should survive a restart")
	assert.Equal(t, 2, b.Rules.Len())
}

// TestBuild_RedisQueue verifies redis:// queues are published to the list
// and a dedup filter is available.
func TestBuild_RedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig()
	cfg.KV = config.KVConfig{Driver: "redis", RedisURL: "redis://" + mr.Addr() + "/0"}
	cfg.Queues = []queue.Queue{{Name: "default", Endpoint: "redis://routed-default"}}
	cfg.Rules = []rules.Rule{}

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Dedup())

	src := intake.Raw("m.eml", []byte("From: a@example.com\r\nSubject: hello\r\n\r\nhi\r\n"))
	res := a.Orchestrator.Process(context.Background(), src, false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "default", res.QueueName)

	n, err := a.Redis.LLen(context.Background(), "routed-default").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

// TestOptionalIntakes verifies unconfigured intakes report ErrNotConfigured.
func TestOptionalIntakes(t *testing.T) {
	a, err := Build(context.Background(), baseConfig())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Postgres(context.Background())
	assert.True(t, errors.Is(err, ErrNotConfigured))
	_, err = a.Graph(context.Background())
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
