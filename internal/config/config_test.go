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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// TestLoad_YAML verifies keys, env expansion and rule defaults.
func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_REDIS", "redis://cache:6379/2")
	p := writeFile(t, "config.yaml", `
namespace: acme
default_queue: inbox
workers: 8
dispatch_timeout: 3s
kv:
  driver: redis
  redis_url: ${TEST_REDIS}
business_hours:
  timezone: America/New_York
  start_hour: 8
  end_hour: 18
postgres:
  poll_interval: 15s
rules:
  - name: vip
    condition: sender_domain == 'vip.com'
    action: inbox_vip
    priority: 5
queues:
  - name: inbox
    endpoint: redis://inbox
    retention: 24h
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "acme" || cfg.DefaultQueue != "inbox" || cfg.Workers != 8 {
		t.Errorf("unexpected settings: %+v", cfg)
	}
	if cfg.DispatchTimeout != 3*time.Second {
		t.Errorf("DispatchTimeout = %s", cfg.DispatchTimeout)
	}
	if cfg.KV.RedisURL != "redis://cache:6379/2" {
		t.Errorf("RedisURL = %q, want expanded value", cfg.KV.RedisURL)
	}
	if cfg.Postgres.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %s", cfg.Postgres.PollInterval)
	}
	if cfg.Hours.StartHour != 8 || cfg.Hours.Location.String() != "America/New_York" {
		t.Errorf("Hours = %+v", cfg.Hours)
	}
	if len(cfg.Rules) != 1 || !cfg.Rules[0].Enabled {
		t.Fatalf("Rules = %+v, want one enabled rule", cfg.Rules)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].Retention != 24*time.Hour {
		t.Fatalf("Queues = %+v", cfg.Queues)
	}
}

// TestLoad_TOML verifies the .toml extension selects the TOML decoder.
func TestLoad_TOML(t *testing.T) {
	p := writeFile(t, "config.toml", `
namespace = "acme"
workers = 2

[kv]
driver = "sqlite"
sqlite_path = "/tmp/r.db"

[[queues]]
name = "support"
endpoint = "https://support.example.com/hook"
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KV.Driver != "sqlite" || cfg.KV.SQLitePath != "/tmp/r.db" {
		t.Errorf("KV = %+v", cfg.KV)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].Scheme() != "https" {
		t.Errorf("Queues = %+v", cfg.Queues)
	}
}

// TestLoad_Invalid verifies bad configuration surfaces as a LoadError.
func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad condition":  "rules:\n  - name: x\n    condition: \"subject.__class__\"\n    action: q\n",
		"bad driver":     "kv:\n  driver: etcd\n",
		"bad duration":   "dispatch_timeout: soon\n",
		"duplicate rule": "rules:\n  - {name: a, condition: 'true', action: q}\n  - {name: a, condition: 'true', action: q}\n",
		"queue endpoint": "queues:\n  - name: a\n",
		"bad yaml":       "rules: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", body))
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("err = %v, want *LoadError", err)
			}
		})
	}
}

// TestLoad_MissingFile verifies an explicit path must exist while the
// default path may be absent.
func TestLoad_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := Load(missing); err == nil {
		t.Fatal("expected error for missing explicit path")
	}

	t.Setenv("CONFIG_PATH", missing)
	t.Setenv("WORKERS", "6")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 6 || cfg.KV.Driver != "memory" || cfg.Path != "" {
		t.Errorf("cfg = %+v", cfg)
	}
}

// TestWriteSample verifies the sample round-trips through Load in both formats.
func TestWriteSample(t *testing.T) {
	for _, name := range []string{"sample.yaml", "sample.toml"} {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "conf", name)
			if err := WriteSample(p); err != nil {
				t.Fatalf("WriteSample: %v", err)
			}
			if err := WriteSample(p); err == nil {
				t.Error("second WriteSample should refuse to overwrite")
			}
			cfg, err := Load(p)
			if err != nil {
				t.Fatalf("Load sample: %v", err)
			}
			if len(cfg.Rules) < 3 || len(cfg.Queues) != 5 {
				t.Errorf("sample has %d rules, %d queues", len(cfg.Rules), len(cfg.Queues))
			}
		})
	}
}

// TestLoadDotEnv verifies .env values fill unset variables only.
func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "ROUTER_TEST_A=from-file\nROUTER_TEST_B=from-file\n")
	t.Setenv("ROUTER_TEST_B", "preset")
	os.Unsetenv("ROUTER_TEST_A")
	t.Cleanup(func() { os.Unsetenv("ROUTER_TEST_A") })

	if err := LoadDotEnv(p); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("ROUTER_TEST_A"); got != "from-file" {
		t.Errorf("A = %q", got)
	}
	if got := os.Getenv("ROUTER_TEST_B"); got != "preset" {
		t.Errorf("B = %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored: %v", err)
	}
}
