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

// Package config loads configuration from config.yaml (or .toml) and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/queue"
	"github.com/bcem/router/internal/rules"
)

// DefaultPath is read when CONFIG_PATH is unset.
const DefaultPath = "/app/config/config.yaml"

// LoadError reports a configuration that cannot be used. It is fatal at startup.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// BusinessHoursConfig is the raw business-hours policy.
type BusinessHoursConfig struct {
	Timezone  string   `yaml:"timezone" toml:"timezone"`
	StartHour int      `yaml:"start_hour" toml:"start_hour"`
	EndHour   int      `yaml:"end_hour" toml:"end_hour"`
	Workdays  []string `yaml:"workdays" toml:"workdays"`
}

// KVConfig selects the key-value backend: redis, sqlite or memory.
type KVConfig struct {
	Driver     string `yaml:"driver" toml:"driver"`
	RedisURL   string `yaml:"redis_url" toml:"redis_url"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// PostgresConfig configures the stored-message intake and poller.
type PostgresConfig struct {
	URL          string        `yaml:"url" toml:"url"`
	Schema       string        `yaml:"schema" toml:"schema"`
	PollInterval time.Duration `yaml:"-" toml:"-"`
	BatchSize    int           `yaml:"batch_size" toml:"batch_size"`
}

// HTTPTransportConfig holds OAuth2 client credentials for http(s) queues.
type HTTPTransportConfig struct {
	TokenURL     string   `yaml:"token_url" toml:"token_url"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
}

// GraphConfig holds credentials for Microsoft Graph intake.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	// ClientState is compared against the clientState of change notifications.
	ClientState string `yaml:"client_state" toml:"client_state"`
}

// Enabled reports whether all credentials are present.
func (g GraphConfig) Enabled() bool {
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != ""
}

// SMTPConfig configures the SMTP intake listener. An empty Addr disables it.
type SMTPConfig struct {
	Addr            string `yaml:"addr" toml:"addr"`
	Domain          string `yaml:"domain" toml:"domain"`
	MaxMessageBytes int64  `yaml:"max_message_bytes" toml:"max_message_bytes"`
}

// Config holds all configuration for the routing service.
type Config struct {
	Path string

	Namespace       string
	DefaultQueue    string
	Workers         int
	DispatchTimeout time.Duration
	BusinessHours   BusinessHoursConfig
	Hours           models.BusinessHours

	KV            KVConfig
	Postgres      PostgresConfig
	HTTPTransport HTTPTransportConfig
	Graph         GraphConfig
	SMTP          SMTPConfig

	// Server
	Port int

	Rules  []rules.Rule
	Queues []queue.Queue
}

// rawRule keeps Enabled optional so omitted means enabled.
type rawRule struct {
	Name        string            `yaml:"name" toml:"name"`
	Description string            `yaml:"description,omitempty" toml:"description,omitempty"`
	Condition   string            `yaml:"condition" toml:"condition"`
	Action      string            `yaml:"action" toml:"action"`
	Priority    int               `yaml:"priority" toml:"priority"`
	Enabled     *bool             `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty" toml:"metadata,omitempty"`
}

type rawQueue struct {
	Name              string `yaml:"name" toml:"name"`
	Endpoint          string `yaml:"endpoint" toml:"endpoint"`
	Description       string `yaml:"description,omitempty" toml:"description,omitempty"`
	VisibilityTimeout string `yaml:"visibility_timeout,omitempty" toml:"visibility_timeout,omitempty"`
	Retention         string `yaml:"retention,omitempty" toml:"retention,omitempty"`
	MaxMessageSize    int    `yaml:"max_message_size,omitempty" toml:"max_message_size,omitempty"`
}

// rawConfig mirrors the file structure for unmarshalling.
type rawConfig struct {
	Namespace       string              `yaml:"namespace" toml:"namespace"`
	DefaultQueue    string              `yaml:"default_queue" toml:"default_queue"`
	Workers         int                 `yaml:"workers,omitempty" toml:"workers,omitempty"`
	DispatchTimeout string              `yaml:"dispatch_timeout,omitempty" toml:"dispatch_timeout,omitempty"`
	BusinessHours   BusinessHoursConfig `yaml:"business_hours" toml:"business_hours"`
	KV              KVConfig            `yaml:"kv" toml:"kv"`
	Postgres        struct {
		URL          string `yaml:"url" toml:"url"`
		Schema       string `yaml:"schema" toml:"schema"`
		PollInterval string `yaml:"poll_interval" toml:"poll_interval"`
		BatchSize    int    `yaml:"batch_size" toml:"batch_size"`
	} `yaml:"postgres" toml:"postgres"`
	HTTPTransport HTTPTransportConfig `yaml:"http_transport" toml:"http_transport"`
	Graph         GraphConfig         `yaml:"graph" toml:"graph"`
	SMTP          SMTPConfig          `yaml:"smtp" toml:"smtp"`
	Port          int                 `yaml:"port,omitempty" toml:"port,omitempty"`
	Rules         []rawRule           `yaml:"rules" toml:"rules"`
	Queues        []rawQueue          `yaml:"queues" toml:"queues"`
}

// LoadDotEnv reads a .env file into the environment when one exists.
// Variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from path, or from CONFIG_PATH when path is
// empty. A missing file at the default location is not an error: the
// service then runs on environment variables and built-in defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = envOrDefault("CONFIG_PATH", DefaultPath)
	}

	var raw rawConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Expand ${VAR} references in the file
		expanded := os.ExpandEnv(string(data))
		if err := decode(path, []byte(expanded), &raw); err != nil {
			return nil, &LoadError{Path: path, Err: err}
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		slog.Info("no config file, using environment", "path", path)
		path = ""
	default:
		return nil, &LoadError{Path: path, Err: err}
	}

	cfg, err := build(raw)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	cfg.Path = path
	return cfg, nil
}

func decode(path string, data []byte, raw *rawConfig) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), raw); err != nil {
			return fmt.Errorf("parse config TOML: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, raw); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}
	return nil
}

func build(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Namespace:     firstNonEmpty(raw.Namespace, envOrDefault("ROUTER_NAMESPACE", "email_router")),
		DefaultQueue:  firstNonEmpty(raw.DefaultQueue, envOrDefault("DEFAULT_QUEUE", "default")),
		Workers:       firstPositive(raw.Workers, envOrDefaultInt("WORKERS", 4)),
		BusinessHours: raw.BusinessHours,
		KV: KVConfig{
			Driver:     strings.ToLower(firstNonEmpty(raw.KV.Driver, envOrDefault("KV_DRIVER", "memory"))),
			RedisURL:   firstNonEmpty(raw.KV.RedisURL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
			SQLitePath: firstNonEmpty(raw.KV.SQLitePath, envOrDefault("SQLITE_PATH", "data/router.db")),
		},
		Postgres: PostgresConfig{
			URL:       firstNonEmpty(raw.Postgres.URL, os.Getenv("DATABASE_URL")),
			Schema:    firstNonEmpty(raw.Postgres.Schema, envOrDefault("DB_SCHEMA", "email_messages")),
			BatchSize: firstPositive(raw.Postgres.BatchSize, envOrDefaultInt("POLL_BATCH_SIZE", 100)),
		},
		HTTPTransport: HTTPTransportConfig{
			TokenURL:     firstNonEmpty(raw.HTTPTransport.TokenURL, os.Getenv("TRANSPORT_TOKEN_URL")),
			ClientID:     firstNonEmpty(raw.HTTPTransport.ClientID, os.Getenv("TRANSPORT_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.HTTPTransport.ClientSecret, os.Getenv("TRANSPORT_CLIENT_SECRET")),
			Scopes:       raw.HTTPTransport.Scopes,
		},
		Graph: GraphConfig{
			TenantID:     firstNonEmpty(raw.Graph.TenantID, os.Getenv("GRAPH_TENANT_ID")),
			ClientID:     firstNonEmpty(raw.Graph.ClientID, os.Getenv("GRAPH_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.Graph.ClientSecret, os.Getenv("GRAPH_CLIENT_SECRET")),
			ClientState:  firstNonEmpty(raw.Graph.ClientState, os.Getenv("GRAPH_CLIENT_STATE")),
		},
		SMTP: SMTPConfig{
			Addr:            firstNonEmpty(raw.SMTP.Addr, os.Getenv("SMTP_ADDR")),
			Domain:          firstNonEmpty(raw.SMTP.Domain, envOrDefault("SMTP_DOMAIN", "localhost")),
			MaxMessageBytes: raw.SMTP.MaxMessageBytes,
		},
		Port: firstPositive(raw.Port, envOrDefaultInt("PORT", 8080)),
	}
	if cfg.SMTP.MaxMessageBytes <= 0 {
		cfg.SMTP.MaxMessageBytes = 25 << 20
	}

	var err error
	if cfg.DispatchTimeout, err = durationOr(raw.DispatchTimeout, envOrDefaultDuration("DISPATCH_TIMEOUT", 10*time.Second)); err != nil {
		return nil, fmt.Errorf("dispatch_timeout: %w", err)
	}
	if cfg.Postgres.PollInterval, err = durationOr(raw.Postgres.PollInterval, envOrDefaultDuration("POLL_INTERVAL", 60*time.Second)); err != nil {
		return nil, fmt.Errorf("postgres.poll_interval: %w", err)
	}

	switch cfg.KV.Driver {
	case "redis", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("kv.driver %q: want redis, sqlite or memory", cfg.KV.Driver)
	}

	bh := raw.BusinessHours
	start, end := bh.StartHour, bh.EndHour
	if start == 0 && end == 0 {
		start, end = 9, 17
	}
	cfg.Hours, err = models.NewBusinessHours(bh.Timezone, start, end, bh.Workdays)
	if err != nil {
		return nil, fmt.Errorf("business_hours: %w", err)
	}

	seen := map[string]bool{}
	for _, rr := range raw.Rules {
		r := rules.Rule{
			Name:        rr.Name,
			Description: rr.Description,
			Condition:   rr.Condition,
			Action:      rr.Action,
			Priority:    rr.Priority,
			Enabled:     rr.Enabled == nil || *rr.Enabled,
			Metadata:    rr.Metadata,
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		cfg.Rules = append(cfg.Rules, r)
	}

	seen = map[string]bool{}
	for _, rq := range raw.Queues {
		if strings.TrimSpace(rq.Name) == "" || strings.TrimSpace(rq.Endpoint) == "" {
			return nil, fmt.Errorf("queue %q needs a name and an endpoint", rq.Name)
		}
		if seen[rq.Name] {
			return nil, fmt.Errorf("duplicate queue %q", rq.Name)
		}
		seen[rq.Name] = true
		q := queue.Queue{
			Name:           rq.Name,
			Endpoint:       rq.Endpoint,
			Description:    rq.Description,
			MaxMessageSize: rq.MaxMessageSize,
		}
		if q.VisibilityTimeout, err = durationOr(rq.VisibilityTimeout, 0); err != nil {
			return nil, fmt.Errorf("queue %q visibility_timeout: %w", rq.Name, err)
		}
		if q.Retention, err = durationOr(rq.Retention, 0); err != nil {
			return nil, fmt.Errorf("queue %q retention: %w", rq.Name, err)
		}
		cfg.Queues = append(cfg.Queues, q)
	}

	return cfg, nil
}

func durationOr(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
