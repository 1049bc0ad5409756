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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/bcem/router/internal/rules"
)

func sample() rawConfig {
	raw := rawConfig{
		Namespace:       "email_router",
		DefaultQueue:    "default",
		Workers:         4,
		DispatchTimeout: "10s",
		BusinessHours: BusinessHoursConfig{
			Timezone:  "UTC",
			StartHour: 9,
			EndHour:   17,
			Workdays:  []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		},
		KV:   KVConfig{Driver: "redis", RedisURL: "${REDIS_URL}", SQLitePath: "data/router.db"},
		Port: 8080,
		SMTP: SMTPConfig{Addr: "", Domain: "localhost", MaxMessageBytes: 25 << 20},
	}
	raw.Postgres.URL = "${DATABASE_URL}"
	raw.Postgres.Schema = "email_messages"
	raw.Postgres.PollInterval = "60s"
	raw.Postgres.BatchSize = 100

	for _, r := range rules.Samples() {
		enabled := r.Enabled
		raw.Rules = append(raw.Rules, rawRule{
			Name:        r.Name,
			Description: r.Description,
			Condition:   r.Condition,
			Action:      r.Action,
			Priority:    r.Priority,
			Enabled:     &enabled,
		})
	}
	raw.Queues = []rawQueue{
		{Name: "high_priority", Endpoint: "redis://email_high_priority", Description: "Urgent and after-hours mail", VisibilityTimeout: "30s", Retention: "96h"},
		{Name: "support", Endpoint: "redis://email_support", Description: "Customer support requests"},
		{Name: "billing", Endpoint: "redis://email_billing", Description: "Invoices and billing questions"},
		{Name: "sales", Endpoint: "https://crm.example.com/api/inbound", Description: "Sales inquiries"},
		{Name: "default", Endpoint: "redis://email_default", Description: "Everything else"},
	}
	return raw
}

// WriteSample writes an example configuration to path. A .toml extension
// selects TOML, anything else YAML. Existing files are not overwritten.
func WriteSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.NewEncoder(f).Encode(sample()); err != nil {
			return fmt.Errorf("encode sample TOML: %w", err)
		}
		return nil
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(sample()); err != nil {
		return fmt.Errorf("encode sample YAML: %w", err)
	}
	return enc.Close()
}
