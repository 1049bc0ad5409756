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

package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bcem/router/internal/metrics"
	"github.com/bcem/router/internal/models"
)

// DefaultSchema holds the email_gmail and email_message_general tables.
const DefaultSchema = "email_messages"

var schemaPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Querier is the subset of *pgxpool.Pool used by Postgres.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Postgres reads stored messages from the email_gmail table joined with
// email_message_general.
type Postgres struct {
	db     Querier
	schema string
	query  string
}

// NewPostgres creates a row intake over schema. The schema name must be a
// plain identifier.
func NewPostgres(db Querier, schema string) (*Postgres, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !schemaPattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q: only letters, digits and underscores are allowed", schema)
	}
	gmail := pgx.Identifier{schema, "email_gmail"}.Sanitize()
	general := pgx.Identifier{schema, "email_message_general"}.Sanitize()

	return &Postgres{
		db:     db,
		schema: schema,
		query: `
			SELECT g.em_id, g.headers, g.gmail_api_thread_id, g.gmail_api_id, g.json_object,
			       m.email_client, m.email_id, m.email_message_id, m.has_attachment,
			       m.from_name, m.from_address, m.time_received, m.subject, m.body
			FROM ` + gmail + ` g
			INNER JOIN ` + general + ` m ON g.em_id = m.em_id`,
	}, nil
}

func (p *Postgres) Schema() string { return p.schema }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

// FetchByEmailID returns the rows belonging to one email_id.
func (p *Postgres) FetchByEmailID(ctx context.Context, emailID int64) ([]*Row, error) {
	return p.fetch(ctx, p.query+` WHERE m.email_id = $1 ORDER BY g.em_id`, emailID)
}

// FetchAll returns up to limit rows ordered by em_id. limit <= 0 means no limit.
func (p *Postgres) FetchAll(ctx context.Context, limit int) ([]*Row, error) {
	if limit > 0 {
		return p.fetch(ctx, p.query+` ORDER BY g.em_id LIMIT $1`, limit)
	}
	return p.fetch(ctx, p.query+` ORDER BY g.em_id`)
}

// FetchAfter returns up to limit rows with em_id greater than after.
func (p *Postgres) FetchAfter(ctx context.Context, after int64, limit int) ([]*Row, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.fetch(ctx, p.query+` WHERE g.em_id > $1 ORDER BY g.em_id LIMIT $2`, after, limit)
}

func (p *Postgres) fetch(ctx context.Context, sql string, args ...any) ([]*Row, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query emails: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

// Row is one joined email record. It is a Source: mapping happens on Read.
type Row struct {
	EmID           int64
	Headers        []byte
	ThreadID       *string
	GmailID        *string
	JSONObject     []byte
	EmailClient    *string
	EmailID        *int64
	EmailMessageID *string
	HasAttachment  *bool
	FromName       *string
	FromAddress    *string
	TimeReceived   *time.Time
	Subject        *string
	Body           *string
}

func collectRows(rows pgx.Rows) ([]*Row, error) {
	var out []*Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(
			&r.EmID, &r.Headers, &r.ThreadID, &r.GmailID, &r.JSONObject,
			&r.EmailClient, &r.EmailID, &r.EmailMessageID, &r.HasAttachment,
			&r.FromName, &r.FromAddress, &r.TimeReceived, &r.Subject, &r.Body,
		); err != nil {
			return nil, fmt.Errorf("scan email row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (r *Row) Name() string { return "em_id:" + strconv.FormatInt(r.EmID, 10) }

// Read maps the row to an Email.
//
// Recipients come from the To/Cc/Bcc headers, or from the json_object
// when the headers carry none. Attachment bodies are not stored in these
// tables, so has_attachment is recorded in the headers only.
func (r *Row) Read(context.Context) (*models.Email, error) {
	metrics.IntakeReceived.WithLabelValues("postgres").Inc()

	headers := map[string]string{}
	if len(r.Headers) > 0 {
		if err := decodeHeaders(r.Headers, headers); err != nil {
			slog.Warn("failed to decode row headers", "em_id", r.EmID, "error", err)
		}
	}

	e := &models.Email{
		MessageID: deref(r.EmailMessageID),
		Subject:   deref(r.Subject),
		Sender:    strings.TrimSpace(deref(r.FromAddress)),
		BodyText:  strings.ToValidUTF8(deref(r.Body), "\uFFFD"),
		Headers:   headers,
		Priority:  models.PriorityNormal,
	}
	if e.MessageID == "" {
		e.MessageID = fmt.Sprintf("<db-%d@localhost>", r.EmID)
	}
	if r.TimeReceived != nil {
		e.ReceivedDate = r.TimeReceived.UTC()
	}
	if r.HasAttachment != nil && *r.HasAttachment {
		headers["X-Has-Attachment"] = "true"
	}

	e.Recipients = splitAddresses(headerValue(headers, "To"))
	e.CC = splitAddresses(headerValue(headers, "Cc"))
	e.BCC = splitAddresses(headerValue(headers, "Bcc"))
	if date := headerValue(headers, "Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			t = t.UTC()
			e.SentDate = &t
		}
	}
	if p := headerValue(headers, "X-Priority"); p != "" {
		e.Priority = priorityFromValue(p)
	}

	if len(e.Recipients) == 0 && len(r.JSONObject) > 0 {
		to, cc, bcc, err := recipientsFromJSON(r.JSONObject)
		if err != nil {
			slog.Debug("no recipients in json_object", "em_id", r.EmID, "error", err)
		} else {
			e.Recipients, e.CC, e.BCC = to, cc, bcc
		}
	}

	return e.Normalize(), nil
}

// decodeHeaders accepts either an object or a list of {name, value} pairs.
func decodeHeaders(raw []byte, out map[string]string) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for k, v := range obj {
			out[k] = stringify(v)
		}
		return nil
	}
	var list []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	for _, h := range list {
		if _, seen := out[h.Name]; !seen {
			out[h.Name] = h.Value
		}
	}
	return nil
}

// headerValue looks a header up case-insensitively.
func headerValue(h map[string]string, key string) string {
	if v, ok := h[key]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func recipientsFromJSON(raw []byte) (to, cc, bcc []string, err error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, nil, err
	}
	return addressField(obj["to"]), addressField(obj["cc"]), addressField(obj["bcc"]), nil
}

func addressField(v any) []string {
	switch t := v.(type) {
	case string:
		return splitAddresses(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := strings.TrimSpace(stringify(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
