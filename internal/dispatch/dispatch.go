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

// Package dispatch hands routed emails to the transport that serves their
// destination queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bcem/router/internal/metrics"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/queue"
)

// DryRunMessageID is the message id reported for dry-run dispatches.
const DryRunMessageID = "DRY_RUN"

// MessageType tags every envelope.
const MessageType = "email_routing"

// DefaultTimeout bounds one transport call when none is configured.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTransport wraps failures reported by a transport.
	ErrTransport = errors.New("transport failure")
	// ErrTimeout is returned when a transport call exceeds its deadline.
	ErrTimeout = errors.New("dispatch timed out")
)

// Reason classifies a dispatch failure.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonUnknownQueue Reason = "unknown_queue"
	ReasonTransport    Reason = "transport"
	ReasonTimeout      Reason = "timeout"
	ReasonEncode       Reason = "encode"
)

// Outcome is the result of one dispatch. Err is nil on success.
type Outcome struct {
	Success   bool
	MessageID string
	Reason    Reason
	Err       error
}

// Meta is the routing decision carried in the envelope.
type Meta struct {
	Queue    string `json:"queue_name"`
	Rule     string `json:"rule_name,omitempty"`
	Matched  bool   `json:"matched"`
	Priority int    `json:"rule_priority,omitempty"`
}

// Envelope is the JSON document handed to transports.
type Envelope struct {
	ID          string            `json:"envelope_id"`
	Email       *models.Email     `json:"email_data"`
	Routing     Meta              `json:"routing"`
	Attributes  map[string]string `json:"attributes"`
	Timestamp   time.Time         `json:"timestamp"`
	MessageType string            `json:"message_type"`
}

const maxAttributeSubject = 256

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NewEnvelope builds the envelope for email. The timestamp is the email's
// received date.
func NewEnvelope(email *models.Email, meta Meta) Envelope {
	subject := email.Subject
	if len(subject) > maxAttributeSubject {
		subject = truncateRunes(subject, maxAttributeSubject)
	}
	domain := email.SenderDomain()
	if domain == "" {
		domain = "unknown"
	}
	return Envelope{
		ID:      uuid.New().String(),
		Email:   email,
		Routing: meta,
		Attributes: map[string]string{
			"sender":           email.Sender,
			"sender_domain":    domain,
			"priority":         string(email.Priority),
			"subject":          subject,
			"has_attachments":  strconv.FormatBool(email.HasAttachments()),
			"attachment_count": strconv.Itoa(email.AttachmentCount()),
			"recipient_count":  strconv.Itoa(email.RecipientCount()),
		},
		Timestamp:   email.ReceivedDate,
		MessageType: MessageType,
	}
}

// Dispatcher resolves a queue name and calls its transport.
type Dispatcher struct {
	registry  *queue.Registry
	transport Transport
	timeout   time.Duration
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Registry  *queue.Registry
	Transport Transport
	Timeout   time.Duration
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = queue.NewRegistry()
	}
	return &Dispatcher{registry: cfg.Registry, transport: cfg.Transport, timeout: cfg.Timeout}
}

// Registry returns the queue registry the dispatcher consults.
func (d *Dispatcher) Registry() *queue.Registry { return d.registry }

// Dispatch delivers email to queueName. With dryRun set no lookup or
// transport call is made and a synthetic success is returned. Failures are
// reported in the Outcome; Dispatch never panics on transport errors.
func (d *Dispatcher) Dispatch(ctx context.Context, email *models.Email, queueName string, meta Meta, dryRun bool) Outcome {
	if dryRun {
		return Outcome{Success: true, MessageID: DryRunMessageID}
	}

	q, err := d.registry.Get(queueName)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(queueName, string(ReasonUnknownQueue)).Inc()
		return Outcome{Reason: ReasonUnknownQueue, Err: err}
	}
	if d.transport == nil {
		err := fmt.Errorf("%w: no transport configured", ErrTransport)
		metrics.DispatchTotal.WithLabelValues(queueName, string(ReasonTransport)).Inc()
		return Outcome{Reason: ReasonTransport, Err: err}
	}

	meta.Queue = queueName
	body, err := json.Marshal(NewEnvelope(email, meta))
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(queueName, string(ReasonEncode)).Inc()
		return Outcome{Reason: ReasonEncode, Err: fmt.Errorf("encode envelope: %w", err)}
	}

	out := d.send(ctx, q, body)
	reason := string(out.Reason)
	if out.Success {
		reason = "ok"
	}
	metrics.DispatchTotal.WithLabelValues(queueName, reason).Inc()
	return out
}

func (d *Dispatcher) send(ctx context.Context, q queue.Queue, body []byte) (out Outcome) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("transport panicked", "queue", q.Name, "panic", r)
			out = Outcome{Reason: ReasonTransport, Err: fmt.Errorf("%w: panic: %v", ErrTransport, r)}
		}
	}()

	start := time.Now()
	id, err := d.transport.Send(ctx, q, body)
	metrics.DispatchDuration.WithLabelValues(q.Scheme()).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Reason: ReasonTimeout, Err: fmt.Errorf("%w after %s: %w", ErrTimeout, d.timeout, err)}
		}
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return Outcome{Reason: ReasonTransport, Err: err}
	}
	return Outcome{Success: true, MessageID: id}
}

// Ping checks the transport when it supports health checks.
func (d *Dispatcher) Ping(ctx context.Context) error {
	if p, ok := d.transport.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
