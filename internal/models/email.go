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

// Package models defines the data structures shared across the routing service.
package models

import (
	"strings"
	"time"
)

// Priority is the sender-declared importance of an email.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps a free-form priority value onto a Priority.
// Unknown values map to PriorityNormal.
func ParsePriority(v string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(v))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Attachment represents a file attached to an email.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size_bytes"`
}

// Email is a normalised inbound message.
//
// Treat values as immutable once built: derived attributes are computed from
// the stored fields on every call and are never cached on the struct.
type Email struct {
	MessageID    string            `json:"message_id"`
	Subject      string            `json:"subject"`
	Sender       string            `json:"sender"`
	Recipients   []string          `json:"recipients"`
	CC           []string          `json:"cc_recipients"`
	BCC          []string          `json:"bcc_recipients"`
	BodyText     string            `json:"body_text"`
	BodyHTML     string            `json:"body_html,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Attachments  []Attachment      `json:"attachments"`
	ReceivedDate time.Time         `json:"received_date"`
	SentDate     *time.Time        `json:"sent_date,omitempty"`
	Priority     Priority          `json:"priority"`
}

// Normalize fills in defaults for missing optional fields. It returns the
// receiver so it can be chained on construction.
func (e *Email) Normalize() *Email {
	if e.Recipients == nil {
		e.Recipients = []string{}
	}
	if e.CC == nil {
		e.CC = []string{}
	}
	if e.BCC == nil {
		e.BCC = []string{}
	}
	if e.Headers == nil {
		e.Headers = map[string]string{}
	}
	if e.Attachments == nil {
		e.Attachments = []Attachment{}
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	} else {
		e.Priority = ParsePriority(string(e.Priority))
	}
	if e.ReceivedDate.IsZero() {
		e.ReceivedDate = time.Now().UTC()
	}
	return e
}

// SenderDomain returns the lower-cased text after the last '@' of the sender,
// or "" if the sender has no '@'.
func (e *Email) SenderDomain() string {
	i := strings.LastIndex(e.Sender, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimRight(e.Sender[i+1:], "> "))
}

// RecipientCount counts direct (To) recipients only.
func (e *Email) RecipientCount() int { return len(e.Recipients) }

func (e *Email) AttachmentCount() int { return len(e.Attachments) }

func (e *Email) HasAttachments() bool { return len(e.Attachments) > 0 }

// TotalAttachmentSize sums the declared attachment sizes in bytes.
func (e *Email) TotalAttachmentSize() int64 {
	var total int64
	for _, a := range e.Attachments {
		total += a.Size
	}
	return total
}

// AttachmentTypes returns the content types of all attachments, in order.
func (e *Email) AttachmentTypes() []string {
	types := make([]string, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		types = append(types, a.ContentType)
	}
	return types
}

// HasAttachmentType reports whether any attachment has the given content type
// (case-insensitive, parameters ignored).
func (e *Email) HasAttachmentType(contentType string) bool {
	want := strings.ToLower(strings.TrimSpace(contentType))
	for _, a := range e.Attachments {
		ct := strings.ToLower(a.ContentType)
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		if strings.TrimSpace(ct) == want {
			return true
		}
	}
	return false
}
