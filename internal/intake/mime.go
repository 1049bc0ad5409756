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
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/bcem/router/internal/models"
)

// DefaultMaxBytes caps the size of a raw message.
const DefaultMaxBytes = 25 << 20

// Parser converts raw RFC 5322 messages to Emails.
//
// Header values are kept exactly as received: RFC 2047 encoded-words in
// Subject, From and other headers are not decoded and reach rules in their
// encoded form.
type Parser struct {
	// MaxBytes rejects larger messages. Zero means DefaultMaxBytes.
	MaxBytes int64
	// Now stamps ReceivedDate. Nil means time.Now.
	Now func() time.Time
}

// DefaultParser is used by the Raw and File sources.
var DefaultParser = &Parser{}

var errEmptyMessage = errors.New("empty message")

// ParseBytes parses a complete message held in memory.
func (p *Parser) ParseBytes(data []byte) (*models.Email, error) {
	return p.Parse(bytes.NewReader(data))
}

// Parse reads and parses one message from r.
func (p *Parser) Parse(r io.Reader) (*models.Email, error) {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("message exceeds %d bytes", limit)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyMessage
	}

	ent, err := message.Read(bytes.NewReader(data))
	if err != nil {
		if ent == nil || !(message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)) {
			return nil, fmt.Errorf("read message header: %w", err)
		}
		slog.Debug("best-effort decode of message body", "error", err)
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	h := mail.Header{Header: ent.Header}
	email := &models.Email{
		MessageID:    strings.TrimSpace(h.Get("Message-Id")),
		Subject:      strings.TrimSpace(h.Get("Subject")),
		Sender:       firstAddress(h, "From"),
		Recipients:   addressList(h, "To"),
		CC:           addressList(h, "Cc"),
		BCC:          addressList(h, "Bcc"),
		Headers:      collectHeaders(ent.Header),
		ReceivedDate: now().UTC(),
		Priority:     priorityFromHeaders(h),
	}
	if sent, err := h.Date(); err == nil && !sent.IsZero() {
		sent = sent.UTC()
		email.SentDate = &sent
	}

	extractBody(ent, email)
	return email.Normalize(), nil
}

// collectHeaders keeps the first raw value of every header field.
func collectHeaders(h message.Header) map[string]string {
	out := make(map[string]string, h.Len())
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, seen := out[key]; seen {
			continue
		}
		out[key] = fields.Value()
	}
	return out
}

func firstAddress(h mail.Header, key string) string {
	if list, err := h.AddressList(key); err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(h.Get(key))
}

// addressList returns bare addresses, falling back to a comma split when the
// header does not parse as an address list. A missing header is empty.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	if list, err := h.AddressList(key); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}
	return splitAddresses(raw)
}

func splitAddresses(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// priorityFromHeaders reads X-Priority, Priority and Importance.
func priorityFromHeaders(h mail.Header) models.Priority {
	v := h.Get("X-Priority")
	if v == "" {
		v = h.Get("Priority")
	}
	if v == "" {
		v = h.Get("Importance")
	}
	return priorityFromValue(v)
}

func priorityFromValue(v string) models.Priority {
	v = strings.ToLower(strings.TrimSpace(v))
	switch {
	case v == "":
		return models.PriorityNormal
	case strings.Contains(v, "urgent"):
		return models.PriorityUrgent
	case strings.Contains(v, "high"), strings.HasPrefix(v, "1"), strings.HasPrefix(v, "2"):
		return models.PriorityHigh
	case strings.Contains(v, "low"), strings.HasPrefix(v, "4"), strings.HasPrefix(v, "5"):
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

// extractBody walks the MIME tree. The first text/plain part becomes the
// text body, the first text/html part the HTML body, and parts with a
// filename are recorded as attachments. With no text/plain part the text body
// is derived from the HTML.
func extractBody(ent *message.Entity, email *models.Email) {
	var plain, html *string

	err := ent.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				slog.Debug("best-effort decode of message part", "error", err)
			} else {
				return err
			}
		}

		mediaType, params, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if mediaType == "" {
			mediaType = "text/plain"
		}

		disposition, dparams, _ := part.Header.ContentDisposition()
		filename := dparams["filename"]
		if filename == "" {
			filename = params["name"]
		}

		content, rerr := io.ReadAll(part.Body)
		if rerr != nil && len(content) == 0 {
			slog.Debug("unreadable message part", "media_type", mediaType, "error", rerr)
		}

		if filename != "" || strings.EqualFold(disposition, "attachment") {
			email.Attachments = append(email.Attachments, models.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        int64(len(content)),
			})
			return nil
		}

		text := strings.ToValidUTF8(string(content), "\uFFFD")
		switch mediaType {
		case "text/plain":
			if plain == nil {
				plain = &text
			}
		case "text/html":
			if html == nil {
				html = &text
			}
		}
		return nil
	})
	if err != nil {
		// Keep whatever parts were read before the structure broke.
		slog.Debug("truncated MIME walk", "error", err)
	}

	if html != nil {
		email.BodyHTML = *html
	}
	switch {
	case plain != nil:
		email.BodyText = *plain
	case html != nil:
		email.BodyText = html2text.HTML2Text(*html)
	}
}
