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
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/router/internal/models"
)

var fixedNow = time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

func testParser() *Parser {
	return &Parser{Now: func() time.Time { return fixedNow }}
}

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const plainMessage = `From: Admin <admin@company.com>
To: ops@company.com, "Dev Team" <dev@company.com>
Cc: boss@company.com
Subject: URGENT: Server down
Message-ID: <abc@company.com>
Date: Wed, 04 Mar 2026 09:30:00 -0500
X-Priority: 1 (Highest)
Content-Type: text/plain; charset=utf-8

The server is down.
`

// TestParse_Plain verifies header extraction for a single-part message.
func TestParse_Plain(t *testing.T) {
	e, err := testParser().ParseBytes(crlf(plainMessage))
	require.NoError(t, err)

	assert.Equal(t, "<abc@company.com>", e.MessageID)
	assert.Equal(t, "URGENT: Server down", e.Subject)
	assert.Equal(t, "admin@company.com", e.Sender)
	assert.Equal(t, "company.com", e.SenderDomain())
	assert.Equal(t, []string{"ops@company.com", "dev@company.com"}, e.Recipients)
	assert.Equal(t, []string{"boss@company.com"}, e.CC)
	assert.Empty(t, e.BCC)
	assert.Equal(t, models.PriorityHigh, e.Priority)
	assert.Contains(t, e.BodyText, "The server is down.")
	assert.Equal(t, fixedNow, e.ReceivedDate)
	require.NotNil(t, e.SentDate)
	assert.Equal(t, time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC), *e.SentDate)
	assert.Equal(t, "1 (Highest)", e.Headers["X-Priority"])
}

// TestParse_MissingRecipients verifies that absent To/Cc headers give empty
// lists rather than an error.
func TestParse_MissingRecipients(t *testing.T) {
	e, err := testParser().ParseBytes(crlf("From: a@b.com\nSubject: hi\n\nbody\n"))
	require.NoError(t, err)
	assert.NotNil(t, e.Recipients)
	assert.Empty(t, e.Recipients)
	assert.Empty(t, e.CC)
	assert.Equal(t, 0, e.RecipientCount())
	assert.Equal(t, models.PriorityNormal, e.Priority)
}

const multipartMessage = `From: c@x.com
To: support@company.com
Subject: Need help with order
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/html; charset=utf-8

<p>HTML version</p>
--inner
Content-Type: text/plain; charset=utf-8

Plain version
--inner--
--outer
Content-Type: application/pdf; name="invoice.pdf"
Content-Disposition: attachment; filename="invoice.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer--
`

// TestParse_Multipart verifies plain-part preference and attachment metadata.
func TestParse_Multipart(t *testing.T) {
	e, err := testParser().ParseBytes(crlf(multipartMessage))
	require.NoError(t, err)

	assert.Equal(t, "Plain version", strings.TrimSpace(e.BodyText))
	assert.Contains(t, e.BodyHTML, "HTML version")
	require.Len(t, e.Attachments, 1)
	assert.Equal(t, "invoice.pdf", e.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", e.Attachments[0].ContentType)
	assert.Equal(t, int64(9), e.Attachments[0].Size) // "%PDF-1.4\n"
	assert.True(t, e.HasAttachmentType("application/pdf"))
}

// TestParse_HTMLOnly verifies the text body falls back to converted HTML.
func TestParse_HTMLOnly(t *testing.T) {
	msg := "From: a@b.com\nSubject: html\nContent-Type: multipart/alternative; boundary=b\n\n" +
		"--b\nContent-Type: text/html\n\n<html><body><b>Hello</b> there</body></html>\n--b--\n"
	e, err := testParser().ParseBytes(crlf(msg))
	require.NoError(t, err)
	assert.Contains(t, e.BodyText, "Hello")
	assert.NotContains(t, e.BodyText, "<b>")
}

// TestParse_EncodedWordsUntouched verifies RFC 2047 subjects reach rules in
// their encoded form.
func TestParse_EncodedWordsUntouched(t *testing.T) {
	e, err := testParser().ParseBytes(crlf("From: a@b.com\nSubject: =?UTF-8?B?SGVsbG8=?=\n\nx\n"))
	require.NoError(t, err)
	assert.Equal(t, "=?UTF-8?B?SGVsbG8=?=", e.Subject)
}

// TestParse_InvalidBytes verifies undecodable bytes are substituted.
func TestParse_InvalidBytes(t *testing.T) {
	raw := append(crlf("From: a@b.com\nSubject: bytes\nContent-Type: text/plain; charset=utf-8\n\nok "), 0xff, 0xfe, '\r', '\n')
	e, err := testParser().ParseBytes(raw)
	require.NoError(t, err)
	assert.Contains(t, e.BodyText, "ok \uFFFD")
}

// TestParse_Rejects verifies empty and oversized inputs are parse failures.
func TestParse_Rejects(t *testing.T) {
	_, err := testParser().ParseBytes([]byte("  \r\n"))
	assert.Error(t, err)

	small := &Parser{MaxBytes: 16}
	_, err = small.ParseBytes(crlf(plainMessage))
	assert.ErrorContains(t, err, "exceeds")
}

// TestPriorityFromValue pins the header value mapping.
func TestPriorityFromValue(t *testing.T) {
	cases := map[string]models.Priority{
		"":           models.PriorityNormal,
		"1":          models.PriorityHigh,
		"2 (High)":   models.PriorityHigh,
		"3":          models.PriorityNormal,
		"5 (Lowest)": models.PriorityLow,
		"urgent":     models.PriorityUrgent,
		"High":       models.PriorityHigh,
		"bulk":       models.PriorityNormal,
	}
	for in, want := range cases {
		assert.Equal(t, want, priorityFromValue(in), in)
	}
}

// TestSources_RawAndRecord verifies the in-memory sources.
func TestSources_RawAndRecord(t *testing.T) {
	ctx := context.Background()

	e, err := Raw("inline", crlf(plainMessage)).Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin@company.com", e.Sender)

	_, err = Raw("broken", []byte("")).Read(ctx)
	require.Error(t, err)
	assert.True(t, IsParseError(err))
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "broken", pe.Source)

	rec := Record("rec", models.Email{Subject: "s", Sender: "a@b.com", Priority: "URGENT"})
	e, err = rec.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, e.Priority)
	assert.NotNil(t, e.Headers)
	assert.Equal(t, "rec", rec.Name())
}

// TestSources_FileAndDirectory verifies file parsing by extension and
// directory listing order.
func TestSources_FileAndDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.eml"), crlf(plainMessage), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.eml"), crlf(multipartMessage), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"),
		[]byte(`{"subject":"Newsletter","sender":"noreply@x.com","priority":"low"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"subject":"no sender"}`), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.eml"), 0o755))

	sources, err := Directory(dir, "")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, filepath.Join(dir, "a.eml"), sources[0].Name())

	ctx := context.Background()
	e, err := File(filepath.Join(dir, "c.json")).Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Newsletter", e.Subject)
	assert.Equal(t, models.PriorityLow, e.Priority)
	assert.NotNil(t, e.Recipients)

	_, err = File(filepath.Join(dir, "bad.json")).Read(ctx)
	assert.True(t, IsParseError(err))

	_, err = File(filepath.Join(dir, "missing.eml")).Read(ctx)
	assert.True(t, IsParseError(err))

	_, err = Directory(filepath.Join(dir, "b.eml"), "")
	assert.Error(t, err)
}

func strp(s string) *string { return &s }

// TestRow_Read verifies mapping of a joined database row.
func TestRow_Read(t *testing.T) {
	received := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	yes := true
	row := &Row{
		EmID:          7,
		Headers:       []byte(`{"to":"a@company.com, b@company.com","Cc":"c@company.com","Date":"Mon, 02 Mar 2026 07:59:00 +0000","X-Priority":"1"}`),
		FromAddress:   strp("billing@vendor.com"),
		Subject:       strp("Invoice 42"),
		Body:          strp("Please pay"),
		TimeReceived:  &received,
		HasAttachment: &yes,
	}

	e, err := row.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<db-7@localhost>", e.MessageID)
	assert.Equal(t, "vendor.com", e.SenderDomain())
	assert.Equal(t, []string{"a@company.com", "b@company.com"}, e.Recipients)
	assert.Equal(t, []string{"c@company.com"}, e.CC)
	assert.Equal(t, received, e.ReceivedDate)
	require.NotNil(t, e.SentDate)
	assert.Equal(t, models.PriorityHigh, e.Priority)
	assert.Equal(t, "true", e.Headers["X-Has-Attachment"])
	assert.Equal(t, "em_id:7", row.Name())
}

// TestRow_RecipientsFromJSONObject verifies the json_object fallback and
// the list-style header encoding.
func TestRow_RecipientsFromJSONObject(t *testing.T) {
	row := &Row{
		EmID:        8,
		Headers:     []byte(`[{"name":"Subject","value":"x"}]`),
		JSONObject:  []byte(`{"to":["x@y.com","z@y.com"],"cc":"w@y.com"}`),
		FromAddress: strp("s@y.com"),
	}
	e, err := row.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x@y.com", "z@y.com"}, e.Recipients)
	assert.Equal(t, []string{"w@y.com"}, e.CC)
	assert.Equal(t, "x", e.Headers["Subject"])
}

// TestRow_NoSender verifies a row without a from_address still maps to an
// email, with the sender left empty for rules to match on.
func TestRow_NoSender(t *testing.T) {
	row := &Row{
		EmID:    9,
		Headers: []byte(`{"To":"help@company.com"}`),
		Subject: strp("Need help"),
	}
	e, err := row.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, IsParseError(err))
	assert.Empty(t, e.Sender)
	assert.Empty(t, e.SenderDomain())
	assert.Equal(t, "Need help", e.Subject)
	assert.Equal(t, []string{"help@company.com"}, e.Recipients)

	blank := &Row{EmID: 10, FromAddress: strp("   ")}
	e, err = blank.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, e.Sender)
}

// TestNewPostgres_SchemaValidation verifies only plain identifiers are
// accepted as schema names.
func TestNewPostgres_SchemaValidation(t *testing.T) {
	p, err := NewPostgres(nil, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultSchema, p.Schema())
	assert.Contains(t, p.query, `"email_messages"."email_gmail"`)

	for _, bad := range []string{"public; DROP TABLE x", "a.b", `a"b`, "sch ema"} {
		_, err := NewPostgres(nil, bad)
		assert.Error(t, err, bad)
	}
}

// TestGraphFetcher verifies message and attachment retrieval.
func TestGraphFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages/m1/attachments"):
			w.Write([]byte(`{"value":[{"name":"a.pdf","contentType":"application/pdf","size":2048}]}`))
		case strings.HasSuffix(r.URL.Path, "/messages/m1"):
			w.Write([]byte(`{
				"id":"m1",
				"internetMessageId":"<m1@x>",
				"subject":"Quote request",
				"from":{"emailAddress":{"address":"buyer@client.com","name":"Buyer"}},
				"toRecipients":[{"emailAddress":{"address":"sales@company.com"}}],
				"body":{"contentType":"html","content":"<p>pricing please</p>"},
				"hasAttachments":true,
				"importance":"high",
				"receivedDateTime":"2026-03-04T10:00:00Z"
			}`))
		case strings.HasSuffix(r.URL.Path, "/messages"):
			w.Write([]byte(`{"value":[{"id":"m1"},{"id":"m2"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewGraphFetcher(srv.Client(), srv.URL)
	ctx := context.Background()

	sources, err := f.ListRecent(ctx, "user@company.com", 10)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	e, err := sources[0].Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<m1@x>", e.MessageID)
	assert.Equal(t, "buyer@client.com", e.Sender)
	assert.Equal(t, models.PriorityHigh, e.Priority)
	assert.Contains(t, e.BodyText, "pricing please")
	assert.Equal(t, int64(2048), e.TotalAttachmentSize())
	assert.Equal(t, time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), e.ReceivedDate)

	_, err = sources[1].Read(ctx)
	assert.True(t, IsParseError(err))
	assert.ErrorIs(t, err, ErrMessageGone)
}
