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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/k3a/html2text"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/router/internal/metrics"
	"github.com/bcem/router/internal/models"
)

// GraphBaseURL is the Microsoft Graph v1.0 endpoint.
const GraphBaseURL = "https://graph.microsoft.com/v1.0"

// ErrMessageGone is returned when Graph reports the message no longer exists.
var ErrMessageGone = errors.New("graph message not found")

// GraphCredentials identify an app registration in one tenant.
type GraphCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// GraphClient returns an HTTP client that authenticates with the
// client-credentials flow against the tenant's token endpoint.
func GraphClient(ctx context.Context, c GraphCredentials) *http.Client {
	creds := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return creds.Client(ctx)
}

// GraphFetcher retrieves full messages from the Graph API.
type GraphFetcher struct {
	httpClient *http.Client
	baseURL    string
}

// NewGraphFetcher creates a fetcher. An empty baseURL uses GraphBaseURL.
func NewGraphFetcher(httpClient *http.Client, baseURL string) *GraphFetcher {
	if baseURL == "" {
		baseURL = GraphBaseURL
	}
	return &GraphFetcher{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// Message returns a Source for one mailbox message.
func (f *GraphFetcher) Message(userID, messageID string) Source {
	return &graphSource{fetcher: f, userID: userID, messageID: messageID}
}

// ListRecent returns sources for the newest messages in a mailbox.
func (f *GraphFetcher) ListRecent(ctx context.Context, userID string, top int) ([]Source, error) {
	if top <= 0 {
		top = 25
	}
	u := fmt.Sprintf("%s/users/%s/messages?$select=id&$orderby=receivedDateTime%%20desc&$top=%d",
		f.baseURL, url.PathEscape(userID), top)

	var page struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}
	if err := f.getJSON(ctx, u, &page); err != nil {
		return nil, err
	}
	out := make([]Source, 0, len(page.Value))
	for _, m := range page.Value {
		out = append(out, f.Message(userID, m.ID))
	}
	return out, nil
}

// FetchMessage retrieves the message and its attachment metadata.
func (f *GraphFetcher) FetchMessage(ctx context.Context, userID, messageID string) (*models.Email, error) {
	u := fmt.Sprintf("%s/users/%s/messages/%s?$select=id,internetMessageId,subject,from,toRecipients,ccRecipients,bccRecipients,body,internetMessageHeaders,hasAttachments,importance,receivedDateTime,sentDateTime",
		f.baseURL, url.PathEscape(userID), url.PathEscape(messageID))

	var msg graphMessage
	if err := f.getJSON(ctx, u, &msg); err != nil {
		return nil, err
	}

	var atts []graphAttachment
	if msg.HasAttachments {
		var page struct {
			Value []graphAttachment `json:"value"`
		}
		au := fmt.Sprintf("%s/users/%s/messages/%s/attachments?$select=name,contentType,size",
			f.baseURL, url.PathEscape(userID), url.PathEscape(messageID))
		if err := f.getJSON(ctx, au, &page); err != nil {
			slog.Warn("failed to list attachments",
				"user_id", userID,
				"message_id", messageID,
				"error", err,
			)
		} else {
			atts = page.Value
		}
	}

	return msg.toEmail(atts), nil
}

func (f *GraphFetcher) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrMessageGone
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("graph API returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

type graphSource struct {
	fetcher   *GraphFetcher
	userID    string
	messageID string
}

func (s *graphSource) Name() string { return "graph:" + s.userID + "/" + s.messageID }

func (s *graphSource) Read(ctx context.Context) (*models.Email, error) {
	metrics.IntakeReceived.WithLabelValues("graph").Inc()
	e, err := s.fetcher.FetchMessage(ctx, s.userID, s.messageID)
	if err != nil {
		return nil, parseErr(s.Name(), err)
	}
	return e, nil
}

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"emailAddress"`
}

// graphMessage holds the fields of a Graph message resource we route on.
type graphMessage struct {
	ID                string         `json:"id"`
	InternetMessageID string         `json:"internetMessageId"`
	Subject           string         `json:"subject"`
	From              graphAddress   `json:"from"`
	ToRecipients      []graphAddress `json:"toRecipients"`
	CcRecipients      []graphAddress `json:"ccRecipients"`
	BccRecipients     []graphAddress `json:"bccRecipients"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	InternetMessageHeaders []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
	HasAttachments   bool       `json:"hasAttachments"`
	Importance       string     `json:"importance"`
	ReceivedDateTime *time.Time `json:"receivedDateTime"`
	SentDateTime     *time.Time `json:"sentDateTime"`
}

type graphAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

func addresses(in []graphAddress) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a.EmailAddress.Address != "" {
			out = append(out, a.EmailAddress.Address)
		}
	}
	return out
}

func (m *graphMessage) toEmail(atts []graphAttachment) *models.Email {
	headers := make(map[string]string, len(m.InternetMessageHeaders))
	for _, h := range m.InternetMessageHeaders {
		if _, seen := headers[h.Name]; !seen {
			headers[h.Name] = h.Value
		}
	}

	e := &models.Email{
		MessageID:  m.InternetMessageID,
		Subject:    m.Subject,
		Sender:     m.From.EmailAddress.Address,
		Recipients: addresses(m.ToRecipients),
		CC:         addresses(m.CcRecipients),
		BCC:        addresses(m.BccRecipients),
		Headers:    headers,
	}
	if e.MessageID == "" {
		e.MessageID = m.ID
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		e.BodyHTML = m.Body.Content
		e.BodyText = html2text.HTML2Text(m.Body.Content)
	} else {
		e.BodyText = m.Body.Content
	}

	switch {
	case headerValue(headers, "X-Priority") != "":
		e.Priority = priorityFromValue(headerValue(headers, "X-Priority"))
	case strings.EqualFold(m.Importance, "high"):
		e.Priority = models.PriorityHigh
	case strings.EqualFold(m.Importance, "low"):
		e.Priority = models.PriorityLow
	}

	if m.ReceivedDateTime != nil {
		e.ReceivedDate = m.ReceivedDateTime.UTC()
	}
	if m.SentDateTime != nil {
		t := m.SentDateTime.UTC()
		e.SentDate = &t
	}

	for _, a := range atts {
		e.Attachments = append(e.Attachments, models.Attachment{
			Filename:    a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return e.Normalize()
}
