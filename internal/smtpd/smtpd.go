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

// Package smtpd accepts mail over SMTP and routes each message as it
// arrives.
package smtpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/bcem/router/internal/intake"
	"github.com/bcem/router/internal/models"
	"github.com/bcem/router/internal/routing"
)

// Processor is satisfied by *routing.Orchestrator.
type Processor interface {
	Process(ctx context.Context, src intake.Source, dryRun bool) routing.Result
}

// Backend creates one Session per SMTP connection.
type Backend struct {
	proc     Processor
	maxBytes int64
	dryRun   bool
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	slog.Debug("smtp connection", "remote", remote)
	return &Session{backend: b, remote: remote}, nil
}

// Session holds the envelope of the message being received.
type Session struct {
	backend *Backend
	remote  string
	from    string
	to      []string
}

func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

// Data parses and routes the message. Unparseable input is rejected
// permanently; a failed dispatch asks the client to retry later.
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes+1))
	if err != nil {
		return fmt.Errorf("read message data: %w", err)
	}
	if int64(len(data)) > s.backend.maxBytes {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message too big",
		}
	}

	src := &envelopeSource{
		raw:  intake.Raw("smtp:"+s.remote, data),
		from: s.from,
		to:   append([]string(nil), s.to...),
	}
	res := s.backend.proc.Process(context.Background(), src, s.backend.dryRun)

	switch {
	case res.State == routing.StateErrored:
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	case !res.Success:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Routing failed, try again later",
		}
	}
	return nil
}

func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *Session) Logout() error { return nil }

// envelopeSource fills a missing From or To from the SMTP envelope.
type envelopeSource struct {
	raw  intake.Source
	from string
	to   []string
}

func (e *envelopeSource) Name() string { return e.raw.Name() }

func (e *envelopeSource) Read(ctx context.Context) (*models.Email, error) {
	email, err := e.raw.Read(ctx)
	if err != nil {
		return nil, err
	}
	if email.Sender == "" {
		email.Sender = e.from
	}
	if len(email.Recipients) == 0 && len(e.to) > 0 {
		email.Recipients = e.to
	}
	return email, nil
}

// Config configures the listener.
type Config struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	DryRun          bool
}

// Server is an SMTP listener that routes received mail.
type Server struct {
	srv *smtp.Server
}

// New creates a server. Call Serve to start it.
func New(cfg Config, proc Processor) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = intake.DefaultMaxBytes
	}
	be := &Backend{proc: proc, maxBytes: cfg.MaxMessageBytes, dryRun: cfg.DryRun}

	s := smtp.NewServer(be)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = 100
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	return &Server{srv: s}
}

// Serve binds the listener and accepts connections until ctx is
// cancelled. The returned channel is closed once the port is bound.
func (s *Server) Serve(ctx context.Context) (<-chan struct{}, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind smtp %s: %w", s.srv.Addr, err)
	}
	return s.serve(ctx, ln), nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) <-chan struct{} {
	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("smtp server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("smtp server listening", "addr", ln.Addr().String())
		close(ready)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			slog.Error("smtp server error", "error", err)
		}
	}()

	return ready
}
