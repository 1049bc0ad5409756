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

// Package intake turns raw messages, files, database rows and Graph API
// messages into normalised models.Email values.
//
// Every adapter implements Source. A Source either yields an Email or fails
// with a *ParseError; nothing else is expected of it.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bcem/router/internal/metrics"
	"github.com/bcem/router/internal/models"
)

// Source produces one email.
type Source interface {
	// Name identifies the input in logs and results (file path, row id, ...).
	Name() string
	Read(ctx context.Context) (*models.Email, error)
}

// ParseError reports input that could not be turned into an Email.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func parseErr(source string, err error) error {
	if IsParseError(err) {
		return err
	}
	return &ParseError{Source: source, Err: err}
}

// rawSource parses a raw RFC 5322 message held in memory.
type rawSource struct {
	name   string
	data   []byte
	parser *Parser
}

// Raw returns a Source over an in-memory message.
func Raw(name string, data []byte) Source {
	return &rawSource{name: name, data: data, parser: DefaultParser}
}

func (s *rawSource) Name() string { return s.name }

func (s *rawSource) Read(context.Context) (*models.Email, error) {
	metrics.IntakeReceived.WithLabelValues("raw").Inc()
	e, err := s.parser.ParseBytes(s.data)
	if err != nil {
		return nil, parseErr(s.name, err)
	}
	return e, nil
}

// fileSource parses a message file. Files ending in .json are decoded as a
// serialised Email; anything else is parsed as MIME.
type fileSource struct {
	path   string
	parser *Parser
}

// File returns a Source over a message file.
func File(path string) Source {
	return &fileSource{path: path, parser: DefaultParser}
}

func (s *fileSource) Name() string { return s.path }

func (s *fileSource) Read(context.Context) (*models.Email, error) {
	metrics.IntakeReceived.WithLabelValues("file").Inc()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, parseErr(s.path, fmt.Errorf("read file: %w", err))
	}
	if strings.EqualFold(filepath.Ext(s.path), ".json") {
		e, err := DecodeJSON(data)
		if err != nil {
			return nil, parseErr(s.path, err)
		}
		return e, nil
	}
	e, err := s.parser.ParseBytes(data)
	if err != nil {
		return nil, parseErr(s.path, err)
	}
	return e, nil
}

// recordSource hands over an already-parsed email.
type recordSource struct {
	name  string
	email models.Email
}

// Record returns a Source that yields a copy of e, normalised.
func Record(name string, e models.Email) Source {
	return &recordSource{name: name, email: e}
}

func (s *recordSource) Name() string { return s.name }

func (s *recordSource) Read(context.Context) (*models.Email, error) {
	e := s.email
	return e.Normalize(), nil
}

// DecodeJSON decodes a serialised Email. A sender is required.
func DecodeJSON(data []byte) (*models.Email, error) {
	var e models.Email
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode email json: %w", err)
	}
	if strings.TrimSpace(e.Sender) == "" {
		return nil, errors.New("email json has no sender")
	}
	return e.Normalize(), nil
}

// DefaultPattern selects message files in a directory.
const DefaultPattern = "*.eml"

// Directory returns one File source per entry of dir matching pattern,
// sorted by path. An empty pattern means DefaultPattern.
func Directory(dir, pattern string) ([]Source, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)

	out := make([]Source, 0, len(matches))
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			out = append(out, File(m))
		}
	}
	return out, nil
}
