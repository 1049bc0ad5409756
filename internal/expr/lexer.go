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

package expr

import (
	"strconv"
	"strings"
)

type tokenType uint8

const (
	tokEOF tokenType = iota
	tokIdent
	tokString
	tokInt
	tokLParen
	tokRParen
	tokComma
	tokOp
)

func (t tokenType) String() string {
	switch t {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string literal"
	case tokInt:
		return "integer literal"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	default:
		return "operator"
	}
}

type token struct {
	typ tokenType
	pos int
	// text holds the identifier, the operator, or the decoded string literal.
	text string
	num  int64
}

// operators lists every multi- and single-character operator, longest first.
var operators = []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "+", "-", "*", "/", "%", "!"}

// lex splits src into tokens. It rejects any character outside the grammar,
// which is how '.', '[', '=', ';' and friends are kept out.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{typ: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{typ: tokRParen, pos: i})
			i++
		case c == ',':
			toks = append(toks, token{typ: tokComma, pos: i})
			i++
		case c == '\'' || c == '"':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{typ: tokString, pos: i, text: s})
			i += n
		case isDigit(c):
			start := i
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			if i < len(src) && isIdentChar(src[i]) {
				return nil, newError(KindSyntax, i, "malformed number")
			}
			n, err := strconv.ParseInt(src[start:i], 10, 64)
			if err != nil {
				return nil, newError(KindSyntax, start, "integer out of range")
			}
			toks = append(toks, token{typ: tokInt, pos: start, num: n})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentChar(src[i]) {
				i++
			}
			toks = append(toks, token{typ: tokIdent, pos: start, text: src[start:i]})
		default:
			op := matchOperator(src[i:])
			if op == "" {
				return nil, newError(KindSyntax, i, "unexpected character")
			}
			toks = append(toks, token{typ: tokOp, pos: i, text: op})
			i += len(op)
		}
	}
	toks = append(toks, token{typ: tokEOF, pos: len(src)})
	return toks, nil
}

func matchOperator(s string) string {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

// lexString decodes a quoted literal starting at src[start]. It returns the
// decoded text and the number of source bytes consumed.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i - start + 1, nil
		case c == '\\':
			if i+1 >= len(src) {
				return "", 0, newError(KindSyntax, start, "unterminated string")
			}
			switch src[i+1] {
			case '\\', '\'', '"':
				b.WriteByte(src[i+1])
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				return "", 0, newError(KindSyntax, i, "invalid escape sequence")
			}
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, newError(KindSyntax, start, "unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool { return isIdentStart(c) || isDigit(c) }
