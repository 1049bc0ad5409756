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
	"errors"
	"fmt"
)

// ErrEvaluation matches every *Error via errors.Is.
var ErrEvaluation = errors.New("condition evaluation failed")

// ErrorKind classifies a compile or evaluation failure.
type ErrorKind string

const (
	KindSyntax      ErrorKind = "syntax"
	KindUnknownName ErrorKind = "unknown_name"
	KindType        ErrorKind = "type_mismatch"
	KindArity       ErrorKind = "arity"
	KindTooLong     ErrorKind = "too_long"
	KindTooDeep     ErrorKind = "too_deep"
	KindDivision    ErrorKind = "division_by_zero"
	KindBudget      ErrorKind = "budget_exceeded"
	KindLimit       ErrorKind = "value_too_large"
)

// Error is a compile or evaluation failure. Its message is built only from
// fixed text and a byte offset, so it never carries condition source into logs.
type Error struct {
	Kind ErrorKind
	Pos  int
	msg  string
}

func newError(kind ErrorKind, pos int, msg string) *Error {
	return &Error{Kind: kind, Pos: pos, msg: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", e.Kind, e.Pos, e.msg)
}

func (e *Error) Is(target error) bool {
	return target == ErrEvaluation
}
