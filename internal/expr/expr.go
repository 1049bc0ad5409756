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

// Package expr compiles and evaluates routing conditions.
//
// A condition is a boolean expression over a fixed set of email attributes
// and helper functions, for example:
//
//	priority == 'urgent' or contains(subject, 'URGENT')
//	sender_domain in 'billing.example.com' and has_attachment_type('application/pdf')
//	attachment_count > 3 and not is_business_hours
//
// The grammar has no member access, indexing, assignment or loops, and name
// lookup only consults the tables in namespace.go. A compiled Program holds
// direct references to those table entries; evaluation never resolves names.
package expr

// Program is a compiled condition. It is immutable and safe for concurrent use.
type Program struct {
	root node
}

// Compile parses and type-checks src.
func Compile(src string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Program{root: root}, nil
}

// Validate reports whether src compiles.
func Validate(src string) error {
	_, err := parse(src)
	return err
}

// Eval runs the program against attrs.
func (p *Program) Eval(attrs *Attributes) (bool, error) {
	if attrs == nil {
		attrs = &Attributes{}
	}
	ev := &evaluator{attrs: attrs}
	v, err := ev.eval(p.root)
	if err != nil {
		return false, err
	}
	return v.b, nil
}

// Evaluate compiles and runs src in one step.
func Evaluate(src string, attrs *Attributes) (bool, error) {
	p, err := Compile(src)
	if err != nil {
		return false, err
	}
	return p.Eval(attrs)
}

// Matches is Evaluate with every failure reported as "does not match".
func Matches(src string, attrs *Attributes) bool {
	ok, err := Evaluate(src, attrs)
	return err == nil && ok
}
