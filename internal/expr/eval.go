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

import "strings"

const (
	// maxSteps bounds node visits per evaluation.
	maxSteps = 10_000

	// maxStringLen bounds the result of string concatenation.
	maxStringLen = 4 << 20
)

type evaluator struct {
	attrs *Attributes
	steps int
}

func (ev *evaluator) eval(n node) (value, error) {
	ev.steps++
	if ev.steps > maxSteps {
		return value{}, newError(KindBudget, 0, "evaluation step budget exceeded")
	}

	switch n := n.(type) {
	case *literal:
		return n.v, nil
	case *attrRef:
		return n.attr.get(ev.attrs), nil
	case *unaryOp:
		x, err := ev.eval(n.x)
		if err != nil {
			return value{}, err
		}
		if n.op == "not" {
			return boolValue(!x.b), nil
		}
		return intValue(-x.i), nil
	case *callExpr:
		args := make([]value, len(n.args))
		for i, a := range n.args {
			v, err := ev.eval(a)
			if err != nil {
				return value{}, err
			}
			args[i] = v
		}
		return n.fn.call(ev.attrs, args), nil
	case *binaryOp:
		return ev.evalBinary(n)
	default:
		return value{}, newError(KindSyntax, 0, "unsupported node")
	}
}

func (ev *evaluator) evalBinary(n *binaryOp) (value, error) {
	l, err := ev.eval(n.l)
	if err != nil {
		return value{}, err
	}

	// Short-circuit before touching the right operand.
	switch n.op {
	case "and":
		if !l.b {
			return boolValue(false), nil
		}
		r, err := ev.eval(n.r)
		if err != nil {
			return value{}, err
		}
		return boolValue(r.b), nil
	case "or":
		if l.b {
			return boolValue(true), nil
		}
		r, err := ev.eval(n.r)
		if err != nil {
			return value{}, err
		}
		return boolValue(r.b), nil
	}

	r, err := ev.eval(n.r)
	if err != nil {
		return value{}, err
	}

	switch n.op {
	case "==":
		return boolValue(equal(l, r)), nil
	case "!=":
		return boolValue(!equal(l, r)), nil
	case "<", "<=", ">", ">=":
		return boolValue(order(n.op, l, r)), nil
	case "in":
		return boolValue(strings.Contains(r.s, l.s)), nil
	case "not in":
		return boolValue(!strings.Contains(r.s, l.s)), nil
	case "concat":
		if len(l.s)+len(r.s) > maxStringLen {
			return value{}, newError(KindLimit, n.pos, "string result too large")
		}
		return stringValue(l.s + r.s), nil
	case "+":
		return intValue(l.i + r.i), nil
	case "-":
		return intValue(l.i - r.i), nil
	case "*":
		return intValue(l.i * r.i), nil
	case "/", "%":
		if r.i == 0 {
			return value{}, newError(KindDivision, n.pos, "division by zero")
		}
		if n.op == "/" {
			return intValue(l.i / r.i), nil
		}
		return intValue(l.i % r.i), nil
	}
	return value{}, newError(KindSyntax, n.pos, "unsupported operator")
}

func equal(l, r value) bool {
	switch l.k {
	case kindBool:
		return l.b == r.b
	case kindInt:
		return l.i == r.i
	default:
		return l.s == r.s
	}
}

func order(op string, l, r value) bool {
	var c int
	if l.k == kindInt {
		switch {
		case l.i < r.i:
			c = -1
		case l.i > r.i:
			c = 1
		}
	} else {
		c = strings.Compare(l.s, r.s)
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}
