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

// Grammar (lowest precedence first):
//
//	or      = and { ("or" | "||") and }
//	and     = not { ("and" | "&&") not }
//	not     = ("not" | "!") not | compare
//	compare = sum [ ("==" | "!=" | "<" | "<=" | ">" | ">=" | "in" | "not" "in") sum ]
//	sum     = product { ("+" | "-") product }
//	product = unary { ("*" | "/" | "%") unary }
//	unary   = "-" unary | primary
//	primary = INT | STRING | "true" | "false" | "(" or ")" | NAME | NAME "(" [ or { "," or } ] ")"
//
// Every node is typed while it is built, so a program that compiles can only
// fail at run time on division by zero or resource limits.

const (
	maxSourceLen = 4096
	maxDepth     = 64
)

type node interface {
	typ() kind
}

type literal struct {
	v value
}

type attrRef struct {
	attr attribute
}

type unaryOp struct {
	op  string
	pos int
	x   node
}

type binaryOp struct {
	op   string
	pos  int
	k    kind
	l, r node
}

type callExpr struct {
	fn   function
	args []node
}

func (n *literal) typ() kind  { return n.v.k }
func (n *attrRef) typ() kind  { return n.attr.kind }
func (n *unaryOp) typ() kind  { return n.x.typ() }
func (n *binaryOp) typ() kind { return n.k }
func (n *callExpr) typ() kind { return n.fn.result }

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "true": true, "false": true,
}

type parser struct {
	toks  []token
	p     int
	depth int
}

func parse(src string) (node, error) {
	if len(src) > maxSourceLen {
		return nil, newError(KindTooLong, maxSourceLen, "condition exceeds maximum length")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	ps := &parser{toks: toks}
	root, err := ps.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := ps.peek(); tok.typ != tokEOF {
		return nil, newError(KindSyntax, tok.pos, "unexpected "+tok.typ.String())
	}
	if root.typ() != kindBool {
		return nil, newError(KindType, 0, "condition must evaluate to a boolean")
	}
	return root, nil
}

func (ps *parser) peek() token { return ps.toks[ps.p] }

func (ps *parser) next() token {
	t := ps.toks[ps.p]
	if t.typ != tokEOF {
		ps.p++
	}
	return t
}

func (ps *parser) isKeyword(word string) bool {
	t := ps.peek()
	return t.typ == tokIdent && t.text == word
}

func (ps *parser) isOp(ops ...string) bool {
	t := ps.peek()
	if t.typ != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (ps *parser) enter(pos int) error {
	ps.depth++
	if ps.depth > maxDepth {
		return newError(KindTooDeep, pos, "expression nested too deeply")
	}
	return nil
}

func (ps *parser) leave() { ps.depth-- }

func (ps *parser) parseOr() (node, error) {
	if err := ps.enter(ps.peek().pos); err != nil {
		return nil, err
	}
	defer ps.leave()

	left, err := ps.parseAnd()
	if err != nil {
		return nil, err
	}
	for ps.isKeyword("or") || ps.isOp("||") {
		tok := ps.next()
		right, err := ps.parseAnd()
		if err != nil {
			return nil, err
		}
		if left, err = logical("or", tok.pos, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (ps *parser) parseAnd() (node, error) {
	left, err := ps.parseNot()
	if err != nil {
		return nil, err
	}
	for ps.isKeyword("and") || ps.isOp("&&") {
		tok := ps.next()
		right, err := ps.parseNot()
		if err != nil {
			return nil, err
		}
		if left, err = logical("and", tok.pos, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (ps *parser) parseNot() (node, error) {
	if ps.isKeyword("not") || ps.isOp("!") {
		tok := ps.next()
		if err := ps.enter(tok.pos); err != nil {
			return nil, err
		}
		defer ps.leave()

		x, err := ps.parseNot()
		if err != nil {
			return nil, err
		}
		if x.typ() != kindBool {
			return nil, newError(KindType, tok.pos, "'not' requires a boolean operand")
		}
		return &unaryOp{op: "not", pos: tok.pos, x: x}, nil
	}
	return ps.parseCompare()
}

func (ps *parser) parseCompare() (node, error) {
	left, err := ps.parseSum()
	if err != nil {
		return nil, err
	}

	var op string
	pos := ps.peek().pos
	switch {
	case ps.isOp("==", "!=", "<", "<=", ">", ">="):
		op = ps.next().text
	case ps.isKeyword("in"):
		ps.next()
		op = "in"
	case ps.isKeyword("not") && ps.toks[ps.p+1].typ == tokIdent && ps.toks[ps.p+1].text == "in":
		ps.next()
		ps.next()
		op = "not in"
	default:
		return left, nil
	}

	right, err := ps.parseSum()
	if err != nil {
		return nil, err
	}

	lk, rk := left.typ(), right.typ()
	switch op {
	case "==", "!=":
		if lk != rk {
			return nil, newError(KindType, pos, "cannot compare "+lk.String()+" with "+rk.String())
		}
	case "in", "not in":
		if lk != kindString || rk != kindString {
			return nil, newError(KindType, pos, "'in' requires string operands")
		}
	default:
		if lk != rk || lk == kindBool {
			return nil, newError(KindType, pos, "ordering requires two ints or two strings")
		}
	}
	return &binaryOp{op: op, pos: pos, k: kindBool, l: left, r: right}, nil
}

func (ps *parser) parseSum() (node, error) {
	left, err := ps.parseProduct()
	if err != nil {
		return nil, err
	}
	for ps.isOp("+", "-") {
		tok := ps.next()
		right, err := ps.parseProduct()
		if err != nil {
			return nil, err
		}
		lk, rk := left.typ(), right.typ()
		switch {
		case lk == kindInt && rk == kindInt:
			left = &binaryOp{op: tok.text, pos: tok.pos, k: kindInt, l: left, r: right}
		case tok.text == "+" && lk == kindString && rk == kindString:
			left = &binaryOp{op: "concat", pos: tok.pos, k: kindString, l: left, r: right}
		default:
			return nil, newError(KindType, tok.pos, "invalid operand types for '"+tok.text+"'")
		}
	}
	return left, nil
}

func (ps *parser) parseProduct() (node, error) {
	left, err := ps.parseUnary()
	if err != nil {
		return nil, err
	}
	for ps.isOp("*", "/", "%") {
		tok := ps.next()
		right, err := ps.parseUnary()
		if err != nil {
			return nil, err
		}
		if left.typ() != kindInt || right.typ() != kindInt {
			return nil, newError(KindType, tok.pos, "arithmetic requires int operands")
		}
		left = &binaryOp{op: tok.text, pos: tok.pos, k: kindInt, l: left, r: right}
	}
	return left, nil
}

func (ps *parser) parseUnary() (node, error) {
	if ps.isOp("-") {
		tok := ps.next()
		if err := ps.enter(tok.pos); err != nil {
			return nil, err
		}
		defer ps.leave()

		x, err := ps.parseUnary()
		if err != nil {
			return nil, err
		}
		if x.typ() != kindInt {
			return nil, newError(KindType, tok.pos, "unary '-' requires an int operand")
		}
		return &unaryOp{op: "neg", pos: tok.pos, x: x}, nil
	}
	return ps.parsePrimary()
}

func (ps *parser) parsePrimary() (node, error) {
	tok := ps.next()
	switch tok.typ {
	case tokInt:
		return &literal{v: intValue(tok.num)}, nil
	case tokString:
		return &literal{v: stringValue(tok.text)}, nil
	case tokLParen:
		x, err := ps.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := ps.next(); closing.typ != tokRParen {
			return nil, newError(KindSyntax, closing.pos, "expected ')'")
		}
		return x, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return &literal{v: boolValue(true)}, nil
		case "false":
			return &literal{v: boolValue(false)}, nil
		}
		if keywords[tok.text] {
			return nil, newError(KindSyntax, tok.pos, "unexpected keyword")
		}
		if ps.peek().typ == tokLParen {
			return ps.parseCall(tok)
		}
		attr, ok := attributes[tok.text]
		if !ok {
			return nil, newError(KindUnknownName, tok.pos, "unknown attribute")
		}
		return &attrRef{attr: attr}, nil
	default:
		return nil, newError(KindSyntax, tok.pos, "unexpected "+tok.typ.String())
	}
}

func (ps *parser) parseCall(name token) (node, error) {
	fn, ok := functions[name.text]
	if !ok {
		return nil, newError(KindUnknownName, name.pos, "unknown function")
	}
	ps.next() // '('

	var args []node
	if ps.peek().typ != tokRParen {
		for {
			arg, err := ps.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if ps.peek().typ != tokComma {
				break
			}
			ps.next()
		}
	}
	if closing := ps.next(); closing.typ != tokRParen {
		return nil, newError(KindSyntax, closing.pos, "expected ')'")
	}

	if len(args) != len(fn.params) {
		return nil, newError(KindArity, name.pos, "wrong number of arguments")
	}
	for i, arg := range args {
		if arg.typ() != fn.params[i] {
			return nil, newError(KindType, name.pos, "argument must be "+fn.params[i].String())
		}
	}
	return &callExpr{fn: fn, args: args}, nil
}

func logical(op string, pos int, l, r node) (node, error) {
	if l.typ() != kindBool || r.typ() != kindBool {
		return nil, newError(KindType, pos, "'"+op+"' requires boolean operands")
	}
	return &binaryOp{op: op, pos: pos, k: kindBool, l: l, r: r}, nil
}
