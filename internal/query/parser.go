// Copyright 2025 The LokiKV authors. All Rights Reserved.
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

package query

import (
	"fmt"
	"strconv"

	lokikv "github.com/lokikv-dev/lokikv"
)

// Command enumerates the LokiQL commands.
type Command uint8

const (
	CmdSet Command = iota
	CmdAddHLL
	CmdGet
	CmdIncr
	CmdDecr
	CmdCountHLL
	CmdPersist
	CmdDisplay
	CmdShutdown
	CmdCreateHCol
	CmdCreateBCol
	CmdCreateBCust
	CmdSelCol
	CmdCurColName
	CmdListColNames
)

type arity uint8

const (
	nullary arity = iota
	unary
	binary
)

var commandArity = map[Command]arity{
	CmdSet:          binary,
	CmdAddHLL:       binary,
	CmdGet:          unary,
	CmdIncr:         unary,
	CmdDecr:         unary,
	CmdCountHLL:     unary,
	CmdPersist:      unary,
	CmdCreateHCol:   unary,
	CmdCreateBCol:   unary,
	CmdCreateBCust:  unary,
	CmdSelCol:       unary,
	CmdDisplay:      nullary,
	CmdShutdown:     nullary,
	CmdCurColName:   nullary,
	CmdListColNames: nullary,
}

// NodeKind identifies what a Node vertex holds.
type NodeKind uint8

const (
	// NodeCommand is a command vertex; its left child is the key, its
	// right child the value, either may be nil for lower arities.
	NodeCommand NodeKind = iota
	// NodeID is a key or collection-name leaf.
	NodeID
	// NodeLiteral is a typed value leaf.
	NodeLiteral
)

// Node is one vertex of a parsed command tree. Parsed trees are immutable
// and safe to execute concurrently, which lets the server cache them.
type Node struct {
	Kind NodeKind
	Cmd  Command      // valid when Kind == NodeCommand
	ID   string       // valid when Kind == NodeID
	Lit  lokikv.Value // valid when Kind == NodeLiteral

	Left  *Node
	Right *Node
}

// Key returns the command's key child ID, or "".
func (n *Node) Key() string {
	if n.Left == nil {
		return ""
	}
	return n.Left.ID
}

// Value returns the command's value child literal.
func (n *Node) Value() lokikv.Value {
	if n.Right == nil {
		return lokikv.Phantom()
	}
	return n.Right.Lit
}

// Parse tokenises and parses a LokiQL program: a sequence of commands, each
// terminated by ';'. It returns one command tree per statement.
func Parse(src string) ([]*Node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	var prog []*Node
	for !p.done() {
		n, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		prog = append(prog, n)
	}
	if len(prog) == 0 {
		return nil, fmt.Errorf("empty query")
	}
	return prog, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) done() bool { return p.i >= len(p.toks) }

func (p *parser) peek() (token, bool) {
	if p.done() {
		return token{}, false
	}
	return p.toks[p.i], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.i++
	}
	return t, ok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t, ok := p.next()
	if !ok {
		return token{}, fmt.Errorf("unexpected end of query, want %v", kind)
	}
	if t.kind != kind {
		return token{}, fmt.Errorf("unexpected %v %q at offset %d, want %v", t.kind, t.text, t.pos, kind)
	}
	return t, nil
}

func (p *parser) parseCommand() (*Node, error) {
	t, err := p.expect(tokCommand)
	if err != nil {
		return nil, err
	}
	cmd := commandWords[t.text]
	n := &Node{Kind: NodeCommand, Cmd: cmd}

	switch commandArity[cmd] {
	case unary, binary:
		key, err := p.expect(tokID)
		if err != nil {
			return nil, fmt.Errorf("%s needs a key: %w", t.text, err)
		}
		n.Left = &Node{Kind: NodeID, ID: key.text}
		if commandArity[cmd] == binary {
			val, err := p.parseValue()
			if err != nil {
				return nil, fmt.Errorf("%s needs a value: %w", t.text, err)
			}
			n.Right = &Node{Kind: NodeLiteral, Lit: val}
		}
	}
	if _, err := p.expect(tokSemi); err != nil {
		return nil, fmt.Errorf("%s: %w", t.text, err)
	}
	return n, nil
}

func (p *parser) parseValue() (lokikv.Value, error) {
	t, ok := p.next()
	if !ok {
		return lokikv.Value{}, fmt.Errorf("unexpected end of query, want a value")
	}
	switch t.kind {
	case tokInt:
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return lokikv.Value{}, fmt.Errorf("bad integer %q: %v", t.text, err)
		}
		return lokikv.IntData(i), nil
	case tokFloat:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return lokikv.Value{}, fmt.Errorf("bad float %q: %v", t.text, err)
		}
		return lokikv.DecimalData(f), nil
	case tokBool:
		return lokikv.BoolData(t.text == "true"), nil
	case tokString:
		return lokikv.StringData(t.text), nil
	case tokBlob:
		return lokikv.BlobData([]byte(t.text)), nil
	case tokListOpen:
		return p.parseList()
	}
	return lokikv.Value{}, fmt.Errorf("unexpected %v %q at offset %d, want a value", t.kind, t.text, t.pos)
}

// parseList parses the primitives of a bracketed list; the opening bracket
// has already been consumed.
func (p *parser) parseList() (lokikv.Value, error) {
	var elems []lokikv.Value
	if t, ok := p.peek(); ok && t.kind == tokListClose {
		p.i++
		return lokikv.ListData(nil), nil
	}
	for {
		v, err := p.parseValue()
		if err != nil {
			return lokikv.Value{}, err
		}
		if v.Kind() == lokikv.KindList {
			return lokikv.Value{}, fmt.Errorf("nested lists are not supported")
		}
		elems = append(elems, v)

		t, ok := p.next()
		if !ok {
			return lokikv.Value{}, fmt.Errorf("unterminated list")
		}
		switch t.kind {
		case tokComma:
		case tokListClose:
			return lokikv.ListData(elems), nil
		default:
			return lokikv.Value{}, fmt.Errorf("unexpected %v %q in list at offset %d", t.kind, t.text, t.pos)
		}
	}
}
