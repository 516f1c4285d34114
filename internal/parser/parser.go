package parser

import (
	"fmt"
	"strconv"

	"go.uber.org/multierr"

	"vaporc/internal/ir"
	"vaporc/internal/lexer"
)

// ---------------------------------------------------------------------------
// ParseError
// ---------------------------------------------------------------------------

// ParseError represents a single error found during parsing.
type ParseError struct {
	Message string
	Line    int
	Column  int
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Column, e.Message)
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Parser holds the state for a single parse pass over a token stream.
type Parser struct {
	tokens []lexer.Token
	pos    int
	errors []ParseError
}

// Parse is the main entry point. It takes a token slice (as produced by
// lexer.Lex) and returns an IR program plus any parse errors collected.
// Both the unallocated and the register-bound dialect are accepted.
func Parse(tokens []lexer.Token) (*ir.Program, []ParseError) {
	p := &Parser{tokens: tokens, pos: 0}
	prog := p.parseProgram()
	return prog, p.errors
}

// ParseString lexes and parses src, folding every lex and parse error into
// a single error.
func ParseString(src string) (*ir.Program, error) {
	tokens, lexErrs := lexer.Lex(src)
	if len(lexErrs) > 0 {
		var err error
		for _, e := range lexErrs {
			err = multierr.Append(err, e)
		}
		return nil, err
	}
	prog, parseErrs := Parse(tokens)
	if len(parseErrs) > 0 {
		var err error
		for _, e := range parseErrs {
			err = multierr.Append(err, e)
		}
		return nil, err
	}
	return prog, nil
}

// ---------------------------------------------------------------------------
// Token helpers
// ---------------------------------------------------------------------------

// peek returns the current token without consuming it.
func (p *Parser) peek() lexer.Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return lexer.Token{Type: lexer.EOF}
}

// peekAt returns the token at a given offset from the current position.
func (p *Parser) peekAt(offset int) lexer.Token {
	idx := p.pos + offset
	if idx >= 0 && idx < len(p.tokens) {
		return p.tokens[idx]
	}
	return lexer.Token{Type: lexer.EOF}
}

// advance consumes and returns the current token.
func (p *Parser) advance() lexer.Token {
	tok := p.peek()
	if tok.Type != lexer.EOF {
		p.pos++
	}
	return tok
}

// check returns true if the current token has the given type.
func (p *Parser) check(typ string) bool {
	return p.peek().Type == typ
}

// match consumes the current token if it matches any of the given types.
func (p *Parser) match(types ...string) bool {
	for _, t := range types {
		if p.check(t) {
			p.advance()
			return true
		}
	}
	return false
}

// expect consumes the current token if it matches typ; otherwise it records
// an error and returns the current token WITHOUT advancing.
func (p *Parser) expect(typ string, msg string) (lexer.Token, bool) {
	if p.check(typ) {
		return p.advance(), true
	}
	tok := p.peek()
	p.addError(tok, fmt.Sprintf("%s (got %s %q)", msg, tok.Type, tok.Value))
	return tok, false
}

// addError appends a ParseError at the given token's location.
func (p *Parser) addError(tok lexer.Token, msg string) {
	p.errors = append(p.errors, ParseError{
		Message: msg,
		Line:    tok.Line,
		Column:  tok.Column,
	})
}

// synchronize skips the rest of the current line so parsing can resume at
// the next statement.
func (p *Parser) synchronize() {
	for !p.check(lexer.EOF) && !p.check(lexer.NEWLINE) {
		p.advance()
	}
	p.match(lexer.NEWLINE)
}

// endLine requires the statement to end here.
func (p *Parser) endLine() {
	if p.check(lexer.EOF) || p.match(lexer.NEWLINE) {
		return
	}
	tok := p.peek()
	p.addError(tok, fmt.Sprintf("expected end of line (got %s %q)", tok.Type, tok.Value))
	p.synchronize()
}

func (p *Parser) skipBlankLines() {
	for p.match(lexer.NEWLINE) {
	}
}

// position converts a token into an ir.Position.
func (p *Parser) position(tok lexer.Token) ir.Position {
	return ir.Position{Line: tok.Line, Column: tok.Column}
}

// startsTopLevel reports whether the current token opens a new declaration.
func (p *Parser) startsTopLevel() bool {
	switch p.peek().Type {
	case lexer.FUNC, lexer.CONST, lexer.VAR, lexer.EOF:
		return true
	}
	return false
}

// isStackRegion reports whether the current token starts in[k], out[k] or
// local[k].
func (p *Parser) isStackRegion() bool {
	if !p.check(lexer.IDENT) || p.peekAt(1).Type != lexer.LBRACKET {
		return false
	}
	_, ok := stackRegions[p.peek().Value]
	return ok
}

var stackRegions = map[string]ir.StackRegion{
	"in":    ir.RegionIn,
	"out":   ir.RegionOut,
	"local": ir.RegionLocal,
}

// =========================================================================
// Top-level parsing
// =========================================================================

func (p *Parser) parseProgram() *ir.Program {
	prog := &ir.Program{}

	for {
		p.skipBlankLines()
		switch p.peek().Type {
		case lexer.EOF:
			return prog
		case lexer.CONST, lexer.VAR:
			if ds := p.parseDataSegment(); ds != nil {
				prog.DataSegments = append(prog.DataSegments, ds)
			}
		case lexer.FUNC:
			if fn := p.parseFunction(); fn != nil {
				prog.Functions = append(prog.Functions, fn)
			}
		default:
			tok := p.peek()
			p.addError(tok, fmt.Sprintf("expected 'func', 'const' or 'var' (got %s %q)", tok.Type, tok.Value))
			p.synchronize()
		}
	}
}

func (p *Parser) parseDataSegment() *ir.DataSegment {
	kw := p.advance()
	name, ok := p.expect(lexer.IDENT, "expected data segment name")
	if !ok {
		p.synchronize()
		return nil
	}
	ds := &ir.DataSegment{Name: name.Value, Mutable: kw.Type == lexer.VAR, Pos: p.position(kw)}
	p.endLine()

	for {
		p.skipBlankLines()
		if !p.check(lexer.LABELREF) && !p.check(lexer.INT) && !p.check(lexer.MINUS) {
			return ds
		}
		for !p.check(lexer.NEWLINE) && !p.check(lexer.EOF) {
			v, ok := p.parseOperand()
			if !ok {
				p.synchronize()
				break
			}
			switch v.(type) {
			case ir.LabelRef, ir.IntLit:
				ds.Values = append(ds.Values, v)
			default:
				p.addError(p.peek(), fmt.Sprintf("data segment %s: static value expected, got %s", ds.Name, v))
			}
		}
	}
}

func (p *Parser) parseFunction() *ir.Function {
	kw := p.advance()
	name, ok := p.expect(lexer.IDENT, "expected function name")
	if !ok {
		p.synchronize()
		return nil
	}
	fn := &ir.Function{Name: name.Value, Pos: p.position(kw)}

	switch {
	case p.match(lexer.LPAREN):
		for p.check(lexer.IDENT) {
			fn.Params = append(fn.Params, p.advance().Value)
		}
		if _, ok := p.expect(lexer.RPAREN, "expected ')' after parameters"); !ok {
			p.synchronize()
			return fn
		}
	case p.check(lexer.LBRACKET):
		if !p.parseFrameShape(fn) {
			p.synchronize()
			return fn
		}
	default:
		tok := p.peek()
		p.addError(tok, fmt.Sprintf("expected '(' or '[' after function name (got %s %q)", tok.Type, tok.Value))
		p.synchronize()
		return fn
	}
	p.endLine()

	for {
		p.skipBlankLines()
		if p.startsTopLevel() {
			return fn
		}
		// Label definition: name ':' end-of-line.
		if p.check(lexer.IDENT) && p.peekAt(1).Type == lexer.COLON {
			tok := p.advance()
			p.advance()
			fn.Labels = append(fn.Labels, ir.CodeLabel{Name: tok.Value, Line: tok.Line})
			p.endLine()
			continue
		}
		if in := p.parseInstr(); in != nil {
			fn.Body = append(fn.Body, in)
			p.endLine()
		}
	}
}

// parseFrameShape parses "[in N, out N, local N]".
func (p *Parser) parseFrameShape(fn *ir.Function) bool {
	p.advance() // [
	fields := []struct {
		name string
		dst  *int
	}{
		{"in", &fn.Stack.In},
		{"out", &fn.Stack.Out},
		{"local", &fn.Stack.Local},
	}
	for i, f := range fields {
		tok, ok := p.expect(lexer.IDENT, fmt.Sprintf("expected %q in frame shape", f.name))
		if !ok {
			return false
		}
		if tok.Value != f.name {
			p.addError(tok, fmt.Sprintf("expected %q in frame shape (got %q)", f.name, tok.Value))
			return false
		}
		n, ok := p.expect(lexer.INT, "expected word count")
		if !ok {
			return false
		}
		v, err := strconv.Atoi(n.Value)
		if err != nil {
			p.addError(n, fmt.Sprintf("invalid word count %q", n.Value))
			return false
		}
		*f.dst = v
		if i < len(fields)-1 {
			if _, ok := p.expect(lexer.COMMA, "expected ','"); !ok {
				return false
			}
		}
	}
	_, ok := p.expect(lexer.RBRACKET, "expected ']' after frame shape")
	return ok
}

// =========================================================================
// Instructions
// =========================================================================

func (p *Parser) parseInstr() ir.Instr {
	tok := p.peek()
	pos := p.position(tok)

	switch tok.Type {
	case lexer.IF, lexer.IF0:
		return p.parseBranch(pos)

	case lexer.GOTO:
		p.advance()
		target, ok := p.parseOperand()
		if !ok {
			p.synchronize()
			return nil
		}
		return &ir.Goto{Target: target, Pos: pos}

	case lexer.RET:
		p.advance()
		ret := &ir.Return{Pos: pos}
		if !p.check(lexer.NEWLINE) && !p.check(lexer.EOF) {
			v, ok := p.parseOperand()
			if !ok {
				p.synchronize()
				return nil
			}
			ret.Value = v
		}
		return ret

	case lexer.CALL:
		return p.parseCall(nil, pos)

	case lexer.LBRACKET:
		return p.parseMemWrite(pos)
	}

	if p.isStackRegion() {
		return p.parseMemWrite(pos)
	}

	// Builtin without a destination: PrintIntS(x), Error("…").
	if tok.Type == lexer.IDENT && p.peekAt(1).Type == lexer.LPAREN {
		return p.parseBuiltIn(nil, pos)
	}

	dest, ok := p.parseOperand()
	if !ok {
		p.synchronize()
		return nil
	}
	if _, ok := p.expect(lexer.ASSIGN, "expected '='"); !ok {
		p.synchronize()
		return nil
	}

	switch {
	case p.check(lexer.CALL):
		return p.parseCall(dest, pos)
	case p.check(lexer.IDENT) && p.peekAt(1).Type == lexer.LPAREN:
		return p.parseBuiltIn(dest, pos)
	case p.check(lexer.LBRACKET) || p.isStackRegion():
		src, ok := p.parseMemRef()
		if !ok {
			p.synchronize()
			return nil
		}
		return &ir.MemRead{Dest: dest, Source: src, Pos: pos}
	}

	src, ok := p.parseOperand()
	if !ok {
		p.synchronize()
		return nil
	}
	return &ir.Assign{Dest: dest, Source: src, Pos: pos}
}

func (p *Parser) parseBranch(pos ir.Position) ir.Instr {
	kw := p.advance()
	cond, ok := p.parseOperand()
	if !ok {
		p.synchronize()
		return nil
	}
	if _, ok := p.expect(lexer.GOTO, "expected 'goto' in branch"); !ok {
		p.synchronize()
		return nil
	}
	target, ok := p.expect(lexer.LABELREF, "expected branch target label")
	if !ok {
		p.synchronize()
		return nil
	}
	return &ir.Branch{Positive: kw.Type == lexer.IF, Cond: cond, Target: target.Value, Pos: pos}
}

func (p *Parser) parseCall(dest ir.Operand, pos ir.Position) ir.Instr {
	p.advance() // call
	addr, ok := p.parseOperand()
	if !ok {
		p.synchronize()
		return nil
	}
	call := &ir.Call{Addr: addr, Dest: dest, Pos: pos}
	if p.match(lexer.LPAREN) {
		args, ok := p.parseArgs()
		if !ok {
			return nil
		}
		call.Args = args
	}
	return call
}

func (p *Parser) parseBuiltIn(dest ir.Operand, pos ir.Position) ir.Instr {
	name := p.advance()
	op, ok := ir.LookupBuiltin(name.Value)
	if !ok {
		p.addError(name, fmt.Sprintf("unknown builtin %q", name.Value))
		p.synchronize()
		return nil
	}
	p.advance() // (
	args, ok := p.parseArgs()
	if !ok {
		return nil
	}
	return &ir.BuiltIn{Op: op, Args: args, Dest: dest, Pos: pos}
}

// parseArgs parses a space-separated operand list up to and including ')'.
func (p *Parser) parseArgs() ([]ir.Operand, bool) {
	var args []ir.Operand
	for !p.check(lexer.RPAREN) {
		if p.check(lexer.NEWLINE) || p.check(lexer.EOF) {
			p.addError(p.peek(), "expected ')' to close argument list")
			p.synchronize()
			return nil, false
		}
		a, ok := p.parseOperand()
		if !ok {
			p.synchronize()
			return nil, false
		}
		args = append(args, a)
	}
	p.advance() // )
	return args, true
}

func (p *Parser) parseMemWrite(pos ir.Position) ir.Instr {
	dest, ok := p.parseMemRef()
	if !ok {
		p.synchronize()
		return nil
	}
	if _, ok := p.expect(lexer.ASSIGN, "expected '=' after memory reference"); !ok {
		p.synchronize()
		return nil
	}
	src, ok := p.parseOperand()
	if !ok {
		p.synchronize()
		return nil
	}
	return &ir.MemWrite{Dest: dest, Source: src, Pos: pos}
}

// =========================================================================
// Operands
// =========================================================================

// parseMemRef parses [base], [base+N], [base-N] or region[N].
func (p *Parser) parseMemRef() (ir.MemRef, bool) {
	if p.isStackRegion() {
		region := stackRegions[p.advance().Value]
		p.advance() // [
		n, ok := p.expect(lexer.INT, "expected stack slot index")
		if !ok {
			return nil, false
		}
		idx, err := strconv.Atoi(n.Value)
		if err != nil {
			p.addError(n, fmt.Sprintf("invalid stack slot index %q", n.Value))
			return nil, false
		}
		if _, ok := p.expect(lexer.RBRACKET, "expected ']'"); !ok {
			return nil, false
		}
		return ir.StackRef{Region: region, Index: idx}, true
	}

	if _, ok := p.expect(lexer.LBRACKET, "expected memory reference"); !ok {
		return nil, false
	}
	base, ok := p.parseOperand()
	if !ok {
		return nil, false
	}
	ref := ir.GlobalRef{Base: base}
	if p.check(lexer.PLUS) || p.check(lexer.MINUS) {
		sign := p.advance()
		n, ok := p.expect(lexer.INT, "expected byte offset")
		if !ok {
			return nil, false
		}
		off, err := strconv.ParseInt(n.Value, 0, 32)
		if err != nil {
			p.addError(n, fmt.Sprintf("invalid byte offset %q", n.Value))
			return nil, false
		}
		ref.Offset = int(off)
		if sign.Type == lexer.MINUS {
			ref.Offset = -ref.Offset
		}
	}
	if _, ok := p.expect(lexer.RBRACKET, "expected ']'"); !ok {
		return nil, false
	}
	return ref, true
}

func (p *Parser) parseOperand() (ir.Operand, bool) {
	tok := p.peek()
	switch tok.Type {
	case lexer.IDENT:
		p.advance()
		return ir.Var{Name: tok.Value}, true
	case lexer.REGISTER:
		p.advance()
		return ir.Reg{Name: tok.Value}, true
	case lexer.LABELREF:
		p.advance()
		return ir.LabelRef{Name: tok.Value}, true
	case lexer.STRING:
		p.advance()
		s, err := strconv.Unquote(tok.Value)
		if err != nil {
			p.addError(tok, fmt.Sprintf("invalid string literal %s", tok.Value))
			return nil, false
		}
		return ir.StrLit{Value: s}, true
	case lexer.INT, lexer.MINUS:
		return p.parseIntLit()
	}
	p.addError(tok, fmt.Sprintf("expected operand (got %s %q)", tok.Type, tok.Value))
	return nil, false
}

func (p *Parser) parseIntLit() (ir.Operand, bool) {
	neg := p.match(lexer.MINUS)
	tok, ok := p.expect(lexer.INT, "expected integer literal")
	if !ok {
		return nil, false
	}
	v, err := strconv.ParseInt(tok.Value, 0, 64)
	if err != nil {
		p.addError(tok, fmt.Sprintf("invalid integer literal %q", tok.Value))
		return nil, false
	}
	if neg {
		v = -v
	}
	return ir.IntLit{Value: v}, true
}
