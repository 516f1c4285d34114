package semantic

import (
	"fmt"

	"vaporc/internal/ir"
)

// ---------------------------------------------------------------------------
// Diagnostic severity
// ---------------------------------------------------------------------------

// Severity indicates whether a diagnostic is an error or a warning.
type Severity int

const (
	Error Severity = iota
	Warning
)

func (s Severity) String() string {
	switch s {
	case Error:
		return "error"
	case Warning:
		return "warning"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Diagnostic
// ---------------------------------------------------------------------------

// Diagnostic represents a single message produced by the contract checker.
type Diagnostic struct {
	Message  string
	Pos      ir.Position
	Severity Severity
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("line %d, col %d: %s: %s", d.Pos.Line, d.Pos.Column, d.Severity, d.Message)
}

// HasErrors returns true if any diagnostic in the slice is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == Error {
			return true
		}
	}
	return false
}

// Errors returns only the error diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == Error {
			out = append(out, d)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// SymbolKind classifies a declared name.
type SymbolKind int

const (
	SymFunc SymbolKind = iota
	SymData
	SymParam
	SymLocal
)

// Symbol records the declaration of a name in a scope.
type Symbol struct {
	Name string
	Kind SymbolKind
	Pos  ir.Position
}

// ---------------------------------------------------------------------------
// Scope
// ---------------------------------------------------------------------------

// Scope is a symbol table with an optional parent.  The program scope holds
// functions and data segments; each function gets a child scope for its
// parameters and locals.
type Scope struct {
	parent  *Scope
	symbols map[string]*Symbol
}

func newScope(parent *Scope) *Scope {
	return &Scope{parent: parent, symbols: make(map[string]*Symbol)}
}

// define adds a symbol to this scope (overwrites if already present).
func (s *Scope) define(sym *Symbol) {
	s.symbols[sym.Name] = sym
}

// lookupLocal returns the symbol with the given name in this scope only.
func (s *Scope) lookupLocal(name string) *Symbol {
	return s.symbols[name]
}

// lookup traverses the scope chain (current → parent → …) to find a symbol.
func (s *Scope) lookup(name string) *Symbol {
	for sc := s; sc != nil; sc = sc.parent {
		if sym, ok := sc.symbols[name]; ok {
			return sym
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Analyser
// ---------------------------------------------------------------------------

// Analyzer holds the state for a single contract-checking pass.
type Analyzer struct {
	diagnostics []Diagnostic
	dialect     ir.Dialect
	scope       *Scope
	currentFunc *ir.Function
	labels      map[string]ir.CodeLabel
}

// Analyze checks that program satisfies the input contract of the backend
// for the given dialect and returns all diagnostics (errors and warnings).
// The returned slice is empty when the program is well formed.
func Analyze(program *ir.Program, dialect ir.Dialect) []Diagnostic {
	a := &Analyzer{
		dialect: dialect,
		scope:   newScope(nil), // program scope
	}
	a.analyzeProgram(program)
	return a.diagnostics
}

// ---- helpers ----

func (a *Analyzer) error(pos ir.Position, msg string) {
	a.diagnostics = append(a.diagnostics, Diagnostic{
		Message:  msg,
		Pos:      pos,
		Severity: Error,
	})
}

func (a *Analyzer) warn(pos ir.Position, msg string) {
	a.diagnostics = append(a.diagnostics, Diagnostic{
		Message:  msg,
		Pos:      pos,
		Severity: Warning,
	})
}

func (a *Analyzer) pushScope() {
	a.scope = newScope(a.scope)
}

func (a *Analyzer) popScope() {
	a.scope = a.scope.parent
}

// ---------------------------------------------------------------------------
// Program analysis
// ---------------------------------------------------------------------------

func (a *Analyzer) analyzeProgram(prog *ir.Program) {
	for _, ds := range prog.DataSegments {
		if existing := a.scope.lookupLocal(ds.Name); existing != nil {
			a.error(ds.Pos, fmt.Sprintf("data segment %q already declared at %s", ds.Name, existing.Pos))
			continue
		}
		a.scope.define(&Symbol{Name: ds.Name, Kind: SymData, Pos: ds.Pos})
	}

	// First pass: register every function so calls may refer forward.
	for _, fn := range prog.Functions {
		if existing := a.scope.lookupLocal(fn.Name); existing != nil {
			a.error(fn.Pos, fmt.Sprintf("function %q already declared at %s", fn.Name, existing.Pos))
			continue
		}
		a.scope.define(&Symbol{Name: fn.Name, Kind: SymFunc, Pos: fn.Pos})
	}

	if sym := a.scope.lookupLocal("Main"); sym == nil || sym.Kind != SymFunc {
		a.warn(ir.Position{Line: 1, Column: 1}, "program has no Main function; the startup sequence calls Main")
	}

	for _, fn := range prog.Functions {
		a.analyzeFunction(fn)
	}
}

func (a *Analyzer) analyzeFunction(fn *ir.Function) {
	a.currentFunc = fn
	a.pushScope()
	defer a.popScope()

	if a.dialect == ir.Bound && len(fn.Params) > 0 {
		a.error(fn.Pos, fmt.Sprintf("function %q: register-bound functions take no named parameters", fn.Name))
	}
	for _, p := range fn.Params {
		if existing := a.scope.lookupLocal(p); existing != nil {
			a.error(fn.Pos, fmt.Sprintf("function %q: duplicate parameter %q", fn.Name, p))
			continue
		}
		a.scope.define(&Symbol{Name: p, Kind: SymParam, Pos: fn.Pos})
	}

	a.labels = make(map[string]ir.CodeLabel, len(fn.Labels))
	for _, l := range fn.Labels {
		if prev, ok := a.labels[l.Name]; ok {
			a.error(ir.Position{Line: l.Line, Column: 1},
				fmt.Sprintf("label %q already defined on line %d", l.Name, prev.Line))
			continue
		}
		a.labels[l.Name] = l
	}

	for _, in := range fn.Body {
		a.analyzeInstr(in)
	}
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

func (a *Analyzer) analyzeInstr(in ir.Instr) {
	pos := in.GetPos()

	switch n := in.(type) {
	case *ir.Assign:
		a.use(n.Source, pos)
		a.def(n.Dest, pos)

	case *ir.Branch:
		a.use(n.Cond, pos)
		a.checkLabel(n.Target, pos)

	case *ir.BuiltIn:
		a.checkBuiltIn(n)
		a.def(n.Dest, pos)

	case *ir.Call:
		a.checkCall(n)

	case *ir.MemRead:
		a.useMem(n.Source, pos)
		a.def(n.Dest, pos)

	case *ir.MemWrite:
		a.useMem(n.Dest, pos)
		a.use(n.Source, pos)

	case *ir.Goto:
		if lbl, ok := n.Target.(ir.LabelRef); ok {
			a.checkLabel(lbl.Name, pos)
		} else {
			a.use(n.Target, pos)
		}

	case *ir.Return:
		if n.Value != nil {
			a.use(n.Value, pos)
		}

	default:
		a.error(pos, fmt.Sprintf("unsupported instruction %T", in))
	}
}

func (a *Analyzer) checkLabel(name string, pos ir.Position) {
	if _, ok := a.labels[name]; !ok {
		a.error(pos, fmt.Sprintf("function %q has no label %q", a.currentFunc.Name, name))
	}
}

func (a *Analyzer) checkBuiltIn(n *ir.BuiltIn) {
	nargs, hasDest := n.Op.Arity()
	if len(n.Args) != nargs {
		a.error(n.Pos, fmt.Sprintf("%s expects %d argument(s), got %d", n.Op, nargs, len(n.Args)))
	}
	if n.Dest != nil && !hasDest {
		a.error(n.Pos, fmt.Sprintf("%s does not produce a value", n.Op))
	}

	for _, arg := range n.Args {
		if n.Op == ir.OpError {
			if _, ok := arg.(ir.StrLit); !ok {
				a.error(n.Pos, fmt.Sprintf("Error expects a string literal, got %s", arg))
			}
			continue
		}
		a.use(arg, n.Pos)
	}
}

func (a *Analyzer) checkCall(n *ir.Call) {
	if lbl, ok := n.Addr.(ir.LabelRef); ok {
		if sym := a.scope.lookup(lbl.Name); sym == nil || sym.Kind != SymFunc {
			a.error(n.Pos, fmt.Sprintf("call to %s, which is not a function", lbl))
		}
	} else {
		a.use(n.Addr, n.Pos)
	}
	for _, arg := range n.Args {
		a.use(arg, n.Pos)
	}

	if a.dialect == ir.Bound {
		if n.Dest != nil || len(n.Args) > 0 {
			a.error(n.Pos, "register-bound calls pass arguments and results through registers")
		}
		return
	}
	if _, ok := n.Dest.(ir.Var); !ok {
		a.error(n.Pos, fmt.Sprintf("call destination must be a local variable, got %v", n.Dest))
		return
	}
	a.def(n.Dest, n.Pos)
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// def records a destination operand.
func (a *Analyzer) def(op ir.Operand, pos ir.Position) {
	switch o := op.(type) {
	case nil:
	case ir.Var:
		if a.checkDialect(op, pos) && a.scope.lookupLocal(o.Name) == nil {
			a.scope.define(&Symbol{Name: o.Name, Kind: SymLocal, Pos: pos})
		}
	case ir.Reg:
		a.checkDialect(op, pos)
	default:
		a.error(pos, fmt.Sprintf("%s cannot be assigned to", op))
	}
}

// use records a source operand.
func (a *Analyzer) use(op ir.Operand, pos ir.Position) {
	switch o := op.(type) {
	case ir.Var:
		if !a.checkDialect(op, pos) {
			return
		}
		if a.scope.lookupLocal(o.Name) == nil {
			a.warn(pos, fmt.Sprintf("%q is used before any definition; treating it as an implicit parameter", o.Name))
			a.scope.define(&Symbol{Name: o.Name, Kind: SymParam, Pos: pos})
		}
	case ir.Reg:
		a.checkDialect(op, pos)
	case ir.StrLit:
		a.error(pos, fmt.Sprintf("string literal %s is only allowed as the argument of Error", o))
	case ir.MemRef:
		a.error(pos, fmt.Sprintf("memory reference %s is not allowed here", o))
	}
}

func (a *Analyzer) useMem(m ir.MemRef, pos ir.Position) {
	switch r := m.(type) {
	case ir.GlobalRef:
		if _, ok := r.Base.(ir.IntLit); ok {
			a.error(pos, fmt.Sprintf("memory base %s must be a variable, register or label", r.Base))
			return
		}
		if _, ok := r.Base.(ir.LabelRef); !ok {
			a.use(r.Base, pos)
		}
	case ir.StackRef:
		if a.dialect == ir.Unallocated {
			a.error(pos, fmt.Sprintf("stack reference %s is only allowed in register-bound code", r))
		}
	}
}

// checkDialect reports operands that do not belong to the dialect being
// checked.  It returns false when op was rejected.
func (a *Analyzer) checkDialect(op ir.Operand, pos ir.Position) bool {
	switch op.(type) {
	case ir.Var:
		if a.dialect == ir.Bound {
			a.error(pos, fmt.Sprintf("variable %s in register-bound code", op))
			return false
		}
	case ir.Reg:
		if a.dialect == ir.Unallocated {
			a.error(pos, fmt.Sprintf("register %s in unallocated code", op))
			return false
		}
	}
	return true
}
