package ir

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// IR: the three-address program model consumed by the backend
//
// A Program holds data segments and functions.  Each function body is a
// flat instruction list; code labels are kept beside the body and bound to
// the line of the instruction they precede.  The same model carries both
// dialects: the unallocated one (operands are named locals) and the
// register-bound one (operands are physical registers and stack slots).
// ---------------------------------------------------------------------------

// Position represents a line/column pair in IR source text (1-based).
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// Operand is implemented by every value an instruction can reference.
type Operand interface {
	String() string
	operandNode()
}

// Var is a named local variable (a virtual register).
type Var struct {
	Name string
}

// Reg is a physical register, written with its leading '$' (e.g. "$t0").
type Reg struct {
	Name string
}

// IntLit is an integer literal.
type IntLit struct {
	Value int64
}

// StrLit is a string literal.  Only the Error builtin accepts one.
type StrLit struct {
	Value string
}

// LabelRef names a code label, a function, or a data segment.
type LabelRef struct {
	Name string
}

func (Var) operandNode()      {}
func (Reg) operandNode()      {}
func (IntLit) operandNode()   {}
func (StrLit) operandNode()   {}
func (LabelRef) operandNode() {}

func (o Var) String() string      { return o.Name }
func (o Reg) String() string      { return o.Name }
func (o IntLit) String() string   { return strconv.FormatInt(o.Value, 10) }
func (o StrLit) String() string   { return strconv.Quote(o.Value) }
func (o LabelRef) String() string { return ":" + o.Name }

// ---------------------------------------------------------------------------
// Memory references
// ---------------------------------------------------------------------------

// MemRef is implemented by the two kinds of memory operand.
type MemRef interface {
	Operand
	memRefNode()
}

// GlobalRef addresses heap or data memory: [Base+Offset] in bytes.
type GlobalRef struct {
	Base   Operand
	Offset int
}

// StackRegion selects one of the three frame areas of a function.
type StackRegion int

const (
	RegionIn    StackRegion = iota // incoming arguments, owned by the caller
	RegionOut                      // outgoing arguments for calls made here
	RegionLocal                    // spill slots and saved callee registers
)

func (r StackRegion) String() string {
	switch r {
	case RegionIn:
		return "in"
	case RegionOut:
		return "out"
	case RegionLocal:
		return "local"
	default:
		return "unknown"
	}
}

// StackRef addresses a word of the current frame: region[Index].
type StackRef struct {
	Region StackRegion
	Index  int
}

func (GlobalRef) operandNode() {}
func (StackRef) operandNode()  {}
func (GlobalRef) memRefNode()  {}
func (StackRef) memRefNode()   {}

func (m GlobalRef) String() string {
	switch {
	case m.Offset > 0:
		return fmt.Sprintf("[%s+%d]", m.Base, m.Offset)
	case m.Offset < 0:
		return fmt.Sprintf("[%s-%d]", m.Base, -m.Offset)
	default:
		return fmt.Sprintf("[%s]", m.Base)
	}
}

func (m StackRef) String() string {
	return fmt.Sprintf("%s[%d]", m.Region, m.Index)
}

// ---------------------------------------------------------------------------
// Builtin operations
// ---------------------------------------------------------------------------

// BuiltinOp identifies a builtin operation.
type BuiltinOp int

const (
	OpAdd BuiltinOp = iota
	OpSub
	OpMulS
	OpEq
	OpLt  // unsigned less-than
	OpLtS // signed less-than
	OpPrintIntS
	OpHeapAllocZ
	OpError
)

var builtinNames = map[BuiltinOp]string{
	OpAdd: "Add", OpSub: "Sub", OpMulS: "MulS",
	OpEq: "Eq", OpLt: "Lt", OpLtS: "LtS",
	OpPrintIntS: "PrintIntS", OpHeapAllocZ: "HeapAllocZ", OpError: "Error",
}

var builtinsByName = func() map[string]BuiltinOp {
	m := make(map[string]BuiltinOp, len(builtinNames))
	for op, name := range builtinNames {
		m[name] = op
	}
	return m
}()

func (op BuiltinOp) String() string {
	if s, ok := builtinNames[op]; ok {
		return s
	}
	return fmt.Sprintf("builtin_%d", int(op))
}

// LookupBuiltin resolves a builtin name such as "Add" or "PrintIntS".
func LookupBuiltin(name string) (BuiltinOp, bool) {
	op, ok := builtinsByName[name]
	return op, ok
}

// Arity returns the number of arguments op takes and whether it produces a
// value.
func (op BuiltinOp) Arity() (args int, hasDest bool) {
	switch op {
	case OpPrintIntS, OpError:
		return 1, false
	case OpHeapAllocZ:
		return 1, true
	default:
		return 2, true
	}
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instr is implemented by every instruction kind.  The set is closed.
type Instr interface {
	GetPos() Position
	instrNode()
}

// Assign copies Source into Dest.
type Assign struct {
	Dest   Operand
	Source Operand
	Pos    Position
}

// Branch jumps to Target when Cond is non-zero (Positive) or zero (!Positive).
type Branch struct {
	Positive bool
	Cond     Operand
	Target   string
	Pos      Position
}

// BuiltIn applies a builtin operation.  Dest is nil for PrintIntS and Error.
type BuiltIn struct {
	Op   BuiltinOp
	Args []Operand
	Dest Operand
	Pos  Position
}

// Call invokes the function at Addr.  In the register-bound dialect Args
// and Dest are empty: arguments and the result travel through registers.
type Call struct {
	Addr Operand
	Args []Operand
	Dest Operand
	Pos  Position
}

// MemRead loads a word from Source into Dest.
type MemRead struct {
	Dest   Operand
	Source MemRef
	Pos    Position
}

// MemWrite stores Source into the word at Dest.
type MemWrite struct {
	Dest   MemRef
	Source Operand
	Pos    Position
}

// Goto jumps unconditionally.  Target is a LabelRef or a variable/register
// holding a code address.
type Goto struct {
	Target Operand
	Pos    Position
}

// Return leaves the function.  Value is nil for a bare ret.
type Return struct {
	Value Operand
	Pos   Position
}

func (n *Assign) GetPos() Position   { return n.Pos }
func (n *Branch) GetPos() Position   { return n.Pos }
func (n *BuiltIn) GetPos() Position  { return n.Pos }
func (n *Call) GetPos() Position     { return n.Pos }
func (n *MemRead) GetPos() Position  { return n.Pos }
func (n *MemWrite) GetPos() Position { return n.Pos }
func (n *Goto) GetPos() Position     { return n.Pos }
func (n *Return) GetPos() Position   { return n.Pos }

func (*Assign) instrNode()   {}
func (*Branch) instrNode()   {}
func (*BuiltIn) instrNode()  {}
func (*Call) instrNode()     {}
func (*MemRead) instrNode()  {}
func (*MemWrite) instrNode() {}
func (*Goto) instrNode()     {}
func (*Return) instrNode()   {}

// ---------------------------------------------------------------------------
// Functions, data, program
// ---------------------------------------------------------------------------

// CodeLabel marks the instruction that follows it in the source.
type CodeLabel struct {
	Name string
	Line int
}

// FrameShape is a function's stack geometry in words.
type FrameShape struct {
	In    int
	Out   int
	Local int
}

func (s FrameShape) String() string {
	return fmt.Sprintf("[in %d, out %d, local %d]", s.In, s.Out, s.Local)
}

// Function is a single IR function.  Params is empty in the register-bound
// dialect; Stack is only meaningful there.
type Function struct {
	Name   string
	Params []string
	Body   []Instr
	Labels []CodeLabel
	Stack  FrameShape
	Pos    Position
}

// HasLabel reports whether the function defines a code label called name.
func (f *Function) HasLabel(name string) bool {
	for _, l := range f.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// DataSegment is a named list of static words (usually a method table).
type DataSegment struct {
	Name    string
	Mutable bool
	Values  []Operand // LabelRef or IntLit
	Pos     Position
}

// Program is the root of an IR compilation unit.
type Program struct {
	DataSegments []*DataSegment
	Functions    []*Function
}

// Function returns the function called name, or nil.
func (p *Program) Function(name string) *Function {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}
