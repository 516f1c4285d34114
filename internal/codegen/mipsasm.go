package codegen

import (
	"fmt"
	"strings"

	"vaporc/internal/ir"
)

// ---------------------------------------------------------------------------
// MIPS32 Assembly Emitter
//
// Produces SPIM/MARS assembly from register-bound IR.  Every function gets
// a $fp/$ra frame; the runtime routines _print, _error and _heapAlloc are
// appended once, followed by the newline constant and the error-message
// table.
// ---------------------------------------------------------------------------

// EmitMIPS converts a register-bound program to MIPS assembly text.
func EmitMIPS(prog *ir.Program, m *Machine) (string, error) {
	e := &mipsEmitter{
		prog:     prog,
		m:        m,
		b:        &strings.Builder{},
		messages: make(map[string]int),
	}
	if err := e.emit(); err != nil {
		return "", err
	}
	return e.b.String(), nil
}

type mipsEmitter struct {
	prog *ir.Program
	m    *Machine
	b    *strings.Builder

	// Error messages, indexed by first occurrence.
	messages map[string]int
	order    []string

	fn        *ir.Function
	frameSize int
}

func (e *mipsEmitter) line(indent int, format string, args ...any) {
	e.b.WriteString(strings.Repeat("  ", indent))
	fmt.Fprintf(e.b, format, args...)
	e.b.WriteString("\n")
}

// ins writes one indented instruction.
func (e *mipsEmitter) ins(format string, args ...any) {
	e.line(1, format, args...)
}

func (e *mipsEmitter) emit() error {
	if len(e.prog.DataSegments) > 0 {
		e.line(0, ".data")
		e.line(0, "")
	}
	for _, ds := range e.prog.DataSegments {
		e.line(0, "%s:", ds.Name)
		for _, v := range ds.Values {
			switch s := v.(type) {
			case ir.LabelRef:
				e.ins("%s", s.Name)
			case ir.IntLit:
				e.ins("%d", s.Value)
			default:
				return fmt.Errorf("data segment %s: unsupported value %s: %w", ds.Name, v, ErrInvariant)
			}
		}
		e.line(0, "")
	}

	e.line(0, ".text")
	e.line(0, "")
	e.ins("jal Main")
	e.ins("li $v0 %d", e.m.SysExit)
	e.ins("syscall")
	e.line(0, "")

	for _, fn := range e.prog.Functions {
		if err := e.emitFunction(fn); err != nil {
			return fmt.Errorf("function %s: %w", fn.Name, err)
		}
	}

	e.emitRuntime()
	return nil
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func (e *mipsEmitter) emitFunction(fn *ir.Function) error {
	e.fn = fn
	e.frameSize = (fn.Stack.Out+fn.Stack.Local)*e.m.WordSize + 8

	e.line(0, "%s:", fn.Name)
	e.ins("sw %s -8(%s)", e.m.FramePointer, e.m.StackPointer)
	e.ins("move %s %s", e.m.FramePointer, e.m.StackPointer)
	e.ins("subu %s %s %d", e.m.StackPointer, e.m.StackPointer, e.frameSize)
	e.ins("sw %s -4(%s)", e.m.ReturnAddr, e.m.FramePointer)

	var err error
	fn.Walk(
		func(l ir.CodeLabel) { e.line(0, "%s:", l.Name) },
		func(in ir.Instr) {
			if err == nil {
				if err = e.emitInstr(in); err != nil {
					err = fmt.Errorf("line %d: %w", in.GetPos().Line, err)
				}
			}
		},
	)
	if err != nil {
		return err
	}

	e.line(0, "")
	return nil
}

func (e *mipsEmitter) emitEpilogue() {
	e.ins("lw %s -4(%s)", e.m.ReturnAddr, e.m.FramePointer)
	e.ins("lw %s -8(%s)", e.m.FramePointer, e.m.FramePointer)
	e.ins("addu %s %s %d", e.m.StackPointer, e.m.StackPointer, e.frameSize)
	e.ins("jr %s", e.m.ReturnAddr)
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

func (e *mipsEmitter) emitInstr(in ir.Instr) error {
	switch n := in.(type) {
	case *ir.Assign:
		dst, err := e.reg(n.Dest)
		if err != nil {
			return err
		}
		return e.load(dst, n.Source)

	case *ir.Branch:
		cond, err := e.regOrScratch(n.Cond)
		if err != nil {
			return err
		}
		op := "beqz"
		if n.Positive {
			op = "bnez"
		}
		e.ins("%s %s %s", op, cond, n.Target)

	case *ir.BuiltIn:
		return e.emitBuiltIn(n)

	case *ir.Call:
		switch a := n.Addr.(type) {
		case ir.LabelRef:
			e.ins("jal %s", a.Name)
		case ir.Reg:
			e.ins("jalr %s", a.Name)
		default:
			return fmt.Errorf("call target %s: %w", n.Addr, ErrInvariant)
		}

	case *ir.MemRead:
		dst, err := e.reg(n.Dest)
		if err != nil {
			return err
		}
		addr, err := e.address(n.Source)
		if err != nil {
			return err
		}
		e.ins("lw %s %s", dst, addr)

	case *ir.MemWrite:
		var src string
		switch s := n.Source.(type) {
		case ir.Reg:
			src = s.Name
		case ir.IntLit, ir.LabelRef:
			if g, ok := n.Dest.(ir.GlobalRef); ok {
				if _, ok := g.Base.(ir.Reg); !ok {
					return fmt.Errorf("store of literal %s through non-register base: %w", s, ErrInvariant)
				}
			}
			if err := e.load(e.m.ImmScratch, s); err != nil {
				return err
			}
			src = e.m.ImmScratch
		default:
			return fmt.Errorf("store source %s: %w", n.Source, ErrInvariant)
		}
		addr, err := e.address(n.Dest)
		if err != nil {
			return err
		}
		e.ins("sw %s %s", src, addr)

	case *ir.Goto:
		switch t := n.Target.(type) {
		case ir.LabelRef:
			e.ins("j %s", t.Name)
		case ir.Reg:
			e.ins("jr %s", t.Name)
		default:
			return fmt.Errorf("jump target %s: %w", n.Target, ErrInvariant)
		}

	case *ir.Return:
		if n.Value != nil {
			if err := e.load(e.m.ReturnReg, n.Value); err != nil {
				return err
			}
		}
		e.emitEpilogue()

	default:
		return fmt.Errorf("unsupported instruction %T: %w", in, ErrInvariant)
	}
	return nil
}

// binaryOps maps each two-operand builtin to its register form, its
// register-immediate form, and the form used when the operands are swapped
// to put the literal second.
var binaryOps = map[ir.BuiltinOp]struct{ rr, ri, swapped string }{
	ir.OpAdd:  {"addu", "addiu", "addiu"},
	ir.OpSub:  {"subu", "subu", ""},
	ir.OpMulS: {"mul", "mul", "mul"},
	ir.OpEq:   {"seq", "seq", "seq"},
	ir.OpLt:   {"sltu", "sltiu", "sgtu"},
	ir.OpLtS:  {"slt", "slti", "sgt"},
}

func (e *mipsEmitter) emitBuiltIn(n *ir.BuiltIn) error {
	switch n.Op {
	case ir.OpPrintIntS:
		if err := e.arity(n, 1); err != nil {
			return err
		}
		if err := e.load("$a0", n.Args[0]); err != nil {
			return err
		}
		e.ins("jal _print")
		return nil

	case ir.OpHeapAllocZ:
		if err := e.arity(n, 1); err != nil {
			return err
		}
		dst, err := e.reg(n.Dest)
		if err != nil {
			return err
		}
		if err := e.load("$a0", n.Args[0]); err != nil {
			return err
		}
		e.ins("jal _heapAlloc")
		if dst != e.m.ReturnReg {
			e.ins("move %s %s", dst, e.m.ReturnReg)
		}
		return nil

	case ir.OpError:
		if err := e.arity(n, 1); err != nil {
			return err
		}
		msg, ok := n.Args[0].(ir.StrLit)
		if !ok {
			return fmt.Errorf("Error argument %s is not a string: %w", n.Args[0], ErrInvariant)
		}
		e.ins("la $a0 _str%d", e.intern(msg.Value))
		e.ins("j _error")
		return nil
	}

	ops, ok := binaryOps[n.Op]
	if !ok {
		return fmt.Errorf("unknown builtin %s: %w", n.Op, ErrInvariant)
	}
	if err := e.arity(n, 2); err != nil {
		return err
	}
	dst, err := e.reg(n.Dest)
	if err != nil {
		return err
	}

	a, aLit := n.Args[0].(ir.IntLit)
	b, bLit := n.Args[1].(ir.IntLit)
	switch {
	case !aLit && !bLit:
		x, err := e.reg(n.Args[0])
		if err != nil {
			return err
		}
		y, err := e.reg(n.Args[1])
		if err != nil {
			return err
		}
		e.ins("%s %s %s %s", ops.rr, dst, x, y)

	case !aLit && bLit:
		x, err := e.reg(n.Args[0])
		if err != nil {
			return err
		}
		e.ins("%s %s %s %d", ops.ri, dst, x, b.Value)

	case aLit && !bLit && ops.swapped != "":
		y, err := e.reg(n.Args[1])
		if err != nil {
			return err
		}
		e.ins("%s %s %s %d", ops.swapped, dst, y, a.Value)

	default:
		// Literal first with no swapped form, or two literals: stage the
		// first operand in the immediate scratch register.
		e.ins("li %s %d", e.m.ImmScratch, a.Value)
		if bLit {
			e.ins("%s %s %s %d", ops.ri, dst, e.m.ImmScratch, b.Value)
			return nil
		}
		y, err := e.reg(n.Args[1])
		if err != nil {
			return err
		}
		e.ins("%s %s %s %s", ops.rr, dst, e.m.ImmScratch, y)
	}
	return nil
}

func (e *mipsEmitter) arity(n *ir.BuiltIn, want int) error {
	if len(n.Args) != want {
		return fmt.Errorf("%s takes %d argument(s), got %d: %w", n.Op, want, len(n.Args), ErrInvariant)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// reg returns the register name of op.
func (e *mipsEmitter) reg(op ir.Operand) (string, error) {
	if r, ok := op.(ir.Reg); ok {
		return r.Name, nil
	}
	return "", fmt.Errorf("operand %v is not a register: %w", op, ErrInvariant)
}

// regOrScratch returns op as a register, loading a literal into the
// immediate scratch register first.
func (e *mipsEmitter) regOrScratch(op ir.Operand) (string, error) {
	switch op.(type) {
	case ir.IntLit, ir.LabelRef:
		if err := e.load(e.m.ImmScratch, op); err != nil {
			return "", err
		}
		return e.m.ImmScratch, nil
	}
	return e.reg(op)
}

// load copies a register, integer or label address into dst.
func (e *mipsEmitter) load(dst string, op ir.Operand) error {
	switch s := op.(type) {
	case ir.Reg:
		e.ins("move %s %s", dst, s.Name)
	case ir.IntLit:
		e.ins("li %s %d", dst, s.Value)
	case ir.LabelRef:
		e.ins("la %s %s", dst, s.Name)
	default:
		return fmt.Errorf("cannot load %v into %s: %w", op, dst, ErrInvariant)
	}
	return nil
}

// address renders a memory operand as offset(base).
func (e *mipsEmitter) address(m ir.MemRef) (string, error) {
	w := e.m.WordSize
	switch r := m.(type) {
	case ir.StackRef:
		switch r.Region {
		case ir.RegionIn:
			return fmt.Sprintf("%d(%s)", r.Index*w, e.m.FramePointer), nil
		case ir.RegionOut:
			return fmt.Sprintf("%d(%s)", r.Index*w, e.m.StackPointer), nil
		case ir.RegionLocal:
			return fmt.Sprintf("%d(%s)", (e.fn.Stack.Out+r.Index)*w, e.m.StackPointer), nil
		}
	case ir.GlobalRef:
		switch b := r.Base.(type) {
		case ir.Reg:
			return fmt.Sprintf("%d(%s)", r.Offset, b.Name), nil
		case ir.LabelRef:
			e.ins("la %s %s", e.m.ImmScratch, b.Name)
			return fmt.Sprintf("%d(%s)", r.Offset, e.m.ImmScratch), nil
		}
	}
	return "", fmt.Errorf("memory operand %v: %w", m, ErrInvariant)
}

// intern returns the table index of an error message.
func (e *mipsEmitter) intern(s string) int {
	if i, ok := e.messages[s]; ok {
		return i
	}
	i := len(e.order)
	e.messages[s] = i
	e.order = append(e.order, s)
	return i
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

func (e *mipsEmitter) emitRuntime() {
	e.line(0, "_print:")
	e.ins("li $v0 %d", e.m.SysPrintInt)
	e.ins("syscall")
	e.ins("la $a0 _newline")
	e.ins("li $v0 %d", e.m.SysPrintString)
	e.ins("syscall")
	e.ins("jr $ra")
	e.line(0, "")

	e.line(0, "_error:")
	e.ins("li $v0 %d", e.m.SysPrintString)
	e.ins("syscall")
	e.ins("li $v0 %d", e.m.SysExit)
	e.ins("syscall")
	e.line(0, "")

	e.line(0, "_heapAlloc:")
	e.ins("li $v0 %d", e.m.SysSbrk)
	e.ins("syscall")
	e.ins("jr $ra")
	e.line(0, "")

	e.line(0, ".data")
	e.line(0, ".align 0")
	e.line(0, `_newline: .asciiz "\n"`)
	for i, s := range e.order {
		e.line(0, "_str%d: .asciiz %s", i, asciiz(s+"\n"))
	}
}

var asciizEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)

// asciiz quotes s for an .asciiz directive.  Other bytes are written as is.
func asciiz(s string) string {
	return `"` + asciizEscaper.Replace(s) + `"`
}
