package codegen

import (
	"fmt"

	"vaporc/internal/ir"
)

// ---------------------------------------------------------------------------
// Register binding: unallocated IR + allocation → register-bound IR
// ---------------------------------------------------------------------------

type binder struct {
	m      *Machine
	alloc  *Allocation
	callee []string
	out    []ir.Instr
	pos    ir.Position
}

// Bind rewrites the function behind alloc into the register-bound dialect.
// Every variable becomes its register or spill slot, spilled operands are
// staged through the scratch registers, calls follow the calling
// convention, and the frame shape is attached.
func Bind(alloc *Allocation, m *Machine) (*ir.Function, error) {
	fn := alloc.Func
	b := &binder{
		m:      m,
		alloc:  alloc,
		callee: alloc.CalleeSaved(m),
		pos:    fn.Pos,
	}

	stack := ir.FrameShape{
		In:    max(0, len(fn.Params)-len(m.ArgRegs)),
		Out:   alloc.Intervals.Out,
		Local: alloc.Spills + len(b.callee),
	}

	for i, r := range b.callee {
		b.emit(&ir.MemWrite{Dest: b.saveSlot(i), Source: ir.Reg{Name: r}})
	}
	b.bindParams()

	for _, in := range fn.Body {
		b.pos = in.GetPos()
		if err := b.rewrite(in); err != nil {
			return nil, fmt.Errorf("function %s, line %d: %w", fn.Name, b.pos.Line, err)
		}
	}

	return &ir.Function{
		Name:   fn.Name,
		Body:   b.out,
		Labels: append([]ir.CodeLabel(nil), fn.Labels...),
		Stack:  stack,
		Pos:    fn.Pos,
	}, nil
}

func (b *binder) emit(in ir.Instr) {
	switch n := in.(type) {
	case *ir.Assign:
		n.Pos = b.pos
	case *ir.Branch:
		n.Pos = b.pos
	case *ir.BuiltIn:
		n.Pos = b.pos
	case *ir.Call:
		n.Pos = b.pos
	case *ir.MemRead:
		n.Pos = b.pos
	case *ir.MemWrite:
		n.Pos = b.pos
	case *ir.Goto:
		n.Pos = b.pos
	case *ir.Return:
		n.Pos = b.pos
	}
	b.out = append(b.out, in)
}

func (b *binder) scratch(i int) ir.Reg { return ir.Reg{Name: b.m.Scratch[i]} }

func (b *binder) saveSlot(i int) ir.StackRef {
	return ir.StackRef{Region: ir.RegionLocal, Index: b.alloc.Spills + i}
}

// bindParams copies each used parameter from its argument register or
// in[] slot into its bound location.
func (b *binder) bindParams() {
	for i, p := range b.alloc.Func.Params {
		v := b.alloc.Intervals.Lookup(p)
		if v == nil || v.Uses == 0 {
			continue
		}
		loc := b.alloc.Locations[p]

		if i < len(b.m.ArgRegs) {
			arg := ir.Reg{Name: b.m.ArgRegs[i]}
			if loc.IsReg() {
				b.emit(&ir.Assign{Dest: loc.Operand(), Source: arg})
			} else {
				b.emit(&ir.MemWrite{Dest: loc.Operand().(ir.MemRef), Source: arg})
			}
			continue
		}

		in := ir.StackRef{Region: ir.RegionIn, Index: i - len(b.m.ArgRegs)}
		if loc.IsReg() {
			b.emit(&ir.MemRead{Dest: loc.Operand(), Source: in})
		} else {
			b.emit(&ir.MemRead{Dest: b.scratch(0), Source: in})
			b.emit(&ir.MemWrite{Dest: loc.Operand().(ir.MemRef), Source: b.scratch(0)})
		}
	}
}

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

func (b *binder) location(v ir.Var) (Location, error) {
	loc, ok := b.alloc.Locations[v.Name]
	if !ok {
		return Location{}, fmt.Errorf("variable %s has no location: %w", v.Name, ErrInvariant)
	}
	return loc, nil
}

// value returns op in a form an instruction can read: a register, or a
// literal when allowLit is set.  Spilled variables are loaded into scratch
// register i first.
func (b *binder) value(op ir.Operand, i int, allowLit bool) (ir.Operand, error) {
	switch o := op.(type) {
	case ir.Var:
		loc, err := b.location(o)
		if err != nil {
			return nil, err
		}
		if loc.IsReg() {
			return loc.Operand(), nil
		}
		b.emit(&ir.MemRead{Dest: b.scratch(i), Source: loc.Operand().(ir.MemRef)})
		return b.scratch(i), nil
	case ir.IntLit, ir.LabelRef:
		if allowLit {
			return op, nil
		}
		b.emit(&ir.Assign{Dest: b.scratch(i), Source: op})
		return b.scratch(i), nil
	case ir.StrLit:
		return op, nil
	}
	return nil, fmt.Errorf("unexpected operand %s in unallocated code: %w", op, ErrInvariant)
}

// moveTo copies op into dst, which is a register or a stack word.
func (b *binder) moveTo(dst ir.Operand, op ir.Operand) error {
	if v, ok := op.(ir.Var); ok {
		loc, err := b.location(v)
		if err != nil {
			return err
		}
		if !loc.IsReg() {
			if mem, ok := dst.(ir.MemRef); ok {
				b.emit(&ir.MemRead{Dest: b.scratch(0), Source: loc.Operand().(ir.MemRef)})
				b.emit(&ir.MemWrite{Dest: mem, Source: b.scratch(0)})
				return nil
			}
			b.emit(&ir.MemRead{Dest: dst, Source: loc.Operand().(ir.MemRef)})
			return nil
		}
		op = loc.Operand()
	} else if _, ok := op.(ir.StrLit); ok {
		return fmt.Errorf("string literal %s cannot be stored: %w", op, ErrInvariant)
	}

	if mem, ok := dst.(ir.MemRef); ok {
		b.emit(&ir.MemWrite{Dest: mem, Source: op})
		return nil
	}
	b.emit(&ir.Assign{Dest: dst, Source: op})
	return nil
}

// dest returns the register an instruction should write for op, and a
// function that stores it back when op is spilled.
func (b *binder) dest(op ir.Operand) (ir.Operand, func(), error) {
	v, ok := op.(ir.Var)
	if !ok {
		return nil, nil, fmt.Errorf("destination %v is not a local variable: %w", op, ErrInvariant)
	}
	loc, err := b.location(v)
	if err != nil {
		return nil, nil, err
	}
	if loc.IsReg() {
		return loc.Operand(), func() {}, nil
	}
	return b.scratch(0), func() {
		b.emit(&ir.MemWrite{Dest: loc.Operand().(ir.MemRef), Source: b.scratch(0)})
	}, nil
}

// memRef binds the base of a memory operand into scratch register i when
// it is not already a register.
func (b *binder) memRef(m ir.MemRef, i int) (ir.MemRef, error) {
	g, ok := m.(ir.GlobalRef)
	if !ok {
		return nil, fmt.Errorf("stack reference %s in unallocated code: %w", m, ErrInvariant)
	}
	base, err := b.value(g.Base, i, false)
	if err != nil {
		return nil, err
	}
	return ir.GlobalRef{Base: base, Offset: g.Offset}, nil
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

func (b *binder) rewrite(in ir.Instr) error {
	switch n := in.(type) {
	case *ir.Assign:
		v, ok := n.Dest.(ir.Var)
		if !ok {
			return fmt.Errorf("assignment to %s: %w", n.Dest, ErrInvariant)
		}
		loc, err := b.location(v)
		if err != nil {
			return err
		}
		return b.moveTo(loc.Operand(), n.Source)

	case *ir.Branch:
		cond, err := b.value(n.Cond, 0, false)
		if err != nil {
			return err
		}
		b.emit(&ir.Branch{Positive: n.Positive, Cond: cond, Target: n.Target})

	case *ir.BuiltIn:
		args := make([]ir.Operand, len(n.Args))
		for i, a := range n.Args {
			v, err := b.value(a, i%2, true)
			if err != nil {
				return err
			}
			args[i] = v
		}
		if n.Dest == nil {
			b.emit(&ir.BuiltIn{Op: n.Op, Args: args})
			return nil
		}
		dst, store, err := b.dest(n.Dest)
		if err != nil {
			return err
		}
		b.emit(&ir.BuiltIn{Op: n.Op, Args: args, Dest: dst})
		store()

	case *ir.Call:
		return b.rewriteCall(n)

	case *ir.MemRead:
		src, err := b.memRef(n.Source, 1)
		if err != nil {
			return err
		}
		dst, store, err := b.dest(n.Dest)
		if err != nil {
			return err
		}
		b.emit(&ir.MemRead{Dest: dst, Source: src})
		store()

	case *ir.MemWrite:
		dst, err := b.memRef(n.Dest, 0)
		if err != nil {
			return err
		}
		src, err := b.value(n.Source, 1, true)
		if err != nil {
			return err
		}
		b.emit(&ir.MemWrite{Dest: dst, Source: src})

	case *ir.Goto:
		if _, ok := n.Target.(ir.LabelRef); ok {
			b.emit(&ir.Goto{Target: n.Target})
			return nil
		}
		target, err := b.value(n.Target, 0, false)
		if err != nil {
			return err
		}
		b.emit(&ir.Goto{Target: target})

	case *ir.Return:
		if n.Value != nil {
			if err := b.moveTo(ir.Reg{Name: b.m.ReturnReg}, n.Value); err != nil {
				return err
			}
		}
		for i, r := range b.callee {
			b.emit(&ir.MemRead{Dest: ir.Reg{Name: r}, Source: b.saveSlot(i)})
		}
		b.emit(&ir.Return{})

	default:
		return fmt.Errorf("unsupported instruction %T: %w", in, ErrInvariant)
	}
	return nil
}

func (b *binder) rewriteCall(n *ir.Call) error {
	nregs := len(b.m.ArgRegs)
	for i, a := range n.Args {
		var dst ir.Operand = ir.StackRef{Region: ir.RegionOut, Index: i - nregs}
		if i < nregs {
			dst = ir.Reg{Name: b.m.ArgRegs[i]}
		}
		if err := b.moveTo(dst, a); err != nil {
			return err
		}
	}

	addr, err := b.value(n.Addr, 0, true)
	if err != nil {
		return err
	}
	b.emit(&ir.Call{Addr: addr})

	v, ok := n.Dest.(ir.Var)
	if !ok {
		return fmt.Errorf("call destination %v is not a local variable: %w", n.Dest, ErrInvariant)
	}
	loc, err := b.location(v)
	if err != nil {
		return err
	}
	ret := ir.Reg{Name: b.m.ReturnReg}
	if loc.IsReg() {
		b.emit(&ir.Assign{Dest: loc.Operand(), Source: ret})
	} else {
		b.emit(&ir.MemWrite{Dest: loc.Operand().(ir.MemRef), Source: ret})
	}
	return nil
}
