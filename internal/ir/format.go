package ir

import (
	"fmt"
	"sort"
	"strings"
)

// Dialect selects which function-header syntax Format prints.
type Dialect int

const (
	Unallocated Dialect = iota // func Name(a b)
	Bound                      // func Name [in N, out N, local N]
)

// Walk visits a function body in source order, calling label for each code
// label before the first instruction positioned after it.  Labels that
// follow the last instruction are visited at the end.
func (f *Function) Walk(label func(CodeLabel), instr func(Instr)) {
	labels := make([]CodeLabel, len(f.Labels))
	copy(labels, f.Labels)
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Line < labels[j].Line })

	for _, in := range f.Body {
		line := in.GetPos().Line
		for len(labels) > 0 && labels[0].Line < line {
			label(labels[0])
			labels = labels[1:]
		}
		instr(in)
	}
	for _, l := range labels {
		label(l)
	}
}

// FormatInstr renders a single instruction in IR text syntax.
func FormatInstr(in Instr) string {
	switch n := in.(type) {
	case *Assign:
		return fmt.Sprintf("%s = %s", n.Dest, n.Source)
	case *Branch:
		kw := "if0"
		if n.Positive {
			kw = "if"
		}
		return fmt.Sprintf("%s %s goto :%s", kw, n.Cond, n.Target)
	case *BuiltIn:
		call := fmt.Sprintf("%s(%s)", n.Op, joinOperands(n.Args))
		if n.Dest == nil {
			return call
		}
		return fmt.Sprintf("%s = %s", n.Dest, call)
	case *Call:
		if n.Dest == nil && len(n.Args) == 0 {
			return fmt.Sprintf("call %s", n.Addr)
		}
		call := fmt.Sprintf("call %s(%s)", n.Addr, joinOperands(n.Args))
		if n.Dest == nil {
			return call
		}
		return fmt.Sprintf("%s = %s", n.Dest, call)
	case *MemRead:
		return fmt.Sprintf("%s = %s", n.Dest, n.Source)
	case *MemWrite:
		return fmt.Sprintf("%s = %s", n.Dest, n.Source)
	case *Goto:
		return fmt.Sprintf("goto %s", n.Target)
	case *Return:
		if n.Value == nil {
			return "ret"
		}
		return fmt.Sprintf("ret %s", n.Value)
	default:
		return fmt.Sprintf("<unknown instruction %T>", in)
	}
}

func joinOperands(ops []Operand) string {
	parts := make([]string, len(ops))
	for i, o := range ops {
		parts[i] = o.String()
	}
	return strings.Join(parts, " ")
}

// Format renders a whole program in IR text syntax.  Parsing the result
// yields an equivalent program.
func Format(p *Program, d Dialect) string {
	var b strings.Builder

	for _, ds := range p.DataSegments {
		kw := "const"
		if ds.Mutable {
			kw = "var"
		}
		fmt.Fprintf(&b, "%s %s\n", kw, ds.Name)
		for _, v := range ds.Values {
			fmt.Fprintf(&b, "  %s\n", v)
		}
		b.WriteString("\n")
	}

	for _, fn := range p.Functions {
		if d == Bound {
			fmt.Fprintf(&b, "func %s %s\n", fn.Name, fn.Stack)
		} else {
			fmt.Fprintf(&b, "func %s(%s)\n", fn.Name, strings.Join(fn.Params, " "))
		}
		fn.Walk(
			func(l CodeLabel) { fmt.Fprintf(&b, "%s:\n", l.Name) },
			func(in Instr) { fmt.Fprintf(&b, "  %s\n", FormatInstr(in)) },
		)
		b.WriteString("\n")
	}

	return b.String()
}
