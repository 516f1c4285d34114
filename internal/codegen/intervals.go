package codegen

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"vaporc/internal/ir"
)

// ErrInvariant is wrapped by every failure caused by input that breaks the
// backend's contract (a missing branch label, a call without a variable
// destination, ...).  Such input should have been rejected upstream.
var ErrInvariant = errors.New("backend invariant violated")

// ---------------------------------------------------------------------------
// Interval: the live range of one variable
// ---------------------------------------------------------------------------

// Interval is the live range of a variable within one function.  Start and
// End are line-based edges: a definition on line L starts the range at L,
// a use on line L extends it to L-1 (the edge just before the use).
type Interval struct {
	Name string

	// IsParam is set for declared parameters and for variables that are
	// read before any definition (implicit parameters).
	IsParam bool

	Start int
	End   int

	// AboveCall marks a range that was live when a call was passed; it
	// becomes AcrossCall once a later reference confirms liveness.
	AboveCall  bool
	AcrossCall bool

	// Labels passed since the last reference, and labels confirmed to lie
	// inside the range.
	aboveLabels  map[string]struct{}
	acrossLabels map[string]struct{}

	// Uses counts the reads of the variable.
	Uses int

	activated int // entry order into the allocator's active set
}

func newInterval(name string) *Interval {
	return &Interval{
		Name:         name,
		aboveLabels:  make(map[string]struct{}),
		acrossLabels: make(map[string]struct{}),
	}
}

// AcrossLabels returns the labels confirmed inside the range, sorted.
func (v *Interval) AcrossLabels() []string {
	out := make([]string, 0, len(v.acrossLabels))
	for l := range v.acrossLabels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Overlaps reports whether two ranges share at least one edge.
func (v *Interval) Overlaps(o *Interval) bool {
	return v.Start <= o.End && o.Start <= v.End
}

func (v *Interval) String() string {
	return fmt.Sprintf("%s[%d:%d]", v.Name, v.Start, v.End)
}

// touch applies the crossing promotions shared by definitions and uses of
// an existing range.
func (v *Interval) touch() {
	if v.AboveCall {
		v.AcrossCall = true
	}
	for l := range v.aboveLabels {
		v.acrossLabels[l] = struct{}{}
	}
	clear(v.aboveLabels)
}

// ---------------------------------------------------------------------------
// FuncIntervals: the result of building one function
// ---------------------------------------------------------------------------

// FuncIntervals holds the intervals of one function in ascending Start
// order, together with the frame facts discovered during the scan.
type FuncIntervals struct {
	Func      *ir.Function
	Intervals []*Interval

	// Out is the number of outgoing argument words the function needs.
	Out int

	// Calls is the number of call instructions in the body.
	Calls int

	byName map[string]*Interval
}

// Lookup returns the interval of the named variable, or nil.
func (fi *FuncIntervals) Lookup(name string) *Interval {
	return fi.byName[name]
}

// Sorted reports whether the intervals are in non-decreasing Start order.
func (fi *FuncIntervals) Sorted() bool {
	return sort.SliceIsSorted(fi.Intervals, func(i, j int) bool {
		return fi.Intervals[i].Start < fi.Intervals[j].Start
	})
}

// ---------------------------------------------------------------------------
// Builder: single forward scan over a function body
// ---------------------------------------------------------------------------

type intervalBuilder struct {
	fi      *FuncIntervals
	pending []ir.CodeLabel
	known   map[string]bool
	line    int
}

// BuildIntervals scans fn once and returns one interval per variable.
// Liveness is approximated: a range is widened over a label only when a
// later reference or jump confirms it, with no fixpoint iteration.
func BuildIntervals(fn *ir.Function) (*FuncIntervals, error) {
	b := &intervalBuilder{
		fi: &FuncIntervals{
			Func:   fn,
			byName: make(map[string]*Interval),
		},
		known: make(map[string]bool, len(fn.Labels)),
	}

	for _, l := range fn.Labels {
		b.known[l.Name] = true
	}
	b.pending = append(b.pending, fn.Labels...)
	sort.SliceStable(b.pending, func(i, j int) bool { return b.pending[i].Line < b.pending[j].Line })

	for _, p := range fn.Params {
		if b.fi.byName[p] != nil {
			return nil, fmt.Errorf("function %s: parameter %q declared twice: %w", fn.Name, p, ErrInvariant)
		}
		v := b.create(p)
		v.IsParam = true
		v.Start, v.End = fn.Pos.Line, fn.Pos.Line
		b.insertUpper(v)
	}

	for _, in := range fn.Body {
		b.line = in.GetPos().Line

		for len(b.pending) > 0 && b.pending[0].Line < b.line {
			label := b.pending[0].Name
			b.pending = b.pending[1:]
			for _, v := range b.fi.Intervals {
				v.aboveLabels[label] = struct{}{}
			}
		}

		if err := b.visit(in); err != nil {
			return nil, fmt.Errorf("function %s, line %d: %w", fn.Name, b.line, err)
		}
	}

	return b.fi, nil
}

func (b *intervalBuilder) visit(in ir.Instr) error {
	switch n := in.(type) {
	case *ir.Assign:
		b.def(n.Dest)
		b.use(n.Source)

	case *ir.Branch:
		if err := b.jump(n.Target); err != nil {
			return err
		}
		b.use(n.Cond)

	case *ir.BuiltIn:
		b.def(n.Dest)
		for _, a := range n.Args {
			b.use(a)
		}

	case *ir.Call:
		b.use(n.Addr)
		for _, a := range n.Args {
			b.use(a)
		}
		for _, v := range b.fi.Intervals {
			v.AboveCall = true
		}
		b.fi.Calls++
		if _, ok := n.Dest.(ir.Var); !ok {
			return fmt.Errorf("call destination %v is not a local variable: %w", n.Dest, ErrInvariant)
		}
		b.def(n.Dest)
		if extra := len(n.Args) - 4; extra > b.fi.Out {
			b.fi.Out = extra
		}

	case *ir.MemRead:
		b.def(n.Dest)
		b.useMem(n.Source)

	case *ir.MemWrite:
		b.useMem(n.Dest)
		b.use(n.Source)

	case *ir.Goto:
		if lbl, ok := n.Target.(ir.LabelRef); ok {
			return b.jump(lbl.Name)
		}
		b.use(n.Target)

	case *ir.Return:
		if n.Value != nil {
			b.use(n.Value)
		}

	default:
		return fmt.Errorf("unsupported instruction %T: %w", in, ErrInvariant)
	}
	return nil
}

func (b *intervalBuilder) create(name string) *Interval {
	v := newInterval(name)
	b.fi.byName[name] = v
	return v
}

// insertUpper places v after every interval with Start <= v.Start.
func (b *intervalBuilder) insertUpper(v *Interval) {
	list := b.fi.Intervals
	i := sort.Search(len(list), func(i int) bool { return list[i].Start > v.Start })
	b.fi.Intervals = slices.Insert(list, i, v)
}

// insertLower places v before every interval with Start >= v.Start.
func (b *intervalBuilder) insertLower(v *Interval) {
	list := b.fi.Intervals
	i := sort.Search(len(list), func(i int) bool { return list[i].Start >= v.Start })
	b.fi.Intervals = slices.Insert(list, i, v)
}

func (b *intervalBuilder) def(op ir.Operand) {
	x, ok := op.(ir.Var)
	if !ok {
		return
	}
	if v := b.fi.byName[x.Name]; v != nil {
		v.touch()
		// Cover every definition, dead stores included.
		v.End = max(v.End, b.line)
		return
	}
	v := b.create(x.Name)
	v.Start, v.End = b.line, b.line
	b.insertUpper(v)
}

func (b *intervalBuilder) use(op ir.Operand) {
	x, ok := op.(ir.Var)
	if !ok {
		return
	}
	v := b.fi.byName[x.Name]
	if v == nil {
		// Read before any definition: treat it as a parameter that is live
		// from the top of the function.
		start := b.line - 1
		if len(b.fi.Intervals) > 0 {
			first := b.fi.Intervals[0]
			start = first.Start
			if !first.IsParam {
				start--
			}
		}
		v = b.create(x.Name)
		v.IsParam = true
		v.Start, v.End = start, start
		b.insertLower(v)
	} else {
		v.touch()
	}
	v.Uses++
	if end := b.line - 1; end > v.End {
		v.End = end
	}
}

func (b *intervalBuilder) useMem(m ir.MemRef) {
	if g, ok := m.(ir.GlobalRef); ok {
		b.use(g.Base)
	}
}

// jump extends every range that spans the target label up to this edge.
func (b *intervalBuilder) jump(label string) error {
	if !b.known[label] {
		return fmt.Errorf("jump to undefined label %q: %w", label, ErrInvariant)
	}
	for _, v := range b.fi.Intervals {
		if _, ok := v.acrossLabels[label]; !ok {
			continue
		}
		if end := b.line - 1; end > v.End {
			v.End = end
		}
		if v.AboveCall {
			v.AcrossCall = true
		}
	}
	return nil
}
