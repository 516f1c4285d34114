package codegen

import (
	"fmt"

	"github.com/google/btree"
	"github.com/samber/lo"

	"vaporc/internal/ir"
)

// ---------------------------------------------------------------------------
// Location: where a variable lives after allocation
// ---------------------------------------------------------------------------

// Location is either a physical register (Reg != "") or the spill slot
// local[Slot].
type Location struct {
	Reg  string
	Slot int
}

// RegLoc returns a register location.
func RegLoc(reg string) Location { return Location{Reg: reg} }

// SlotLoc returns a spill-slot location.
func SlotLoc(k int) Location { return Location{Slot: k} }

// IsReg reports whether the location is a register.
func (l Location) IsReg() bool { return l.Reg != "" }

// Operand converts the location into an IR operand.
func (l Location) Operand() ir.Operand {
	if l.IsReg() {
		return ir.Reg{Name: l.Reg}
	}
	return ir.StackRef{Region: ir.RegionLocal, Index: l.Slot}
}

func (l Location) String() string {
	return l.Operand().String()
}

// ---------------------------------------------------------------------------
// Allocation: the result for one function
// ---------------------------------------------------------------------------

// Allocation maps every variable of a function to a Location.
type Allocation struct {
	Func      *ir.Function
	Intervals *FuncIntervals
	Locations map[string]Location

	// Spills is the number of spill slots used, local[0..Spills-1].
	Spills int
}

// Location returns the location of the named variable.
func (a *Allocation) Location(name string) (Location, bool) {
	l, ok := a.Locations[name]
	return l, ok
}

// CalleeSaved returns the callee-saved registers the function writes, in
// the machine's pool order.
func (a *Allocation) CalleeSaved(m *Machine) []string {
	used := make(map[string]bool)
	for _, l := range a.Locations {
		if l.IsReg() {
			used[l.Reg] = true
		}
	}
	return lo.Filter(m.CalleeSaved, func(r string, _ int) bool { return used[r] })
}

// ---------------------------------------------------------------------------
// Linear scan
// ---------------------------------------------------------------------------

// activeLess orders the active set by End.  Equal ends are ordered newest
// first, so the spill victim among them is the one activated earliest.
func activeLess(a, b *Interval) bool {
	if a.End != b.End {
		return a.End < b.End
	}
	return a.activated > b.activated
}

type linearScan struct {
	m      *Machine
	pool   *regPool
	active *btree.BTreeG[*Interval]
	alloc  *Allocation
	next   int
}

// Allocate assigns a Location to every interval of fi.  Intervals are
// visited in ascending Start order; when registers run out the range that
// ends last is spilled.  Ranges live across a call only ever receive a
// callee-saved register or a spill slot.
func Allocate(fi *FuncIntervals, m *Machine) (*Allocation, error) {
	if !fi.Sorted() {
		return nil, fmt.Errorf("function %s: intervals out of start order: %w", fi.Func.Name, ErrInvariant)
	}

	ls := &linearScan{
		m:      m,
		pool:   newRegPool(m),
		active: btree.NewG[*Interval](8, activeLess),
		alloc: &Allocation{
			Func:      fi.Func,
			Intervals: fi,
			Locations: make(map[string]Location, len(fi.Intervals)),
		},
	}

	for _, v := range fi.Intervals {
		ls.expire(v)
		if ls.active.Len() == m.Capacity() || (v.AcrossCall && ls.pool.calleeFree() == 0) {
			ls.spill(v)
			continue
		}
		ls.alloc.Locations[v.Name] = RegLoc(ls.pool.get(v.AcrossCall))
		ls.activate(v)
	}

	return ls.alloc, nil
}

// expire releases the registers of every active range that ends before v
// starts.
func (ls *linearScan) expire(v *Interval) {
	for ls.active.Len() > 0 {
		first, _ := ls.active.Min()
		if first.End >= v.Start {
			return
		}
		ls.active.DeleteMin()
		ls.pool.put(ls.alloc.Locations[first.Name].Reg)
	}
}

func (ls *linearScan) spill(v *Interval) {
	var victim *Interval
	if v.AcrossCall {
		// Only a callee-saved register may be handed over.
		ls.active.Descend(func(a *Interval) bool {
			if ls.m.IsCalleeSaved(ls.alloc.Locations[a.Name].Reg) {
				victim = a
				return false
			}
			return true
		})
	} else if last, ok := ls.active.Max(); ok {
		victim = last
	}

	if victim == nil || victim.End <= v.End {
		ls.alloc.Locations[v.Name] = ls.newSlot()
		return
	}

	ls.active.Delete(victim)
	ls.alloc.Locations[v.Name] = ls.alloc.Locations[victim.Name]
	ls.alloc.Locations[victim.Name] = ls.newSlot()
	ls.activate(v)
}

func (ls *linearScan) activate(v *Interval) {
	v.activated = ls.next
	ls.next++
	ls.active.ReplaceOrInsert(v)
}

func (ls *linearScan) newSlot() Location {
	l := SlotLoc(ls.alloc.Spills)
	ls.alloc.Spills++
	return l
}
