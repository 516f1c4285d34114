package codegen

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// ---------------------------------------------------------------------------
// Machine: the fixed target the backend allocates for and emits to
// ---------------------------------------------------------------------------

// Machine holds everything the backend needs to know about the target:
// allocatable register pools, the calling convention, reserved scratch
// registers, frame registers and system-call numbers.
type Machine struct {
	Name string

	// WordSize is the size of a stack slot and of a pointer, in bytes.
	WordSize int

	// Allocatable pools.  CallerSaved registers are clobbered by calls;
	// CalleeSaved registers survive them but must be saved by any function
	// that writes them.
	CallerSaved []string
	CalleeSaved []string

	// Registers by role.
	ArgRegs      []string  // first arguments, in order
	ReturnReg    string    // where function results arrive
	Scratch      [2]string // loads spilled operands during binding
	ImmScratch   string    // materializes literals during emission
	FramePointer string
	StackPointer string
	ReturnAddr   string

	// System-call numbers.
	SysPrintInt    int
	SysPrintString int
	SysSbrk        int
	SysExit        int
}

// MIPS32 returns the MIPS32 machine as run by SPIM/MARS.
func MIPS32() *Machine {
	m := &Machine{}
	m.fillMIPS32()
	return m
}

func (m *Machine) fillMIPS32() {
	m.Name = "mips32"
	m.WordSize = 4

	m.CallerSaved = []string{"$t0", "$t1", "$t2", "$t3", "$t4", "$t5", "$t6", "$t7", "$t8"}
	m.CalleeSaved = []string{"$s0", "$s1", "$s2", "$s3", "$s4", "$s5", "$s6", "$s7"}

	m.ArgRegs = []string{"$a0", "$a1", "$a2", "$a3"}
	m.ReturnReg = "$v0"
	m.Scratch = [2]string{"$v0", "$v1"}
	m.ImmScratch = "$t9"
	m.FramePointer = "$fp"
	m.StackPointer = "$sp"
	m.ReturnAddr = "$ra"

	m.SysPrintInt = 1
	m.SysPrintString = 4
	m.SysSbrk = 9
	m.SysExit = 10
}

// Capacity is the total number of allocatable registers.
func (m *Machine) Capacity() int {
	return len(m.CallerSaved) + len(m.CalleeSaved)
}

// IsCalleeSaved reports whether reg belongs to the callee-saved pool.
func (m *Machine) IsCalleeSaved(reg string) bool {
	return lo.Contains(m.CalleeSaved, reg)
}

// reserved lists the registers the allocator must never hand out.
func (m *Machine) reserved() []string {
	r := []string{m.ReturnReg, m.Scratch[0], m.Scratch[1], m.ImmScratch,
		m.FramePointer, m.StackPointer, m.ReturnAddr, "$zero", "$at", "$k0", "$k1", "$gp"}
	r = append(r, m.ArgRegs...)
	return lo.Uniq(r)
}

// Validate checks that the pools are usable: non-empty in total, disjoint,
// free of duplicates and free of reserved registers.
func (m *Machine) Validate() error {
	if m.Capacity() == 0 {
		return fmt.Errorf("machine %s: no allocatable registers", m.Name)
	}
	all := append(append([]string{}, m.CallerSaved...), m.CalleeSaved...)
	if bad := lo.Filter(all, func(r string, _ int) bool { return !strings.HasPrefix(r, "$") || len(r) < 2 }); len(bad) > 0 {
		return fmt.Errorf("machine %s: malformed register name(s) %s", m.Name, strings.Join(bad, ", "))
	}
	if dup := lo.FindDuplicates(all); len(dup) > 0 {
		return fmt.Errorf("machine %s: register(s) %s listed more than once", m.Name, strings.Join(dup, ", "))
	}
	if clash := lo.Intersect(all, m.reserved()); len(clash) > 0 {
		return fmt.Errorf("machine %s: reserved register(s) %s cannot be allocated", m.Name, strings.Join(clash, ", "))
	}
	return nil
}

// WithPools returns a copy of m whose allocatable pools are replaced.  A nil
// slice keeps the corresponding pool unchanged; an empty one removes it.
func (m *Machine) WithPools(callerSaved, calleeSaved []string) (*Machine, error) {
	c := *m
	if callerSaved != nil {
		c.CallerSaved = append([]string{}, callerSaved...)
	}
	if calleeSaved != nil {
		c.CalleeSaved = append([]string{}, calleeSaved...)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
