package codegen

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"vaporc/internal/ir"
	"vaporc/internal/parser"
	"vaporc/internal/semantic"
)

// helper: parse source, run the contract checker, return program.
func mustParse(t *testing.T, src string) *ir.Program {
	t.Helper()
	return mustParseDialect(t, src, ir.Unallocated)
}

func mustParseBound(t *testing.T, src string) *ir.Program {
	t.Helper()
	return mustParseDialect(t, src, ir.Bound)
}

func mustParseDialect(t *testing.T, src string, d ir.Dialect) *ir.Program {
	t.Helper()
	prog, err := parser.ParseString(src)
	if err != nil {
		t.Fatalf("parse errors: %v", err)
	}
	if errs := semantic.Errors(semantic.Analyze(prog, d)); len(errs) > 0 {
		t.Fatalf("semantic errors: %v", errs)
	}
	return prog
}

// mustGenerate runs the whole pipeline on src.
// calleeSavedReg matches $s0-$s7 but not $sp.
var calleeSavedReg = regexp.MustCompile(`\$s[0-7]\b`)

func mustGenerate(t *testing.T, src string, m *Machine) *Result {
	t.Helper()
	res, err := Generate(mustParse(t, src), &Options{Machine: m})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return res
}

// tinyMachine narrows the MIPS32 pools for spill experiments.
func tinyMachine(t *testing.T, caller, callee []string) *Machine {
	t.Helper()
	m, err := MIPS32().WithPools(caller, callee)
	if err != nil {
		t.Fatalf("WithPools: %v", err)
	}
	return m
}

// functionAsm returns the assembly of one function, from its label to the
// blank line that ends it.
func functionAsm(t *testing.T, asm, name string) string {
	t.Helper()
	start := strings.Index(asm, "\n"+name+":\n")
	if start < 0 {
		t.Fatalf("function %s not found in:\n%s", name, asm)
	}
	rest := asm[start+1:]
	if end := strings.Index(rest, "\n\n"); end >= 0 {
		return rest[:end+1]
	}
	return rest
}

func countLinesWithPrefix(text, prefix string) int {
	n := 0
	for _, l := range strings.Split(text, "\n") {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Shared programs
// ---------------------------------------------------------------------------

const factorialSrc = `const vmt_Fac
  :Fac.ComputeFac

func Main()
  t.0 = HeapAllocZ(4)
  [t.0] = :vmt_Fac
  if t.0 goto :null1
  Error("null pointer")
null1:
  t.1 = [t.0]
  t.1 = [t.1]
  t.2 = call t.1(t.0 10)
  PrintIntS(t.2)
  ret

func Fac.ComputeFac(this num)
  t.0 = LtS(num 1)
  if0 t.0 goto :if1_else
  num_aux = 1
  goto :if1_end
if1_else:
  t.1 = [this]
  t.1 = [t.1]
  t.2 = Sub(num 1)
  t.3 = call t.1(this t.2)
  num_aux = MulS(num t.3)
if1_end:
  ret num_aux
`

const loopSrc = `func Main()
  x = 1
  i = 0
loop:
  t = LtS(i 10)
  if0 t goto :end
  PrintIntS(x)
  i = Add(i 1)
  goto :loop
end:
  ret
`

const callSrc = `func Main()
  a = 1
  b = 2
  r = call :F(a)
  c = Add(b r)
  ret c

func F(p)
  ret p
`

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

func TestMIPS32Machine(t *testing.T) {
	m := MIPS32()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Capacity() != 17 {
		t.Errorf("capacity: got %d, want 17", m.Capacity())
	}
	if !m.IsCalleeSaved("$s7") || m.IsCalleeSaved("$t8") {
		t.Error("callee-saved classification is wrong")
	}
}

func TestMachineValidation(t *testing.T) {
	tests := []struct {
		name           string
		caller, callee []string
	}{
		{"empty", []string{}, []string{}},
		{"duplicate", []string{"$t0", "$t0"}, nil},
		{"overlap", []string{"$t0"}, []string{"$t0"}},
		{"scratch", []string{"$v1"}, nil},
		{"immediate scratch", []string{"$t9"}, nil},
		{"argument", nil, []string{"$a0"}},
		{"malformed", []string{"t0"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MIPS32().WithPools(tt.caller, tt.callee); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestWithPoolsLeavesOriginalUntouched(t *testing.T) {
	m := MIPS32()
	narrow := tinyMachine(t, []string{"$t0"}, nil)
	if narrow.Capacity() != 9 {
		t.Errorf("narrow capacity: got %d, want 9", narrow.Capacity())
	}
	if m.Capacity() != 17 {
		t.Errorf("original capacity changed to %d", m.Capacity())
	}
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func TestGenerateMinimalProgram(t *testing.T) {
	res := mustGenerate(t, "func Main()\n  PrintIntS(42)\n  ret\n", nil)
	want := strings.Join([]string{
		".text",
		"",
		"  jal Main",
		"  li $v0 10",
		"  syscall",
		"",
		"Main:",
		"  sw $fp -8($sp)",
		"  move $fp $sp",
		"  subu $sp $sp 8",
		"  sw $ra -4($fp)",
		"  li $a0 42",
		"  jal _print",
		"  lw $ra -4($fp)",
		"  lw $fp -8($fp)",
		"  addu $sp $sp 8",
		"  jr $ra",
		"",
		"_print:",
		"  li $v0 1",
		"  syscall",
		"  la $a0 _newline",
		"  li $v0 4",
		"  syscall",
		"  jr $ra",
		"",
		"_error:",
		"  li $v0 4",
		"  syscall",
		"  li $v0 10",
		"  syscall",
		"",
		"_heapAlloc:",
		"  li $v0 9",
		"  syscall",
		"  jr $ra",
		"",
		".data",
		".align 0",
		`_newline: .asciiz "\n"`,
	}, "\n") + "\n"
	if res.Asm != want {
		t.Errorf("assembly mismatch\n--- got ---\n%s\n--- want ---\n%s", res.Asm, want)
	}
}

func TestGenerateRoundTripAdd(t *testing.T) {
	res := mustGenerate(t, "func Main()\n  ret\n\nfunc Add2(a b)\n  t = Add(a b)\n  ret t\n", nil)

	alloc := res.Allocations[1]
	loc, ok := alloc.Location("t")
	if !ok || !loc.IsReg() {
		t.Fatalf("t should be in a register, got %v", loc)
	}
	if alloc.Spills != 0 {
		t.Errorf("spills: got %d, want 0", alloc.Spills)
	}

	fn := functionAsm(t, res.Asm, "Add2")
	if n := countLinesWithPrefix(fn, "  sw $fp -8($sp)"); n != 1 {
		t.Errorf("prologues: got %d, want 1", n)
	}
	if n := countLinesWithPrefix(fn, "  addu $t") + countLinesWithPrefix(fn, "  addiu $t"); n != 1 {
		t.Errorf("add instructions: got %d, want 1\n%s", n, fn)
	}
	if n := countLinesWithPrefix(fn, "  jr $ra"); n != 1 {
		t.Errorf("epilogues: got %d, want 1", n)
	}
	if calleeSavedReg.MatchString(fn) {
		t.Errorf("no callee-saved register should be touched:\n%s", fn)
	}
	if !strings.Contains(fn, "  addu $t0 $t0 $t1\n") {
		t.Errorf("unexpected add:\n%s", fn)
	}
}

func TestGenerateBoundStage(t *testing.T) {
	res, err := Generate(mustParse(t, callSrc), &Options{Stage: StageBound})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Asm != "" {
		t.Error("bound stage must not emit assembly")
	}
	want := strings.Join([]string{
		"func Main [in 0, out 0, local 1]",
		"  local[0] = $s0",
		"  $t0 = 1",
		"  $s0 = 2",
		"  $a0 = $t0",
		"  call :F",
		"  $t0 = $v0",
		"  $s0 = Add($s0 $t0)",
		"  $v0 = $s0",
		"  $s0 = local[0]",
		"  ret",
		"",
		"func F [in 0, out 0, local 0]",
		"  $t0 = $a0",
		"  $v0 = $t0",
		"  ret",
		"",
		"",
	}, "\n")
	if got := ir.Format(res.Bound, ir.Bound); got != want {
		t.Errorf("bound program mismatch\n--- got ---\n%s\n--- want ---\n%s", got, want)
	}
}

func TestGenerateCallerAndCalleeFrames(t *testing.T) {
	res := mustGenerate(t, callSrc, nil)
	main := functionAsm(t, res.Asm, "Main")
	for _, want := range []string{
		"  subu $sp $sp 12\n",
		"  sw $s0 0($sp)\n",
		"  move $a0 $t0\n  jal F\n  move $t0 $v0\n",
		"  move $v0 $s0\n  lw $s0 0($sp)\n  lw $ra -4($fp)\n",
		"  addu $sp $sp 12\n",
	} {
		if !strings.Contains(main, want) {
			t.Errorf("Main is missing %q:\n%s", want, main)
		}
	}
}

func TestGenerateStackArguments(t *testing.T) {
	src := "func Main()\n  r = call :F(1 2 3 4 5 6)\n  ret r\n\nfunc F(a b c d e f)\n  t = Add(e f)\n  ret t\n"
	res := mustGenerate(t, src, nil)

	main := res.Bound.Function("Main")
	if main.Stack.Out != 2 {
		t.Errorf("Main out: got %d, want 2", main.Stack.Out)
	}
	f := res.Bound.Function("F")
	if f.Stack.In != 2 || f.Stack.Out != 0 {
		t.Errorf("F stack: got %v", f.Stack)
	}

	mainAsm := functionAsm(t, res.Asm, "Main")
	for _, want := range []string{
		"  li $a3 4\n",
		"  li $t9 5\n  sw $t9 0($sp)\n",
		"  li $t9 6\n  sw $t9 4($sp)\n",
		"  subu $sp $sp 16\n",
	} {
		if !strings.Contains(mainAsm, want) {
			t.Errorf("Main is missing %q:\n%s", want, mainAsm)
		}
	}

	fAsm := functionAsm(t, res.Asm, "F")
	for _, want := range []string{"  lw $t4 0($fp)\n", "  lw $t5 4($fp)\n", "  addu $t0 $t4 $t5\n"} {
		if !strings.Contains(fAsm, want) {
			t.Errorf("F is missing %q:\n%s", want, fAsm)
		}
	}
	if strings.Contains(fAsm, "$a0") {
		t.Errorf("unused parameters must not be materialized:\n%s", fAsm)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	for _, m := range []*Machine{
		MIPS32(),
		tinyMachine(t, []string{"$t0", "$t1"}, []string{"$s0"}),
		tinyMachine(t, []string{"$t0"}, []string{}),
	} {
		first := mustGenerate(t, factorialSrc, m)
		second := mustGenerate(t, factorialSrc, m)
		if first.Asm != second.Asm {
			t.Errorf("machine %v/%v: output differs between runs", m.CallerSaved, m.CalleeSaved)
		}
	}
}

func TestGenerateDeadStoreKeepsLiveValue(t *testing.T) {
	res := mustGenerate(t, "func Main()\n  x = 1\n  PrintIntS(x)\n  y = 2\n  x = 3\n  PrintIntS(y)\n  ret\n", nil)
	expectSequence(t, functionAsm(t, res.Asm, "Main"),
		"li $t1 2",
		"li $t0 3",
		"move $a0 $t1",
		"jal _print",
	)
}

func TestGenerateFactorial(t *testing.T) {
	res := mustGenerate(t, factorialSrc, nil)
	for _, want := range []string{
		".data\n\nvmt_Fac:\n  Fac.ComputeFac\n\n.text\n",
		"null1:\n",
		"if1_else:\n",
		"if1_end:\n",
		"  jal _heapAlloc\n",
		"  la $a0 _str0\n  j _error\n",
		`_str0: .asciiz "null pointer\n"`,
	} {
		if !strings.Contains(res.Asm, want) {
			t.Errorf("assembly is missing %q", want)
		}
	}
	fac := functionAsm(t, res.Asm, "Fac.ComputeFac")
	if !strings.Contains(fac, "  jalr ") {
		t.Errorf("virtual call should use jalr:\n%s", fac)
	}
}

func TestGenerateRejectsBadMachine(t *testing.T) {
	bad := &Machine{Name: "broken"}
	if _, err := Generate(mustParse(t, "func Main()\n  ret\n"), &Options{Machine: bad}); err == nil {
		t.Error("expected an error for a machine without registers")
	}
}

func TestGenerateInvariantViolation(t *testing.T) {
	prog := &ir.Program{Functions: []*ir.Function{{
		Name: "Main",
		Body: []ir.Instr{
			&ir.Goto{Target: ir.LabelRef{Name: "missing"}, Pos: ir.Position{Line: 2}},
		},
		Pos: ir.Position{Line: 1},
	}}}
	_, err := Generate(prog, nil)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	if !strings.Contains(err.Error(), "function Main, line 2") {
		t.Errorf("error should carry function and line context: %v", err)
	}
}

func TestGenerateLogsPerFunction(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	if _, err := Generate(mustParse(t, callSrc), &Options{Logger: zap.New(core)}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	entries := logs.FilterMessage("allocated function").All()
	if len(entries) != 2 {
		t.Fatalf("got %d allocation entries, want 2", len(entries))
	}
	main := entries[0].ContextMap()
	if main["func"] != "Main" || main["spills"] != int64(0) || main["frame"] != "[in 0, out 0, local 1]" {
		t.Errorf("unexpected Main entry: %v", main)
	}
	if entries[1].ContextMap()["func"] != "F" {
		t.Errorf("second entry should describe F: %v", entries[1].ContextMap())
	}
}

func TestEmitProgramOnly(t *testing.T) {
	res, err := EmitProgram(mustParseBound(t, "func Main [in 0, out 0, local 0]\n  PrintIntS(7)\n  ret\n"), nil)
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	if !strings.Contains(res.Asm, "  li $a0 7\n  jal _print\n") {
		t.Errorf("unexpected assembly:\n%s", res.Asm)
	}
}

func TestParseStage(t *testing.T) {
	for name, want := range map[string]Stage{"": StageAsm, "asm": StageAsm, "vaporm": StageBound} {
		got, err := ParseStage(name)
		if err != nil || got != want {
			t.Errorf("ParseStage(%q): got %v, %v", name, got, err)
		}
	}
	if _, err := ParseStage("elf"); err == nil {
		t.Error("expected an error for an unknown stage")
	}
}
