package codegen

import (
	"errors"
	"strings"
	"testing"

	"vaporc/internal/ir"
)

func mustBind(t *testing.T, src, name string, m *Machine) *ir.Function {
	t.Helper()
	alloc := mustAllocate(t, src, name, m)
	fn, err := Bind(alloc, m)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return fn
}

func boundText(fn *ir.Function) string {
	return ir.Format(&ir.Program{Functions: []*ir.Function{fn}}, ir.Bound)
}

func expectBound(t *testing.T, fn *ir.Function, lines ...string) {
	t.Helper()
	want := strings.Join(lines, "\n") + "\n\n"
	if got := boundText(fn); got != want {
		t.Errorf("bound function mismatch\n--- got ---\n%s--- want ---\n%s", got, want)
	}
}

func TestBindSpilledParameter(t *testing.T) {
	fn := mustBind(t, "func Main()\n  ret\n\nfunc F(a b)\n  t = Add(a b)\n  ret t\n", "F",
		tinyMachine(t, []string{"$t0"}, []string{}))
	expectBound(t, fn,
		"func F [in 0, out 0, local 1]",
		"  $t0 = $a0",
		"  local[0] = $a1",
		"  $v1 = local[0]",
		"  $t0 = Add($t0 $v1)",
		"  $v0 = $t0",
		"  ret",
	)
}

func TestBindSpilledDefinitionAndUse(t *testing.T) {
	src := "func Main()\n  a = 1\n  b = 2\n  PrintIntS(a)\n  PrintIntS(b)\n  ret\n"
	fn := mustBind(t, src, "Main", tinyMachine(t, []string{"$t0"}, []string{}))
	expectBound(t, fn,
		"func Main [in 0, out 0, local 1]",
		"  $t0 = 1",
		"  local[0] = 2",
		"  PrintIntS($t0)",
		"  $v0 = local[0]",
		"  PrintIntS($v0)",
		"  ret",
	)
}

func TestBindSpilledBuiltinResult(t *testing.T) {
	src := "func Main()\n  a = 1\n  b = Add(a 2)\n  PrintIntS(a)\n  PrintIntS(b)\n  ret\n"
	// a [2:3] holds the only register; b [3:4] ends later and is spilled.
	fn := mustBind(t, src, "Main", tinyMachine(t, []string{"$t0"}, []string{}))
	expectBound(t, fn,
		"func Main [in 0, out 0, local 1]",
		"  $t0 = 1",
		"  $v0 = Add($t0 2)",
		"  local[0] = $v0",
		"  PrintIntS($t0)",
		"  $v0 = local[0]",
		"  PrintIntS($v0)",
		"  ret",
	)
}

func TestBindCalleeSaveAndRestore(t *testing.T) {
	fn := mustBind(t, callSrc, "Main", MIPS32())
	if fn.Stack != (ir.FrameShape{In: 0, Out: 0, Local: 1}) {
		t.Errorf("frame: got %v", fn.Stack)
	}
	text := boundText(fn)
	if !strings.HasPrefix(text, "func Main [in 0, out 0, local 1]\n  local[0] = $s0\n") {
		t.Errorf("prologue should save $s0:\n%s", text)
	}
	if !strings.HasSuffix(text, "  $s0 = local[0]\n  ret\n\n") {
		t.Errorf("epilogue should restore $s0:\n%s", text)
	}
}

func TestBindRestoresBeforeEveryReturn(t *testing.T) {
	src := `func Main()
  a = 1
  r = call :F(a)
  if0 r goto :other
  PrintIntS(a)
  ret
other:
  PrintIntS(a)
  ret

func F(p)
  ret p
`
	fn := mustBind(t, src, "Main", MIPS32())
	text := boundText(fn)
	if n := strings.Count(text, "$s0 = local[0]\n  ret\n"); n != 2 {
		t.Errorf("restores before ret: got %d, want 2\n%s", n, text)
	}
}

func TestBindStackArguments(t *testing.T) {
	src := "func Main()\n  r = call :F(1 2 3 4 5 6)\n  ret r\n\nfunc F(a b c d e f)\n  t = Add(e f)\n  ret t\n"
	expectBound(t, mustBind(t, src, "Main", MIPS32()),
		"func Main [in 0, out 2, local 0]",
		"  $a0 = 1",
		"  $a1 = 2",
		"  $a2 = 3",
		"  $a3 = 4",
		"  out[0] = 5",
		"  out[1] = 6",
		"  call :F",
		"  $t0 = $v0",
		"  $v0 = $t0",
		"  ret",
	)
	expectBound(t, mustBind(t, src, "F", MIPS32()),
		"func F [in 2, out 0, local 0]",
		"  $t4 = in[0]",
		"  $t5 = in[1]",
		"  $t0 = Add($t4 $t5)",
		"  $v0 = $t0",
		"  ret",
	)
}

func TestBindSpilledStackParameter(t *testing.T) {
	src := "func Main()\n  ret\n\nfunc F(a b c d e)\n  PrintIntS(e)\n  ret\n"
	// Five parameters start together; only one register is available and
	// every later one ends no sooner, so b through e are spilled.
	fn := mustBind(t, src, "F", tinyMachine(t, []string{"$t0"}, []string{}))
	expectBound(t, fn,
		"func F [in 1, out 0, local 4]",
		"  $v0 = in[0]",
		"  local[3] = $v0",
		"  $v0 = local[3]",
		"  PrintIntS($v0)",
		"  ret",
	)
}

func TestBindMemoryAccess(t *testing.T) {
	src := `const vmt_A
  :Main

func Main()
  p = HeapAllocZ(8)
  [p+4] = 7
  [p] = :vmt_A
  x = [p+4]
  PrintIntS(x)
  ret
`
	// x starts after the last read of p and takes over its register.
	expectBound(t, mustBind(t, src, "Main", MIPS32()),
		"func Main [in 0, out 0, local 0]",
		"  $t0 = HeapAllocZ(8)",
		"  [$t0+4] = 7",
		"  [$t0] = :vmt_A",
		"  $t0 = [$t0+4]",
		"  PrintIntS($t0)",
		"  ret",
	)
}

func TestBindIndirectCall(t *testing.T) {
	src := `func Main()
  f = :F
  r = call f(3)
  ret r

func F(x)
  ret x
`
	expectBound(t, mustBind(t, src, "Main", MIPS32()),
		"func Main [in 0, out 0, local 0]",
		"  $t0 = :F",
		"  $a0 = 3",
		"  call $t0",
		"  $t0 = $v0",
		"  $v0 = $t0",
		"  ret",
	)
}

func TestBindRejectsUnknownVariable(t *testing.T) {
	fn := mustParse(t, "func Main()\n  x = 1\n  ret x\n").Function("Main")
	fi, err := BuildIntervals(fn)
	if err != nil {
		t.Fatalf("BuildIntervals: %v", err)
	}
	alloc, err := Allocate(fi, MIPS32())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	delete(alloc.Locations, "x")
	if _, err := Bind(alloc, MIPS32()); !errors.Is(err, ErrInvariant) {
		t.Errorf("expected ErrInvariant, got %v", err)
	}
}
