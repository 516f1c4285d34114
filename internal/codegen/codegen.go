package codegen

import (
	"fmt"

	"go.uber.org/zap"

	"vaporc/internal/ir"
)

// ---------------------------------------------------------------------------
// Stage selects how far the pipeline runs.
// ---------------------------------------------------------------------------

// Stage is the last pipeline step Generate performs.
type Stage int

const (
	StageAsm   Stage = iota // allocate, bind and emit MIPS assembly
	StageBound              // stop after binding (register-bound IR)
)

func (s Stage) String() string {
	switch s {
	case StageAsm:
		return "asm"
	case StageBound:
		return "vaporm"
	default:
		return "unknown"
	}
}

// ParseStage resolves a stage name as used on the command line and in the
// configuration file.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "", "asm", "mips":
		return StageAsm, nil
	case "vaporm", "bound":
		return StageBound, nil
	}
	return StageAsm, fmt.Errorf("unknown stage %q (want asm or vaporm)", name)
}

// ---------------------------------------------------------------------------
// Options controls the behaviour of the code-generation pipeline.
// ---------------------------------------------------------------------------

// Options configures the codegen pipeline.
type Options struct {
	// Machine is the allocation and emission target.  If nil, MIPS32() is
	// used.
	Machine *Machine

	// Stage is the last step to run.
	Stage Stage

	// Logger receives per-function debug output.  If nil, nothing is
	// logged.
	Logger *zap.Logger
}

// DefaultOptions returns the full pipeline on the stock MIPS32 machine.
func DefaultOptions() *Options {
	return &Options{
		Machine: MIPS32(),
		Stage:   StageAsm,
		Logger:  zap.NewNop(),
	}
}

func (o *Options) resolve() (*Options, error) {
	if o == nil {
		return DefaultOptions(), nil
	}
	r := *o
	if r.Machine == nil {
		r.Machine = MIPS32()
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if err := r.Machine.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ---------------------------------------------------------------------------
// Result is returned by Generate with every artifact produced.
// ---------------------------------------------------------------------------

type Result struct {
	Bound       *ir.Program   // register-bound program
	Allocations []*Allocation // one per function, in program order
	Report      *Report       // allocation summary
	Asm         string        // MIPS assembly (empty for StageBound)
}

// ---------------------------------------------------------------------------
// Generate: the public entry point for the full codegen pipeline
//
// Pipeline: IR → intervals → linear scan → register-bound IR → MIPS text
// ---------------------------------------------------------------------------

// Generate runs the backend on an unallocated program.  Functions are
// processed one at a time with fresh allocator state.
func Generate(program *ir.Program, opts *Options) (*Result, error) {
	opts, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	log := opts.Logger

	result := &Result{
		Bound: &ir.Program{DataSegments: program.DataSegments},
	}

	for _, fn := range program.Functions {
		alloc, bound, err := allocateFunction(fn, opts.Machine)
		if err != nil {
			return nil, err
		}
		log.Debug("allocated function",
			zap.String("func", fn.Name),
			zap.Int("intervals", len(alloc.Intervals.Intervals)),
			zap.Int("spills", alloc.Spills),
			zap.Strings("callee_saved", alloc.CalleeSaved(opts.Machine)),
			zap.Stringer("frame", bound.Stack))

		result.Allocations = append(result.Allocations, alloc)
		result.Bound.Functions = append(result.Bound.Functions, bound)
	}
	result.Report = NewReport(result.Allocations, opts.Machine)

	if opts.Stage == StageBound {
		return result, nil
	}

	log.Debug("emitting assembly", zap.String("machine", opts.Machine.Name))
	result.Asm, err = EmitMIPS(result.Bound, opts.Machine)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmitProgram runs only the emitter on an already register-bound program.
func EmitProgram(bound *ir.Program, opts *Options) (*Result, error) {
	opts, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	asm, err := EmitMIPS(bound, opts.Machine)
	if err != nil {
		return nil, err
	}
	opts.Logger.Debug("emitted assembly",
		zap.Int("functions", len(bound.Functions)),
		zap.Int("bytes", len(asm)))
	return &Result{Bound: bound, Asm: asm}, nil
}

func allocateFunction(fn *ir.Function, m *Machine) (*Allocation, *ir.Function, error) {
	fi, err := BuildIntervals(fn)
	if err != nil {
		return nil, nil, err
	}
	alloc, err := Allocate(fi, m)
	if err != nil {
		return nil, nil, err
	}
	bound, err := Bind(alloc, m)
	if err != nil {
		return nil, nil, err
	}
	return alloc, bound, nil
}
