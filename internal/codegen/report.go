package codegen

import (
	"fmt"
	"io"
	"os"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Allocation report: YAML dump of intervals and locations
// ---------------------------------------------------------------------------

// Report describes the allocation of every function in a program.
type Report struct {
	Machine   string           `yaml:"machine"`
	Functions []FunctionReport `yaml:"functions"`
}

// FunctionReport describes one function.
type FunctionReport struct {
	Name        string           `yaml:"name"`
	Frame       FrameReport      `yaml:"frame"`
	Spills      int              `yaml:"spills"`
	Calls       int              `yaml:"calls"`
	CalleeSaved []string         `yaml:"callee_saved,omitempty,flow"`
	Intervals   []IntervalReport `yaml:"intervals"`
}

// FrameReport is the stack shape in words.
type FrameReport struct {
	In    int `yaml:"in"`
	Out   int `yaml:"out"`
	Local int `yaml:"local"`
}

// IntervalReport describes one live range and where it ended up.
type IntervalReport struct {
	Var          string   `yaml:"var"`
	Start        int      `yaml:"start"`
	End          int      `yaml:"end"`
	Param        bool     `yaml:"param,omitempty"`
	AcrossCall   bool     `yaml:"across_call,omitempty"`
	AcrossLabels []string `yaml:"across_labels,omitempty,flow"`
	Location     string   `yaml:"location"`
}

// NewReport builds a report from per-function allocations, in order.
func NewReport(allocs []*Allocation, m *Machine) *Report {
	return &Report{
		Machine: m.Name,
		Functions: lo.Map(allocs, func(a *Allocation, _ int) FunctionReport {
			callee := a.CalleeSaved(m)
			return FunctionReport{
				Name: a.Func.Name,
				Frame: FrameReport{
					In:    max(0, len(a.Func.Params)-len(m.ArgRegs)),
					Out:   a.Intervals.Out,
					Local: a.Spills + len(callee),
				},
				Spills:      a.Spills,
				Calls:       a.Intervals.Calls,
				CalleeSaved: callee,
				Intervals: lo.Map(a.Intervals.Intervals, func(v *Interval, _ int) IntervalReport {
					return IntervalReport{
						Var:          v.Name,
						Start:        v.Start,
						End:          v.End,
						Param:        v.IsParam,
						AcrossCall:   v.AcrossCall,
						AcrossLabels: v.AcrossLabels(),
						Location:     a.Locations[v.Name].String(),
					}
				}),
			}
		}),
	}
}

// Encode writes the report as YAML.
func (r *Report) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode allocation report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close allocation report: %w", err)
	}
	return nil
}

// WriteFile writes the report to path.
func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return r.Encode(f)
}
