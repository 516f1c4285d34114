package codegen

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Toolchain: runs emitted assembly in an external MIPS simulator
// ---------------------------------------------------------------------------

// DefaultSimulator is the simulator command used when none is configured.
const DefaultSimulator = "spim"

// DefaultSimulatorArgs precede the assembly file path on the command line.
var DefaultSimulatorArgs = []string{"-file"}

// Toolchain represents the external simulator used to execute programs.
type Toolchain struct {
	Command string
	Args    []string

	// Dir holds the temporary assembly file; empty means os.TempDir().
	Dir string

	// AsmFile is the path of the last written assembly file.
	AsmFile string

	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger

	// Keep leaves the assembly file in place after Run.
	Keep bool
}

// NewToolchain creates a Toolchain for the given simulator command.  An
// empty command selects DefaultSimulator with DefaultSimulatorArgs.
func NewToolchain(command string, args []string) *Toolchain {
	if command == "" {
		command = DefaultSimulator
		if args == nil {
			args = DefaultSimulatorArgs
		}
	}
	return &Toolchain{
		Command: command,
		Args:    append([]string{}, args...),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Logger:  zap.NewNop(),
	}
}

// WriteAssembly writes the assembly text to a fresh .s file.
func (tc *Toolchain) WriteAssembly(asm string) error {
	f, err := os.CreateTemp(tc.Dir, "vaporc-*.s")
	if err != nil {
		return fmt.Errorf("cannot create assembly file: %w", err)
	}
	tc.AsmFile = f.Name()
	if _, err := f.WriteString(asm); err != nil {
		f.Close()
		return fmt.Errorf("cannot write assembly file %s: %w", tc.AsmFile, err)
	}
	return f.Close()
}

// Run writes asm to disk and executes it in the simulator, streaming the
// program's output to Stdout.
func (tc *Toolchain) Run(asm string) error {
	if missing := DetectToolchain(tc.Command); missing != "" {
		return fmt.Errorf("simulator %q not found in PATH", missing)
	}
	if err := tc.WriteAssembly(asm); err != nil {
		return err
	}
	if !tc.Keep {
		defer os.Remove(tc.AsmFile)
	}

	args := append(append([]string{}, tc.Args...), tc.AsmFile)
	cmd := exec.Command(tc.Command, args...)
	return tc.runCmd(cmd, "simulate")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (tc *Toolchain) runCmd(cmd *exec.Cmd, stage string) error {
	tc.Logger.Debug("running toolchain command",
		zap.String("stage", stage),
		zap.String("cmd", strings.Join(cmd.Args, " ")))

	var stderr strings.Builder
	if tc.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&stderr, tc.Stderr)
	} else {
		cmd.Stderr = &stderr
	}
	cmd.Stdout = tc.Stdout

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w\n%s", stage, err, stderr.String())
	}
	return nil
}

// DetectToolchain checks whether the simulator command can be found and
// returns its name when it cannot, or "" when it is available.
func DetectToolchain(command string) string {
	if _, err := exec.LookPath(command); err != nil {
		return command
	}
	return ""
}
