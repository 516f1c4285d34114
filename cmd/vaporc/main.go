package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vaporc/internal/codegen"
	"vaporc/internal/config"
	"vaporc/internal/ir"
	"vaporc/internal/parser"
	"vaporc/internal/semantic"
)

const VERSION = "0.2.0"

const usage = "Usage: vaporc [flags] [file]"

func main() {
	os.Exit(newApp(os.Args[1:], os.Stdin, os.Stdout, os.Stderr).run())
}

// app is one compiler invocation.  Compiled output goes to stdout (or the
// --output file); everything else goes to stderr.
type app struct {
	args   []string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	debugMode bool
	log       *zap.Logger
}

func newApp(args []string, stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		args:   args,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		log:    zap.NewNop(),
	}
}

// flags holds the parsed command line.
type flags struct {
	debug       bool
	run         bool
	version     bool
	stage       string
	input       string
	configPath  string
	allocReport string
	output      string
	filePath    string
}

func (a *app) parseFlags() (*flags, error) {
	f := &flags{}
	for _, arg := range a.args {
		switch {
		case arg == "--debug":
			f.debug = true
		case arg == "--run":
			f.run = true
		case arg == "--version":
			f.version = true
		case strings.HasPrefix(arg, "--stage="):
			f.stage = arg[len("--stage="):]
		case strings.HasPrefix(arg, "--input="):
			f.input = arg[len("--input="):]
		case strings.HasPrefix(arg, "--config="):
			f.configPath = arg[len("--config="):]
		case strings.HasPrefix(arg, "--alloc-report="):
			f.allocReport = arg[len("--alloc-report="):]
		case strings.HasPrefix(arg, "--output="):
			f.output = arg[len("--output="):]
		case strings.HasPrefix(arg, "-o="):
			f.output = arg[len("-o="):]
		case arg == "-" || (len(arg) > 0 && arg[0] != '-'):
			if f.filePath != "" {
				return nil, fmt.Errorf("more than one input file (%s, %s)", f.filePath, arg)
			}
			f.filePath = arg
		default:
			return nil, fmt.Errorf("unknown flag %q", arg)
		}
	}
	return f, nil
}

func (a *app) run() int {
	start := time.Now()

	f, err := a.parseFlags()
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n%s\n", err, usage)
		return 1
	}
	if f.version {
		fmt.Fprintln(a.stdout, "vaporc V"+VERSION)
		return 0
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n", err)
		return 1
	}
	if f.debug {
		cfg.Debug = true
	}
	if f.stage != "" {
		cfg.Output.Stage = f.stage
	}
	if f.allocReport != "" {
		cfg.Output.AllocReport = f.allocReport
	}
	if cfg.Debug {
		a.enableDebug()
	}
	defer a.log.Sync()

	a.printDebug("Using debug mode.")

	machine, err := cfg.BuildMachine()
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n", err)
		return 1
	}
	stage, err := cfg.Stage()
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n", err)
		return 1
	}
	dialect, err := parseInput(f.input)
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n", err)
		return 1
	}
	if f.run && stage != codegen.StageAsm {
		fmt.Fprintln(a.stderr, "Error: --run needs --stage=asm")
		return 1
	}
	if dialect == ir.Bound && stage == codegen.StageBound {
		fmt.Fprintln(a.stderr, "Error: input is already register-bound; use --stage=asm")
		return 1
	}

	// --- Source ---
	source, name, err := a.readSource(f.filePath)
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n", err)
		return 1
	}
	a.printDebug("Building using: " + name)

	// --- Parsing ---
	a.printDebug("Starting parsing process...")
	program, err := parser.ParseString(source)
	if err != nil {
		fmt.Fprintln(a.stderr, "Parse errors:")
		a.printErrors(err)
		return 1
	}
	a.printDebug(fmt.Sprintf("Parsing complete. %d data segment(s), %d function(s).",
		len(program.DataSegments), len(program.Functions)))

	// --- Contract checks ---
	a.printDebug("Starting semantic analysis...")
	diagnostics := semantic.Analyze(program, dialect)

	var semWarnings, semErrors []error
	for _, d := range diagnostics {
		if d.Severity == semantic.Warning {
			semWarnings = append(semWarnings, d)
		} else {
			semErrors = append(semErrors, d)
		}
	}
	if err := multierr.Combine(semWarnings...); err != nil {
		fmt.Fprintln(a.stderr, "Warnings:")
		a.printErrors(err)
	}
	if err := multierr.Combine(semErrors...); err != nil {
		fmt.Fprintln(a.stderr, "Semantic errors:")
		a.printErrors(err)
		return 1
	}
	a.printDebug("Semantic analysis complete. No errors.")

	// --- Code generation ---
	a.printDebug("Starting code generation...")
	opts := &codegen.Options{Machine: machine, Stage: stage, Logger: a.log}

	var result *codegen.Result
	if dialect == ir.Bound {
		result, err = codegen.EmitProgram(program, opts)
	} else {
		result, err = codegen.Generate(program, opts)
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "Codegen error: %s\n", err)
		return 1
	}

	if cfg.Output.AllocReport != "" {
		if result.Report == nil {
			fmt.Fprintln(a.stderr, "Warning: no allocation report for register-bound input")
		} else if err := result.Report.WriteFile(cfg.Output.AllocReport); err != nil {
			fmt.Fprintf(a.stderr, "Error: %s\n", err)
			return 1
		}
	}

	text := result.Asm
	if stage == codegen.StageBound {
		text = ir.Format(result.Bound, ir.Bound)
	}
	if err := a.writeOutput(f, text); err != nil {
		fmt.Fprintf(a.stderr, "Error: %s\n", err)
		return 1
	}

	if f.run {
		tc := codegen.NewToolchain(cfg.Simulator.Command, cfg.Simulator.Args)
		tc.Stdout = a.stdout
		tc.Stderr = a.stderr
		tc.Logger = a.log
		if err := tc.Run(result.Asm); err != nil {
			fmt.Fprintf(a.stderr, "Run error: %s\n", err)
			return 1
		}
	}

	a.printDebug(fmt.Sprintf("Compile time: %s", time.Since(start)))
	return 0
}

// writeOutput sends the compiled text to the --output file, or to stdout
// unless the program is about to be run.
func (a *app) writeOutput(f *flags, text string) error {
	if f.output != "" {
		if err := os.WriteFile(f.output, []byte(text), 0644); err != nil {
			return fmt.Errorf("could not write %s: %w", f.output, err)
		}
		return nil
	}
	if f.run {
		return nil
	}
	_, err := io.WriteString(a.stdout, text)
	return err
}

func parseInput(name string) (ir.Dialect, error) {
	switch name {
	case "", "vapor":
		return ir.Unallocated, nil
	case "vaporm":
		return ir.Bound, nil
	}
	return ir.Unallocated, fmt.Errorf("unknown input dialect %q (want vapor or vaporm)", name)
}

// readSource returns the program text and a name for messages.  An empty
// path or "-" reads standard input.
func (a *app) readSource(filePath string) (string, string, error) {
	if filePath == "" || filePath == "-" {
		content, err := io.ReadAll(a.stdin)
		if err != nil {
			return "", "", fmt.Errorf("could not read standard input: %w", err)
		}
		return string(content), "<stdin>", nil
	}
	if !fileExists(filePath) {
		return "", "", fmt.Errorf("file %s does not exist", filePath)
	}
	content, err := getFileContent(filePath)
	if err != nil {
		return "", "", fmt.Errorf("could not read file: %w", err)
	}
	return content, filePath, nil
}

// printErrors lists every error combined into err, one per line.
func (a *app) printErrors(err error) {
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(a.stderr, "  %s\n", e.Error())
	}
}

func (a *app) enableDebug() {
	a.debugMode = true
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(a.stderr), zap.DebugLevel)
	a.log = zap.New(core)
}

// printDebug prints a debug message when --debug is on.
func (a *app) printDebug(message string) {
	if !a.debugMode {
		return
	}
	a.log.Debug(message)
}

func fileExists(filePath string) bool {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return false
	}
	return true
}

func getFileContent(filePath string) (string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	return string(content), nil
}
