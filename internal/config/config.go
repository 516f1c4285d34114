// Package config loads vaporc settings from a TOML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/xyproto/env/v2"

	"vaporc/internal/codegen"
)

const (
	FileName = "vaporc.toml" // default configuration file

	EnvConfig      = "VAPORC_CONFIG"
	EnvDebug       = "VAPORC_DEBUG"
	EnvStage       = "VAPORC_STAGE"
	EnvAllocReport = "VAPORC_ALLOC_REPORT"
	EnvSimulator   = "VAPORC_SIMULATOR"
)

// Config is the full set of settings.
type Config struct {
	Debug     bool            `toml:"debug"`
	Machine   MachineConfig   `toml:"machine"`
	Output    OutputConfig    `toml:"output"`
	Simulator SimulatorConfig `toml:"simulator"`
}

// MachineConfig narrows the allocatable register pools.  An absent list
// keeps the machine's stock pool.
type MachineConfig struct {
	CallerSaved []string `toml:"caller_saved"`
	CalleeSaved []string `toml:"callee_saved"`
}

// OutputConfig selects what the compiler writes.
type OutputConfig struct {
	Stage       string `toml:"stage"`
	AllocReport string `toml:"alloc_report"`
}

// SimulatorConfig names the program used by --run.
type SimulatorConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Output: OutputConfig{Stage: codegen.StageAsm.String()},
		Simulator: SimulatorConfig{
			Command: codegen.DefaultSimulator,
			Args:    append([]string{}, codegen.DefaultSimulatorArgs...),
		},
	}
}

// Load reads the configuration file and applies environment overrides.
// With an empty path, $VAPORC_CONFIG is used, then ./vaporc.toml; the
// default file may be absent, an explicitly named one may not.
func Load(path string) (*Config, error) {
	env.Load()
	explicit := path != ""
	if !explicit {
		path = env.Str(EnvConfig)
		explicit = path != ""
	}
	if path == "" {
		path = FileName
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// Parse decodes TOML text on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

// ApplyEnv overrides settings from VAPORC_* environment variables, as they
// are at the time of the call.
func (c *Config) ApplyEnv() {
	env.Load()
	if env.Has(EnvDebug) {
		c.Debug = env.Bool(EnvDebug)
	}
	c.Output.Stage = env.Str(EnvStage, c.Output.Stage)
	c.Output.AllocReport = env.Str(EnvAllocReport, c.Output.AllocReport)
	if sim := strings.Fields(env.Str(EnvSimulator)); len(sim) > 0 {
		c.Simulator.Command = sim[0]
		c.Simulator.Args = sim[1:]
	}
}

// BuildMachine returns the MIPS32 machine with the configured pools.
func (c *Config) BuildMachine() (*codegen.Machine, error) {
	m, err := codegen.MIPS32().WithPools(c.Machine.CallerSaved, c.Machine.CalleeSaved)
	if err != nil {
		return nil, fmt.Errorf("invalid [machine] configuration: %w", err)
	}
	return m, nil
}

// Stage resolves the configured output stage.
func (c *Config) Stage() (codegen.Stage, error) {
	return codegen.ParseStage(c.Output.Stage)
}
