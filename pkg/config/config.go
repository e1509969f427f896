//go:build linux

package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/benchkit/benchkit/pkg/runner"
	"github.com/benchkit/benchkit/pkg/system/util"
	"github.com/benchkit/benchkit/pkg/types"
)

// Config holds the harness settings. Every field is optional; the zero config
// (no file at all) runs with defaults and no limits.
type Config struct {
	LogLevel     string   `yaml:"log_level"`
	UseFallback  bool     `yaml:"use_fallback"`
	PollInterval Duration `yaml:"poll_interval"`

	Limits LimitsConfig `yaml:"limits"`
	Output OutputConfig `yaml:"output"`
}

// LimitsConfig are the default limits applied to every run unless overridden
// on the command line. Sizes use the usual suffixes ("200MB"), core and node
// lists the kernel's range syntax ("0-2,5").
type LimitsConfig struct {
	Memory      string   `yaml:"memory"`
	CPUTimeSoft Duration `yaml:"cpu_time_soft"`
	CPUTimeHard Duration `yaml:"cpu_time"`
	WallTime    Duration `yaml:"wall_time"`
	Cores       string   `yaml:"cores"`
	MemoryNodes string   `yaml:"memory_nodes"`
}

type OutputConfig struct {
	CSV  string `yaml:"csv"`
	JSON string `yaml:"json"`
}

func Default() *Config {
	return &Config{
		LogLevel:     "info",
		PollInterval: Duration(time.Second),
	}
}

// Load reads a YAML config file. An empty path or a missing file yields the
// defaults; a present but broken file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = Duration(time.Second)
	}
	return cfg, nil
}

// RunLimits converts the configured default limits into runner.Limits.
func (c *Config) RunLimits() (runner.Limits, error) {
	limits := runner.Limits{
		CPUTimeSoft: c.Limits.CPUTimeSoft.Std(),
		CPUTimeHard: c.Limits.CPUTimeHard.Std(),
		WallTime:    c.Limits.WallTime.Std(),
	}
	if c.Limits.Memory != "" {
		mem, err := types.ParseBytes(c.Limits.Memory)
		if err != nil {
			return limits, errors.Wrap(err, "memory limit")
		}
		limits.Memory = mem
	}
	if c.Limits.Cores != "" {
		cores, err := util.ParseIntList(c.Limits.Cores)
		if err != nil {
			return limits, errors.Wrap(err, "core list")
		}
		limits.Cores = cores
	}
	if c.Limits.MemoryNodes != "" {
		nodes, err := util.ParseIntList(c.Limits.MemoryNodes)
		if err != nil {
			return limits, errors.Wrap(err, "memory node list")
		}
		limits.MemoryNodes = nodes
	}
	return limits, nil
}

// Duration decodes "90s" style YAML values into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
