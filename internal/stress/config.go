package stress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Mode selects how parties wait for a phase to advance.
type Mode string

const (
	// ModeAwait uses the fused ArriveAndAwaitAdvance.
	ModeAwait Mode = "await"
	// ModeSplit uses Arrive followed by AwaitAdvance.
	ModeSplit Mode = "split"
	// ModeTimed uses Arrive followed by AwaitAdvanceTimeout, retrying on timeout.
	ModeTimed Mode = "timed"
)

// maxLeafParties bounds the total number of party goroutines of a workload.
const maxLeafParties = 1 << 16

// maxTiers bounds the depth of the tree. A first registration recurses once
// per level on its way to the root.
const maxTiers = 16

// Config describes a stress workload over a tree of phasers.
type Config struct {
	// Tiers is the number of phaser levels below the root. Zero puts all
	// parties on the root.
	Tiers int
	// Fanout is the number of children of every interior phaser.
	Fanout int
	// PartiesPerLeaf is the number of party goroutines on every leaf phaser.
	PartiesPerLeaf int
	// Phases is the number of phases to run before the root terminates.
	Phases int
	Mode   Mode
	// WaitTimeout is the per-attempt timeout of ModeTimed.
	WaitTimeout time.Duration
	// Churn makes the first party of every leaf swap its registration for a
	// fresh one every Churn phases. Zero disables it.
	Churn int

	MetricsAddr string
	LogLevel    string
}

// DefaultConfig returns a small two-tier workload.
func DefaultConfig() Config {
	return Config{
		Tiers:          2,
		Fanout:         4,
		PartiesPerLeaf: 4,
		Phases:         1000,
		Mode:           ModeAwait,
		WaitTimeout:    10 * time.Millisecond,
		LogLevel:       "info",
	}
}

// Leaves returns the number of leaf phasers of the workload.
func (c Config) Leaves() int {
	n := 1
	if c.Fanout <= 1 {
		return n
	}
	for range c.Tiers {
		n *= c.Fanout
		if n > maxLeafParties {
			return n
		}
	}
	return n
}

// Parties returns the total number of party goroutines.
func (c Config) Parties() int {
	return c.Leaves() * c.PartiesPerLeaf
}

// Validate reports the first problem of c.
func (c Config) Validate() error {
	switch {
	case c.Tiers < 0:
		return errors.New("tiers must not be negative")
	case c.Tiers > maxTiers:
		return fmt.Errorf("tiers must be at most %d", maxTiers)
	case c.Fanout < 1:
		return errors.New("fanout must be positive")
	case c.PartiesPerLeaf < 1 || c.PartiesPerLeaf > 0xffff:
		return fmt.Errorf("parties_per_leaf must be in [1, %d]", 0xffff)
	case c.Phases < 1:
		return errors.New("phases must be positive")
	case c.Churn < 0:
		return errors.New("churn must not be negative")
	case c.Fanout > 0xffff:
		return fmt.Errorf("fanout must be at most %d", 0xffff)
	case c.Leaves() > maxLeafParties || c.Parties() > maxLeafParties:
		return fmt.Errorf("workload exceeds %d parties", maxLeafParties)
	}
	switch c.Mode {
	case ModeAwait, ModeSplit:
	case ModeTimed:
		if c.WaitTimeout <= 0 {
			return errors.New("wait_timeout must be positive in timed mode")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// fileConfig is the on-disk form of Config. Unset fields keep their defaults.
type fileConfig struct {
	Tiers          *int    `toml:"tiers" yaml:"tiers"`
	Fanout         *int    `toml:"fanout" yaml:"fanout"`
	PartiesPerLeaf *int    `toml:"parties_per_leaf" yaml:"parties_per_leaf"`
	Phases         *int    `toml:"phases" yaml:"phases"`
	Mode           *string `toml:"mode" yaml:"mode"`
	WaitTimeout    *string `toml:"wait_timeout" yaml:"wait_timeout"`
	Churn          *int    `toml:"churn" yaml:"churn"`
	MetricsAddr    *string `toml:"metrics_addr" yaml:"metrics_addr"`
	LogLevel       *string `toml:"log_level" yaml:"log_level"`
}

// LoadConfig reads a TOML or YAML workload file, chosen by extension, on top
// of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load stress config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Config{}, fmt.Errorf("load stress config: unsupported format %q", filepath.Ext(path))
	}
}

// ParseTOML decodes a TOML workload on top of DefaultConfig.
func ParseTOML(data []byte) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("parse toml: unknown key %q", undecoded[0].String())
	}
	return raw.apply(DefaultConfig())
}

// ParseYAML decodes a YAML workload on top of DefaultConfig.
func ParseYAML(data []byte) (Config, error) {
	var raw fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return raw.apply(DefaultConfig())
}

func (f fileConfig) apply(cfg Config) (Config, error) {
	if f.Tiers != nil {
		cfg.Tiers = *f.Tiers
	}
	if f.Fanout != nil {
		cfg.Fanout = *f.Fanout
	}
	if f.PartiesPerLeaf != nil {
		cfg.PartiesPerLeaf = *f.PartiesPerLeaf
	}
	if f.Phases != nil {
		cfg.Phases = *f.Phases
	}
	if f.Mode != nil {
		cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(*f.Mode)))
	}
	if f.WaitTimeout != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*f.WaitTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse wait_timeout: %w", err)
		}
		cfg.WaitTimeout = d
	}
	if f.Churn != nil {
		cfg.Churn = *f.Churn
	}
	if f.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*f.MetricsAddr)
	}
	if f.LogLevel != nil {
		cfg.LogLevel = strings.TrimSpace(*f.LogLevel)
	}
	return cfg, nil
}
