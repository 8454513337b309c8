package emu

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/callng/rnidbg/internal/dispatch"
)

// Config controls one emulator instance. The zero value plus
// applyDefaults gives a working setup for a single library.
type Config struct {
	// Debug enables verbose structured logging.
	Debug bool `yaml:"debug"`

	// Policy selects the unimplemented-trap behavior: "best-effort"
	// (default) or "strict".
	Policy string `yaml:"policy"`

	// StackSize is the initially mapped stack, StackGuard the window
	// below it that grow-on-fault honors, StackMax the total growth
	// budget. All in bytes.
	StackSize  uint64 `yaml:"stack_size"`
	StackGuard uint64 `yaml:"stack_guard"`
	StackMax   uint64 `yaml:"stack_max"`

	// MaxInstructions bounds every top-level run; 0 means unbounded.
	MaxInstructions uint64 `yaml:"max_instructions"`

	// RandomSeed feeds the deterministic getrandom/urandom source and
	// the stack canary.
	RandomSeed uint64 `yaml:"random_seed"`

	// Libraries maps DT_NEEDED sonames to host paths, for dependency
	// loading. Missing entries fall through to host stubs.
	Libraries map[string]string `yaml:"libraries"`
}

const (
	defaultStackSize  = 1 << 20
	defaultStackGuard = 256 << 10
	defaultStackMax   = 8 << 20
	defaultRandomSeed = 0x524e4944 // "RNID"

	svcRegionSize  = 64 << 10
	libcHeapSize   = 1 << 20
	tlsRegionSize  = 64 << 10
)

func (c *Config) applyDefaults() {
	if c.StackSize == 0 {
		c.StackSize = defaultStackSize
	}
	if c.StackGuard == 0 {
		c.StackGuard = defaultStackGuard
	}
	if c.StackMax == 0 {
		c.StackMax = defaultStackMax
	}
	if c.RandomSeed == 0 {
		c.RandomSeed = defaultRandomSeed
	}
}

// ParsedPolicy maps the config string onto the dispatcher policy.
func (c *Config) ParsedPolicy() (dispatch.Policy, error) {
	switch c.Policy {
	case "", "best-effort":
		return dispatch.PolicyBestEffort, nil
	case "strict":
		return dispatch.PolicyStrict, nil
	}
	return 0, fmt.Errorf("unknown policy %q", c.Policy)
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
