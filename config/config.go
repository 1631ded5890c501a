// Package config loads the optional injektor YAML file.
package config

import (
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/resolve"
)

// The call trampoline occupies the start of the scratch area.
const minPathOffset = 0x20

// Hex is an unsigned number that may be written in YAML as an integer or
// as a string with a 0x, 0o or 0b prefix.
type Hex uint64

func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expected a number", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return errors.Errorf("line %d: invalid number %q", value.Line, value.Value)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (interface{}, error) {
	return "0x" + strconv.FormatUint(uint64(h), 16), nil
}

// Config is the content of the configuration file.
type Config struct {
	LogLevel    string   `yaml:"log_level"`
	ScratchSize Hex      `yaml:"scratch_size"`
	PathOffset  Hex      `yaml:"path_offset"`
	Modules     Modules  `yaml:"modules"`
	Offsets     []Offset `yaml:"offsets"`
}

// Modules lists path substrings tried in order when looking for the
// dynamic loader and the C library in a target.
type Modules struct {
	DL []string `yaml:"dl"`
	C  []string `yaml:"c"`
}

// Offset is a fixed module relative address used when no symbol table
// knows the symbol.
type Offset struct {
	Module string `yaml:"module"`
	Symbol string `yaml:"symbol"`
	Offset Hex    `yaml:"offset"`
}

// Default returns the configuration used when no file is given. The module
// candidates cover glibc and musl systems and Android's bionic.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		ScratchSize: 0x2000,
		PathOffset:  0x100,
		Modules: Modules{
			DL: []string{
				"libdl.so",
				"bionic/libdl.so",
				"/apex/com.android.runtime/lib64/bionic/libdl.so",
				"linker64",
				"libc.so",
			},
			C: []string{
				"libc.so",
				"bionic/libc.so",
				"/apex/com.android.runtime/lib64/bionic/libc.so",
				"ld-musl",
			},
		},
	}
}

// Load reads path and overlays it on Default. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Lists
// given in the file replace the default lists.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := logging.New(io.Discard, c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if c.ScratchSize == 0 {
		return errors.New("scratch_size must be positive")
	}
	if c.PathOffset < minPathOffset {
		return errors.Errorf("path_offset %#x overlaps the call trampoline", uint64(c.PathOffset))
	}
	if c.PathOffset >= c.ScratchSize {
		return errors.Errorf("path_offset %#x does not fit in scratch_size %#x", uint64(c.PathOffset), uint64(c.ScratchSize))
	}
	if len(c.Modules.DL) == 0 || len(c.Modules.C) == 0 {
		return errors.New("modules.dl and modules.c need at least one entry")
	}
	for i, o := range c.Offsets {
		if o.Module == "" || o.Symbol == "" {
			return errors.Errorf("offsets[%d]: module and symbol are required", i)
		}
	}
	return nil
}

// ResolveOffsets converts the configured offsets for the fixed offset
// strategy.
func (c *Config) ResolveOffsets() []resolve.Offset {
	out := make([]resolve.Offset, 0, len(c.Offsets))
	for _, o := range c.Offsets {
		out = append(out, resolve.Offset{Module: o.Module, Symbol: o.Symbol, Offset: uint64(o.Offset)})
	}
	return out
}
