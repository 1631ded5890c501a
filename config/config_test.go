package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/injektor/resolve"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
	require.Empty(t, cfg.ResolveOffsets())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "injektor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
scratch_size: 0x4000
modules:
  dl: [linker64]
offsets:
  - module: libsurfaceflinger.so
    symbol: _ZN7android14SurfaceFlinger4initEv
    offset: "0x1a2b30"
  - module: libc.so
    symbol: mmap
    offset: 4096
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, Hex(0x4000), cfg.ScratchSize)
	require.Equal(t, Hex(0x100), cfg.PathOffset)
	require.Equal(t, []string{"linker64"}, cfg.Modules.DL)
	require.Equal(t, Default().Modules.C, cfg.Modules.C)
	require.Equal(t, []resolve.Offset{
		{Module: "libsurfaceflinger.so", Symbol: "_ZN7android14SurfaceFlinger4initEv", Offset: 0x1a2b30},
		{Module: "libc.so", Symbol: "mmap", Offset: 0x1000},
	}, cfg.ResolveOffsets())
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"bad number":     "scratch_size: lots",
		"bad level":      "log_level: chatty",
		"zero scratch":   "scratch_size: 0",
		"path too far":   "scratch_size: 0x100\npath_offset: 0x100",
		"path too close": "path_offset: 8",
		"empty dl list":  "modules:\n  dl: []",
		"offset no name": "offsets:\n  - offset: 0x10",
		"not a scalar":   "scratch_size: [1]",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestHexMarshal(t *testing.T) {
	out, err := yaml.Marshal(Offset{Module: "m", Symbol: "s", Offset: 0x1f})
	require.NoError(t, err)
	require.Contains(t, string(out), "0x1f")
}
