package injektor_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/injektor"
	"github.com/sliverarmory/injektor/config"
	"github.com/sliverarmory/injektor/internal/elftest"
	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/metrics"
	"github.com/sliverarmory/injektor/procmaps"
	"github.com/sliverarmory/injektor/remote"
	"github.com/sliverarmory/injektor/remote/remotetest"
	"github.com/sliverarmory/injektor/resolve"
	"github.com/sliverarmory/injektor/symtab"
)

const (
	targetPid = 2718
	dlBase    = 0x7b00000000
	libcBase  = 0x7c00000000
	dlPath    = "/system/lib64/libdl.so"
	libcPath  = "/system/lib64/libc.so"
	agentPath = "/data/local/tmp/libagent.so"
	handle    = 0x7d0000a0b0
)

type process struct {
	root   string
	target *remotetest.Target
	opened []string
	flags  []uint64
}

func (p *process) put(t *testing.T, path string, data []byte) {
	t.Helper()
	full := filepath.Join(p.root, strconv.Itoa(targetPid), "root", path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func newProcess(t *testing.T, arch remote.Arch) *process {
	t.Helper()
	p := &process{root: t.TempDir(), target: remotetest.New(arch, targetPid)}

	dir := filepath.Join(p.root, strconv.Itoa(targetPid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var maps string
	for _, m := range []struct {
		base uint64
		path string
	}{{dlBase, dlPath}, {libcBase, libcPath}} {
		maps += fmt.Sprintf("%x-%x r--p 00000000 fd:01 10 %s\n", m.base, m.base+0x1000, m.path)
		maps += fmt.Sprintf("%x-%x r-xp 00001000 fd:01 10 %s\n", m.base+0x1000, m.base+0x10000, m.path)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o644))

	p.put(t, dlPath, elftest.Builder{Dynsym: []elftest.Sym{elftest.Func("dlopen", 0x2000, 0x80)}}.Bytes())
	p.put(t, libcPath, elftest.Builder{Dynsym: []elftest.Sym{
		elftest.Func("mmap", 0x4000, 0x40),
		elftest.Func("getpid", 0x5000, 0x10),
	}}.Bytes())
	p.put(t, agentPath, []byte("\x7fELF"))

	p.target.Register(libcBase+0x4000, remotetest.Mmap)
	p.target.Register(libcBase+0x5000, func(*remotetest.Target, [6]uint64) uint64 { return targetPid })
	p.target.Register(dlBase+0x2000, func(tt *remotetest.Target, args [6]uint64) uint64 {
		p.opened = append(p.opened, tt.CString(args[0]))
		p.flags = append(p.flags, args[1])
		return handle
	})
	return p
}

func (p *process) open(t *testing.T, cfg *config.Config) *injektor.Target {
	t.Helper()
	maps, err := procmaps.NewReader(p.root)
	require.NoError(t, err)
	target, err := injektor.Open(targetPid, &injektor.Options{
		Config: cfg,
		Logger: logging.TestLogger(t),
		Maps:   maps,
		Tracer: p.target,
		Arch:   p.target.Arch(),
	})
	require.NoError(t, err)
	return target
}

func TestLoadLibrary(t *testing.T) {
	for _, arch := range []remote.Arch{remote.Arm64, remote.Amd64} {
		t.Run(arch.Name(), func(t *testing.T) {
			p := newProcess(t, arch)
			before := p.target.Regs()
			target := p.open(t, nil)

			got, err := target.LoadLibrary(agentPath)
			require.NoError(t, err)
			require.Equal(t, uint64(handle), got)
			require.Equal(t, []string{agentPath}, p.opened)
			require.Equal(t, []uint64{0x102}, p.flags)

			pid, err := target.CallSymbol("libc.so", "getpid")
			require.NoError(t, err)
			require.Equal(t, uint64(targetPid), pid)

			require.NoError(t, target.Close())
			require.Equal(t, before, p.target.Regs())
		})
	}
}

func TestLoadLibraryMissingFile(t *testing.T) {
	p := newProcess(t, remote.Amd64)
	target := p.open(t, nil)

	_, err := target.LoadLibrary("/data/local/tmp/absent.so")
	require.ErrorIs(t, err, injektor.ErrLibraryNotFound)
	_, err = target.LoadLibrary("libagent.so")
	require.ErrorIs(t, err, injektor.ErrLibraryNotFound)
	require.Empty(t, p.target.Ops())
}

func TestLoadLibraryWithoutLoader(t *testing.T) {
	p := newProcess(t, remote.Amd64)
	cfg := config.Default()
	cfg.Modules.DL = []string{"linker64", "ld-linux"}
	target := p.open(t, cfg)

	_, err := target.LoadLibrary(agentPath)
	require.ErrorIs(t, err, injektor.ErrLibraryNotFound)
	require.Contains(t, err.Error(), "linker64")
	require.Empty(t, p.target.Ops())
}

func TestResolveAnySkipsUnmapped(t *testing.T) {
	p := newProcess(t, remote.Arm64)
	target := p.open(t, nil)

	addr, module, err := target.ResolveAny([]string{"libdl.so.2", "libdl.so"}, "dlopen")
	require.NoError(t, err)
	require.Equal(t, "libdl.so", module)
	require.Equal(t, uint64(dlBase+0x2000), addr)

	// A mapped module without the symbol is a resolution failure, even
	// though this test binary does not map libdl.so itself.
	_, _, err = target.ResolveAny([]string{"libdl.so.2", "libdl.so"}, "dlclose")
	require.ErrorIs(t, err, resolve.ErrUnresolved)
	require.ErrorIs(t, err, symtab.ErrSymbolNotFound)
	require.NotErrorIs(t, err, injektor.ErrLibraryNotFound)

	_, _, err = target.ResolveAny([]string{"libdl.so.2"}, "dlopen")
	require.ErrorIs(t, err, injektor.ErrLibraryNotFound)
}

func TestCallsNeedAttach(t *testing.T) {
	p := newProcess(t, remote.Arm64)
	target := p.open(t, nil)

	_, err := target.CallSymbol("libc.so", "getpid")
	require.ErrorIs(t, err, remote.ErrNotAttached)
	require.Empty(t, p.target.Ops())
}

func TestAttachFailure(t *testing.T) {
	p := newProcess(t, remote.Arm64)
	p.target.FailAttach = os.ErrPermission
	m := metrics.New(nil)
	maps, err := procmaps.NewReader(p.root)
	require.NoError(t, err)
	target, err := injektor.Open(targetPid, &injektor.Options{Maps: maps, Tracer: p.target, Arch: remote.Arm64, Metrics: m})
	require.NoError(t, err)

	_, err = target.LoadLibrary(agentPath)
	require.ErrorIs(t, err, remote.ErrAttach)
	require.Empty(t, p.opened)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Remote.Attaches.WithLabelValues("failed")))
	require.NoError(t, target.Close())
}

func TestOpenUnknownProcess(t *testing.T) {
	maps, err := procmaps.NewReader(t.TempDir())
	require.NoError(t, err)
	_, err = injektor.Open(99999, &injektor.Options{Maps: maps})
	require.ErrorIs(t, err, injektor.ErrTargetNotFound)
	_, err = injektor.Open(0, &injektor.Options{Maps: maps})
	require.ErrorIs(t, err, injektor.ErrTargetNotFound)
}
