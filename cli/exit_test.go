package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/injektor"
	"github.com/sliverarmory/injektor/internal/elftest"
	"github.com/sliverarmory/injektor/memmod"
	"github.com/sliverarmory/injektor/procmaps"
	"github.com/sliverarmory/injektor/remote"
	"github.com/sliverarmory/injektor/resolve"
	"github.com/sliverarmory/injektor/symtab"
)

func TestExitCode(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		code int
	}{
		"ok":             {nil, 0},
		"other":          {errors.New("boom"), 1},
		"usage":          {errors.Wrap(errUsage, "argument"), 1},
		"no target":      {errors.Wrap(injektor.ErrTargetNotFound, "surfaceflinger"), 2},
		"no library":     {errors.Wrap(injektor.ErrLibraryNotFound, "dlopen"), 3},
		"module missing": {errors.Wrap(procmaps.ErrModuleNotMapped, "libc.so"), 3},
		"foreign image":  {errors.Wrap(memmod.ErrForeignImage, "EM_AARCH64"), 3},
		"unresolved":     {errors.Wrap(resolve.ErrUnresolved, "x"), 4},
		"unresolved in unmapped module": {
			multierror.Append(resolve.ErrUnresolved, procmaps.ErrModuleNotMapped), 4,
		},
		"bad elf":       {errors.Wrap(symtab.ErrElfParse, "truncated"), 4},
		"build differs": {errors.Wrap(procmaps.ErrBuildMismatch, "libc.so"), 4},
		"attach":        {errors.Wrap(remote.ErrAttach, "EPERM"), 5},
		"detach":        {errors.Wrap(remote.ErrDetach, "ESRCH"), 5},
		"allocation":    {errors.Wrap(remote.ErrAllocation, "ENOMEM"), 6},
		"write":         {errors.Wrap(remote.ErrRemoteWrite, "EIO"), 7},
		"call":          {errors.Wrap(remote.ErrRemoteCall, "SIGSEGV"), 8},
		"call and restore": {
			multierror.Append(errors.Wrap(remote.ErrRemoteCall, "exited"), errors.Wrap(remote.ErrRegisterAccess, "ESRCH")), 8,
		},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.code, exitCode(tc.err))
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&logs)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	t.Log(logs.String())
	return out.String(), err
}

func TestSymbolsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libsurfaceflinger.so")
	image := elftest.Builder{
		Dynsym: []elftest.Sym{elftest.Func("_ZN7android14SurfaceFlinger4initEv", 0x1a2b30, 0x200)},
		Symtab: []elftest.Sym{elftest.Func("local_helper", 0x1000, 0x10)},
	}.Bytes()
	require.NoError(t, os.WriteFile(path, image, 0o644))

	out, err := execute(t, "symbols", "--table=dynsym", "--demangle=false", path)
	require.NoError(t, err)
	require.Equal(t, "00000000001a2b30      512 _ZN7android14SurfaceFlinger4initEv\n", out)

	out, err = execute(t, "symbols", "--table=dynsym", "--demangle", path)
	require.NoError(t, err)
	require.Contains(t, out, "android::SurfaceFlinger::init()")

	out, err = execute(t, "symbols", "--table=symtab", "--demangle=false", path)
	require.NoError(t, err)
	require.Contains(t, out, "local_helper")

	_, err = execute(t, "symbols", "--table=gnu_debugdata", "--demangle=false", path)
	require.ErrorIs(t, err, symtab.ErrSectionNotFound)
	require.Equal(t, 4, exitCode(err))

	_, err = execute(t, "symbols", "--table=strtab", path)
	require.ErrorIs(t, err, errUsage)
}

func TestCallRejectsBadArguments(t *testing.T) {
	_, err := execute(t, "call", "1", "libc.so", "getpid", "twelve")
	require.ErrorIs(t, err, errUsage)

	values, err := parseArgs([]string{"0x10", "-1", "42"})
	require.NoError(t, err)
	require.Equal(t, []uint64{0x10, ^uint64(0), 42}, values)
}

func TestUnknownTarget(t *testing.T) {
	_, err := execute(t, "resolve", "no-such-process-injektor-test", "libc.so", "getpid")
	require.ErrorIs(t, err, injektor.ErrTargetNotFound)
	require.Equal(t, 2, exitCode(err))
}
