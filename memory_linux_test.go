//go:build linux

package injektor_test

import (
	"debug/elf"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/injektor/internal/elftest"
	"github.com/sliverarmory/injektor/memmod"
	"github.com/sliverarmory/injektor/remote"
)

func TestLoadLibraryImage(t *testing.T) {
	p := newProcess(t, remote.Amd64)
	before := p.target.Regs()
	target := p.open(t, nil)

	image := elftest.Builder{Machine: elf.EM_X86_64, Dynsym: []elftest.Sym{elftest.Func("agent_init", 0x1000, 0x10)}}.Bytes()
	got, err := target.LoadLibraryImage(image)
	require.NoError(t, err)
	require.Equal(t, uint64(handle), got)
	require.Len(t, p.opened, 1)
	require.True(t, strings.HasPrefix(p.opened[0], fmt.Sprintf("/proc/%d/fd/", os.Getpid())), p.opened[0])

	require.NoError(t, target.Close())
	require.Equal(t, before, p.target.Regs())
}

func TestLoadLibraryImageForeignMachine(t *testing.T) {
	p := newProcess(t, remote.Arm64)
	target := p.open(t, nil)

	_, err := target.LoadLibraryImage(elftest.Builder{Machine: elf.EM_X86_64}.Bytes())
	require.ErrorIs(t, err, memmod.ErrForeignImage)
	require.Empty(t, p.target.Ops())
}
