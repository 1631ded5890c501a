package resolve

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/sliverarmory/injektor/procmaps"
	"github.com/sliverarmory/injektor/symtab"
)

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

// LocalImport resolves the symbol in this process's own copy of the module
// and translates the address into the target. Both processes must map the
// same build, which is checked through the GNU build id when available.
type LocalImport struct {
	Maps   *procmaps.Reader
	Logger log.Logger
}

func (*LocalImport) Name() string { return "local-import" }

func (s *LocalImport) Resolve(q *Query) (uint64, error) {
	maps := s.Maps
	if maps == nil {
		maps = procmaps.Default()
	}
	local := &Query{Pid: os.Getpid(), Module: q.Module, Symbol: q.Symbol, maps: maps}
	localAddr, err := local.lookup(func(data []byte) (*symtab.Table, error) {
		return symtab.ReadTable(data, elf.SHT_DYNSYM)
	})
	if err != nil {
		return 0, errors.Wrap(err, "local")
	}
	if q.Pid == local.Pid {
		return localAddr, nil
	}
	if err := maps.VerifyBuild(s.Logger, q.Pid, q.Module); err != nil {
		return 0, err
	}
	return maps.RemoteAddress(q.Pid, q.Module, localAddr)
}

// DynamicSymbols looks the symbol up in the exported .dynsym table of the
// file backing the target's mapping.
type DynamicSymbols struct{}

func (DynamicSymbols) Name() string { return "dynsym" }

func (DynamicSymbols) Resolve(q *Query) (uint64, error) {
	return q.lookup(func(data []byte) (*symtab.Table, error) {
		return symtab.ReadTable(data, elf.SHT_DYNSYM)
	})
}

// StaticSymbols uses the full .symtab when the file was not stripped.
type StaticSymbols struct{}

func (StaticSymbols) Name() string { return "symtab" }

func (StaticSymbols) Resolve(q *Query) (uint64, error) {
	return q.lookup(func(data []byte) (*symtab.Table, error) {
		return symtab.ReadTable(data, elf.SHT_SYMTAB)
	})
}

// MiniDebugInfo uses the symbol table compressed into .gnu_debugdata.
type MiniDebugInfo struct {
	Options *symtab.MiniDebugInfoOptions
}

func (MiniDebugInfo) Name() string { return "gnu-debugdata" }

func (s MiniDebugInfo) Resolve(q *Query) (uint64, error) {
	return q.lookup(func(data []byte) (*symtab.Table, error) {
		return symtab.MiniDebugInfoTable(data, s.Options)
	})
}

// Offset is a hard coded module relative function offset for one known
// build.
type Offset struct {
	Module string
	Symbol string
	Offset uint64
}

// FixedOffset adds a configured offset to the module base. It is the last
// resort and carries no check that the offset matches the mapped build.
type FixedOffset struct {
	offsets map[[2]string]uint64
}

func NewFixedOffset(offsets []Offset) *FixedOffset {
	s := &FixedOffset{offsets: make(map[[2]string]uint64, len(offsets))}
	for _, o := range offsets {
		s.offsets[[2]string{o.Module, o.Symbol}] = o.Offset
	}
	return s
}

func (*FixedOffset) Name() string { return "fixed-offset" }

func (s *FixedOffset) Resolve(q *Query) (uint64, error) {
	off, ok := s.offsets[[2]string{q.Module, q.Symbol}]
	if !ok {
		return 0, errors.Wrapf(symtab.ErrSymbolNotFound, "no fixed offset for %s in %s", q.Symbol, q.Module)
	}
	mod, err := q.maps.FindModule(q.Pid, q.Module)
	if err != nil {
		return 0, err
	}
	return mod.Base + off, nil
}
