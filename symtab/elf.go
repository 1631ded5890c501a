// Package symtab reads function symbols out of ELF images held in memory,
// including the xz compressed mini debug info some distributions ship in
// .gnu_debugdata.
package symtab

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrElfParse         = errors.New("malformed elf image")
	ErrSectionNotFound  = errors.New("section not found")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrDuplicateSymbol  = errors.New("duplicate symbol")
	ErrDecompression    = errors.New("decompression failed")
	ErrNoBuildIDSection = errors.New("build id section not found")
)

// Symbol is a named, defined function symbol.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Kind  elf.SymType
}

const sym64Size = 24

// ReadSymbols decodes the first section of type typ (SHT_SYMTAB or
// SHT_DYNSYM) of a 64-bit ELF image. Only named, defined STT_FUNC entries
// are returned, in table order.
func ReadSymbols(data []byte, typ elf.SectionType) ([]Symbol, error) {
	f, err := open(data)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSymbols(f, typ)
}

func open(data []byte) (*elf.File, error) {
	if len(data) < elf.EI_NIDENT {
		return nil, errors.Wrapf(ErrElfParse, "image is %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, errors.Wrap(ErrElfParse, "bad magic")
	}
	if elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, errors.Wrapf(ErrElfParse, "unsupported class %s", elf.Class(data[elf.EI_CLASS]))
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrElfParse, "%v", err)
	}
	return f, nil
}

func readSymbols(f *elf.File, typ elf.SectionType) ([]Symbol, error) {
	var sec *elf.Section
	for _, s := range f.Sections {
		if s.Type == typ {
			sec = s
			break
		}
	}
	if sec == nil {
		return nil, errors.Wrapf(ErrSectionNotFound, "%s", typ)
	}
	if int(sec.Link) <= 0 || int(sec.Link) >= len(f.Sections) {
		return nil, errors.Wrapf(ErrElfParse, "%s links to section %d of %d", sec.Name, sec.Link, len(f.Sections))
	}
	symData, err := sectionData(sec)
	if err != nil {
		return nil, err
	}
	strData, err := sectionData(f.Sections[sec.Link])
	if err != nil {
		return nil, err
	}

	bo := f.ByteOrder
	var syms []Symbol
	for off := sym64Size; off+sym64Size <= len(symData); off += sym64Size {
		ent := symData[off : off+sym64Size]
		nameOff := bo.Uint32(ent[0:4])
		info := ent[4]
		shndx := elf.SectionIndex(bo.Uint16(ent[6:8]))
		if nameOff == 0 || elf.ST_TYPE(info) != elf.STT_FUNC || shndx == elf.SHN_UNDEF {
			continue
		}
		name, err := cstring(strData, nameOff)
		if err != nil {
			return nil, errors.Wrapf(err, "symbol %d", off/sym64Size)
		}
		syms = append(syms, Symbol{
			Name:  name,
			Value: bo.Uint64(ent[8:16]),
			Size:  bo.Uint64(ent[16:24]),
			Kind:  elf.ST_TYPE(info),
		})
	}
	return syms, nil
}

func sectionData(s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, errors.Wrapf(ErrElfParse, "%s has no file data", s.Name)
	}
	data, err := io.ReadAll(s.Open())
	if err != nil {
		return nil, errors.Wrapf(ErrElfParse, "read %s: %v", s.Name, err)
	}
	if uint64(len(data)) != s.Size {
		return nil, errors.Wrapf(ErrElfParse, "%s truncated at %d of %d bytes", s.Name, len(data), s.Size)
	}
	return data, nil
}

func cstring(tab []byte, off uint32) (string, error) {
	if int(off) >= len(tab) {
		return "", errors.Wrapf(ErrElfParse, "name offset %#x outside string table", off)
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end < 0 {
		return "", errors.Wrapf(ErrElfParse, "unterminated name at %#x", off)
	}
	return string(tab[off : int(off)+end]), nil
}

// LoadBias returns the difference between where the image is mapped and
// where it was linked: zero for ET_EXEC, base minus the first PT_LOAD
// virtual address otherwise.
func LoadBias(data []byte, base uint64) (uint64, error) {
	f, err := open(data)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return loadBias(f, base), nil
}

func loadBias(f *elf.File, base uint64) uint64 {
	if f.Type == elf.ET_EXEC {
		return 0
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			return base - (p.Vaddr &^ (pageSize - 1))
		}
	}
	return base
}

const pageSize = 0x1000
