// Package elftest assembles small, well formed ELF64 images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type Sym struct {
	Name      string
	Value     uint64
	Size      uint64
	Type      elf.SymType
	Bind      elf.SymBind
	Undefined bool
}

func Func(name string, value, size uint64) Sym {
	return Sym{Name: name, Value: value, Size: size, Type: elf.STT_FUNC, Bind: elf.STB_GLOBAL}
}

type Section struct {
	Name string
	Type elf.SectionType
	Data []byte
}

// Builder describes an image. Nil symbol slices omit the section entirely.
type Builder struct {
	Type      elf.Type
	Machine   elf.Machine
	Symtab    []Sym
	Dynsym    []Sym
	BuildID   []byte
	LoadVaddr uint64
	NoLoad    bool
	Sections  []Section
}

type shdr struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
}

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
)

// Bytes lays out header, program header, section contents and finally the
// section header table.
func (b Builder) Bytes() []byte {
	typ := b.Type
	if typ == 0 {
		typ = elf.ET_DYN
	}
	machine := b.Machine
	if machine == 0 {
		machine = elf.EM_X86_64
	}

	sections := []shdr{{}, {
		name:  ".text",
		typ:   elf.SHT_PROGBITS,
		flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		addr:  b.LoadVaddr + 0x1000,
		data:  make([]byte, 16),
	}}
	addSyms := func(symName, strName string, typ elf.SectionType, syms []Sym) {
		symData, strData := encodeSymbols(syms)
		symIdx := uint32(len(sections))
		sections = append(sections,
			shdr{name: symName, typ: typ, data: symData, link: symIdx + 1, info: 1, entsize: 24},
			shdr{name: strName, typ: elf.SHT_STRTAB, data: strData},
		)
	}
	if b.Symtab != nil {
		addSyms(".symtab", ".strtab", elf.SHT_SYMTAB, b.Symtab)
	}
	if b.Dynsym != nil {
		addSyms(".dynsym", ".dynstr", elf.SHT_DYNSYM, b.Dynsym)
	}
	if b.BuildID != nil {
		var note bytes.Buffer
		binary.Write(&note, binary.LittleEndian, uint32(4))
		binary.Write(&note, binary.LittleEndian, uint32(len(b.BuildID)))
		binary.Write(&note, binary.LittleEndian, uint32(3))
		note.WriteString("GNU\x00")
		note.Write(b.BuildID)
		sections = append(sections, shdr{name: ".note.gnu.build-id", typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC, data: note.Bytes()})
	}
	for _, s := range b.Sections {
		sections = append(sections, shdr{name: s.Name, typ: s.Type, data: s.Data})
	}

	var shstr bytes.Buffer
	shstr.WriteByte(0)
	nameOff := make([]uint32, len(sections)+1)
	for i := 1; i < len(sections); i++ {
		nameOff[i] = uint32(shstr.Len())
		shstr.WriteString(sections[i].name)
		shstr.WriteByte(0)
	}
	nameOff[len(sections)] = uint32(shstr.Len())
	shstr.WriteString(".shstrtab\x00")
	sections = append(sections, shdr{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr.Bytes()})

	phnum := 1
	if b.NoLoad {
		phnum = 0
	}
	off := uint64(ehdrSize + phnum*phdrSize)
	offsets := make([]uint64, len(sections))
	var body bytes.Buffer
	for i := 1; i < len(sections); i++ {
		for (off+uint64(body.Len()))%8 != 0 {
			body.WriteByte(0)
		}
		offsets[i] = off + uint64(body.Len())
		body.Write(sections[i].data)
	}
	for (off+uint64(body.Len()))%8 != 0 {
		body.WriteByte(0)
	}
	shoff := off + uint64(body.Len())

	le := binary.LittleEndian
	var out bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	out.Write(ident[:])
	binary.Write(&out, le, uint16(typ))
	binary.Write(&out, le, uint16(machine))
	binary.Write(&out, le, uint32(elf.EV_CURRENT))
	binary.Write(&out, le, b.LoadVaddr+0x1000)
	if phnum > 0 {
		binary.Write(&out, le, uint64(ehdrSize))
	} else {
		binary.Write(&out, le, uint64(0))
	}
	binary.Write(&out, le, shoff)
	binary.Write(&out, le, uint32(0))
	binary.Write(&out, le, uint16(ehdrSize))
	binary.Write(&out, le, uint16(phdrSize))
	binary.Write(&out, le, uint16(phnum))
	binary.Write(&out, le, uint16(shdrSize))
	binary.Write(&out, le, uint16(len(sections)))
	binary.Write(&out, le, uint16(len(sections)-1))

	if phnum > 0 {
		binary.Write(&out, le, uint32(elf.PT_LOAD))
		binary.Write(&out, le, uint32(elf.PF_R|elf.PF_X))
		binary.Write(&out, le, uint64(0))
		binary.Write(&out, le, b.LoadVaddr)
		binary.Write(&out, le, b.LoadVaddr)
		binary.Write(&out, le, shoff)
		binary.Write(&out, le, shoff)
		binary.Write(&out, le, uint64(0x1000))
	}

	out.Write(body.Bytes())

	for i, s := range sections {
		binary.Write(&out, le, nameOff[i])
		binary.Write(&out, le, uint32(s.typ))
		binary.Write(&out, le, uint64(s.flags))
		binary.Write(&out, le, s.addr)
		binary.Write(&out, le, offsets[i])
		binary.Write(&out, le, uint64(len(s.data)))
		binary.Write(&out, le, s.link)
		binary.Write(&out, le, s.info)
		binary.Write(&out, le, uint64(1))
		binary.Write(&out, le, s.entsize)
	}
	return out.Bytes()
}

func encodeSymbols(syms []Sym) ([]byte, []byte) {
	le := binary.LittleEndian
	var strs bytes.Buffer
	strs.WriteByte(0)
	var tab bytes.Buffer
	tab.Write(make([]byte, 24))
	for _, s := range syms {
		var name uint32
		if s.Name != "" {
			name = uint32(strs.Len())
			strs.WriteString(s.Name)
			strs.WriteByte(0)
		}
		shndx := uint16(1)
		if s.Undefined {
			shndx = uint16(elf.SHN_UNDEF)
		}
		binary.Write(&tab, le, name)
		tab.WriteByte(elf.ST_INFO(s.Bind, s.Type))
		tab.WriteByte(0)
		binary.Write(&tab, le, shndx)
		binary.Write(&tab, le, s.Value)
		binary.Write(&tab, le, s.Size)
	}
	return tab.Bytes(), strs.Bytes()
}
