package remote

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
)

// Arm64Regs mirrors the kernel's user_pt_regs.
type Arm64Regs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func (r Arm64Regs) PC() uint64     { return r.Pc }
func (r Arm64Regs) SP() uint64     { return r.Sp }
func (r Arm64Regs) Return() uint64 { return r.Regs[0] }

const (
	arm64LdrX16Literal = 0x58000090 // ldr x16, .+16
	arm64BlrX16        = 0xd63f0200
	arm64Brk0          = 0xd4200000
	arm64Nop           = 0xd503201f

	arm64MaxDirectArgs = 8
)

type arm64Arch struct{}

var Arm64 Arch = arm64Arch{}

func (arm64Arch) Name() string        { return "arm64" }
func (arm64Arch) Machine() elf.Machine { return elf.EM_AARCH64 }

func (arm64Arch) Trampoline(fn uint64) []byte {
	code := make([]byte, trampolineSize)
	for i, insn := range []uint32{arm64LdrX16Literal, arm64BlrX16, arm64Brk0, arm64Nop} {
		binary.LittleEndian.PutUint32(code[i*4:], insn)
	}
	return putLiteral(code, fn)
}

// The brk leaves the pc on the brk itself.
func (arm64Arch) TrapPC(scratch uint64) uint64 { return scratch + 8 }

func arm64Saved(saved Regs) (Arm64Regs, error) {
	r, ok := saved.(Arm64Regs)
	if !ok {
		return Arm64Regs{}, errors.Errorf("arm64 frame built from %T", saved)
	}
	return r, nil
}

func (arm64Arch) TrampolineFrame(saved Regs, pc uint64, args []uint64) (Regs, error) {
	r, err := arm64Saved(saved)
	if err != nil {
		return nil, err
	}
	if len(args) > MaxCallArgs {
		return nil, errors.Errorf("%d arguments, at most %d", len(args), MaxCallArgs)
	}
	copy(r.Regs[:], args)
	r.Regs[30] = 0
	r.Pc = pc
	r.Sp = align16(r.Sp)
	return r, nil
}

func (arm64Arch) DirectFrame(saved Regs, fn, ret uint64, args []uint64) (Regs, []StackWrite, error) {
	r, err := arm64Saved(saved)
	if err != nil {
		return nil, nil, err
	}
	if len(args) > arm64MaxDirectArgs {
		return nil, nil, errors.Errorf("%d arguments, at most %d", len(args), arm64MaxDirectArgs)
	}
	copy(r.Regs[:], args)
	r.Regs[30] = ret
	r.Pc = fn
	r.Sp = align16(r.Sp)
	return r, nil, nil
}

func (arm64Arch) Disassemble(code []byte, pc uint64) []string {
	var out []string
	for off := 0; off+4 <= len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off:])
		if err != nil {
			out = append(out, fmt.Sprintf("%#x: .word %#08x", pc+uint64(off), binary.LittleEndian.Uint32(code[off:])))
			continue
		}
		out = append(out, fmt.Sprintf("%#x: %s", pc+uint64(off), arm64asm.GNUSyntax(inst)))
	}
	return out
}
