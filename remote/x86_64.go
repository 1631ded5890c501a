package remote

import (
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Amd64Regs mirrors the kernel's user_regs_struct. Field names follow
// golang.org/x/sys/unix.PtraceRegs so the two convert directly.
type Amd64Regs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

func (r Amd64Regs) PC() uint64     { return r.Rip }
func (r Amd64Regs) SP() uint64     { return r.Rsp }
func (r Amd64Regs) Return() uint64 { return r.Rax }

// SetArg assigns the i'th System V integer argument register.
func (r *Amd64Regs) SetArg(i int, v uint64) {
	switch i {
	case 0:
		r.Rdi = v
	case 1:
		r.Rsi = v
	case 2:
		r.Rdx = v
	case 3:
		r.Rcx = v
	case 4:
		r.R8 = v
	case 5:
		r.R9 = v
	}
}

// Arg returns the i'th System V integer argument register.
func (r Amd64Regs) Arg(i int) uint64 {
	switch i {
	case 0:
		return r.Rdi
	case 1:
		return r.Rsi
	case 2:
		return r.Rdx
	case 3:
		return r.Rcx
	case 4:
		return r.R8
	case 5:
		return r.R9
	}
	return 0
}

const (
	amd64RedZone       = 128
	amd64ScratchStack  = 256
	amd64MaxDirectArgs = 6
)

// mov rax, [rip+9]; call rax; int3; nop x6; literal
var amd64Prologue = []byte{
	0x48, 0x8b, 0x05, 0x09, 0x00, 0x00, 0x00,
	0xff, 0xd0,
	0xcc,
	0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
}

type amd64Arch struct{}

var Amd64 Arch = amd64Arch{}

func (amd64Arch) Name() string        { return "amd64" }
func (amd64Arch) Machine() elf.Machine { return elf.EM_X86_64 }

func (amd64Arch) Trampoline(fn uint64) []byte {
	code := make([]byte, trampolineSize)
	copy(code, amd64Prologue)
	return putLiteral(code, fn)
}

// int3 reports the address after itself.
func (amd64Arch) TrapPC(scratch uint64) uint64 { return scratch + 10 }

func amd64Saved(saved Regs) (Amd64Regs, error) {
	r, ok := saved.(Amd64Regs)
	if !ok {
		return Amd64Regs{}, errors.Errorf("amd64 frame built from %T", saved)
	}
	return r, nil
}

// enter loads args and disarms syscall restart: with orig_rax at -1 the
// kernel will not rewind rip if the snapshot was taken inside a syscall.
func amd64Enter(r Amd64Regs, pc uint64, args []uint64) Amd64Regs {
	for i, a := range args {
		r.SetArg(i, a)
	}
	r.Rax = 0
	r.Orig_rax = ^uint64(0)
	r.Rip = pc
	return r
}

func (amd64Arch) TrampolineFrame(saved Regs, pc uint64, args []uint64) (Regs, error) {
	r, err := amd64Saved(saved)
	if err != nil {
		return nil, err
	}
	if len(args) > MaxCallArgs {
		return nil, errors.Errorf("%d arguments, at most %d", len(args), MaxCallArgs)
	}
	r = amd64Enter(r, pc, args)
	// The trampoline's call pushes the return address, leaving the callee
	// with the rsp+8 alignment the ABI expects.
	r.Rsp = align16(r.Rsp - amd64RedZone - amd64ScratchStack)
	return r, nil
}

func (amd64Arch) DirectFrame(saved Regs, fn, ret uint64, args []uint64) (Regs, []StackWrite, error) {
	r, err := amd64Saved(saved)
	if err != nil {
		return nil, nil, err
	}
	if len(args) > amd64MaxDirectArgs {
		return nil, nil, errors.Errorf("%d arguments, at most %d", len(args), amd64MaxDirectArgs)
	}
	r = amd64Enter(r, fn, args)
	r.Rsp = align16(r.Rsp-amd64RedZone-amd64ScratchStack) - 8
	return r, []StackWrite{{Addr: r.Rsp, Data: le64(ret)}}, nil
}

func (amd64Arch) Disassemble(code []byte, pc uint64) []string {
	var out []string
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			out = append(out, fmt.Sprintf("%#x: .byte %#02x", pc+uint64(off), code[off]))
			off++
			continue
		}
		out = append(out, fmt.Sprintf("%#x: %s", pc+uint64(off), x86asm.GNUSyntax(inst, pc+uint64(off), nil)))
		off += inst.Len
	}
	return out
}
