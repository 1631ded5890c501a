package remote

import (
	"debug/elf"
	"encoding/binary"
	"runtime"

	"github.com/pkg/errors"
)

// MaxCallArgs is the number of integer arguments Session.Call passes.
const MaxCallArgs = 4

const (
	trampolineSize = 24
	literalOffset  = 16
)

// Regs is a value copy of a general purpose register file.
type Regs interface {
	PC() uint64
	SP() uint64
	// Return is the integer return value register.
	Return() uint64
}

// StackWrite is memory that must be written before entering a frame.
type StackWrite struct {
	Addr uint64
	Data []byte
}

// Arch knows the calling convention and instruction encoding of one
// architecture.
type Arch interface {
	Name() string
	// Machine is the ELF machine of code this architecture runs.
	Machine() elf.Machine
	// Trampoline returns code that calls fn and then traps.
	Trampoline(fn uint64) []byte
	// TrapPC is the program counter reported when the trampoline placed at
	// scratch reaches its trap.
	TrapPC(scratch uint64) uint64
	// TrampolineFrame derives the registers that run the trampoline at pc
	// with args from the snapshot saved.
	TrampolineFrame(saved Regs, pc uint64, args []uint64) (Regs, error)
	// DirectFrame derives registers that enter fn with args and a return
	// address of ret, plus the stack memory that must hold ret.
	DirectFrame(saved Regs, fn, ret uint64, args []uint64) (Regs, []StackWrite, error)
	// Disassemble renders code for debug logging.
	Disassemble(code []byte, pc uint64) []string
}

// HostArch returns the architecture this binary was built for.
func HostArch() (Arch, error) {
	return ArchByName(runtime.GOARCH)
}

func ArchByName(name string) (Arch, error) {
	switch name {
	case "arm64":
		return Arm64, nil
	case "amd64":
		return Amd64, nil
	default:
		return nil, errors.Wrapf(ErrUnsupported, "architecture %s", name)
	}
}

func putLiteral(code []byte, fn uint64) []byte {
	binary.LittleEndian.PutUint64(code[literalOffset:], fn)
	return code
}

func align16(v uint64) uint64 {
	return v &^ 15
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
