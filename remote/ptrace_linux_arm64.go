package remote

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NT_PRSTATUS selects the general purpose register set.
const ntPrstatus = 1

func (ptraceTracer) GetRegs(pid int) (Regs, error) {
	var raw unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(pid, ntPrstatus, &raw); err != nil {
		return nil, errors.Wrap(err, "ptrace getregset")
	}
	return Arm64Regs(raw), nil
}

func (ptraceTracer) SetRegs(pid int, regs Regs) error {
	r, ok := regs.(Arm64Regs)
	if !ok {
		return errors.Errorf("cannot load %T into an arm64 thread", regs)
	}
	raw := unix.PtraceRegsArm64(r)
	return errors.Wrap(unix.PtraceSetRegSetArm64(pid, ntPrstatus, &raw), "ptrace setregset")
}
