package remote

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func (ptraceTracer) GetRegs(pid int) (Regs, error) {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &raw); err != nil {
		return nil, errors.Wrap(err, "ptrace getregs")
	}
	return Amd64Regs(raw), nil
}

func (ptraceTracer) SetRegs(pid int, regs Regs) error {
	r, ok := regs.(Amd64Regs)
	if !ok {
		return errors.Errorf("cannot load %T into an amd64 thread", regs)
	}
	raw := unix.PtraceRegs(r)
	return errors.Wrap(unix.PtraceSetRegs(pid, &raw), "ptrace setregs")
}
