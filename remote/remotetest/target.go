// Package remotetest provides an in-memory traced process. It implements
// remote.Tracer by interpreting the trampolines the remote package writes,
// so call sequences can be exercised without ptrace privileges.
package remotetest

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/injektor/remote"
)

// Func is a function living in the emulated target. It receives the six
// integer argument registers and returns the integer result.
type Func func(t *Target, args [6]uint64) uint64

const (
	DefaultPC   = 0x5555_5555_1234
	DefaultSP   = 0x7ffd_0000_8008
	mmapBase    = 0x7f00_0000_0000
	stepLimit   = 256
	pageSize    = 0x1000
	maxFuncArgs = 6
)

// Target is the emulated process. Its zero value is not usable; see New.
type Target struct {
	mu sync.Mutex

	Pid  int
	arch remote.Arch

	mem   map[uint64]byte
	funcs map[uint64]Func
	regs  remote.Regs

	attached bool
	exited   bool
	pending  []remote.Stop
	faults   map[uint64]bool
	signals  []unix.Signal
	nextMap  uint64

	// FailAttach makes Attach fail with this error.
	FailAttach error
	// ShortVectoredWrites makes WriteVectored move only half the bytes.
	ShortVectoredWrites bool
	// FailPokes makes PokeWords fail.
	FailPokes bool

	ops       []string
	forwarded []unix.Signal
}

// New returns a stopped-in-userspace target with registers initialised to
// recognisable values.
func New(arch remote.Arch, pid int) *Target {
	t := &Target{
		Pid:     pid,
		arch:    arch,
		mem:     make(map[uint64]byte),
		funcs:   make(map[uint64]Func),
		faults:  make(map[uint64]bool),
		nextMap: mmapBase,
	}
	switch arch.Name() {
	case "arm64":
		var r remote.Arm64Regs
		for i := range r.Regs {
			r.Regs[i] = 0x1000 + uint64(i)
		}
		r.Sp = DefaultSP &^ 15
		r.Pc = DefaultPC
		r.Pstate = 0x60000000
		t.regs = r
	default:
		t.regs = remote.Amd64Regs{
			Rax: 0xfffffffffffffffc, Rbx: 0xb, Rcx: 0xc, Rdx: 0xd, Rsi: 0x51, Rdi: 0xd1,
			R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
			Rbp: DefaultSP + 0x40, Rsp: DefaultSP, Rip: DefaultPC,
			Orig_rax: 232, Eflags: 0x246, Cs: 0x33, Ss: 0x2b,
		}
	}
	return t
}

func (t *Target) Arch() remote.Arch { return t.arch }

// Register places fn at addr.
func (t *Target) Register(addr uint64, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[addr] = fn
}

// Fault makes execution at addr raise SIGSEGV.
func (t *Target) Fault(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[addr] = true
}

// Mmap allocates fresh page aligned addresses and ignores everything but
// the length argument.
func Mmap(t *Target, args [6]uint64) uint64 {
	size := (args[1] + pageSize - 1) &^ (pageSize - 1)
	if size == 0 {
		return ^uint64(0) - uint64(unix.EINVAL) + 1
	}
	addr := t.nextMap
	t.nextMap += size + pageSize
	return addr
}

// Echo returns the eight bytes at its first argument as a little endian
// integer.
func Echo(t *Target, args [6]uint64) uint64 {
	return binary.LittleEndian.Uint64(t.read(args[0], 8))
}

// Deliver queues a signal that will stop the target on its next resume.
func (t *Target) Deliver(sig unix.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, sig)
}

// Ops lists the tracer requests seen so far.
func (t *Target) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ops...)
}

// Forwarded lists the signals passed back to the target on resume.
func (t *Target) Forwarded() []unix.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]unix.Signal(nil), t.forwarded...)
}

// Regs returns the current register file.
func (t *Target) Regs() remote.Regs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs
}

// Read returns n bytes of target memory. Unwritten bytes read as zero.
func (t *Target) Read(addr uint64, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read(addr, n)
}

func (t *Target) read(addr uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = t.mem[addr+uint64(i)]
	}
	return out
}

// CString returns the NUL terminated string at addr. It does not lock the
// target and is meant to be called from a Func.
func (t *Target) CString(addr uint64) string {
	var b []byte
	for c := t.mem[addr]; c != 0; c = t.mem[addr] {
		b = append(b, c)
		addr++
	}
	return string(b)
}

func (t *Target) write(addr uint64, data []byte) {
	for i, b := range data {
		t.mem[addr+uint64(i)] = b
	}
}

func (t *Target) op(name string) {
	t.ops = append(t.ops, name)
}

func (t *Target) check(pid int) error {
	if pid != t.Pid || !t.attached || t.exited {
		return unix.ESRCH
	}
	return nil
}

func (t *Target) Attach(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("attach")
	if t.FailAttach != nil {
		return t.FailAttach
	}
	if pid != t.Pid {
		return unix.ESRCH
	}
	if t.attached {
		return unix.EPERM
	}
	t.attached = true
	t.pending = append(t.pending, remote.Stop{Signal: unix.SIGSTOP})
	return nil
}

func (t *Target) Detach(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("detach")
	if err := t.check(pid); err != nil {
		return err
	}
	t.attached = false
	return nil
}

func (t *Target) Wait(pid int) (remote.Stop, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("wait")
	if pid != t.Pid || !t.attached {
		return remote.Stop{}, unix.ECHILD
	}
	if len(t.pending) == 0 {
		return remote.Stop{}, unix.ECHILD
	}
	stop := t.pending[0]
	t.pending = t.pending[1:]
	return stop, nil
}

func (t *Target) GetRegs(pid int) (remote.Regs, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("getregs")
	if err := t.check(pid); err != nil {
		return nil, err
	}
	return t.regs, nil
}

func (t *Target) SetRegs(pid int, regs remote.Regs) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("setregs")
	if err := t.check(pid); err != nil {
		return err
	}
	switch regs.(type) {
	case remote.Arm64Regs:
		if t.arch.Name() != "arm64" {
			return unix.EINVAL
		}
	case remote.Amd64Regs:
		if t.arch.Name() != "amd64" {
			return unix.EINVAL
		}
	default:
		return unix.EINVAL
	}
	t.regs = regs
	return nil
}

func (t *Target) WriteVectored(pid int, addr uint64, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("writev")
	if err := t.check(pid); err != nil {
		return 0, err
	}
	if t.ShortVectoredWrites {
		n := len(data) / 2
		t.write(addr, data[:n])
		return n, nil
	}
	t.write(addr, data)
	return len(data), nil
}

func (t *Target) PokeWords(pid int, addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("poke")
	if err := t.check(pid); err != nil {
		return err
	}
	if t.FailPokes {
		return unix.EIO
	}
	t.write(addr, data)
	return nil
}

// Cont runs the target until it traps, faults or a queued signal arrives.
func (t *Target) Cont(pid int, sig unix.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op("cont")
	if err := t.check(pid); err != nil {
		return err
	}
	if sig != 0 {
		t.forwarded = append(t.forwarded, sig)
		if fatal(sig) {
			t.exited = true
			t.pending = append(t.pending, remote.Stop{Exited: true, Signal: sig})
			return nil
		}
	}
	if len(t.signals) > 0 {
		t.pending = append(t.pending, remote.Stop{Signal: t.signals[0]})
		t.signals = t.signals[1:]
		return nil
	}
	var stop remote.Stop
	switch r := t.regs.(type) {
	case remote.Arm64Regs:
		stop = t.runArm64(&r)
		t.regs = r
	case remote.Amd64Regs:
		stop = t.runAmd64(&r)
		t.regs = r
	default:
		return errors.Errorf("unknown register file %T", t.regs)
	}
	t.pending = append(t.pending, stop)
	return nil
}

// fatal reports signals whose default action kills the process.
func fatal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGSEGV, unix.SIGILL, unix.SIGBUS, unix.SIGFPE, unix.SIGABRT, unix.SIGKILL, unix.SIGTERM:
		return true
	}
	return false
}

func (t *Target) runArm64(r *remote.Arm64Regs) remote.Stop {
	for step := 0; step < stepLimit; step++ {
		if fn, ok := t.funcs[r.Pc]; ok {
			var args [maxFuncArgs]uint64
			copy(args[:], r.Regs[:maxFuncArgs])
			r.Regs[0] = fn(t, args)
			r.Pc = r.Regs[30]
			continue
		}
		if r.Pc == 0 || t.faults[r.Pc] {
			return remote.Stop{Signal: unix.SIGSEGV}
		}
		inst, err := arm64asm.Decode(t.read(r.Pc, 4))
		if err != nil {
			return remote.Stop{Signal: unix.SIGILL}
		}
		switch inst.Op {
		case arm64asm.LDR:
			dst, ok := inst.Args[0].(arm64asm.Reg)
			rel, rok := inst.Args[1].(arm64asm.PCRel)
			if !ok || !rok || dst < arm64asm.X0 || dst > arm64asm.X30 {
				return remote.Stop{Signal: unix.SIGILL}
			}
			r.Regs[dst-arm64asm.X0] = binary.LittleEndian.Uint64(t.read(r.Pc+uint64(rel), 8))
			r.Pc += 4
		case arm64asm.BLR:
			src, ok := inst.Args[0].(arm64asm.Reg)
			if !ok || src < arm64asm.X0 || src > arm64asm.X30 {
				return remote.Stop{Signal: unix.SIGILL}
			}
			r.Regs[30] = r.Pc + 4
			r.Pc = r.Regs[src-arm64asm.X0]
		case arm64asm.BRK:
			return remote.Stop{Signal: unix.SIGTRAP}
		case arm64asm.NOP:
			r.Pc += 4
		default:
			return remote.Stop{Signal: unix.SIGILL}
		}
	}
	return remote.Stop{Signal: unix.SIGSEGV}
}

func (t *Target) push(r *remote.Amd64Regs, v uint64) {
	r.Rsp -= 8
	t.write(r.Rsp, binary.LittleEndian.AppendUint64(nil, v))
}

func (t *Target) pop(r *remote.Amd64Regs) uint64 {
	v := binary.LittleEndian.Uint64(t.read(r.Rsp, 8))
	r.Rsp += 8
	return v
}

func (t *Target) runAmd64(r *remote.Amd64Regs) remote.Stop {
	for step := 0; step < stepLimit; step++ {
		if fn, ok := t.funcs[r.Rip]; ok {
			// System V: rsp+8 is 16 byte aligned on entry.
			if (r.Rsp+8)%16 != 0 {
				return remote.Stop{Signal: unix.SIGSEGV}
			}
			var args [maxFuncArgs]uint64
			for i := range args {
				args[i] = r.Arg(i)
			}
			r.Rax = fn(t, args)
			r.Rip = t.pop(r)
			continue
		}
		if r.Rip == 0 || t.faults[r.Rip] {
			return remote.Stop{Signal: unix.SIGSEGV}
		}
		code := t.read(r.Rip, 15)
		if code[0] == 0xcc {
			r.Rip++
			return remote.Stop{Signal: unix.SIGTRAP}
		}
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return remote.Stop{Signal: unix.SIGILL}
		}
		next := r.Rip + uint64(inst.Len)
		switch inst.Op {
		case x86asm.MOV:
			mem, ok := inst.Args[1].(x86asm.Mem)
			if inst.Args[0] != x86asm.RAX || !ok || mem.Base != x86asm.RIP {
				return remote.Stop{Signal: unix.SIGILL}
			}
			r.Rax = binary.LittleEndian.Uint64(t.read(next+uint64(mem.Disp), 8))
			r.Rip = next
		case x86asm.CALL:
			if inst.Args[0] != x86asm.RAX {
				return remote.Stop{Signal: unix.SIGILL}
			}
			t.push(r, next)
			r.Rip = r.Rax
		case x86asm.NOP:
			r.Rip = next
		default:
			return remote.Stop{Signal: unix.SIGILL}
		}
	}
	return remote.Stop{Signal: unix.SIGSEGV}
}
