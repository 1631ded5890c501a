package remote

import (
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/injektor/metrics"
)

type sessionState int

const (
	unattached sessionState = iota
	attached
	detached
	// failed sessions never attach again.
	failed
)

func (s sessionState) String() string {
	switch s {
	case unattached:
		return "unattached"
	case attached:
		return "attached"
	case failed:
		return "failed"
	default:
		return "detached"
	}
}

// Session controls one thread of a target process between Attach and
// Close. The register file captured at attach is the only baseline: every
// call starts from it and it is written back after every call and again
// before detaching, so the target resumes exactly where it was stopped.
type Session struct {
	pid     int
	arch    Arch
	tracer  Tracer
	writer  *Writer
	logger  log.Logger
	metrics *metrics.RemoteMetrics

	state sessionState
	saved Regs
}

// Option configures a Session.
type Option func(*Session)

// WithTracer replaces the ptrace backend.
func WithTracer(t Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// WithArch overrides the host architecture.
func WithArch(a Arch) Option {
	return func(s *Session) { s.arch = a }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l log.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the counters. Nil is ignored.
func WithMetrics(m *metrics.RemoteMetrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewSession prepares a session for pid. Nothing touches the target until
// Attach.
func NewSession(pid int, opts ...Option) (*Session, error) {
	s := &Session{
		pid:     pid,
		logger:  log.NewNopLogger(),
		metrics: metrics.NewRemoteMetrics(nil),
	}
	for _, o := range opts {
		o(s)
	}
	if s.arch == nil {
		arch, err := HostArch()
		if err != nil {
			return nil, err
		}
		s.arch = arch
	}
	if s.tracer == nil {
		s.tracer = NewPtraceTracer()
	}
	s.logger = log.With(s.logger, "pid", pid)
	s.writer = NewWriter(s.tracer, s.logger, s.metrics)
	return s, nil
}

// Pid is the traced thread.
func (s *Session) Pid() int { return s.pid }

// Arch is the calling convention used for the target.
func (s *Session) Arch() Arch { return s.arch }

// OK reports whether the session is attached and holds a snapshot.
func (s *Session) OK() bool { return s.state == attached }

// Snapshot returns the registers captured at attach.
func (s *Session) Snapshot() (Regs, error) {
	if !s.OK() {
		return nil, ErrNotAttached
	}
	return s.saved, nil
}

// Attach stops the target and captures its registers. A session attaches
// at most once, and a failed attach is final.
func (s *Session) Attach() error {
	if s.state != unattached {
		return errors.Wrapf(ErrAttach, "pid %d: session is %s", s.pid, s.state)
	}
	if err := s.tracer.Attach(s.pid); err != nil {
		s.state = failed
		s.metrics.Attaches.WithLabelValues("failed").Inc()
		return errors.Wrapf(ErrAttach, "pid %d: %v", s.pid, err)
	}
	stop, err := s.tracer.Wait(s.pid)
	if err == nil && stop.Exited {
		err = errors.Errorf("target exited with status %d", stop.Status)
	}
	if err != nil {
		s.metrics.Attaches.WithLabelValues("failed").Inc()
		return s.abortAttach(errors.Wrapf(ErrAttach, "pid %d: %v", s.pid, err))
	}
	regs, err := s.tracer.GetRegs(s.pid)
	if err != nil {
		s.metrics.Attaches.WithLabelValues("failed").Inc()
		return s.abortAttach(errors.Wrapf(ErrRegisterAccess, "pid %d: %v", s.pid, err))
	}
	s.saved = regs
	s.state = attached
	s.metrics.Attaches.WithLabelValues("ok").Inc()
	level.Debug(s.logger).Log("msg", "attached", "stop", stop.Signal, "pc", hexAddr(regs.PC()), "sp", hexAddr(regs.SP()))
	return nil
}

func (s *Session) abortAttach(cause error) error {
	s.state = failed
	if err := s.tracer.Detach(s.pid); err != nil {
		return multierror.Append(cause, errors.Wrap(ErrDetach, err.Error()))
	}
	return cause
}

// Close writes the snapshot back and detaches, attempting the detach even
// when the restore fails. Both failures are reported. Closing twice, or
// closing a session that never attached, is a no-op.
func (s *Session) Close() error {
	if s.state != attached {
		return nil
	}
	s.state = detached
	var result *multierror.Error
	if err := s.tracer.SetRegs(s.pid, s.saved); err != nil {
		result = multierror.Append(result, errors.Wrapf(ErrRegisterAccess, "restore: %v", err))
	}
	if err := s.tracer.Detach(s.pid); err != nil {
		result = multierror.Append(result, errors.Wrapf(ErrDetach, "pid %d: %v", s.pid, err))
	}
	level.Debug(s.logger).Log("msg", "detached", "err", result.ErrorOrNil())
	return result.ErrorOrNil()
}

// Write copies data into the target at addr.
func (s *Session) Write(addr uint64, data []byte) error {
	if !s.OK() {
		return ErrNotAttached
	}
	return s.writer.Write(s.pid, addr, data)
}

// Call runs fn(args...) in the target through a trampoline written at
// scratch, which must be writable and executable. It returns the integer
// return register.
func (s *Session) Call(scratch, fn uint64, args ...uint64) (uint64, error) {
	if !s.OK() {
		return 0, ErrNotAttached
	}
	if len(args) > MaxCallArgs {
		return 0, errors.Wrapf(ErrRemoteCall, "%d arguments, at most %d", len(args), MaxCallArgs)
	}
	code := s.arch.Trampoline(fn)
	if err := s.Write(scratch, code); err != nil {
		s.metrics.CallErrors.WithLabelValues("trampoline", "write").Inc()
		return 0, err
	}
	level.Debug(s.logger).Log("msg", "trampoline", "scratch", hexAddr(scratch), "fn", hexAddr(fn),
		"code", strings.Join(s.arch.Disassemble(code[:literalOffset], scratch), "; "))
	regs, err := s.arch.TrampolineFrame(s.saved, scratch, args)
	if err != nil {
		s.metrics.CallErrors.WithLabelValues("trampoline", "frame").Inc()
		return 0, errors.Wrap(ErrRemoteCall, err.Error())
	}
	return s.run("trampoline", regs, s.arch.TrapPC(scratch), unix.SIGTRAP)
}

// Allocate calls the target's mmap directly for size bytes of private,
// anonymous, read-write-execute memory. The call returns into address zero
// and the resulting fault marks its completion.
func (s *Session) Allocate(mmapAddr, size uint64) (uint64, error) {
	if !s.OK() {
		return 0, ErrNotAttached
	}
	const ret = 0
	args := []uint64{0, size, protRWX, mapAnonPriv, ^uint64(0), 0}
	regs, stack, err := s.arch.DirectFrame(s.saved, mmapAddr, ret, args)
	if err != nil {
		s.metrics.CallErrors.WithLabelValues("allocate", "frame").Inc()
		return 0, errors.Wrap(ErrAllocation, err.Error())
	}
	for _, w := range stack {
		if err := s.Write(w.Addr, w.Data); err != nil {
			s.metrics.CallErrors.WithLabelValues("allocate", "write").Inc()
			return 0, err
		}
	}
	addr, err := s.run("allocate", regs, ret, unix.SIGSEGV)
	if err != nil {
		return 0, err
	}
	if int64(addr) < minMappedAddr {
		s.metrics.CallErrors.WithLabelValues("allocate", "result").Inc()
		return 0, errors.Wrapf(ErrAllocation, "mmap(%#x) returned %d", size, int64(addr))
	}
	level.Debug(s.logger).Log("msg", "allocated", "addr", hexAddr(addr), "size", hexAddr(size))
	return addr, nil
}

// run loads regs, resumes the target until it stops with sig at fence and
// returns the return register. The snapshot is written back afterwards
// whatever happened in between.
func (s *Session) run(kind string, regs Regs, fence uint64, sig unix.Signal) (uint64, error) {
	if err := s.tracer.SetRegs(s.pid, regs); err != nil {
		s.metrics.CallErrors.WithLabelValues(kind, "setregs").Inc()
		return 0, errors.Wrapf(ErrRegisterAccess, "%s: %v", kind, err)
	}
	ret, err := s.resume(kind, fence, sig)
	if rerr := s.tracer.SetRegs(s.pid, s.saved); rerr != nil {
		s.metrics.CallErrors.WithLabelValues(kind, "restore").Inc()
		rerr = errors.Wrapf(ErrRegisterAccess, "restore after %s: %v", kind, rerr)
		if err != nil {
			return 0, multierror.Append(err, rerr)
		}
		return 0, rerr
	}
	if err != nil {
		return 0, err
	}
	s.metrics.Calls.WithLabelValues(kind).Inc()
	return ret, nil
}

func (s *Session) resume(kind string, fence uint64, sig unix.Signal) (uint64, error) {
	var deliver unix.Signal
	for {
		if err := s.tracer.Cont(s.pid, deliver); err != nil {
			s.metrics.CallErrors.WithLabelValues(kind, "cont").Inc()
			return 0, errors.Wrapf(ErrRemoteCall, "%s: %v", kind, err)
		}
		stop, err := s.tracer.Wait(s.pid)
		if err != nil {
			s.metrics.CallErrors.WithLabelValues(kind, "wait").Inc()
			return 0, errors.Wrapf(ErrRemoteCall, "%s: %v", kind, err)
		}
		if stop.Exited {
			s.metrics.CallErrors.WithLabelValues(kind, "exited").Inc()
			return 0, errors.Wrapf(ErrRemoteCall, "%s: target exited (status %d, signal %v)", kind, stop.Status, stop.Signal)
		}
		if stop.Signal == unix.SIGTRAP || stop.Signal == unix.SIGSEGV {
			cur, err := s.tracer.GetRegs(s.pid)
			if err != nil {
				s.metrics.CallErrors.WithLabelValues(kind, "getregs").Inc()
				return 0, errors.Wrapf(ErrRegisterAccess, "%s: %v", kind, err)
			}
			if stop.Signal == sig && cur.PC() == fence {
				return cur.Return(), nil
			}
			s.metrics.CallErrors.WithLabelValues(kind, "fault").Inc()
			return 0, errors.Wrapf(ErrRemoteCall, "%s: unexpected %v at pc %#x, expected %v at %#x", kind, stop.Signal, cur.PC(), sig, fence)
		}
		// Unrelated signal: hand it to the target and keep waiting. A
		// stray SIGSTOP from the attach is swallowed.
		deliver = stop.Signal
		if deliver == unix.SIGSTOP {
			deliver = 0
		}
		level.Debug(s.logger).Log("msg", "forwarding signal", "kind", kind, "signal", stop.Signal)
	}
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
