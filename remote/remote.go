// Package remote drives function calls inside another process through a
// process tracing backend: attach, snapshot the registers, run a small
// trampoline, collect the return value and put everything back.
package remote

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrAttach         = errors.New("attach failed")
	ErrDetach         = errors.New("detach failed")
	ErrRegisterAccess = errors.New("register access failed")
	ErrRemoteWrite    = errors.New("remote write failed")
	ErrRemoteCall     = errors.New("remote call failed")
	ErrAllocation     = errors.New("remote allocation failed")
	ErrNotAttached    = errors.New("session not attached")
	ErrUnsupported    = errors.New("unsupported platform")
)

// Stop describes why a traced process stopped or went away.
type Stop struct {
	Signal unix.Signal
	Exited bool
	Status int
}

// Tracer is the process control backend. All calls for one pid must come
// from the goroutine that called Attach.
type Tracer interface {
	Attach(pid int) error
	Wait(pid int) (Stop, error)
	GetRegs(pid int) (Regs, error)
	SetRegs(pid int, regs Regs) error
	// Cont resumes pid, delivering sig unless it is zero.
	Cont(pid int, sig unix.Signal) error
	// WriteVectored copies data with a single vectored transfer and reports
	// how many bytes landed.
	WriteVectored(pid int, addr uint64, data []byte) (int, error)
	// PokeWords writes data one machine word at a time.
	PokeWords(pid int, addr uint64, data []byte) error
	Detach(pid int) error
}

const (
	protRWX     = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	mapAnonPriv = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	// Addresses below this are error returns, not mappings.
	minMappedAddr = 0x1000
)
