//go:build linux && (amd64 || arm64)

package remote

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type ptraceTracer struct{}

// NewPtraceTracer returns the ptrace backend. Attach locks the calling
// goroutine to its OS thread until Detach, since the kernel only accepts
// requests from the thread that attached.
func NewPtraceTracer() Tracer {
	return ptraceTracer{}
}

func (ptraceTracer) Attach(pid int) error {
	runtime.LockOSThread()
	if err := unix.PtraceAttach(pid); err != nil {
		runtime.UnlockOSThread()
		return errors.Wrap(err, "ptrace attach")
	}
	return nil
}

func (ptraceTracer) Detach(pid int) error {
	defer runtime.UnlockOSThread()
	return errors.Wrap(unix.PtraceDetach(pid), "ptrace detach")
}

func (ptraceTracer) Wait(pid int) (Stop, error) {
	var status unix.WaitStatus
	var err error
	for {
		_, err = unix.Wait4(pid, &status, unix.WALL, nil)
		if err == nil || !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return Stop{}, errors.Wrap(err, "wait4")
	}
	switch {
	case status.Stopped():
		return Stop{Signal: status.StopSignal()}, nil
	case status.Signaled():
		return Stop{Exited: true, Signal: status.Signal()}, nil
	default:
		return Stop{Exited: true, Status: status.ExitStatus()}, nil
	}
}

func (ptraceTracer) Cont(pid int, sig unix.Signal) error {
	return errors.Wrap(unix.PtraceCont(pid, int(sig)), "ptrace cont")
}

func (ptraceTracer) WriteVectored(pid int, addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: unsafe.SliceData(data)}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMWritev(pid, local, remote, 0)
	if err != nil {
		return n, errors.Wrap(err, "process_vm_writev")
	}
	return n, nil
}

func (ptraceTracer) PokeWords(pid int, addr uint64, data []byte) error {
	n, err := unix.PtracePokeData(pid, uintptr(addr), data)
	if err != nil {
		return errors.Wrap(err, "ptrace pokedata")
	}
	if n != len(data) {
		return errors.Errorf("ptrace pokedata: wrote %d of %d bytes", n, len(data))
	}
	return nil
}
