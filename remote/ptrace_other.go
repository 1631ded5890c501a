//go:build !linux || !(amd64 || arm64)

package remote

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type unsupportedTracer struct{}

// NewPtraceTracer returns a backend that fails every request on platforms
// without ptrace support.
func NewPtraceTracer() Tracer {
	return unsupportedTracer{}
}

func errPlatform() error {
	return errors.Wrapf(ErrUnsupported, "process tracing on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (unsupportedTracer) Attach(int) error { return errPlatform() }
func (unsupportedTracer) Wait(int) (Stop, error) { return Stop{}, errPlatform() }
func (unsupportedTracer) GetRegs(int) (Regs, error) { return nil, errPlatform() }
func (unsupportedTracer) SetRegs(int, Regs) error { return errPlatform() }
func (unsupportedTracer) Cont(int, unix.Signal) error { return errPlatform() }
func (unsupportedTracer) WriteVectored(int, uint64, []byte) (int, error) { return 0, errPlatform() }
func (unsupportedTracer) PokeWords(int, uint64, []byte) error { return errPlatform() }
func (unsupportedTracer) Detach(int) error { return errPlatform() }
