// Package hook threads the result of an inline hook installation to the
// code that needs to call the original function. The hooking engine itself
// is supplied by the caller.
package hook

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/resolve"
)

var (
	ErrInstall   = errors.New("hook installation failed")
	ErrNoEngine  = errors.New("no hook engine")
	ErrNilTarget = errors.New("hook target is nil")
)

// Engine patches target so that it jumps to replacement and returns an
// address through which the unpatched behaviour can still be reached.
type Engine interface {
	Hook(target, replacement uintptr) (original uintptr, err error)
}

// EngineFunc adapts a plain function to Engine.
type EngineFunc func(target, replacement uintptr) (uintptr, error)

func (f EngineFunc) Hook(target, replacement uintptr) (uintptr, error) {
	return f(target, replacement)
}

// Handle is one installed hook. Code that forwards to the hooked function
// receives the handle instead of reading a shared variable, so several
// hooks on different targets do not interfere.
type Handle struct {
	Symbol      string
	Target      uintptr
	Replacement uintptr
	Original    uintptr
}

// Install hooks target with replacement through engine.
func Install(engine Engine, logger log.Logger, target, replacement uintptr) (*Handle, error) {
	if engine == nil {
		return nil, ErrNoEngine
	}
	if target == 0 {
		return nil, ErrNilTarget
	}
	logger = logging.OrNop(logger)
	original, err := engine.Hook(target, replacement)
	if err != nil {
		return nil, errors.Wrapf(ErrInstall, "%#x -> %#x: %v", target, replacement, err)
	}
	if original == 0 {
		return nil, errors.Wrapf(ErrInstall, "%#x -> %#x: engine returned no original", target, replacement)
	}
	level.Info(logger).Log("msg", "hook installed", "target", hexPtr(target), "replacement", hexPtr(replacement), "original", hexPtr(original))
	return &Handle{Target: target, Replacement: replacement, Original: original}, nil
}

// Resolve finds symbol in module inside the current process with r.
func Resolve(r *resolve.Resolver, module, symbol string) (uintptr, error) {
	res, err := r.Resolve(os.Getpid(), module, symbol)
	if err != nil {
		return 0, err
	}
	return uintptr(res.Addr), nil
}

// InstallSymbol resolves symbol and hooks it. The returned handle records
// the symbol name.
func InstallSymbol(engine Engine, r *resolve.Resolver, logger log.Logger, module, symbol string, replacement uintptr) (*Handle, error) {
	target, err := Resolve(r, module, symbol)
	if err != nil {
		return nil, err
	}
	h, err := Install(engine, logger, target, replacement)
	if err != nil {
		return nil, errors.Wrap(err, symbol)
	}
	h.Symbol = symbol
	return h, nil
}

func hexPtr(p uintptr) string {
	return fmt.Sprintf("%#x", p)
}
