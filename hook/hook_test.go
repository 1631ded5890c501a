package hook_test

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/injektor/hook"
	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/resolve"
	"github.com/sliverarmory/injektor/symtab"
)

// trampolines hands out a distinct original address per hooked target.
type trampolines struct {
	next    uintptr
	patched map[uintptr]uintptr
}

func (e *trampolines) Hook(target, replacement uintptr) (uintptr, error) {
	if _, ok := e.patched[target]; ok {
		return 0, errors.New("already patched")
	}
	e.patched[target] = replacement
	e.next += 0x40
	return e.next, nil
}

type table map[string]uint64

func (table) Name() string { return "table" }

func (t table) Resolve(q *resolve.Query) (uint64, error) {
	addr, ok := t[q.Symbol]
	if !ok || q.Pid != os.Getpid() {
		return 0, symtab.ErrSymbolNotFound
	}
	return addr, nil
}

func TestHandlesAreIndependent(t *testing.T) {
	engine := &trampolines{next: 0x9000, patched: map[uintptr]uintptr{}}
	logger := logging.TestLogger(t)

	a, err := hook.Install(engine, logger, 0x1000, 0x2000)
	require.NoError(t, err)
	b, err := hook.Install(engine, logger, 0x3000, 0x4000)
	require.NoError(t, err)

	require.Equal(t, &hook.Handle{Target: 0x1000, Replacement: 0x2000, Original: 0x9040}, a)
	require.Equal(t, &hook.Handle{Target: 0x3000, Replacement: 0x4000, Original: 0x9080}, b)

	_, err = hook.Install(engine, logger, 0x1000, 0x5000)
	require.ErrorIs(t, err, hook.ErrInstall)
}

func TestInstallRejects(t *testing.T) {
	_, err := hook.Install(nil, nil, 0x1000, 0x2000)
	require.ErrorIs(t, err, hook.ErrNoEngine)

	noop := hook.EngineFunc(func(target, replacement uintptr) (uintptr, error) { return 0, nil })
	_, err = hook.Install(noop, nil, 0, 0x2000)
	require.ErrorIs(t, err, hook.ErrNilTarget)
	_, err = hook.Install(noop, nil, 0x1000, 0x2000)
	require.ErrorIs(t, err, hook.ErrInstall)
}

func TestInstallSymbol(t *testing.T) {
	r := resolve.New(nil, nil, nil, table{"_ZN7android14SurfaceFlinger4initEv": 0x7000})
	engine := hook.EngineFunc(func(target, replacement uintptr) (uintptr, error) {
		return target + 0x100, nil
	})

	h, err := hook.InstallSymbol(engine, r, nil, "surfaceflinger", "_ZN7android14SurfaceFlinger4initEv", 0x8000)
	require.NoError(t, err)
	require.Equal(t, "_ZN7android14SurfaceFlinger4initEv", h.Symbol)
	require.Equal(t, uintptr(0x7000), h.Target)
	require.Equal(t, uintptr(0x7100), h.Original)

	_, err = hook.InstallSymbol(engine, r, nil, "surfaceflinger", "missing", 0x8000)
	require.ErrorIs(t, err, resolve.ErrUnresolved)
	require.ErrorIs(t, err, symtab.ErrSymbolNotFound)
}
