// Package injektor drives function calls inside another process: it finds
// functions in the target's modules and makes the target execute them,
// restoring the target's registers afterwards.
package injektor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/sliverarmory/injektor/config"
	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/memmod"
	"github.com/sliverarmory/injektor/metrics"
	"github.com/sliverarmory/injektor/procmaps"
	"github.com/sliverarmory/injektor/remote"
	"github.com/sliverarmory/injektor/resolve"
)

var (
	ErrTargetNotFound  = procmaps.ErrProcessNotFound
	ErrLibraryNotFound = errors.New("library not found")
)

// dlopen flags: RTLD_NOW | RTLD_GLOBAL.
const dlopenFlags = 0x2 | 0x100

// Options configures Open. Every field is optional.
type Options struct {
	Config   *config.Config
	Logger   log.Logger
	Metrics  *metrics.Metrics
	Maps     *procmaps.Reader
	Resolver *resolve.Resolver
	Tracer   remote.Tracer
	Arch     remote.Arch
}

// Target is one process under instrumentation. Symbols can be resolved at
// any time; calls need Attach first. A Target is not safe for concurrent
// use and must be driven from a single goroutine.
type Target struct {
	pid      int
	cfg      *config.Config
	logger   log.Logger
	maps     *procmaps.Reader
	resolver *resolve.Resolver
	session  *remote.Session

	mmap    uint64
	scratch uint64
}

// FindProcess resolves a pid or a command line substring to a pid.
func FindProcess(name string) (int, error) {
	return procmaps.FindProcess(name)
}

// Open prepares pid for instrumentation without touching it.
func Open(pid int, opts *Options) (*Target, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := logging.OrNop(opts.Logger)
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	maps := opts.Maps
	if maps == nil {
		maps = procmaps.Default()
	}
	if pid <= 0 {
		return nil, errors.Wrapf(ErrTargetNotFound, "pid %d", pid)
	}
	if _, err := maps.Mappings(pid); err != nil {
		return nil, errors.Wrapf(ErrTargetNotFound, "pid %d: %v", pid, err)
	}
	r := opts.Resolver
	if r == nil {
		r = resolve.Tiered(maps, logger, m.Resolve, cfg.ResolveOffsets())
	}

	sessionOpts := []remote.Option{remote.WithLogger(logger), remote.WithMetrics(m.Remote)}
	if opts.Tracer != nil {
		sessionOpts = append(sessionOpts, remote.WithTracer(opts.Tracer))
	}
	if opts.Arch != nil {
		sessionOpts = append(sessionOpts, remote.WithArch(opts.Arch))
	}
	session, err := remote.NewSession(pid, sessionOpts...)
	if err != nil {
		return nil, err
	}
	return &Target{
		pid:      pid,
		cfg:      cfg,
		logger:   log.With(logger, "pid", pid),
		maps:     maps,
		resolver: r,
		session:  session,
	}, nil
}

func (t *Target) Pid() int { return t.pid }

// Resolve returns the address of symbol in the target's module matching
// the path substring module.
func (t *Target) Resolve(module, symbol string) (uint64, error) {
	res, err := t.resolver.Resolve(t.pid, module, symbol)
	if err != nil {
		return 0, err
	}
	level.Debug(t.logger).Log("msg", "resolved", "module", module, "symbol", symbol, "addr", hexAddr(res.Addr), "strategy", res.Strategy)
	return res.Addr, nil
}

// ResolveAny resolves symbol in the first mapped module of candidates and
// reports which candidate served. Candidates the target does not map are
// skipped; ErrLibraryNotFound means none of them is mapped.
func (t *Target) ResolveAny(candidates []string, symbol string) (uint64, string, error) {
	var errs *multierror.Error
	mapped := false
	for _, module := range candidates {
		if _, err := t.maps.FindModule(t.pid, module); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		mapped = true
		addr, err := t.Resolve(module, symbol)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		return addr, module, nil
	}
	if !mapped {
		return 0, "", errors.Wrapf(ErrLibraryNotFound, "%s: none of %s is mapped", symbol, strings.Join(candidates, ", "))
	}
	return 0, "", errs.ErrorOrNil()
}

// Attach stops the target and snapshots its registers.
func (t *Target) Attach() error {
	return t.session.Attach()
}

// Allocate maps size bytes of read-write-execute memory in the target by
// calling the target's own mmap.
func (t *Target) Allocate(size uint64) (uint64, error) {
	if t.mmap == 0 {
		addr, module, err := t.ResolveAny(t.cfg.Modules.C, "mmap")
		if err != nil {
			return 0, errors.Wrap(err, "mmap")
		}
		level.Debug(t.logger).Log("msg", "using mmap", "module", module, "addr", hexAddr(addr))
		t.mmap = addr
	}
	return t.session.Allocate(t.mmap, size)
}

// Write copies data into the target.
func (t *Target) Write(addr uint64, data []byte) error {
	return t.session.Write(addr, data)
}

// Call runs fn(args...) in the target with the trampoline at scratch.
func (t *Target) Call(scratch, fn uint64, args ...uint64) (uint64, error) {
	return t.session.Call(scratch, fn, args...)
}

// Scratch returns the target's scratch area, allocating it on first use.
// The area is reused by every later call and stays mapped after Close.
func (t *Target) Scratch() (uint64, error) {
	if t.scratch != 0 {
		return t.scratch, nil
	}
	addr, err := t.Allocate(uint64(t.cfg.ScratchSize))
	if err != nil {
		return 0, err
	}
	t.scratch = addr
	return addr, nil
}

// CallSymbol resolves symbol in module and calls it with args.
func (t *Target) CallSymbol(module, symbol string, args ...uint64) (uint64, error) {
	fn, err := t.Resolve(module, symbol)
	if err != nil {
		return 0, err
	}
	return t.callScratch(fn, args...)
}

// WriteString stores s NUL terminated at the configured path offset of the
// scratch area and returns its address.
func (t *Target) WriteString(s string) (uint64, error) {
	scratch, err := t.Scratch()
	if err != nil {
		return 0, err
	}
	room := uint64(t.cfg.ScratchSize - t.cfg.PathOffset)
	if uint64(len(s))+1 > room {
		return 0, errors.Wrapf(remote.ErrRemoteWrite, "string of %d bytes does not fit in %#x", len(s), room)
	}
	addr := scratch + uint64(t.cfg.PathOffset)
	if err := t.Write(addr, append([]byte(s), 0)); err != nil {
		return 0, err
	}
	return addr, nil
}

// LoadLibrary makes the target dlopen path and returns the handle. The
// path is absolute and must be visible from the target's mount namespace.
// The target is attached first if needed.
func (t *Target) LoadLibrary(path string) (uint64, error) {
	if !filepath.IsAbs(path) {
		return 0, errors.Wrapf(ErrLibraryNotFound, "%s: path must be absolute", path)
	}
	if _, err := os.Stat(t.maps.HostPath(t.pid, path)); err != nil {
		return 0, errors.Wrapf(ErrLibraryNotFound, "%s: %v", path, err)
	}
	return t.dlopen(path)
}

// LoadLibraryImage makes the target dlopen a library held in memory. The
// image is staged in an anonymous file of this process that the target
// opens through /proc; it must match the target's architecture.
func (t *Target) LoadLibraryImage(data []byte) (uint64, error) {
	img, err := memmod.Stage(data, t.session.Arch().Machine())
	if err != nil {
		return 0, err
	}
	defer img.Close()
	return t.dlopen(img.Path())
}

func (t *Target) dlopen(path string) (uint64, error) {
	fn, module, err := t.ResolveAny(t.cfg.Modules.DL, "dlopen")
	if err != nil {
		return 0, errors.Wrap(err, "dlopen")
	}
	level.Info(t.logger).Log("msg", "found dlopen", "module", module, "addr", hexAddr(fn))
	if !t.session.OK() {
		if err := t.Attach(); err != nil {
			return 0, err
		}
	}
	arg, err := t.WriteString(path)
	if err != nil {
		return 0, err
	}
	handle, err := t.callScratch(fn, arg, dlopenFlags)
	if err != nil {
		return 0, err
	}
	if handle == 0 {
		return 0, errors.Wrapf(remote.ErrRemoteCall, "dlopen(%s) returned NULL", path)
	}
	level.Info(t.logger).Log("msg", "library loaded", "path", path, "handle", hexAddr(handle))
	return handle, nil
}

func (t *Target) callScratch(fn uint64, args ...uint64) (uint64, error) {
	scratch, err := t.Scratch()
	if err != nil {
		return 0, err
	}
	return t.Call(scratch, fn, args...)
}

// Close restores the target's registers and detaches.
func (t *Target) Close() error {
	return t.session.Close()
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
