// Package resolve finds the runtime address of a function inside a module
// mapped by some process, trying an ordered list of strategies until one
// succeeds.
package resolve

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/metrics"
	"github.com/sliverarmory/injektor/procmaps"
	"github.com/sliverarmory/injektor/symtab"
)

var ErrUnresolved = errors.New("symbol unresolved")

// Query names a function by module path substring and exact symbol name.
type Query struct {
	Pid    int
	Module string
	Symbol string

	maps   *procmaps.Reader
	loaded bool
	mod    procmaps.Module
	image  []byte
	err    error
}

// Image returns the canonical mapping of the queried module in the target
// and the contents of its backing file. It is read at most once per query.
func (q *Query) Image() (procmaps.Module, []byte, error) {
	if q.loaded {
		return q.mod, q.image, q.err
	}
	q.loaded = true
	q.mod, q.err = q.maps.FindModule(q.Pid, q.Module)
	if q.err != nil {
		return q.mod, nil, q.err
	}
	q.image, q.err = os.ReadFile(q.maps.HostPath(q.Pid, q.mod.Path))
	if q.err != nil {
		q.err = errors.Wrapf(q.err, "read module file of pid %d", q.Pid)
	}
	return q.mod, q.image, q.err
}

// lookup resolves the queried symbol in one symbol section of the module
// file and rebases it onto the module's load address.
func (q *Query) lookup(load func([]byte) (*symtab.Table, error)) (uint64, error) {
	mod, data, err := q.Image()
	if err != nil {
		return 0, err
	}
	table, err := load(data)
	if err != nil {
		return 0, err
	}
	sym, err := table.Lookup(q.Symbol)
	if err != nil {
		return 0, err
	}
	bias, err := symtab.LoadBias(data, mod.Base)
	if err != nil {
		return 0, err
	}
	return bias + sym.Value, nil
}

// Strategy is one way of finding a symbol's address in the target.
type Strategy interface {
	Name() string
	Resolve(q *Query) (uint64, error)
}

// Result is a resolved address and the strategy that produced it.
type Result struct {
	Addr     uint64
	Strategy string
}

// Resolver tries its strategies in order.
type Resolver struct {
	Strategies []Strategy

	maps    *procmaps.Reader
	logger  log.Logger
	metrics *metrics.ResolveMetrics
}

// New returns a resolver over strategies. Nil maps, logger and metrics get
// defaults.
func New(maps *procmaps.Reader, logger log.Logger, m *metrics.ResolveMetrics, strategies ...Strategy) *Resolver {
	if maps == nil {
		maps = procmaps.Default()
	}
	logger = logging.OrNop(logger)
	if m == nil {
		m = metrics.NewResolveMetrics(nil)
	}
	return &Resolver{
		Strategies: strategies,
		maps:       maps,
		logger:     logger,
		metrics:    m,
	}
}

// Tiered builds the standard strategy order: local import, exported
// symbols, full symbol table, mini debug info and finally the fixed
// offsets.
func Tiered(maps *procmaps.Reader, logger log.Logger, m *metrics.ResolveMetrics, offsets []Offset) *Resolver {
	if maps == nil {
		maps = procmaps.Default()
	}
	return New(maps, logger, m,
		&LocalImport{Maps: maps, Logger: logger},
		DynamicSymbols{},
		StaticSymbols{},
		MiniDebugInfo{},
		NewFixedOffset(offsets),
	)
}

// Resolve tries every strategy in order and returns the first address
// found. When all fail the combined error matches each individual cause.
func (r *Resolver) Resolve(pid int, module, symbol string) (Result, error) {
	q := &Query{Pid: pid, Module: module, Symbol: symbol, maps: r.maps}
	var errs *multierror.Error
	for _, s := range r.Strategies {
		r.metrics.Attempts.WithLabelValues(s.Name()).Inc()
		addr, err := s.Resolve(q)
		if err != nil {
			level.Debug(r.logger).Log("msg", "strategy failed", "strategy", s.Name(), "module", module, "symbol", symbol, "err", err)
			errs = multierror.Append(errs, errors.Wrap(err, s.Name()))
			continue
		}
		r.metrics.Resolved.WithLabelValues(s.Name()).Inc()
		level.Debug(r.logger).Log("msg", "resolved", "strategy", s.Name(), "module", module, "symbol", symbol, "addr", hex(addr))
		return Result{Addr: addr, Strategy: s.Name()}, nil
	}
	if errs == nil {
		return Result{}, errors.Wrapf(ErrUnresolved, "%s in %s: no strategies", symbol, module)
	}
	return Result{}, &unresolvedError{symbol: symbol, module: module, causes: errs}
}

type unresolvedError struct {
	symbol string
	module string
	causes *multierror.Error
}

func (e *unresolvedError) Error() string {
	return "resolve " + e.symbol + " in " + e.module + ": " + e.causes.Error()
}

func (e *unresolvedError) Unwrap() []error {
	return append([]error{ErrUnresolved}, e.causes.WrappedErrors()...)
}
