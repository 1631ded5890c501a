package remote

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/sliverarmory/injektor/internal/logging"
	"github.com/sliverarmory/injektor/metrics"
)

// Writer copies bytes into another process. The fast path is a single
// vectored transfer; when that does not move everything the whole buffer
// is written again word by word through the tracer, which also works on
// read-only or not yet faulted-in pages.
type Writer struct {
	tracer  Tracer
	logger  log.Logger
	metrics *metrics.RemoteMetrics
}

func NewWriter(tracer Tracer, logger log.Logger, m *metrics.RemoteMetrics) *Writer {
	logger = logging.OrNop(logger)
	if m == nil {
		m = metrics.NewRemoteMetrics(nil)
	}
	return &Writer{tracer: tracer, logger: logger, metrics: m}
}

func (w *Writer) Write(pid int, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := w.tracer.WriteVectored(pid, addr, data)
	if err == nil && n == len(data) {
		w.metrics.BytesWritten.WithLabelValues("vectored").Add(float64(n))
		return nil
	}
	level.Debug(w.logger).Log("msg", "vectored write incomplete, falling back to word writes",
		"pid", pid, "addr", hexAddr(addr), "want", len(data), "got", n, "err", err)
	if err := w.tracer.PokeWords(pid, addr, data); err != nil {
		return errors.Wrapf(ErrRemoteWrite, "%d bytes at %#x: %v", len(data), addr, err)
	}
	w.metrics.BytesWritten.WithLabelValues("poke").Add(float64(len(data)))
	return nil
}
