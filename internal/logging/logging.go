// Package logging builds the go-kit loggers used by the CLI and tests.
package logging

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// New returns a logfmt logger writing to w, filtered at lvl. Accepted levels
// are debug, info, warn and error.
func New(w io.Writer, lvl string) (log.Logger, error) {
	opt, err := levelOption(lvl)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}

// Stderr is New(os.Stderr, lvl) falling back to info on a bad level.
func Stderr(lvl string) log.Logger {
	logger, err := New(os.Stderr, lvl)
	if err != nil {
		logger, _ = New(os.Stderr, "info")
		level.Warn(logger).Log("msg", "unknown log level, using info", "level", lvl)
	}
	return logger
}

func levelOption(lvl string) (level.Option, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug", "verbose":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, errors.Errorf("unknown log level %q", lvl)
	}
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger log.Logger) log.Logger {
	if logger == nil {
		return log.NewNopLogger()
	}
	return logger
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// TestLogger routes debug output into the test log.
func TestLogger(t testing.TB) log.Logger {
	logger, _ := New(testWriter{t: t}, "debug")
	return logger
}
