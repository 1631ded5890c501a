package logging

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn")
	require.NoError(t, err)

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "msg=shown")

	_, err = New(&buf, "chatty")
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
	require.NoError(t, OrNop(nil).Log("msg", "dropped"))

	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)
	require.NoError(t, OrNop(logger).Log("msg", "kept"))
	require.Contains(t, buf.String(), "msg=kept")
}
