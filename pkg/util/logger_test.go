package util

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn")
	require.NoError(t, err)

	level.Info(logger).Log("msg", "dropped")
	level.Warn(logger).Log("msg", "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `msg=kept`)
	assert.Contains(t, out, "level=warn")
	assert.Contains(t, out, "caller=")

	_, err = NewLogger(&buf, "verbose")
	assert.Error(t, err)
}

func TestLoggerWithContext(t *testing.T) {
	fallback := log.NewNopLogger()
	assert.Equal(t, fallback, LoggerWithContext(context.Background(), fallback))

	var buf bytes.Buffer
	l := log.NewLogfmtLogger(&buf)
	ctx := InjectLogger(context.Background(), log.With(l, "stream", "s1"))
	_ = LoggerWithContext(ctx, fallback).Log("msg", "hi")
	assert.Equal(t, "stream=s1 msg=hi\n", buf.String())
}
