package otel

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markersync/markersync/internal/logging"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.Nil(t, p.LoggerProvider())
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutSink(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true})
	assert.ErrorIs(t, err, ErrNoExporter)
}

func TestNew_WritesLogRecords(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(context.Background(), Config{
		Enabled:     true,
		ServiceName: "markersync-test",
		Process:     "watch",
		LogWriter:   &buf,
	})
	require.NoError(t, err)
	require.NotNil(t, p.LoggerProvider())

	m := logging.NewSlogManager()
	m.Setup(logging.Options{File: &bytes.Buffer{}, Level: "info", Provider: p.LoggerProvider(), ServiceName: "markersync-test"})
	m.Logger().Info("record saved", slog.String("id", "m1"))

	require.NoError(t, p.Flush(context.Background()))
	assert.Contains(t, buf.String(), "record saved")
	assert.Contains(t, buf.String(), "markersync-test")
	assert.Contains(t, buf.String(), "markersync.process")
	assert.True(t, p.Enabled())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMeter(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)

	c, err := p.Meter("markersync-test").Int64Counter("test.counter")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
}
