package logger_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/logger"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.NewWithOptions(logger.Options{Level: logger.LevelInfo, Writer: &buf})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Infof("dialed %s", "example.test:443")
	l.Error("boom", "attempt", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "dialed example.test:443")
	assert.Contains(t, out, "attempt=2")

	buf.Reset()
	l.SetLevel(logger.LevelDebug)
	l.Debugf("now %s", "visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.NewWithOptions(logger.Options{Level: logger.LevelError, Writer: &buf})
	require.NoError(t, err)
	child := l.With("component", "pool")

	child.Info("quiet")
	assert.Empty(t, buf.String())

	l.SetLevel(logger.LevelInfo)
	child.Info("loud")
	assert.Contains(t, buf.String(), "component=pool")
	assert.Contains(t, buf.String(), "loud")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logger.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, logger.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, logger.LevelError, logger.ParseLevel("error"))
	assert.Equal(t, logger.LevelInfo, logger.ParseLevel("nonsense"))
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mimicry.log")
	l, err := logger.NewWithOptions(logger.Options{Level: logger.LevelInfo, File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestDiscard(t *testing.T) {
	l := logger.Discard()
	assert.False(t, l.Enabled(logger.LevelError))
	l.Errorf("dropped %d", 1)
}
