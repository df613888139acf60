package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestJSONLoggerWritesStdoutAndFile(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, err := newWithStdout(Config{Level: "info", File: path}, &stdout)
	require.NoError(t, err)

	logger.Info("cycle finished", "idempotency_key", "abc")
	require.NoError(t, logger.Close())

	var record map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &record))
	assert.Equal(t, "cycle finished", record["msg"])
	assert.Equal(t, "abc", record["idempotency_key"])
	assert.Equal(t, "pdvsync-agent", record["service"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(data))
}

func TestSetLevelAppliesAtRuntime(t *testing.T) {
	var stdout bytes.Buffer
	logger, err := newWithStdout(Config{Level: "warn", Format: "text"}, &stdout)
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Empty(t, stdout.String())

	logger.SetLevel("debug")
	assert.Equal(t, slog.LevelDebug, logger.Level())
	logger.Debug("shown")
	assert.True(t, strings.Contains(stdout.String(), "msg=shown"))
	assert.NoError(t, logger.Close())
}
