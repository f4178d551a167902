package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/odyssey-gl/testing"
)

func TestInTestMode(t *testing.T) {
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(testModeEnv, "true")
	RefreshTestMode()
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "yes")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestNewLoggerFormats(t *testing.T) {
	require.NotNil(t, NewLogger(nil, ""))

	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, &Config{AppEnv: "staging", LogFormat: "json", LogLevel: "warn"}, "odyssey-worker")
	logger.Info("dropped")
	logger.Warn("kept")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "kept", record["msg"])
	require.Equal(t, "odyssey-worker", record["service"])
	require.Equal(t, "staging", record["env"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelInfo, parseLevel(nil))
	require.Equal(t, slog.LevelDebug, parseLevel(&Config{LogLevel: "DEBUG"}))
	require.Equal(t, slog.LevelError, parseLevel(&Config{LogLevel: "error"}))
	require.Equal(t, slog.LevelInfo, parseLevel(&Config{LogLevel: "verbose"}))
}
