package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_JSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLoggerTo(&buf, slog.LevelDebug, "json").With("sid", "abcde")

	logger.Info("Node started", "port", 7070)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "Node started", entry["msg"])
	require.Equal(t, "abcde", entry["sid"])
	require.Equal(t, float64(7070), entry["port"])
}

func TestSlogLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLoggerTo(&buf, slog.LevelWarn, "text")

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestNew_Backends(t *testing.T) {
	for _, backend := range []string{"", "slog", "zap"} {
		logger, err := New(backend, "info", "json")
		require.NoError(t, err, backend)
		require.NotNil(t, logger)
	}

	_, err := New("logrus", "info", "json")
	require.Error(t, err)
}
