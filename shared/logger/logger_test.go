package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{"debug", []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{"info", []string{"INFO", "WARN", "ERROR"}},
		{"warn", []string{"WARN", "ERROR"}},
		{"error", []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			logger.Debug("d")
			logger.Info("i")
			logger.Warn("w")
			logger.Error("e", slog.String("code", "500"))

			var levels []string
			for _, entry := range decodeLines(t, output) {
				levels = append(levels, entry["level"].(string))
			}
			assert.Equal(t, tt.want, levels)
		})
	}
}

func TestNew_Console(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "console", NoColor: true, writer: output})
	require.NoError(t, err)

	logger.Info("console test", slog.String("queue", "q1"))

	// tint abbreviates levels
	assert.Contains(t, output.String(), "INF")
	assert.Contains(t, output.String(), "console test")
	assert.Contains(t, output.String(), "queue=q1")
}

func TestNew_Source(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	logger.Info("message with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_UnknownFormat(t *testing.T) {
	logger, err := New(&Config{Format: "xml", writer: io.Discard})
	require.Error(t, err)
	assert.Nil(t, logger)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	for _, msg := range []string{"first", "second"} {
		logger, err := New(&Config{Format: "json", Output: path})
		require.NoError(t, err)
		logger.Info(msg)
		require.NoError(t, logger.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entries := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0]["msg"])
	assert.Equal(t, "second", entries[1]["msg"])
}

func TestNew_FileOutputError(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"DEBUG":   slog.LevelInfo, // case-sensitive
		"":        slog.LevelInfo,
	}
	for level, want := range tests {
		assert.Equal(t, want, parseLevel(level), level)
	}
}

func TestLogger_WithGroupAndAttrs(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", writer: output})
	require.NoError(t, err)

	logger.WithAttrs(slog.String("request_id", "12345")).
		WithGroup("job").
		Info("grouped", slog.String("status", "RUNNING"))

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "12345", entries[0]["request_id"])
	group := entries[0]["job"].(map[string]any)
	assert.Equal(t, "RUNNING", group["status"])
}

func TestWithJobAndWorker(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Format: "json", writer: output})
	require.NoError(t, err)

	l := WithWorker(logger.Logger, "wkr-1", "uuid-w")
	WithJob(l, "dev", "job-1").Info("Job status changed")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "dev", entries[0][KeyTenant])
	assert.Equal(t, "job-1", entries[0][KeyJobUUID])
	assert.Equal(t, "wkr-1", entries[0][KeyWorker])
	assert.Equal(t, "uuid-w", entries[0][KeyWorkerUUID])
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NoError(t, logger.Close())
}
