package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logger, err := New("warn", "json", path)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("budget degraded", zap.String("scope", "global"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "budget degraded", entry["msg"])
	assert.Equal(t, "global", entry["scope"])
	assert.Equal(t, "warn", entry["level"])
}

func TestNewConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logger, err := New("DEBUG", "console", path)
	require.NoError(t, err)
	logger.Debug("probe failed")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "DEBUG")
	assert.Contains(t, string(data), "probe failed")
}

func TestNewRejectsLevel(t *testing.T) {
	_, err := New("loud", "json", "")
	assert.Error(t, err)
}
