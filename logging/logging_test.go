package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/najoast/treemx/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treemx.log")
	cfg := config.LogConfig{
		Level:  config.LogLevelDebug,
		Format: "json",
		Output: path,
		Fields: map[string]string{"app": "treemx"},
	}

	logger, closer, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	ForProcess(Entry(logger, cfg), 3).Warn("advice from non-neighbor 7")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "treemx", line["app"])
	assert.Equal(t, float64(3), line["process"])
	assert.Equal(t, "advice from non-neighbor 7", line["msg"])
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)

	_, _, err = New(config.LogConfig{Level: config.LogLevelInfo, Format: "xml"})
	assert.ErrorIs(t, err, config.ErrInvalidLogFormat)

	_, _, err = New(config.LogConfig{Level: config.LogLevelInfo, Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestNewDefaultsToStderrText(t *testing.T) {
	logger, closer, err := New(config.DefaultConfig().Log)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, os.Stderr, logger.Out)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
