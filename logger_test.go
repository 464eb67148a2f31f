package connpool

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/maximhq/connpool/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newDefaultLogger(&buf, schemas.LogLevelInfo)

	logger.Debug("hidden %d", 1)
	assert.Zero(t, buf.Len(), "debug is below the configured level")

	logger.Info("pool %s started with %d connections", "openai", 3)
	var record map[string]any
	require.NoError(t, sonic.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "pool openai started with 3 connections", record["message"])
	assert.Equal(t, "connpool", record["component"])
}

func TestDefaultLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newDefaultLogger(&buf, schemas.LogLevelError)

	logger.Warn("dropped")
	assert.Zero(t, buf.Len())

	logger.SetLevel(schemas.LogLevelDebug)
	logger.Debug("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestDefaultLoggerPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newDefaultLogger(&buf, schemas.LogLevelInfo)
	logger.SetOutputType(schemas.LoggerOutputTypePretty)

	logger.Error("replace failed for %s", "conn-1")
	line := buf.String()
	assert.Contains(t, line, "replace failed for conn-1")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(line), "{"), "pretty output is not JSON")
}
