package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLevelFromEnv(t *testing.T) {
	originalValue := os.Getenv(EnvLogLevel)
	defer os.Setenv(EnvLogLevel, originalValue)

	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{name: "trace level", envValue: "trace", expectedLevel: LevelTrace},
		{name: "debug level", envValue: "debug", expectedLevel: LevelDebug},
		{name: "warn alias", envValue: "WARNING", expectedLevel: LevelWarn},
		{name: "error level", envValue: "error", expectedLevel: LevelError},
		{name: "mixed case", envValue: "DeBuG", expectedLevel: LevelDebug},
		{name: "empty string", envValue: "", expectedLevel: LevelInfo},
		{name: "invalid value", envValue: "loud", expectedLevel: LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv(EnvLogLevel, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestConsoleLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(&buf, LevelInfo)
	log.Debug("hidden %d", 1)
	log.Info("shown %d", 2)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO ] shown 2")
	assert.NotContains(t, out, "\033[")
}

func TestConsoleLoggerPrefixAndMetadata(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(&buf, LevelTrace).WithPrefix("[idem]").With(map[string]interface{}{"tenant": "t1"})
	log.Warn("lock busy")
	out := buf.String()
	assert.Contains(t, out, "[idem] lock busy")
	assert.Contains(t, out, `{"tenant":"t1"}`)
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log := NewJSONLogger(&buf, LevelDebug).(*jsonLogger)
	log.now = func() time.Time { return ts }
	child := log.WithPrefix("idempotency").With(map[string]interface{}{"key": "abcdefgh"})
	child.Warn("store error: %s", "timeout")

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "WARNING", entry.Severity)
	assert.Equal(t, "store error: timeout", entry.Message)
	assert.Equal(t, "idempotency", entry.Component)
	assert.Equal(t, "abcdefgh", entry.Metadata["key"])
	assert.True(t, ts.Equal(entry.Timestamp))
}

func TestJSONLoggerComponentFromMetadata(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, LevelInfo).With(map[string]interface{}{"component": "server"})
	log.Info("listening")
	assert.Contains(t, buf.String(), `"component":"server"`)
	assert.NotContains(t, buf.String(), `"metadata"`)
}

func TestTestLoggerConcurrent(t *testing.T) {
	log := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.With(map[string]interface{}{"i": i}).Info("entry %d", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, log.Logs(), 20)
	assert.True(t, log.Contains("INFO", "entry 7"))
	assert.False(t, log.Contains("ERROR", "entry"))
}

func TestNewSelectsFormat(t *testing.T) {
	_, isJSON := New("JSON", LevelInfo).(*jsonLogger)
	assert.True(t, isJSON)
	_, isConsole := New("console", LevelInfo).(*consoleLogger)
	assert.True(t, isConsole)
	assert.True(t, strings.EqualFold(LevelWarn.String(), "warn"))
}
