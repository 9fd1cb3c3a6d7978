package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity string
	Message  string
	Metadata map[string]interface{}
}

type testLogs struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. It is safe for concurrent use
// and all loggers derived from it share one log.
type TestLogger struct {
	logs     *testLogs
	metadata map[string]interface{}
}

var _ Logger = (*TestLogger)(nil)

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{logs: &testLogs{}}
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	return &TestLogger{logs: c.logs, metadata: copyMetadata(c.metadata, metadata)}
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) log(severity string, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	c.logs.mu.Lock()
	c.logs.entries = append(c.logs.entries, TestLogEntry{severity, msg, c.metadata})
	c.logs.mu.Unlock()
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.log("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.log("WARNING", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.log("ERROR", msg, args...) }

// Fatal records the entry but does not exit.
func (c *TestLogger) Fatal(msg string, args ...interface{}) { c.log("FATAL", msg, args...) }

// Logs returns a snapshot of the recorded entries.
func (c *TestLogger) Logs() []TestLogEntry {
	c.logs.mu.Lock()
	defer c.logs.mu.Unlock()
	out := make([]TestLogEntry, len(c.logs.entries))
	copy(out, c.logs.entries)
	return out
}

// Contains reports whether any entry with the given severity contains substr.
func (c *TestLogger) Contains(severity, substr string) bool {
	for _, e := range c.Logs() {
		if e.Severity == severity && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
