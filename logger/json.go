package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry defines a log entry
// this is modeled after the JSON format expected by Cloud Logging
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

type jsonLogger struct {
	out       io.Writer
	mu        *sync.Mutex
	metadata  map[string]interface{}
	component string
	level     LogLevel
	now       func() time.Time
}

var _ Logger = (*jsonLogger)(nil)

// NewJSONLogger returns a Logger which writes one JSON object per line to out.
func NewJSONLogger(out io.Writer, level LogLevel) Logger {
	return &jsonLogger{
		out:      out,
		mu:       &sync.Mutex{},
		metadata: map[string]interface{}{},
		level:    level,
		now:      time.Now,
	}
}

func (c *jsonLogger) clone() *jsonLogger {
	return &jsonLogger{
		out:       c.out,
		mu:        c.mu,
		metadata:  copyMetadata(c.metadata, nil),
		component: c.component,
		level:     c.level,
		now:       c.now,
	}
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	clone.metadata = copyMetadata(c.metadata, metadata)
	if comp, ok := clone.metadata["component"].(string); ok {
		clone.component = comp
		delete(clone.metadata, "component")
	}
	return clone
}

// WithPrefix appends prefix to the component field
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	switch {
	case clone.component == "":
		clone.component = prefix
	case !strings.Contains(clone.component, prefix):
		clone.component = clone.component + " " + prefix
	}
	return clone
}

func (c *jsonLogger) WithContext(_ context.Context) Logger {
	return c.clone()
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level && level < LevelNone
}

func (c *jsonLogger) log(level LogLevel, severity string, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
		Severity:  severity,
		Component: c.component,
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		buf, _ = json.Marshal(JSONLogEntry{Timestamp: entry.Timestamp, Severity: severity, Message: msg})
	}
	buf = append(buf, '\n')
	c.mu.Lock()
	_, _ = c.out.Write(buf)
	c.mu.Unlock()
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, "TRACE", msg, args...) }
func (c *jsonLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, "DEBUG", msg, args...) }
func (c *jsonLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, "INFO", msg, args...) }
func (c *jsonLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, "WARNING", msg, args...) }
func (c *jsonLogger) Error(msg string, args ...interface{}) { c.log(LevelError, "ERROR", msg, args...) }

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
	os.Exit(1)
}
