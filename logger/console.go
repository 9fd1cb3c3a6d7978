package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	Reset      = "\033[0m"
	Red        = "\033[31m"
	Green      = "\033[32m"
	Magenta    = "\033[35m"
	White      = "\033[37m"
	BlueBold   = "\033[34;1m"
	RedBold    = "\033[31;1m"
	YellowBold = "\033[33;1m"
	CyanBold   = "\033[36;1m"
	Gray       = "\033[1;90m"
	Purple     = "\u001b[38;5;200m"
)

// level -> {label color, message color}
var levelColors = map[LogLevel][2]string{
	LevelTrace: {CyanBold, Gray},
	LevelDebug: {BlueBold, Green},
	LevelInfo:  {YellowBold, White},
	LevelWarn:  {Magenta, Magenta},
	LevelError: {RedBold, Red},
}

type consoleLogger struct {
	out      io.Writer
	mu       *sync.Mutex
	colored  bool
	prefixes []string
	metadata map[string]interface{}
	level    LogLevel
}

var _ Logger = (*consoleLogger)(nil)

// NewConsoleLogger returns a new Logger instance which writes human readable
// lines to out. Colors are only used when out is a terminal.
func NewConsoleLogger(out io.Writer, level LogLevel) Logger {
	colored := false
	if f, ok := out.(*os.File); ok && os.Getenv("TERM") != "dumb" {
		colored = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &consoleLogger{
		out:      out,
		mu:       &sync.Mutex{},
		colored:  colored,
		metadata: map[string]interface{}{},
		level:    level,
	}
}

func (c *consoleLogger) clone() *consoleLogger {
	return &consoleLogger{
		out:      c.out,
		mu:       c.mu,
		colored:  c.colored,
		prefixes: slices.Clone(c.prefixes),
		metadata: copyMetadata(c.metadata, nil),
		level:    c.level,
	}
}

func (c *consoleLogger) color(val string) string {
	if !c.colored {
		return ""
	}
	return val
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	clone.metadata = copyMetadata(c.metadata, metadata)
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	return clone
}

func (c *consoleLogger) WithContext(_ context.Context) Logger {
	return c.clone()
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.level && level < LevelNone
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	colors := levelColors[level]
	var b strings.Builder
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(c.color(colors[0]))
	fmt.Fprintf(&b, "[%-5s]", level.String())
	b.WriteString(c.color(Reset))
	b.WriteByte(' ')
	if len(c.prefixes) > 0 {
		b.WriteString(c.color(Purple) + strings.Join(c.prefixes, " ") + c.color(Reset) + " ")
	}
	b.WriteString(c.color(colors[1]) + msg + c.color(Reset))
	if len(c.metadata) > 0 {
		buf, _ := json.Marshal(c.metadata)
		b.WriteString(" " + c.color(Gray) + string(buf) + c.color(Reset))
	}
	b.WriteByte('\n')
	line := b.String()
	if !c.colored {
		// messages may carry their own escape codes
		line = ansiColorStripper.ReplaceAllString(line, "")
	}
	c.mu.Lock()
	_, _ = io.WriteString(c.out, line)
	c.mu.Unlock()
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *consoleLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *consoleLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *consoleLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	os.Exit(1)
}
