package logger

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

// otelLogger emits every record to an OpenTelemetry log.Logger. The context
// set with WithContext is passed to Emit, so records carry the active span's
// trace and span ids.
type otelLogger struct {
	ctx        context.Context
	prefixes   []string
	metadata   map[string]log.Value
	logLevel   LogLevel
	otelLogger log.Logger
}

var _ Logger = (*otelLogger)(nil)

// NewOTelLogger returns a Logger that emits to l, dropping records below level.
func NewOTelLogger(l log.Logger, level LogLevel) Logger {
	return &otelLogger{
		ctx:        context.Background(),
		metadata:   map[string]log.Value{},
		logLevel:   level,
		otelLogger: l,
	}
}

func (o *otelLogger) clone() *otelLogger {
	metadata := make(map[string]log.Value, len(o.metadata))
	for k, v := range o.metadata {
		metadata[k] = v
	}
	return &otelLogger{
		ctx:        o.ctx,
		prefixes:   slices.Clone(o.prefixes),
		metadata:   metadata,
		logLevel:   o.logLevel,
		otelLogger: o.otelLogger,
	}
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case time.Duration:
		return log.StringValue(v.String())
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for key, item := range v {
			values = append(values, log.KeyValue{Key: key, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	c := o.clone()
	for k, v := range metadata {
		c.metadata[k] = toLogValue(v)
	}
	return c
}

func (o *otelLogger) WithPrefix(prefix string) Logger {
	c := o.clone()
	c.prefixes = append(c.prefixes, prefix)
	return c
}

func (o *otelLogger) WithContext(ctx context.Context) Logger {
	c := o.clone()
	c.ctx = ctx
	return c
}

func (o *otelLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= o.logLevel && o.logLevel != LevelNone
}

func (o *otelLogger) log(level LogLevel, severity log.Severity, msg string, args ...interface{}) {
	if !o.IsLevelEnabled(level) {
		return
	}
	body := fmt.Sprintf(msg, args...)
	if len(o.prefixes) > 0 {
		body = strings.Join(o.prefixes, " ") + " " + body
	}

	now := time.Now()
	var record log.Record
	record.SetBody(log.StringValue(body))
	record.SetSeverity(severity)
	record.SetSeverityText(level.String())
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}
	o.otelLogger.Emit(o.ctx, record)
}

func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.log(LevelTrace, log.SeverityTrace, msg, args...)
}

func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.log(LevelDebug, log.SeverityDebug, msg, args...)
}

func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.log(LevelInfo, log.SeverityInfo, msg, args...)
}

func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.log(LevelWarn, log.SeverityWarn, msg, args...)
}

func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.log(LevelError, log.SeverityError, msg, args...)
}

func (o *otelLogger) Fatal(msg string, args ...interface{}) {
	o.log(LevelError, log.SeverityFatal, msg, args...)
	os.Exit(1)
}
