package telemetry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quillnotes/notes-api/logger"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// NewLoggerProvider builds an OTLP/HTTP log provider for cfg.Endpoint.
func NewLoggerProvider(ctx context.Context, cfg Config, log logger.Logger) (*sdklog.LoggerProvider, ShutdownFunc, error) {
	res, err := newResource(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	opts, err := logExporterOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	exporter, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "telemetry: log exporter")
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return lp, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lp.Shutdown(ctx); err != nil {
			log.Warn("log export shutdown: %v", err)
		}
	}, nil
}

// NewLogger returns log teed to an OTLP log exporter when cfg.Endpoint is
// set, or log unchanged otherwise. The shutdown function flushes pending
// records.
func NewLogger(ctx context.Context, cfg Config, log logger.Logger, level logger.LogLevel) (logger.Logger, ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return log, func() {}, nil
	}
	lp, shutdown, err := NewLoggerProvider(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("exporting logs to %s", cfg.Endpoint)
	exported := logger.NewOTelLogger(lp.Logger("github.com/quillnotes/notes-api"), level)
	return logger.NewTeeLogger(log, exported), shutdown, nil
}

func logExporterOptions(cfg Config) ([]otlploghttp.Option, error) {
	opts := []otlploghttp.Option{
		otlploghttp.WithTimeout(10 * time.Second),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if !strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlploghttp.WithEndpoint(cfg.Endpoint))
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return opts, nil
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "telemetry: parse endpoint")
	}
	// a bare collector URL or one pointing at the trace path
	if u.Path == "" || u.Path == "/" || strings.HasSuffix(u.Path, "/v1/traces") {
		u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/v1/traces") + "/v1/logs"
	}
	opts = append(opts, otlploghttp.WithEndpointURL(u.String()))
	if u.Scheme == "http" || cfg.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	return opts, nil
}
