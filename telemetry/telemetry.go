// Package telemetry configures OpenTelemetry tracing and log export for the
// service.
package telemetry

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quillnotes/notes-api/logger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

type ShutdownFunc func()

type Config struct {
	// Endpoint is the OTLP/HTTP collector, either host:port or a URL. Empty
	// records spans locally without exporting them.
	Endpoint    string
	ServiceName string
	Version     string
	Insecure    bool
	// SampleRatio is the fraction of root traces sampled. Zero or anything
	// at or above one samples every trace.
	SampleRatio float64
}

// NewTracerProvider builds a tracer provider, installs it as the global
// provider together with the W3C trace-context propagator and returns a
// function that flushes and stops it.
func NewTracerProvider(ctx context.Context, cfg Config, log logger.Logger) (*sdktrace.TracerProvider, ShutdownFunc, error) {
	res, err := newResource(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.Endpoint != "" {
		exporterOpts, err := exporterOptions(cfg)
		if err != nil {
			return nil, nil, err
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, nil, errors.Wrap(err, "telemetry: trace exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		log.Info("exporting traces to %s", cfg.Endpoint)
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn("telemetry shutdown: %v", err)
		}
	}, nil
}

func newResource(ctx context.Context, cfg Config, log logger.Logger) (*resource.Resource, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "notes-api"
	}
	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	}
	if cfg.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		log.Warn("partial telemetry resource: %v", err)
	} else if err != nil {
		return nil, errors.Wrap(err, "telemetry: resource")
	}
	return res, nil
}

func exporterOptions(cfg Config) ([]otlptracehttp.Option, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(10 * time.Second),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if !strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts, nil
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "telemetry: parse endpoint")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/traces"
	}
	opts = append(opts, otlptracehttp.WithEndpointURL(u.String()))
	if u.Scheme == "http" || cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// HTTPMiddleware instruments inbound requests.
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(operation)
}

// StartSpan starts a span and returns a logger carrying its trace and span ids.
func StartSpan(ctx context.Context, log logger.Logger, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, logger.Logger, trace.Span) {
	ctx, span := tracer.Start(ctx, name, opts...)
	sc := span.SpanContext()
	if sc.IsValid() {
		log = log.With(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	return ctx, log.WithContext(ctx), span
}
