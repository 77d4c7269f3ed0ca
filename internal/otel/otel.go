// Package otel sets up the OpenTelemetry SDK for the process.  Every
// component creates its tracer and meter through the global providers,
// so nothing is exported until Setup has run.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/terrpan/dispatch/internal/buildinfo"
)

const defaultExportInterval = 10 * time.Second

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push for traces and metrics.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").  Empty
	// falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.
	StdOut bool `yaml:"stdout"`

	// Prometheus registers a metric reader on the default Prometheus
	// registry, which the API serves on /metrics.
	Prometheus bool `yaml:"prometheus"`

	// SampleRatio is the fraction of root spans recorded.  Zero or
	// anything at or above one records everything.
	SampleRatio float64 `yaml:"sample_ratio"`

	ExportInterval time.Duration `yaml:"export_interval"`
}

func (c Config) tracing() bool { return c.Enabled || c.StdOut }

func (c Config) metrics() bool { return c.Enabled || c.StdOut || c.Prometheus }

func (c Config) interval() time.Duration {
	if c.ExportInterval > 0 {
		return c.ExportInterval
	}
	return defaultExportInterval
}

func (c Config) sampler() trace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(c.SampleRatio))
}

// Setup installs the global tracer and meter providers for serviceName
// and returns a function that flushes and shuts them down.  With nothing
// enabled it installs nothing and the returned function is a no-op.
func Setup(ctx context.Context, serviceName string, cfg Config) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		handleErr(fmt.Errorf("build resource: %w", err))
		return
	}

	if cfg.tracing() {
		tp, tErr := newTraceProvider(ctx, res, cfg)
		if tErr != nil {
			handleErr(fmt.Errorf("create trace provider: %w", tErr))
			return
		}
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.metrics() {
		mp, mErr := newMeterProvider(ctx, res, cfg)
		if mErr != nil {
			handleErr(fmt.Errorf("create meter provider: %w", mErr))
			return
		}
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return
}

func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(cfg.sampler()),
	}

	if cfg.Enabled {
		var exOpts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			exOpts = append(exOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			exOpts = append(exOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, exOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}

	return trace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		var exOpts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			exOpts = append(exOpts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			exOpts = append(exOpts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, exOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(cfg.interval()))))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(cfg.interval()))))
	}

	if cfg.Prometheus {
		reader, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(reader))
	}

	return metric.NewMeterProvider(opts...), nil
}
