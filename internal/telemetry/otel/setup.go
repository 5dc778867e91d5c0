// Package otel builds the OpenTelemetry tracer, meter and logger providers
// shared by the server and the provisioning workers.
package otel

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// MetricInterval is how often metrics are pushed to the collector.
const MetricInterval = 10 * time.Second

// Options selects where and as whom telemetry is exported.
type Options struct {
	// Endpoint is host:port or a URL; any path is dropped. Empty means no export.
	Endpoint    string
	ServiceName string
	Version     string
	// Insecure forces plaintext even for https endpoints.
	Insecure bool
}

// Providers holds the OpenTelemetry providers and a shutdown function.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	Shutdown       func(context.Context) error
}

// NewProviders creates providers that export over OTLP/gRPC. With no endpoint the
// providers record nothing outside the process and Shutdown is a no-op.
func NewProviders(ctx context.Context, opts Options) (*Providers, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return &Providers{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  metric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
			Shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	target, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	insecure = insecure || opts.Insecure

	attrs := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(opts.ServiceName))
	if opts.Version != "" {
		attrs, err = resource.Merge(attrs, resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceVersion(opts.Version)))
		if err != nil {
			return nil, oops.Code("OTEL_RESOURCE_FAILED").Wrap(err)
		}
	}
	res, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		return nil, oops.Code("OTEL_RESOURCE_FAILED").Wrap(err)
	}

	var shutdownFns []func(context.Context) error
	unwind := func() {
		for i := len(shutdownFns) - 1; i >= 0; i-- {
			_ = shutdownFns[i](ctx)
		}
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
	if insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, oops.Code("OTEL_EXPORTER_FAILED").With("signal", "traces").Wrap(err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	shutdownFns = append(shutdownFns, tp.Shutdown)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		unwind()
		return nil, oops.Code("OTEL_EXPORTER_FAILED").With("signal", "metrics").Wrap(err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(MetricInterval))),
	)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
	if insecure {
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}
	logExp, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		unwind()
		return nil, oops.Code("OTEL_EXPORTER_FAILED").With("signal", "logs").Wrap(err)
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res))
	shutdownFns = append(shutdownFns, lp.Shutdown)

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		Shutdown: func(ctx context.Context) error {
			var errs []error
			for i := len(shutdownFns) - 1; i >= 0; i-- {
				errs = append(errs, shutdownFns[i](ctx))
			}
			return errors.Join(errs...)
		},
	}, nil
}

// parseEndpoint reduces endpoint to the host:port the gRPC exporters dial.
// Anything but https is plaintext.
func parseEndpoint(endpoint string) (target string, insecure bool, err error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, oops.Code("OTEL_ENDPOINT_INVALID").With("endpoint", endpoint).Wrap(err)
	}
	if u.Host == "" {
		return "", false, oops.Code("OTEL_ENDPOINT_INVALID").With("endpoint", endpoint).Errorf("missing host")
	}
	return u.Host, u.Scheme != "https", nil
}

// SetGlobal installs the tracer and meter providers for instrumentation such as otelgrpc.
// The logger provider is handed to logging.New instead.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
}
