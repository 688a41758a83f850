// Package otel wires OpenTelemetry traces and metrics for ASA Go processes.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bcgov/asa-go/internal/platform/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	tracesPath  = "v1/traces"
	metricsPath = "v1/metrics"
)

// Settings selects whether and where telemetry is exported.
type Settings struct {
	// Enabled turns export off when false, even with an endpoint set.
	Enabled bool `env:"OTEL_ENABLED" envDefault:"true"`
	// Endpoint is the base URL of an OTLP/HTTP collector, for example
	// http://otel-collector:4318. Traces go to /v1/traces and metrics to
	// /v1/metrics below it.
	Endpoint string `env:"OTEL_ENDPOINT"`
	// MetricInterval is how often metrics are pushed.
	MetricInterval time.Duration `env:"OTEL_METRIC_INTERVAL" envDefault:"30s"`
}

// LoadSettings reads Settings from ASA_GO_OTEL_* variables.
func LoadSettings() (Settings, error) {
	var settings Settings
	if err := config.ParseEnv(&settings); err != nil {
		return Settings{}, err
	}
	settings.Endpoint = strings.TrimSpace(settings.Endpoint)
	return settings, nil
}

func (s Settings) exporting() bool {
	return s.Enabled && s.Endpoint != ""
}

// Setup installs global trace and meter providers for serviceName using
// LoadSettings.
//
// Export is opt-in: when ASA_GO_OTEL_ENDPOINT is empty or
// ASA_GO_OTEL_ENABLED is false, Setup returns a no-op shutdown function and
// the global providers stay the otel no-op defaults.
//
// The returned shutdown function flushes pending spans and metrics and should
// be deferred by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	settings, err := LoadSettings()
	if err != nil {
		return noopShutdown, err
	}
	return Start(ctx, serviceName, settings)
}

// Start installs global providers for serviceName as settings describe.
func Start(ctx context.Context, serviceName string, settings Settings) (shutdown func(context.Context) error, err error) {
	if !settings.exporting() {
		return noopShutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceNamespace("asa-go"),
		),
	)
	if err != nil {
		return noopShutdown, fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, settings, res)
	if err != nil {
		return noopShutdown, err
	}
	mp, err := newMeterProvider(ctx, settings, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return noopShutdown, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newTracerProvider(ctx context.Context, settings Settings, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	endpoint, err := url.JoinPath(settings.Endpoint, tracesPath)
	if err != nil {
		return nil, fmt.Errorf("trace endpoint: %w", err)
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	), nil
}

func newMeterProvider(ctx context.Context, settings Settings, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	endpoint, err := url.JoinPath(settings.Endpoint, metricsPath)
	if err != nil {
		return nil, fmt.Errorf("metric endpoint: %w", err)
	}
	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if settings.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(settings.MetricInterval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	), nil
}

func noopShutdown(context.Context) error { return nil }
