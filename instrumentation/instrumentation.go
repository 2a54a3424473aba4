package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oidc-authz"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// instrumentationScope prefixes every meter and tracer name
	instrumentationScope = "github.com/giantswarm/oidc-authz/"
)

// Exporter names accepted by Config.MetricsExporter and Config.TracesExporter
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (default "oidc-authz")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used and exporters are ignored.
	Enabled bool

	// MetricsExporter selects where metrics go: "prometheus" or "none" (default).
	// With "prometheus", PrometheusHandler serves the scrape endpoint.
	MetricsExporter string

	// TracesExporter selects where spans go: "stdout" or "none" (default).
	TracesExporter string

	// TraceWriter receives stdout spans (default os.Stdout)
	TraceWriter io.Writer

	// LogClientIPs controls whether client IP addresses are attached to spans.
	// Client IPs may be personal data under GDPR; leave false unless needed.
	LogClientIPs bool

	// Resource allows custom resource attributes.
	// If nil, a resource with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// registry backs the Prometheus exporter, if configured
	registry *prometheus.Registry

	metrics *Metrics

	// Shutdown functions are only registered during New
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = ExporterNone
	}
	if config.TracesExporter == "" {
		config.TracesExporter = ExporterNone
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds SDK providers for the configured exporters.
func (i *Instrumentation) initializeProviders() error {
	switch i.config.MetricsExporter {
	case ExporterPrometheus:
		i.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(i.resource),
			sdkmetric.WithReader(exporter),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case ExporterNone:
		i.meterProvider = noop.NewMeterProvider()
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	switch i.config.TracesExporter {
	case ExporterStdout:
		w := i.config.TraceWriter
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(i.resource),
			sdktrace.WithBatcher(exporter),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	case ExporterNone:
		i.tracerProvider = tracenoop.NewTracerProvider()
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}

	return nil
}

// Shutdown flushes and stops all providers. It should be called when the
// application is terminating.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var errs []error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Meter returns a named meter for the given scope.
// Scopes are layer names like "http", "server", "storage", "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationScope + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationScope + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// ShouldLogClientIPs returns whether client IP addresses should be recorded
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i != nil && i.config.LogClientIPs
}

// PrometheusHandler serves the metrics registry in the Prometheus text format.
// It returns nil unless the Prometheus exporter is enabled.
func (i *Instrumentation) PrometheusHandler() http.Handler {
	if i == nil || i.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StorageSizeCallback returns the current number of records of one kind
type StorageSizeCallback func() int64

// StorageSizeCallbacks groups the gauges a storage backend can report.
// Nil callbacks are skipped.
type StorageSizeCallbacks struct {
	Clients       StorageSizeCallback
	Codes         StorageSizeCallback
	RefreshTokens StorageSizeCallback
	DeviceCodes   StorageSizeCallback
	Sessions      StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers observable gauge callbacks for
// storage sizes. Backends call it from SetInstrumentation.
func (i *Instrumentation) RegisterStorageSizeCallbacks(cb StorageSizeCallbacks) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	m := i.metrics
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observe := func(g metric.Int64ObservableGauge, fn StorageSizeCallback) {
				if fn != nil {
					observer.ObserveInt64(g, fn())
				}
			}
			observe(m.StorageClientsCount, cb.Clients)
			observe(m.StorageCodesCount, cb.Codes)
			observe(m.StorageRefreshTokensCount, cb.RefreshTokens)
			observe(m.StorageDeviceCodesCount, cb.DeviceCodes)
			observe(m.StorageSessionsCount, cb.Sessions)
			return nil
		},
		m.StorageClientsCount,
		m.StorageCodesCount,
		m.StorageRefreshTokensCount,
		m.StorageDeviceCodesCount,
		m.StorageSessionsCount,
	)
	return err
}
