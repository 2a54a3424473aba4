// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// A single Instrumentation value owns the meter and tracer providers. When
// Config.Enabled is false every instrument is a no-op. When enabled, metrics
// can be exported to Prometheus and spans written to stdout:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "oidc-authz",
//		ServiceVersion:  version,
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//		TracesExporter:  instrumentation.ExporterStdout,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("GET /metrics", inst.PrometheusHandler())
//
// Meters and tracers are scoped per layer ("http", "server", "storage",
// "security"). The Metrics holder exposes Record* helpers for the events the
// server cares about: tokens issued per grant, grant errors, revocations,
// introspection results, device poll outcomes, replay and reuse detection,
// key rotations and storage operations. Storage backends report their sizes
// through RegisterStorageSizeCallbacks.
//
// Client IP addresses are only attached to spans when Config.LogClientIPs is
// set, since they can count as personal data.
package instrumentation
