// Package metrics instruments a single qipi invocation with OpenTelemetry
// counters exported over Prometheus, so a long-lived process (or a
// scrape sidecar wrapping one-shot CLI runs) can track resolve/install
// activity across invocations. Every counter is nil-safe: a caller that
// never calls New keeps working with metrics silently disabled.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// New constructs a Metrics handle backed by a fresh Prometheus exporter
// and registers it as the process-wide OTel meter provider.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/qipkg/qipi")

	if m.PackagesResolved, err = meter.Int64Counter("qipi_packages_resolved_total", metric.WithDescription("Total number of DAG nodes produced by the resolver")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create qipi_packages_resolved_total counter: %w", err)
	}
	if m.PackagesSkipped, err = meter.Int64Counter("qipi_packages_skipped_total", metric.WithDescription("Total number of requested packages already present in the store")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create qipi_packages_skipped_total counter: %w", err)
	}
	if m.PackagesInstalled, err = meter.Int64Counter("qipi_packages_installed_total", metric.WithDescription("Total number of packages successfully installed into the store")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create qipi_packages_installed_total counter: %w", err)
	}
	if m.BytesDownloaded, err = meter.Int64Counter("qipi_bytes_downloaded_total", metric.WithDescription("Total tarball bytes downloaded")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create qipi_bytes_downloaded_total counter: %w", err)
	}
	if m.InstallFailures, err = meter.Int64Counter("qipi_install_failures_total", metric.WithDescription("Total number of install-failure errors (kind 4)")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create qipi_install_failures_total counter: %w", err)
	}
	if m.InstallDuration, err = meter.Float64Histogram("qipi_install_duration_seconds", metric.WithDescription("Wall-clock duration of a single invocation that reaches the install step, measured from parsing its inputs")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create qipi_install_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// Metrics holds the orchestrator's counters. The zero value is valid and
// every method is a no-op against it, so passing an unconstructed
// Metrics{} disables instrumentation rather than panicking.
type Metrics struct {
	PackagesResolved  metric.Int64Counter
	PackagesSkipped   metric.Int64Counter
	PackagesInstalled metric.Int64Counter
	BytesDownloaded   metric.Int64Counter
	InstallFailures   metric.Int64Counter
	InstallDuration   metric.Float64Histogram
}

// ListenAndServe serves the Prometheus scrape endpoint on addr. Callers
// that only care about instrumenting a single CLI invocation (rather
// than running a long-lived server) never need to call this.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementPackagesResolved(ctx context.Context, n int64) {
	if m.PackagesResolved == nil {
		return
	}
	m.PackagesResolved.Add(ctx, n)
}

func (m Metrics) IncrementPackagesSkipped(ctx context.Context, n int64) {
	if m.PackagesSkipped == nil {
		return
	}
	m.PackagesSkipped.Add(ctx, n)
}

func (m Metrics) IncrementPackagesInstalled(ctx context.Context, registryHost string, n int64) {
	if m.PackagesInstalled == nil {
		return
	}
	m.PackagesInstalled.Add(ctx, n, metric.WithAttributes(attribute.String("registry", registryHost)))
}

func (m Metrics) AddBytesDownloaded(ctx context.Context, registryHost string, bytes int64) {
	if m.BytesDownloaded == nil {
		return
	}
	m.BytesDownloaded.Add(ctx, bytes, metric.WithAttributes(attribute.String("registry", registryHost)))
}

func (m Metrics) IncrementInstallFailures(ctx context.Context, reason string) {
	if m.InstallFailures == nil {
		return
	}
	m.InstallFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m Metrics) RecordInstallDuration(ctx context.Context, seconds float64) {
	if m.InstallDuration == nil {
		return
	}
	m.InstallDuration.Record(ctx, seconds)
}
