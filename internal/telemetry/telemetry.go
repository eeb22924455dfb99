// Package telemetry provides opt-in OpenTelemetry metrics for the sync core.
//
// Nothing leaves the device unless telemetry is explicitly enabled: the
// default Metrics record into a no-op meter provider.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const instrumentationName = "github.com/sociapp/fieldsync"

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	ServiceName    string
	ServiceVersion string
	ExportInterval time.Duration
}

// Metrics holds the instruments recorded by the sync core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes     metric.Int64Counter
	synced     metric.Int64Counter
	failed     metric.Int64Counter
	warnings   metric.Int64Counter
	fallbacks  metric.Int64Counter
	passTiming metric.Float64Histogram
}

// NewMetrics creates the instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	if m.passes, err = meter.Int64Counter("fieldsync.sync.passes",
		metric.WithDescription("Completed sync passes")); err != nil {
		return nil, err
	}
	if m.synced, err = meter.Int64Counter("fieldsync.sync.records_synced",
		metric.WithDescription("Records created remotely and marked synced")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("fieldsync.sync.records_failed",
		metric.WithDescription("Record create attempts that failed")); err != nil {
		return nil, err
	}
	if m.warnings, err = meter.Int64Counter("fieldsync.sync.upload_warnings",
		metric.WithDescription("Audio uploads that failed after the record was created")); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter("fieldsync.audio.transcode_fallbacks",
		metric.WithDescription("Captures stored untranscoded because encoding failed")); err != nil {
		return nil, err
	}
	if m.passTiming, err = meter.Float64Histogram("fieldsync.sync.pass_duration",
		metric.WithDescription("Sync pass duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Noop returns Metrics backed by a no-op provider.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// RecordPass records the outcome of one sync pass.
func (m *Metrics) RecordPass(ctx context.Context, synced, failed, warnings int, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.Add(ctx, 1)
	m.synced.Add(ctx, int64(synced))
	m.failed.Add(ctx, int64(failed))
	m.warnings.Add(ctx, int64(warnings))
	m.passTiming.Record(ctx, d.Seconds())
}

// RecordTranscodeFallback records a capture kept in its original encoding.
func (m *Metrics) RecordTranscodeFallback(ctx context.Context, sourceMIME string) {
	if m == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("source_mime", sourceMIME)))
}

// Telemetry owns the meter provider installed by Init.
type Telemetry struct {
	Metrics  *Metrics
	provider *sdkmetric.MeterProvider
}

// Init builds the metrics pipeline. When cfg.Enabled is false no exporter is
// created and the returned Metrics are no-ops.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{Metrics: Noop()}, nil
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	metrics, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}

	return &Telemetry{Metrics: metrics, provider: mp}, nil
}

// Shutdown flushes and stops the exporter, if one was started.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
