package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OTelConfig configures the OpenTelemetry-backed provider.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Insecure       bool
	ExportInterval time.Duration
}

// DefaultOTelConfig returns development defaults.
func DefaultOTelConfig() *OTelConfig {
	return &OTelConfig{
		ServiceName:    "agenc-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       false,
		ExportInterval: 15 * time.Second,
	}
}

// OTel bridges the Provider capability interface onto the OpenTelemetry
// metric API. Instruments are created lazily per metric name and cached.
type OTel struct {
	meter         metric.Meter
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOTel creates a provider exporting through OTLP/gRPC.
func NewOTel(ctx context.Context, cfg *OTelConfig) (*OTel, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metrics: failed to create OTLP exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.ExportInterval),
		)),
	)
	otel.SetMeterProvider(mp)

	return &OTel{
		meter:         mp.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		meterProvider: mp,
		logger:        slog.Default().With("component", "metrics"),
		counters:      make(map[string]metric.Float64Counter),
		gauges:        make(map[string]metric.Float64Gauge),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

func (o *OTel) Counter(name string, delta float64, labels map[string]string) {
	o.mu.Lock()
	inst, ok := o.counters[name]
	if !ok {
		var err error
		inst, err = o.meter.Float64Counter(name)
		if err != nil {
			o.mu.Unlock()
			o.logger.Warn("counter registration failed", "name", name, "error", err)
			return
		}
		o.counters[name] = inst
	}
	o.mu.Unlock()
	inst.Add(context.Background(), delta, metric.WithAttributes(attrs(labels)...))
}

func (o *OTel) Gauge(name string, value float64, labels map[string]string) {
	o.mu.Lock()
	inst, ok := o.gauges[name]
	if !ok {
		var err error
		inst, err = o.meter.Float64Gauge(name)
		if err != nil {
			o.mu.Unlock()
			o.logger.Warn("gauge registration failed", "name", name, "error", err)
			return
		}
		o.gauges[name] = inst
	}
	o.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func (o *OTel) Histogram(name string, value float64, labels map[string]string) {
	o.mu.Lock()
	inst, ok := o.histograms[name]
	if !ok {
		var err error
		inst, err = o.meter.Float64Histogram(name)
		if err != nil {
			o.mu.Unlock()
			o.logger.Warn("histogram registration failed", "name", name, "error", err)
			return
		}
		o.histograms[name] = inst
	}
	o.mu.Unlock()
	inst.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// Shutdown flushes pending exports.
func (o *OTel) Shutdown(ctx context.Context) error {
	if o.meterProvider == nil {
		return nil
	}
	return o.meterProvider.Shutdown(ctx)
}

func attrs(labels map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}
