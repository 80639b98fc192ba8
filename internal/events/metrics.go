package events

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig configures OTLP metric export.
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Endpoint     string `mapstructure:"endpoint"` // host:port of an OTLP/gRPC collector
	Insecure     bool   `mapstructure:"insecure"`
	IntervalSecs int    `mapstructure:"interval_secs"`
	ServiceName  string `mapstructure:"service_name"`
}

// Interval returns the export period, defaulting to 15s.
func (c MetricsConfig) Interval() time.Duration {
	if c.IntervalSecs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.IntervalSecs) * time.Second
}

// NewMeterProvider builds an SDK meter provider that pushes to the configured
// collector and installs it as the global provider. Callers own Shutdown.
func NewMeterProvider(ctx context.Context, cfg MetricsConfig) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "events: metric exporter")
	}

	mp := newMeterProvider(cfg, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval())))
	otel.SetMeterProvider(mp)
	return mp, nil
}

func newMeterProvider(cfg MetricsConfig, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	name := cfg.ServiceName
	if name == "" {
		name = "cartrouter"
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
}
