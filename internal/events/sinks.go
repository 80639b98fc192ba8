package events

import (
	"context"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// LogSink writes each event as a structured zap entry.
type LogSink struct{}

// Handle implements Sink.
func (LogSink) Handle(_ context.Context, e Event) {
	fields := []zap.Field{zap.String("event", string(e.Kind))}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if e.ProviderID != "" {
		fields = append(fields, zap.String("provider", e.ProviderID))
	}

	switch e.Kind {
	case RouteCompleted:
		fields = append(fields,
			zap.String("mode", e.Mode),
			zap.String("code", e.Code),
			zap.Int("candidates", e.Candidates),
			zap.Int("quotes", e.Quotes),
			zap.Int64("duration_ms", e.LatencyMs),
		)
		zap.L().Info("route completed", fields...)
	case ProviderAttempt:
		fields = append(fields,
			zap.Bool("ok", e.OK),
			zap.String("code", e.Code),
			zap.String("mode", e.Mode),
			zap.Int64("latency_ms", e.LatencyMs),
		)
		zap.L().Debug("provider attempt", fields...)
	case TokenTransition:
		fields = append(fields, zap.String("token", e.TokenID), zap.String("from", e.From), zap.String("to", e.To))
		zap.L().Info("token transition", fields...)
	case OutcomeRecorded:
		fields = append(fields, zap.Bool("success", e.OK))
		zap.L().Info("outcome recorded", fields...)
	default:
		zap.L().Debug("event", fields...)
	}
}

// MetricsSink records events as OpenTelemetry instruments.
type MetricsSink struct {
	routes      metric.Int64Counter
	routeTime   metric.Float64Histogram
	attempts    metric.Int64Counter
	latency     metric.Float64Histogram
	transitions metric.Int64Counter
	outcomes    metric.Int64Counter
}

// NewMetricsSink registers the instruments on meter.
func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	var s MetricsSink
	var err error

	if s.routes, err = meter.Int64Counter("cartrouter.routes.total",
		metric.WithDescription("Routing decisions by result code"),
		metric.WithUnit("{route}"),
	); err != nil {
		return nil, eris.Wrap(err, "events: routes counter")
	}
	if s.routeTime, err = meter.Float64Histogram("cartrouter.route.duration",
		metric.WithDescription("End-to-end routing time"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, eris.Wrap(err, "events: route histogram")
	}
	if s.attempts, err = meter.Int64Counter("cartrouter.provider.attempts.total",
		metric.WithDescription("Provider quote attempts by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, eris.Wrap(err, "events: attempts counter")
	}
	if s.latency, err = meter.Float64Histogram("cartrouter.provider.latency",
		metric.WithDescription("Provider quote latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 1000, 2000, 3000, 5000, 10000),
	); err != nil {
		return nil, eris.Wrap(err, "events: latency histogram")
	}
	if s.transitions, err = meter.Int64Counter("cartrouter.token.transitions.total",
		metric.WithDescription("Confirmation token state changes"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, eris.Wrap(err, "events: transitions counter")
	}
	if s.outcomes, err = meter.Int64Counter("cartrouter.outcomes.total",
		metric.WithDescription("Order outcomes folded into reliability"),
		metric.WithUnit("{outcome}"),
	); err != nil {
		return nil, eris.Wrap(err, "events: outcomes counter")
	}
	return &s, nil
}

// Handle implements Sink.
func (s *MetricsSink) Handle(ctx context.Context, e Event) {
	switch e.Kind {
	case RouteCompleted:
		attrs := metric.WithAttributes(attribute.String("mode", e.Mode), attribute.String("code", e.Code))
		s.routes.Add(ctx, 1, attrs)
		s.routeTime.Record(ctx, float64(e.LatencyMs), attrs)
	case ProviderAttempt:
		attrs := metric.WithAttributes(
			attribute.String("provider", e.ProviderID),
			attribute.Bool("ok", e.OK),
			attribute.String("code", e.Code),
		)
		s.attempts.Add(ctx, 1, attrs)
		s.latency.Record(ctx, float64(e.LatencyMs), metric.WithAttributes(attribute.String("provider", e.ProviderID)))
	case TokenTransition:
		s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", e.From), attribute.String("to", e.To)))
	case OutcomeRecorded:
		s.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", e.ProviderID),
			attribute.Bool("success", e.OK),
		))
	}
}
