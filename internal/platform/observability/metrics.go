package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/minestore/api/internal/platform/observability"

// VerificationMetrics records authentication and webhook signature outcomes.
type VerificationMetrics struct {
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewVerificationMetrics registers instruments on the supplied meter, or the global meter
// provider when nil.
func NewVerificationMetrics(meter metric.Meter) (*VerificationMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	outcomes, err := meter.Int64Counter("store.auth.verifications",
		metric.WithDescription("Request verification outcomes by kind and reason"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("store.auth.verification_latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent verifying request credentials"))
	if err != nil {
		return nil, err
	}
	return &VerificationMetrics{outcomes: outcomes, latency: latency}, nil
}

// RecordVerification implements auth.MetricsRecorder.
func (m *VerificationMetrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	m.outcomes.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}
