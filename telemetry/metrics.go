// Package telemetry exposes the kernel's counters and histograms through
// the OpenTelemetry metric API. If no MeterProvider is configured the
// instruments are noops and recording costs next to nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for paralyze metrics.
const meterName = "github.com/StratusCode/paralyze"

// Metrics bundles the kernel's instruments. Construct once and share; all
// methods are safe for concurrent use. A nil *Metrics is a valid no-op
// receiver so components never need to guard their recording calls.
//
// Instruments:
//   - paralyze.lease.acquisitions (Int64Counter): attempts, by outcome
//     ("ok", "held", "error")
//   - paralyze.lease.renewals (Int64Counter): renewals, by outcome
//     ("ok", "lost", "error")
//   - paralyze.renewal.duration (Float64Histogram): renewal round-trip
//     seconds, by kind ("lease", "claim")
//   - paralyze.claims (Int64Counter): claim transitions, by event
//     ("granted", "completed", "requeued", "failed", "lost", "expired")
//   - paralyze.backoff.delay (Float64Histogram): chosen backoff delay in
//     seconds
type Metrics struct {
	acquisitions metric.Int64Counter
	renewals     metric.Int64Counter
	renewalDur   metric.Float64Histogram
	claims       metric.Int64Counter
	backoffDelay metric.Float64Histogram
}

// New creates Metrics on the global MeterProvider.
func New() *Metrics {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates Metrics on the provided meter. This variant allows
// injecting a specific MeterProvider for testing.
func NewWithMeter(meter metric.Meter) *Metrics {
	// On error the OTel API returns noop instruments, so errors are
	// deliberately ignored and recording degrades gracefully.
	acquisitions, _ := meter.Int64Counter( //nolint:errcheck
		"paralyze.lease.acquisitions",
		metric.WithDescription("Lease acquisition attempts by outcome"),
	)
	renewals, _ := meter.Int64Counter( //nolint:errcheck
		"paralyze.lease.renewals",
		metric.WithDescription("Lease and claim renewals by outcome"),
	)
	renewalDur, _ := meter.Float64Histogram( //nolint:errcheck
		"paralyze.renewal.duration",
		metric.WithDescription("Renewal round-trip time in seconds"),
		metric.WithUnit("s"),
	)
	claims, _ := meter.Int64Counter( //nolint:errcheck
		"paralyze.claims",
		metric.WithDescription("Task claim transitions by event"),
	)
	backoffDelay, _ := meter.Float64Histogram( //nolint:errcheck
		"paralyze.backoff.delay",
		metric.WithDescription("Backoff delay chosen in seconds"),
		metric.WithUnit("s"),
	)

	return &Metrics{
		acquisitions: acquisitions,
		renewals:     renewals,
		renewalDur:   renewalDur,
		claims:       claims,
		backoffDelay: backoffDelay,
	}
}

// Acquisition records one lease acquisition attempt.
func (m *Metrics) Acquisition(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.acquisitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// Renewal records one renewal attempt and its round-trip time.
func (m *Metrics) Renewal(ctx context.Context, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.renewals.Add(ctx, 1, attrs)
	m.renewalDur.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// Claim records one claim transition event.
func (m *Metrics) Claim(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
	))
}

// BackoffDelay records the delay chosen by a backoff strategy.
func (m *Metrics) BackoffDelay(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.backoffDelay.Record(ctx, d.Seconds())
}
