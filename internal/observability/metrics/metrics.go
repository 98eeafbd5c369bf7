// Package metrics records pulse and broadcast outcomes through the
// OpenTelemetry metric API. Without an installed SDK provider the global meter
// is a no-op, so recording is always safe.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "vaultpulse"

// Recorder holds the instruments. A nil *Recorder is valid and records nothing.
type Recorder struct {
	pulseResults      metric.Int64Counter
	pulseOutOfSync    metric.Int64Counter
	pulseSpread       metric.Float64Histogram
	broadcastOutcomes metric.Int64Counter
	broadcastAttempts metric.Int64Histogram
	realtimeState     metric.Int64Counter
}

// New builds a Recorder from meter.
func New(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}
	r := &Recorder{}
	var err error
	if r.pulseResults, err = meter.Int64Counter("vaultpulse.pulse.results",
		metric.WithDescription("Channel delivery results per pulse")); err != nil {
		return nil, err
	}
	if r.pulseOutOfSync, err = meter.Int64Counter("vaultpulse.pulse.out_of_sync",
		metric.WithDescription("Pulses whose channel timestamps exceeded the sync window")); err != nil {
		return nil, err
	}
	if r.pulseSpread, err = meter.Float64Histogram("vaultpulse.pulse.spread",
		metric.WithDescription("Spread between first and last channel result"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.broadcastOutcomes, err = meter.Int64Counter("vaultpulse.broadcast.outcomes",
		metric.WithDescription("Terminal broadcast outcomes and retries")); err != nil {
		return nil, err
	}
	if r.broadcastAttempts, err = meter.Int64Histogram("vaultpulse.broadcast.attempts",
		metric.WithDescription("Attempts used by terminal broadcast items")); err != nil {
		return nil, err
	}
	if r.realtimeState, err = meter.Int64Counter("vaultpulse.realtime.transitions",
		metric.WithDescription("Real-time connection state transitions")); err != nil {
		return nil, err
	}
	return r, nil
}

// Default returns a Recorder bound to the global meter provider.
func Default() *Recorder {
	r, err := New(otel.Meter(meterName))
	if err != nil {
		r, _ = New(nil)
	}
	return r
}

func (r *Recorder) PulseResult(ctx context.Context, channel string, ok bool) {
	if r == nil {
		return
	}
	r.pulseResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Bool("success", ok),
	))
}

func (r *Recorder) PulseSpread(ctx context.Context, seconds float64, inSync bool) {
	if r == nil {
		return
	}
	r.pulseSpread.Record(ctx, seconds)
	if !inSync {
		r.pulseOutOfSync.Add(ctx, 1)
	}
}

func (r *Recorder) BroadcastOutcome(ctx context.Context, outcome string, attempts int) {
	if r == nil {
		return
	}
	r.broadcastOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome != "retry" {
		r.broadcastAttempts.Record(ctx, int64(attempts), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (r *Recorder) RealtimeTransition(ctx context.Context, mode string) {
	if r == nil {
		return
	}
	r.realtimeState.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}
