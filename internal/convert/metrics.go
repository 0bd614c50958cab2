package convert

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics carries the converter's instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	conversions metric.Int64Counter
	chunks      metric.Int64Counter
	retries     metric.Int64Counter
	duration    metric.Float64Histogram
	active      metric.Int64UpDownCounter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/narrolabs/narro-core/convert")
	conversions, err := meter.Int64Counter("narro.conversions",
		metric.WithDescription("Conversions finished, by outcome."))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("narro.chunks.synthesized",
		metric.WithDescription("Chunks synthesized and persisted."))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("narro.synthesis.retries",
		metric.WithDescription("Retry waits scheduled by the synthesis client."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("narro.conversion.duration",
		metric.WithDescription("Wall-clock conversion duration."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("narro.conversions.active",
		metric.WithDescription("Conversions currently in flight."))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		conversions: conversions,
		chunks:      chunks,
		retries:     retries,
		duration:    duration,
		active:      active,
	}, nil
}

func (m *Metrics) ConversionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1)
}

func (m *Metrics) ConversionFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1)
	m.conversions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.duration.Record(ctx, elapsed.Seconds())
}

func (m *Metrics) ChunkSynthesized(ctx context.Context) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
}

func (m *Metrics) RetryScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1)
}
