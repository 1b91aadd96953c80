package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stagefeed/internal/infra/telemetry"
)

type busMetrics struct {
	emitted         metric.Int64Counter
	deduplicated    metric.Int64Counter
	malformed       metric.Int64Counter
	evicted         metric.Int64Counter
	deliveryDropped metric.Int64Counter
	subscribers     metric.Int64UpDownCounter
	pipelines       metric.Int64UpDownCounter
	fanout          metric.Int64Histogram
	emitDuration    metric.Float64Histogram
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("eventbus")
	m := new(busMetrics)
	m.emitted, _ = meter.Int64Counter("stagefeed.events.emitted",
		metric.WithDescription("Number of stage events accepted by the bus"),
		metric.WithUnit("{event}"))
	m.deduplicated, _ = meter.Int64Counter("stagefeed.events.deduplicated",
		metric.WithDescription("Number of stage events dropped as duplicates"),
		metric.WithUnit("{event}"))
	m.malformed, _ = meter.Int64Counter("stagefeed.events.malformed",
		metric.WithDescription("Number of stage events accepted with best-effort defaults"),
		metric.WithUnit("{event}"))
	m.evicted, _ = meter.Int64Counter("stagefeed.history.evicted",
		metric.WithDescription("Number of events evicted from replay history by capacity"),
		metric.WithUnit("{event}"))
	m.deliveryDropped, _ = meter.Int64Counter("stagefeed.delivery.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	m.subscribers, _ = meter.Int64UpDownCounter("stagefeed.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	m.pipelines, _ = meter.Int64UpDownCounter("stagefeed.pipelines",
		metric.WithDescription("Number of pipeline histories held in memory"),
		metric.WithUnit("{pipeline}"))
	m.fanout, _ = meter.Int64Histogram("stagefeed.fanout.size",
		metric.WithDescription("Number of subscribers per broadcast"),
		metric.WithUnit("{subscriber}"))
	m.emitDuration, _ = meter.Float64Histogram("stagefeed.emit.duration",
		metric.WithDescription("Latency of bus emit operations"),
		metric.WithUnit("ms"))
	return m
}

func (m *busMetrics) recordEmit(ctx context.Context, status string, result string, fanout int, evicted bool, start time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.EmitAttributes(telemetry.Environment(), status, result)...)
	switch result {
	case telemetry.ResultAccepted:
		m.emitted.Add(ctx, 1, attrs)
		m.fanout.Record(ctx, int64(fanout), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
		if evicted {
			m.evicted.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
		}
	case telemetry.ResultDeduplicated:
		m.deduplicated.Add(ctx, 1, attrs)
	}
	m.emitDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
}

func (m *busMetrics) recordMalformed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.malformed.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrReason.String(reason)))
}

func (m *busMetrics) recordDrop(ctx context.Context, scope Scope) {
	if m == nil {
		return
	}
	m.deliveryDropped.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrScope.String(string(scope))))
}

func (m *busMetrics) addSubscribers(ctx context.Context, delta int64, scope Scope) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrScope.String(string(scope))))
}

func (m *busMetrics) addPipelines(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.pipelines.Add(ctx, delta, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
