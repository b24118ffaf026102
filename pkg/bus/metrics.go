package bus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/replaybus/internal/telemetry"
)

type instruments struct {
	published       metric.Int64Counter
	subscribers     metric.Int64UpDownCounter
	fanout          metric.Int64Histogram
	publishDuration metric.Float64Histogram
	failures        metric.Int64Counter
	replaySlots     metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider) *instruments {
	meter := mp.Meter("replaybus")
	inst := new(instruments)
	inst.published, _ = meter.Int64Counter("bus.messages.published",
		metric.WithDescription("Number of messages published to the bus"),
		metric.WithUnit("{message}"))
	inst.subscribers, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	inst.fanout, _ = meter.Int64Histogram("bus.fanout.size",
		metric.WithDescription("Number of subscribers per publish"),
		metric.WithUnit("{subscriber}"))
	inst.publishDuration, _ = meter.Float64Histogram("bus.publish.duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))
	inst.failures, _ = meter.Int64Counter("bus.delivery.failures",
		metric.WithDescription("Number of subscriber callbacks that failed"),
		metric.WithUnit("{failure}"))
	inst.replaySlots, _ = meter.Int64Counter("bus.replay.slots",
		metric.WithDescription("Number of replay slots created"),
		metric.WithUnit("{slot}"))
	return inst
}

// Message identifiers stay out of metric attributes.
func (i *instruments) recordPublished(ctx context.Context) {
	if i.published == nil {
		return
	}
	i.published.Add(ctx, 1, metric.WithAttributes(telemetry.StreamAttributes(telemetry.Environment(), telemetry.StreamAll)...))
}

func (i *instruments) recordFanout(ctx context.Context, n int) {
	if i.fanout == nil {
		return
	}
	i.fanout.Record(ctx, int64(n), metric.WithAttributes(telemetry.StreamAttributes(telemetry.Environment(), telemetry.StreamAll)...))
}

func (i *instruments) recordDuration(ctx context.Context, start time.Time, result string) {
	if i.publishDuration == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "bus.publish", result)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	i.publishDuration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
}

func (i *instruments) subscriberDelta(stream string, delta int64) {
	if i.subscribers == nil || delta == 0 {
		return
	}
	i.subscribers.Add(context.Background(), delta,
		metric.WithAttributes(telemetry.StreamAttributes(telemetry.Environment(), stream)...))
}

func (i *instruments) recordFailure(consumer, errorType string) {
	if i.failures == nil {
		return
	}
	i.failures.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.FailureAttributes(telemetry.Environment(), consumer, errorType)...))
}

func (i *instruments) recordSlot() {
	if i.replaySlots == nil {
		return
	}
	i.replaySlots.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.StreamAttributes(telemetry.Environment(), telemetry.StreamReplay)...))
}
