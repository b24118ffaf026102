// Package consumer provides subscriber invocation wrappers and related metrics.
package consumer

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConsumerMetrics captures per-consumer invocation, panic, skip, and duration telemetry.
type ConsumerMetrics struct { //nolint:revive
	invocations *prometheus.CounterVec
	panics      *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewConsumerMetrics constructs metrics instruments registered against the
// supplied registerer. Collectors already registered under the same names are
// reused, so several buses may share one registry.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &ConsumerMetrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "replaybus",
				Subsystem: "consumer",
				Name:      "invocations_total",
				Help:      "Total number of subscriber callback invocations.",
			},
			[]string{"consumer"},
		),
		panics: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "replaybus",
				Subsystem: "consumer",
				Name:      "panics_total",
				Help:      "Total number of subscriber panics recovered.",
			},
			[]string{"consumer"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "replaybus",
				Subsystem: "consumer",
				Name:      "skipped_total",
				Help:      "Total number of queued deliveries dropped after unsubscribe.",
			},
			[]string{"consumer"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: "replaybus",
				Subsystem: "consumer",
				Name:      "processing_seconds",
				Help:      "Histogram of subscriber callback durations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"consumer"},
		),
	}
	m.invocations = registerCounterVec(reg, m.invocations)
	m.panics = registerCounterVec(reg, m.panics)
	m.skipped = registerCounterVec(reg, m.skipped)
	m.duration = registerHistogramVec(reg, m.duration)
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return h
}

// ObserveInvocation increments the invocation counter for the consumer.
func (m *ConsumerMetrics) ObserveInvocation(consumerID string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(consumerID).Inc()
}

// ObserveDuration records the processing duration for the consumer.
func (m *ConsumerMetrics) ObserveDuration(consumerID string, d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.duration.WithLabelValues(consumerID).Observe(d.Seconds())
}

// ObservePanic increments the panic counter for the consumer.
func (m *ConsumerMetrics) ObservePanic(consumerID string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(consumerID).Inc()
}

// ObserveSkipped increments the skipped counter for the consumer.
func (m *ConsumerMetrics) ObserveSkipped(consumerID string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(consumerID).Inc()
}

// InvocationsCounter exposes the invocation counter for testing and diagnostics.
func (m *ConsumerMetrics) InvocationsCounter(consumerID string) prometheus.Counter {
	return m.invocations.WithLabelValues(consumerID)
}

// PanicCounter exposes the panic counter for testing and diagnostics.
func (m *ConsumerMetrics) PanicCounter(consumerID string) prometheus.Counter {
	return m.panics.WithLabelValues(consumerID)
}

// SkippedCounter exposes the skipped counter for testing and diagnostics.
func (m *ConsumerMetrics) SkippedCounter(consumerID string) prometheus.Counter {
	return m.skipped.WithLabelValues(consumerID)
}
