package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/replaybus/internal/observability"
)

// Config tunes a bus instance. The zero value is usable.
type Config struct {
	// FanoutWorkers bounds parallel delivery of one post. 1 delivers on the
	// posting goroutine.
	FanoutWorkers int
	// DeadLetterCapacity bounds the failure queue. Negative means unbounded.
	DeadLetterCapacity int
	// FailureLogInterval throttles subscriber failure logs.
	FailureLogInterval time.Duration

	MeterProvider metric.MeterProvider
	Registerer    prometheus.Registerer
	Logger        observability.Logger
	OnFailure     func(Failure)
}

func (c Config) normalize() Config {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 1
	}
	if c.DeadLetterCapacity == 0 {
		c.DeadLetterCapacity = 256
	}
	if c.FailureLogInterval <= 0 {
		c.FailureLogInterval = time.Second
	}
	if c.MeterProvider == nil {
		c.MeterProvider = otel.GetMeterProvider()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	return c
}

// Option customises a bus built with New.
type Option func(*Config)

// WithFanoutWorkers delivers each post through a pool of n goroutines.
func WithFanoutWorkers(n int) Option {
	return func(c *Config) {
		c.FanoutWorkers = n
	}
}

// WithMeterProvider sets the provider for bus instruments.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = mp
	}
}

// WithRegisterer sets where consumer metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = reg
	}
}

// WithLogger overrides the process-wide logger for this bus.
func WithLogger(logger observability.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithFailureHandler receives every subscriber failure.
func WithFailureHandler(fn func(Failure)) Option {
	return func(c *Config) {
		c.OnFailure = fn
	}
}

// WithDeadLetterCapacity bounds the failure queue.
func WithDeadLetterCapacity(n int) Option {
	return func(c *Config) {
		c.DeadLetterCapacity = n
	}
}

// WithFailureLogInterval throttles failure logging to one line per interval.
func WithFailureLogInterval(d time.Duration) Option {
	return func(c *Config) {
		c.FailureLogInterval = d
	}
}
