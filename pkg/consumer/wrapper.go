package consumer

import (
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/replaybus/errs"
)

// Wrapper invokes subscriber callbacks with panic recovery and per-consumer metrics.
type Wrapper struct {
	consumerID string
	metrics    *ConsumerMetrics
}

// NewWrapper constructs a wrapper for the provided consumer identifier.
func NewWrapper(consumerID string, metrics *ConsumerMetrics) *Wrapper {
	if consumerID == "" {
		consumerID = "anonymous"
	}
	return &Wrapper{
		consumerID: consumerID,
		metrics:    metrics,
	}
}

// ID returns the consumer identifier used for metric labels.
func (w *Wrapper) ID() string {
	return w.consumerID
}

// Invoke runs fn, converting a panic into a CodeSubscriberFailure error.
func (w *Wrapper) Invoke(fn func()) error {
	if fn == nil {
		return nil
	}
	w.metrics.ObserveInvocation(w.consumerID)
	start := time.Now()
	recovered := panics.Try(fn)
	w.metrics.ObserveDuration(w.consumerID, time.Since(start))
	if recovered == nil {
		return nil
	}
	w.metrics.ObservePanic(w.consumerID)
	cause := recovered.AsError()
	if err, ok := recovered.Value.(error); ok {
		cause = err
	}
	return errs.New("consumer/invoke", errs.CodeSubscriberFailure,
		errs.WithMessage(fmt.Sprintf("consumer %s panic: %v", w.consumerID, recovered.Value)),
		errs.WithCause(cause))
}

// Skip records a delivery dropped because the subscription ended first.
func (w *Wrapper) Skip() {
	w.metrics.ObserveSkipped(w.consumerID)
}

// Metrics exposes the metrics instrument associated with the wrapper.
func (w *Wrapper) Metrics() *ConsumerMetrics {
	return w.metrics
}
