package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/replaybus/errs"
	"github.com/coachpo/replaybus/internal/observability"
	"github.com/coachpo/replaybus/internal/telemetry"
	"github.com/coachpo/replaybus/pkg/consumer"
	"github.com/coachpo/replaybus/pkg/message"
	"github.com/coachpo/replaybus/pkg/stream"
)

// Core broadcasts every published message to every current subscriber.
// It keeps no history: a subscriber only sees messages published after it
// joined.
type Core struct {
	cfg       Config
	inst      *instruments
	metrics   *consumer.ConsumerMetrics
	failLog   *observability.Sometimes
	dead      *DeadLetterQueue
	closeOnce sync.Once

	mu          sync.RWMutex
	subscribers map[string]*stream.Emitter[message.Message]
	closed      bool
}

// NewCore constructs a broadcast core.
func NewCore(cfg Config) *Core {
	cfg = cfg.normalize()
	core := new(Core)
	core.cfg = cfg
	core.inst = newInstruments(cfg.MeterProvider)
	core.metrics = consumer.NewConsumerMetrics(cfg.Registerer)
	core.failLog = observability.NewSometimes(cfg.Logger, cfg.FailureLogInterval)
	core.dead = NewDeadLetterQueue(cfg.DeadLetterCapacity)
	core.subscribers = make(map[string]*stream.Emitter[message.Message])
	return core
}

// Publish delivers msg to every subscriber registered at this moment and
// returns once each of them has been handed the message. Subscriber failures
// are reported through the failure path, never to the caller.
func (c *Core) Publish(ctx context.Context, msg message.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(msg.ID()) == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("message id required"))
	}
	start := time.Now()
	result := "success"
	defer func() {
		c.inst.recordDuration(ctx, start, result)
	}()

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		result = "closed"
		return errs.New("bus/publish", errs.CodeClosed, errs.WithMessage("bus closed"))
	}
	targets := make([]*stream.Emitter[message.Message], 0, len(c.subscribers))
	for _, e := range c.subscribers {
		targets = append(targets, e)
	}
	c.mu.RUnlock()

	c.inst.recordFanout(ctx, len(targets))
	c.inst.recordPublished(ctx)
	if len(targets) == 0 {
		result = "no_subscribers"
		return nil
	}
	for _, e := range targets {
		e.Enqueue(msg)
	}
	c.dispatch(targets)
	return nil
}

func (c *Core) dispatch(targets []*stream.Emitter[message.Message]) {
	if c.cfg.FanoutWorkers <= 1 {
		for _, e := range targets {
			e.Drain()
		}
		return
	}
	p := concpool.New().WithMaxGoroutines(c.cfg.FanoutWorkers)
	for _, e := range targets {
		p.Go(e.Drain)
	}
	p.Wait()
}

// Subscribe registers obs for every message published from now on.
func (c *Core) Subscribe(obs stream.Observer[message.Message]) stream.Subscription {
	var e *stream.Emitter[message.Message]
	e = c.newEmitter(obs, telemetry.StreamAll, func() { c.detach(e.ID()) })

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		e.Unsubscribe()
		return e
	}
	c.subscribers[e.ID()] = e
	c.mu.Unlock()
	c.inst.subscriberDelta(telemetry.StreamAll, 1)
	return e
}

func (c *Core) detach(id string) {
	c.mu.Lock()
	_, ok := c.subscribers[id]
	delete(c.subscribers, id)
	c.mu.Unlock()
	if ok {
		c.inst.subscriberDelta(telemetry.StreamAll, -1)
	}
}

// newEmitter builds a serialized emitter whose callbacks run through a
// panic-isolating consumer wrapper.
func (c *Core) newEmitter(obs stream.Observer[message.Message], streamName string, onClose func()) *stream.Emitter[message.Message] {
	return stream.NewEmitter(obs, stream.EmitterConfig{
		Invoker: consumer.NewWrapper(obs.Name, c.metrics),
		OnFailure: func(f stream.Failure) {
			c.report(streamName, f)
		},
		OnClose: onClose,
	})
}

// endedSubscription hands out a subscription that has already ended.
func (c *Core) endedSubscription(obs stream.Observer[message.Message]) stream.Subscription {
	e := c.newEmitter(obs, telemetry.StreamReplay, nil)
	e.Unsubscribe()
	return e
}

func (c *Core) report(streamName string, f stream.Failure) {
	failure := Failure{
		SubscriptionID: f.SubscriptionID,
		Consumer:       f.Consumer,
		Stream:         streamName,
		Err:            f.Err,
		At:             time.Now(),
	}
	errorType := "panic"
	if errs.Is(f.Err, errs.CodeTypeMismatch) {
		errorType = "type_mismatch"
	}
	c.inst.recordFailure(f.Consumer, errorType)
	c.failLog.Error("subscriber failed",
		observability.F("stream", streamName),
		observability.F("consumer", f.Consumer),
		observability.F("subscription", f.SubscriptionID),
		observability.F("error", f.Err))
	c.dead.Offer(failure)
	if c.cfg.OnFailure == nil {
		return
	}
	if recovered := panics.Try(func() { c.cfg.OnFailure(failure) }); recovered != nil {
		c.failLog.Error("failure handler panicked", observability.F("panic", recovered.Value))
	}
}

// Closed reports whether Close has been called.
func (c *Core) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Len returns the number of active subscribers.
func (c *Core) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// DeadLetters exposes recent subscriber failures.
func (c *Core) DeadLetters() *DeadLetterQueue {
	return c.dead
}

// Close detaches every subscriber. Later publishes fail with CodeClosed.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subscribers
		c.subscribers = make(map[string]*stream.Emitter[message.Message])
		c.mu.Unlock()
		c.inst.subscriberDelta(telemetry.StreamAll, -int64(len(subs)))
		for _, e := range subs {
			e.Unsubscribe()
		}
	})
}
