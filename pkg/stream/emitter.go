package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Invoker runs a single subscriber callback, isolating failures.
type Invoker interface {
	Invoke(fn func()) error
	Skip()
}

// Failure describes a subscriber callback that failed during delivery.
type Failure struct {
	SubscriptionID string
	Consumer       string
	Err            error
}

// EmitterConfig wires an Emitter into its owner.
type EmitterConfig struct {
	// Invoker runs callbacks. Nil runs them directly.
	Invoker Invoker
	// OnFailure receives callback failures reported by the Invoker.
	OnFailure func(Failure)
	// OnClose runs once after Unsubscribe, outside any emitter lock.
	OnClose func()
}

type directInvoker struct{}

func (directInvoker) Invoke(fn func()) error { fn(); return nil }
func (directInvoker) Skip()                  {}

// Emitter delivers values to one observer through a FIFO queue. Whichever
// goroutine finds the queue idle drains it, so the observer is never invoked
// concurrently and a callback that re-enters its own source only enqueues.
type Emitter[T any] struct {
	id  string
	obs Observer[T]
	cfg EmitterConfig

	mu       sync.Mutex
	queue    []T
	draining bool

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewEmitter constructs an emitter for obs.
func NewEmitter[T any](obs Observer[T], cfg EmitterConfig) *Emitter[T] {
	if cfg.Invoker == nil {
		cfg.Invoker = directInvoker{}
	}
	return &Emitter[T]{
		id:   uuid.NewString(),
		obs:  obs,
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// ID returns the subscription identifier.
func (e *Emitter[T]) ID() string { return e.id }

// Name returns the observer name.
func (e *Emitter[T]) Name() string { return e.obs.Name }

// Done is closed once the emitter has been unsubscribed.
func (e *Emitter[T]) Done() <-chan struct{} { return e.done }

// Closed reports whether Unsubscribe has been called.
func (e *Emitter[T]) Closed() bool { return e.closed.Load() }

// Enqueue appends v without delivering it. Callers that need several
// emitters to observe the same order enqueue under their own lock and Drain
// after releasing it.
func (e *Emitter[T]) Enqueue(v T) {
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, v)
	e.mu.Unlock()
}

// Drain delivers queued values until the queue is empty. It returns at once
// if another goroutine is already draining.
func (e *Emitter[T]) Drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		v := e.queue[0]
		var zero T
		e.queue[0] = zero
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.deliver(v)
		e.mu.Lock()
	}
	e.queue = nil
	e.draining = false
	e.mu.Unlock()
}

// Emit enqueues v and drains.
func (e *Emitter[T]) Emit(v T) {
	e.Enqueue(v)
	e.Drain()
}

func (e *Emitter[T]) deliver(v T) {
	if e.closed.Load() {
		e.cfg.Invoker.Skip()
		return
	}
	next := e.obs.OnNext
	if next == nil {
		return
	}
	if err := e.cfg.Invoker.Invoke(func() { next(v) }); err != nil && e.cfg.OnFailure != nil {
		e.cfg.OnFailure(Failure{SubscriptionID: e.id, Consumer: e.obs.Name, Err: err})
	}
}

// Unsubscribe stops deliveries and discards anything still queued.
func (e *Emitter[T]) Unsubscribe() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.mu.Lock()
		dropped := len(e.queue)
		e.queue = nil
		e.mu.Unlock()
		for i := 0; i < dropped; i++ {
			e.cfg.Invoker.Skip()
		}
		close(e.done)
		if e.cfg.OnClose != nil {
			e.cfg.OnClose()
		}
	})
}

var _ Subscription = (*Emitter[int])(nil)
