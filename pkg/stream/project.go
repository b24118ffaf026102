package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/replaybus/errs"
)

// ProjectFunc maps an input to an output. ok=false drops the input; a
// non-nil error terminates the subscription.
type ProjectFunc[In, Out any] func(In) (out Out, ok bool, err error)

// Project returns a view over src that yields fn's outputs. When fn fails the
// observer's OnError receives the error and the subscription ends; without
// an OnError the error is raised as a panic inside the delivery path, where
// the source's invoker isolates and reports it.
func Project[In, Out any](src Source[In], fn ProjectFunc[In, Out]) Source[Out] {
	return SourceFunc[Out](func(obs Observer[Out]) Subscription {
		var (
			stopped atomic.Bool
			handle  deferredSubscription
		)
		sub := src.Subscribe(Observer[In]{
			Name: obs.Name,
			OnNext: func(in In) {
				if stopped.Load() {
					return
				}
				out, ok, err := fn(in)
				if err != nil {
					stopped.Store(true)
					if obs.OnError != nil {
						obs.OnError(err)
						handle.Unsubscribe()
						return
					}
					handle.Unsubscribe()
					panic(err)
				}
				if ok && obs.OnNext != nil {
					obs.OnNext(out)
				}
			},
			OnError: obs.OnError,
		})
		handle.set(sub)
		return sub
	})
}

// deferredSubscription lets a callback unsubscribe before Subscribe has
// returned its handle, as happens when a replaying source delivers
// synchronously during Subscribe.
type deferredSubscription struct {
	mu      sync.Mutex
	sub     Subscription
	pending bool
}

func (d *deferredSubscription) set(sub Subscription) {
	d.mu.Lock()
	d.sub = sub
	pending := d.pending
	d.mu.Unlock()
	if pending {
		sub.Unsubscribe()
	}
}

func (d *deferredSubscription) Unsubscribe() {
	d.mu.Lock()
	sub := d.sub
	if sub == nil {
		d.pending = true
	}
	d.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// First subscribes to src and returns its first value, or the error the
// source reports first. It blocks until one of them arrives, the
// subscription ends or ctx is done; a subscription that ends empty yields
// CodeClosed.
func First[T any](ctx context.Context, src Source[T]) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	var (
		once   sync.Once
		handle deferredSubscription
	)
	sub := src.Subscribe(Observer[T]{
		Name: "first",
		OnNext: func(v T) {
			once.Do(func() {
				results <- result{value: v}
				handle.Unsubscribe()
			})
		},
		OnError: func(err error) {
			once.Do(func() {
				results <- result{err: err}
				handle.Unsubscribe()
			})
		},
	})
	handle.set(sub)

	select {
	case r := <-results:
		return r.value, r.err
	case <-sub.Done():
		select {
		case r := <-results:
			return r.value, r.err
		default:
		}
		var zero T
		return zero, errs.New("stream/first", errs.CodeClosed,
			errs.WithMessage("subscription ended before a value arrived"))
	case <-ctx.Done():
		sub.Unsubscribe()
		// A value may have raced the cancellation.
		select {
		case r := <-results:
			return r.value, r.err
		default:
		}
		var zero T
		return zero, errs.New("stream/first", errs.CodeCanceled,
			errs.WithMessage(fmt.Sprintf("gave up waiting: %v", ctx.Err())),
			errs.WithCause(ctx.Err()))
	}
}
