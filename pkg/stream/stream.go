// Package stream provides the push-based subscription primitives the bus is
// assembled from: sources, observers, serialized per-subscriber emitters and
// derived views.
package stream

// Observer receives values pushed by a Source.
type Observer[T any] struct {
	// Name labels the subscriber in logs and metrics. Optional.
	Name string
	// OnNext is invoked once per delivered value, never concurrently with
	// itself for the same subscription.
	OnNext func(T)
	// OnError is invoked at most once, when a derived view fails for this
	// subscriber. The subscription is terminated afterwards.
	OnError func(error)
}

// Func wraps fn as an Observer.
func Func[T any](fn func(T)) Observer[T] {
	return Observer[T]{OnNext: fn}
}

// Source is a stream of values that can be subscribed to.
type Source[T any] interface {
	Subscribe(obs Observer[T]) Subscription
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc[T any] func(obs Observer[T]) Subscription

// Subscribe calls f(obs).
func (f SourceFunc[T]) Subscribe(obs Observer[T]) Subscription {
	return f(obs)
}

// Subscription is an active registration. It must be released with
// Unsubscribe to stop deliveries and let the callback be collected.
type Subscription interface {
	ID() string
	// Unsubscribe stops future deliveries. Safe to call more than once and
	// from inside the subscriber's own callback.
	Unsubscribe()
	// Done is closed once the subscription has ended.
	Done() <-chan struct{}
}

// Filter returns a view over src that only yields values matching pred.
func Filter[T any](src Source[T], pred func(T) bool) Source[T] {
	return SourceFunc[T](func(obs Observer[T]) Subscription {
		next := obs.OnNext
		return src.Subscribe(Observer[T]{
			Name: obs.Name,
			OnNext: func(v T) {
				if next != nil && pred(v) {
					next(v)
				}
			},
			OnError: obs.OnError,
		})
	})
}
