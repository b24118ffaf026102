package bus

import (
	"sync"
	"time"
)

// Failure records a subscriber callback that failed during delivery.
type Failure struct {
	SubscriptionID string
	Consumer       string
	Stream         string
	Err            error
	At             time.Time
}

// DeadLetterQueue keeps recent subscriber failures for inspection.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	failures []Failure
}

// NewDeadLetterQueue creates a queue with the provided capacity. Capacity <= 0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.failures = make([]Failure, 0)
	return queue
}

// Offer records a failure, dropping the oldest one when full.
func (q *DeadLetterQueue) Offer(f Failure) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.failures) >= q.capacity {
		copy(q.failures[0:], q.failures[1:])
		q.failures[len(q.failures)-1] = f
		return
	}
	q.failures = append(q.failures, f)
}

// Drain retrieves and clears all queued failures.
func (q *DeadLetterQueue) Drain() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]Failure, len(q.failures))
	copy(drained, q.failures)
	q.failures = q.failures[:0]
	return drained
}

// Len returns the number of queued failures.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failures)
}
