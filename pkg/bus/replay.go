package bus

import (
	"sync"

	"github.com/coachpo/replaybus/internal/telemetry"
	"github.com/coachpo/replaybus/pkg/message"
	"github.com/coachpo/replaybus/pkg/stream"
)

// ReplayCache holds one replay slot per identifier. A slot is created on
// first request, subscribes to the core exactly once and is never removed.
type ReplayCache struct {
	core *Core

	mu     sync.Mutex
	slots  map[string]*replaySlot
	closed bool
}

// NewReplayCache constructs an empty cache over core.
func NewReplayCache(core *Core) *ReplayCache {
	return &ReplayCache{
		core:  core,
		slots: make(map[string]*replaySlot),
	}
}

// Get returns the replay stream for id, creating and connecting its slot on
// first use. Concurrent callers for the same id share one slot. Once the
// cache is closed every subscription it hands out has already ended.
func (r *ReplayCache) Get(id string) stream.Source[message.Message] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return stream.SourceFunc[message.Message](r.core.endedSubscription)
	}
	if slot, ok := r.slots[id]; ok {
		return slot
	}
	slot := newReplaySlot(id, r.core)
	slot.connect(stream.Filter[message.Message](r.core, matchID(id)))
	r.slots[id] = slot
	r.core.inst.recordSlot()
	return slot
}

// close ends every slot subscription. Slots keep their identity for Has and
// Len but drop their retained message.
func (r *ReplayCache) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	slots := make([]*replaySlot, 0, len(r.slots))
	for _, slot := range r.slots {
		slots = append(slots, slot)
	}
	r.mu.Unlock()
	for _, slot := range slots {
		slot.close()
	}
}

// Has reports whether a slot for id exists.
func (r *ReplayCache) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[id]
	return ok
}

// Len returns the number of slots.
func (r *ReplayCache) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Retained returns the message currently held for id, if any.
func (r *ReplayCache) Retained(id string) (message.Message, bool) {
	r.mu.Lock()
	slot, ok := r.slots[id]
	r.mu.Unlock()
	if !ok {
		return message.Message{}, false
	}
	return slot.retained()
}

func matchID(id string) func(message.Message) bool {
	return func(msg message.Message) bool {
		return msg.ID() == id
	}
}

type replaySlot struct {
	id   string
	core *Core

	mu          sync.Mutex
	last        message.Message
	hasLast     bool
	subscribers map[string]*stream.Emitter[message.Message]
	upstream    stream.Subscription
	closed      bool
}

func newReplaySlot(id string, core *Core) *replaySlot {
	return &replaySlot{
		id:          id,
		core:        core,
		subscribers: make(map[string]*stream.Emitter[message.Message]),
	}
}

func (s *replaySlot) connect(src stream.Source[message.Message]) {
	s.upstream = src.Subscribe(stream.Observer[message.Message]{
		Name:   "replay:" + s.id,
		OnNext: s.onNext,
	})
}

// onNext retains msg and queues it for every subscriber under the slot lock,
// so a concurrent joiner sees either the previous message plus this one, or
// only this one as its replay.
func (s *replaySlot) onNext(msg message.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.last = msg
	s.hasLast = true
	targets := make([]*stream.Emitter[message.Message], 0, len(s.subscribers))
	for _, e := range s.subscribers {
		e.Enqueue(msg)
		targets = append(targets, e)
	}
	s.mu.Unlock()
	for _, e := range targets {
		e.Drain()
	}
}

func (s *replaySlot) Subscribe(obs stream.Observer[message.Message]) stream.Subscription {
	var e *stream.Emitter[message.Message]
	e = s.core.newEmitter(obs, telemetry.StreamReplay, func() { s.detach(e.ID()) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		e.Unsubscribe()
		return e
	}
	s.subscribers[e.ID()] = e
	if s.hasLast {
		e.Enqueue(s.last)
	}
	s.mu.Unlock()
	s.core.inst.subscriberDelta(telemetry.StreamReplay, 1)
	e.Drain()
	return e
}

func (s *replaySlot) detach(id string) {
	s.mu.Lock()
	_, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.mu.Unlock()
	if ok {
		s.core.inst.subscriberDelta(telemetry.StreamReplay, -1)
	}
}

func (s *replaySlot) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.last = message.Message{}
	s.hasLast = false
	subs := s.subscribers
	s.subscribers = make(map[string]*stream.Emitter[message.Message])
	upstream := s.upstream
	s.mu.Unlock()
	s.core.inst.subscriberDelta(telemetry.StreamReplay, -int64(len(subs)))
	for _, e := range subs {
		e.Unsubscribe()
	}
	if upstream != nil {
		upstream.Unsubscribe()
	}
}

func (s *replaySlot) retained() (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}
