// Package bus implements an in-process publish/subscribe bus for identified
// messages, with typed views and a per-identifier "replay last" stream.
package bus

import (
	"context"
	"strconv"
	"sync"

	"github.com/coachpo/replaybus/errs"
	"github.com/coachpo/replaybus/internal/observability"
	"github.com/coachpo/replaybus/pkg/message"
	"github.com/coachpo/replaybus/pkg/stream"
)

// Bus is the entry point producers and consumers share.
type Bus struct {
	core   *Core
	replay *ReplayCache
	logger observability.Logger
}

// New builds an isolated bus.
func New(opts ...Option) *Bus {
	var cfg Config
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	core := NewCore(cfg)
	return &Bus{
		core:   core,
		replay: NewReplayCache(core),
		logger: cfg.Logger,
	}
}

var defaultBus = sync.OnceValue(func() *Bus {
	return New()
})

// Default returns the process-wide bus, building it on first use.
func Default() *Bus {
	return defaultBus()
}

func (b *Bus) log() observability.Logger {
	if b.logger != nil {
		return b.logger
	}
	return observability.Log()
}

// Post publishes msg to every current subscriber of the bus.
func (b *Bus) Post(ctx context.Context, msg message.Message) error {
	b.log().Debug("post", observability.F("message", msg))
	return b.core.Publish(ctx, msg)
}

// PostPayload publishes payload under id.
func (b *Bus) PostPayload(ctx context.Context, id string, payload message.Payload) error {
	return b.Post(ctx, message.New(id, payload))
}

// PostMap converts raw into a payload and publishes it. Unsupported values
// are rejected with CodeTypeMismatch before anything is published.
func (b *Bus) PostMap(ctx context.Context, id string, raw map[string]any) error {
	payload, err := message.FromMap(raw)
	if err != nil {
		return err
	}
	return b.PostPayload(ctx, id, payload)
}

// PostInt publishes v under the well-known integer key.
func (b *Bus) PostInt(ctx context.Context, id string, v int) error {
	return b.PostPayload(ctx, id, message.Payload{message.KeyInt: message.Int(v)})
}

// PostString publishes v under the well-known string key.
func (b *Bus) PostString(ctx context.Context, id string, v string) error {
	return b.PostPayload(ctx, id, message.Payload{message.KeyString: message.String(v)})
}

// PostBool publishes v under the well-known boolean key.
func (b *Bus) PostBool(ctx context.Context, id string, v bool) error {
	return b.PostPayload(ctx, id, message.Payload{message.KeyBool: message.Bool(v)})
}

// All streams every message posted from now on.
func (b *Bus) All() stream.Source[message.Message] {
	return b.core
}

// Messages streams messages posted under id from now on.
func (b *Bus) Messages(id string) stream.Source[message.Message] {
	return stream.Filter[message.Message](b.core, matchID(id))
}

// Ints streams the integer field of messages posted under id.
func (b *Bus) Ints(id string) stream.Source[int] {
	return Typed(b.Messages(id), message.KeyInt, message.Value.AsInt)
}

// Strings streams the string field of messages posted under id.
func (b *Bus) Strings(id string) stream.Source[string] {
	return Typed(b.Messages(id), message.KeyString, message.Value.AsString)
}

// Bools streams the boolean field of messages posted under id.
func (b *Bus) Bools(id string) stream.Source[bool] {
	return Typed(b.Messages(id), message.KeyBool, message.Value.AsBool)
}

// Replay streams messages posted under id, starting with the most recent one
// seen since the replay stream for id was first requested.
func (b *Bus) Replay(id string) stream.Source[message.Message] {
	return b.replay.Get(id)
}

// ReplayInts is the integer view of Replay.
func (b *Bus) ReplayInts(id string) stream.Source[int] {
	return Typed(b.Replay(id), message.KeyInt, message.Value.AsInt)
}

// ReplayStrings is the string view of Replay.
func (b *Bus) ReplayStrings(id string) stream.Source[string] {
	return Typed(b.Replay(id), message.KeyString, message.Value.AsString)
}

// ReplayBools is the boolean view of Replay.
func (b *Bus) ReplayBools(id string) stream.Source[bool] {
	return Typed(b.Replay(id), message.KeyBool, message.Value.AsBool)
}

// HasReplay reports whether the replay stream for id has been requested.
func (b *Bus) HasReplay(id string) bool {
	return b.replay.Has(id)
}

// Last waits for the replay stream of id to yield a message. It returns
// immediately when one is already retained and otherwise blocks until the
// next post under id or until ctx is done. After Close it fails with
// CodeClosed.
func (b *Bus) Last(ctx context.Context, id string) (message.Message, error) {
	return stream.First(ctx, b.Replay(id))
}

// LastInt is Last over ReplayInts.
func (b *Bus) LastInt(ctx context.Context, id string) (int, error) {
	return stream.First(ctx, b.ReplayInts(id))
}

// LastString is Last over ReplayStrings.
func (b *Bus) LastString(ctx context.Context, id string) (string, error) {
	return stream.First(ctx, b.ReplayStrings(id))
}

// LastBool is Last over ReplayBools.
func (b *Bus) LastBool(ctx context.Context, id string) (bool, error) {
	return stream.First(ctx, b.ReplayBools(id))
}

// Core exposes the broadcast core.
func (b *Bus) Core() *Core {
	return b.core
}

// ReplayCache exposes the replay slots.
func (b *Bus) ReplayCache() *ReplayCache {
	return b.replay
}

// DeadLetters exposes recent subscriber failures.
func (b *Bus) DeadLetters() *DeadLetterQueue {
	return b.core.DeadLetters()
}

// Close detaches every subscriber, replay slots included. Subscriptions
// taken afterwards have already ended.
func (b *Bus) Close() {
	b.replay.close()
	b.core.Close()
}

// Typed projects the value stored under key out of each message of src.
// Messages without the key are skipped; a value of the wrong kind ends the
// subscription with a CodeTypeMismatch error.
func Typed[T any](src stream.Source[message.Message], key string, decode func(message.Value) (T, error)) stream.Source[T] {
	return stream.Project[message.Message, T](src, func(msg message.Message) (T, bool, error) {
		var zero T
		v, ok := msg.Get(key)
		if !ok {
			return zero, false, nil
		}
		out, err := decode(v)
		if err != nil {
			return zero, false, errs.New("bus/typed", errs.CodeTypeMismatch,
				errs.WithKey(key),
				errs.WithMessage("message "+strconv.Quote(msg.ID())+" carries "+v.Kind().String()),
				errs.WithCause(err))
		}
		return out, true, nil
	})
}
