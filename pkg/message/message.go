// Package message defines the immutable unit carried by the bus: an
// identifier plus a payload of tagged values.
package message

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/replaybus/errs"
)

// Well-known payload keys written by the scalar post helpers.
const (
	KeyInt    = "org.purbo.rx.bus.data.int"
	KeyString = "org.purbo.rx.bus.data.string"
	KeyBool   = "org.purbo.rx.bus.data.boolean"
)

// Message is an immutable identifier plus payload. The zero Message has an
// empty identifier and no payload.
type Message struct {
	id      string
	payload Payload
}

// New constructs a message. The payload is copied, so later changes to p are
// not observed by subscribers.
func New(id string, p Payload) Message {
	return Message{id: id, payload: p.Clone()}
}

// ID returns the message identifier.
func (m Message) ID() string { return m.id }

// Payload returns a copy of the payload, or nil when the message has none.
func (m Message) Payload() Payload { return m.payload.Clone() }

// Get returns the value stored under key.
func (m Message) Get(key string) (Value, bool) {
	if m.payload == nil {
		return Value{}, false
	}
	v, ok := m.payload[key]
	if !ok || !v.IsValid() {
		return Value{}, false
	}
	return v, true
}

// Has reports whether the payload carries a value under key.
func (m Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the number of payload entries.
func (m Message) Len() int { return len(m.payload) }

// Equal reports whether both messages share identifier and payload contents.
func (m Message) Equal(other Message) bool {
	return m.id == other.id && m.payload.Equal(other.payload)
}

// String renders the message for diagnostics. It never fails: a nil payload
// renders as null and an unencodable payload as a placeholder.
func (m Message) String() string {
	var b strings.Builder
	b.WriteString("id=")
	b.WriteString(strconv.Quote(m.id))
	b.WriteString(" data=")
	if m.payload == nil {
		b.WriteString("null")
		return b.String()
	}
	data, err := json.Marshal(m.payload)
	if err != nil {
		b.WriteString("<unprintable>")
		return b.String()
	}
	b.Write(data)
	return b.String()
}

// MarshalJSON encodes the message as {"id": ..., "data": ...}.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{ID: m.id, Data: m.payload})
}

type envelope struct {
	ID   string  `json:"id"`
	Data Payload `json:"data"`
}

type rawEnvelope struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// DecodeJSON parses a {"id": ..., "data": {...}} document into a Message.
// Numbers must be integral; the identifier must be non-empty.
func DecodeJSON(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw rawEnvelope
	if err := dec.Decode(&raw); err != nil {
		return Message{}, errs.New("message/decode", errs.CodeInvalid, errs.WithMessage("malformed message document"), errs.WithCause(err))
	}
	if strings.TrimSpace(raw.ID) == "" {
		return Message{}, errs.New("message/decode", errs.CodeInvalid, errs.WithMessage("message id required"))
	}
	payload, err := FromMap(raw.Data)
	if err != nil {
		return Message{}, err
	}
	return Message{id: raw.ID, payload: payload}, nil
}
