package message

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/replaybus/errs"
)

// Kind enumerates the variants a payload Value may hold.
type Kind uint8

const (
	// KindInvalid is the zero Value.
	KindInvalid Kind = iota
	// KindInt holds a Go int.
	KindInt
	// KindString holds a string.
	KindString
	// KindBool holds a bool.
	KindBool
	// KindMap holds a nested Payload.
	KindMap
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a tagged union over the scalar and mapping kinds a payload carries.
type Value struct {
	kind Kind
	i    int
	s    string
	b    bool
	m    Payload
}

// Int wraps an int.
func Int(v int) Value { return Value{kind: KindInt, i: v} }

// String wraps a string.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bool wraps a bool.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Map wraps a nested payload. The payload is copied.
func Map(p Payload) Value { return Value{kind: KindMap, m: p.Clone()} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds anything.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsInt returns the int held by v.
func (v Value) AsInt() (int, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.i, nil
}

// AsString returns the string held by v.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.s, nil
}

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.b, nil
}

// AsMap returns a copy of the nested payload held by v.
func (v Value) AsMap() (Payload, error) {
	if v.kind != KindMap {
		return nil, v.mismatch(KindMap)
	}
	return v.m.Clone(), nil
}

// Any unwraps v into a plain Go value (int, string, bool, map[string]any or nil).
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindMap:
		return v.m.ToMap()
	default:
		return nil
	}
}

// Equal reports whether v and other hold the same kind and contents.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == other.i
	case KindString:
		return v.s == other.s
	case KindBool:
		return v.b == other.b
	case KindMap:
		return v.m.Equal(other.m)
	default:
		return true
	}
}

// MarshalJSON renders the unwrapped value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.Itoa(v.i)), nil
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindMap:
		return json.Marshal(v.m)
	default:
		return []byte("null"), nil
	}
}

func (v Value) mismatch(want Kind) error {
	return errs.TypeMismatch("message/value", "", want.String(), v.kind.String())
}

// ValueOf decodes an arbitrary Go value into a Value. Integers of any width
// that fit in an int, strings, bools, json.Number integers and nested
// map[string]any are accepted; anything else is a type mismatch.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		return x, nil
	case int:
		return Int(x), nil
	case int8:
		return Int(int(x)), nil
	case int16:
		return Int(int(x)), nil
	case int32:
		return Int(int(x)), nil
	case int64:
		if x > math.MaxInt || x < math.MinInt {
			return Value{}, errs.New("message/decode", errs.CodeTypeMismatch, errs.WithMessage(fmt.Sprintf("int64 %d overflows int", x)))
		}
		return Int(int(x)), nil
	case uint:
		return uintValue(uint64(x))
	case uint8:
		return Int(int(x)), nil
	case uint16:
		return Int(int(x)), nil
	case uint32:
		return uintValue(uint64(x))
	case uint64:
		return uintValue(x)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return Value{}, errs.New("message/decode", errs.CodeTypeMismatch,
				errs.WithMessage("number "+x.String()+" is not an integer"), errs.WithCause(err))
		}
		return ValueOf(n)
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case Payload:
		return Map(x), nil
	case map[string]any:
		p, err := FromMap(x)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindMap, m: p}, nil
	default:
		return Value{}, errs.New("message/decode", errs.CodeTypeMismatch,
			errs.WithMessage(fmt.Sprintf("unsupported value type %T", raw)))
	}
}

func uintValue(x uint64) (Value, error) {
	if x > math.MaxInt {
		return Value{}, errs.New("message/decode", errs.CodeTypeMismatch, errs.WithMessage(fmt.Sprintf("uint %d overflows int", x)))
	}
	return Int(int(x)), nil
}

// Payload maps string keys to values.
type Payload map[string]Value

// FromMap decodes an untyped mapping into a Payload, rejecting unsupported
// values with a type mismatch naming the offending key, dotted for nested
// maps. Nil values count as absent and are dropped. A nil map decodes to a
// nil Payload.
func FromMap(raw map[string]any) (Payload, error) {
	if raw == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Payload, len(raw))
	for _, k := range keys {
		if raw[k] == nil {
			continue
		}
		v, err := ValueOf(raw[k])
		if err != nil {
			if e, ok := err.(*errs.E); ok {
				if e.Key == "" {
					e.Key = k
				} else {
					e.Key = k + "." + e.Key
				}
				return nil, e
			}
			return nil, fmt.Errorf("decode key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		if v.kind == KindMap {
			v.m = v.m.Clone()
		}
		out[k] = v
	}
	return out
}

// ToMap unwraps p into a plain map.
func (p Payload) ToMap() map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

// Equal reports whether p and other hold the same keys and values.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
