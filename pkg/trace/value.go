package trace

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "invalid"
}

// Member is one key/value pair of an object Value.
type Member struct {
	Key   string
	Value Value
}

// Value is the closed set of JSON-representable values that may appear in
// tool arguments, tool results and event metadata. Objects keep insertion
// order in memory; the canonical encoder sorts keys on output.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	obj  []Member
}

// Null returns the null Value. The zero Value is also null.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating-point Value. Non-finite floats are representable
// in memory but rejected by the encoder. The wire cannot carry the
// int/float distinction for integer-valued floats: Float(1) encodes as "1"
// and re-parses with the int kind, so only values decoded from canonical
// lines round-trip kind-for-kind.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array Value holding the given items.
func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: items}
}

// Object returns an object Value holding the given members in order.
func Object(members ...Member) Value {
	return Value{kind: KindObject, obj: members}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool       { return v.b }
func (v Value) Int64() int64     { return v.i }
func (v Value) Str() string      { return v.s }
func (v Value) Items() []Value   { return v.arr }
func (v Value) Members() []Member { return v.obj }

// Float64 returns the numeric value for both int and float kinds.
func (v Value) Float64() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Get looks up a key in an object Value.
func (v Value) Get(key string) (Value, bool) {
	for _, m := range v.obj {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Set replaces or appends a member of an object Value and returns the result.
func (v Value) Set(key string, val Value) Value {
	if v.kind != KindObject {
		v = Object()
	}
	members := make([]Member, len(v.obj))
	copy(members, v.obj)
	for i, m := range members {
		if m.Key == key {
			members[i].Value = val
			return Value{kind: KindObject, obj: members}
		}
	}
	return Value{kind: KindObject, obj: append(members, Member{Key: key, Value: val})}
}

// Interface converts a Value back to plain Go types: nil, bool, int64,
// float64, string, []any, map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, it := range v.arr {
			out[i] = it.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for _, m := range v.obj {
			out[m.Key] = m.Value.Interface()
		}
		return out
	}
	return nil
}

// Equal reports whether two Values are equal in all fields. Object member
// order is insignificant; duplicate keys are not expected.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for _, m := range v.obj {
			ov, ok := o.Get(m.Key)
			if !ok || !m.Value.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// FromAny converts a plain Go value into a Value. Maps must be keyed by
// strings; unsupported types are rejected with an *EncodingError.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > 1<<63-1 {
			return Value{}, &EncodingError{Msg: fmt.Sprintf("uint64 %d overflows int64", t)}
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, &EncodingError{Msg: fmt.Sprintf("bad number literal %q", t.String())}
		}
		return Float(f), nil
	case []Value:
		return Array(t...), nil
	case []any:
		items := make([]Value, len(t))
		for i, it := range t {
			v, err := FromAny(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		members := make([]Member, 0, len(t))
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return Value{}, err
			}
			members = append(members, Member{Key: k, Value: v})
		}
		return Object(members...), nil
	case map[any]any:
		return Value{}, &EncodingError{Msg: "mapping keys must be strings"}
	default:
		return Value{}, &EncodingError{Msg: fmt.Sprintf("unsupported value type %T", x)}
	}
}

// MustFromAny is FromAny for values known to be representable; it panics on
// conversion failure and is intended for literals in tests and fixtures.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// BestEffort parses a string that might contain JSON. If it does not look
// like JSON or fails to parse, the original string is returned as a string
// Value. Recorded traces carry stringified args/results in the legacy span
// shape, so ingestion must not fail on plain prose.
func BestEffort(s string) Value {
	t := strings.TrimSpace(s)
	if t == "" {
		return String("")
	}
	first := t[0]
	looksJSON := first == '{' || first == '[' || first == '"' ||
		(first >= '0' && first <= '9') ||
		t == "true" || t == "false" || t == "null" ||
		(first == '-' && len(t) > 1 && t[1] >= '0' && t[1] <= '9')
	if looksJSON {
		if v, err := ParseValue([]byte(t)); err == nil {
			return v
		}
	}
	return String(s)
}
