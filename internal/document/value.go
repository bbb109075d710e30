package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value is a JSON-shaped tagged union: null, bool, number, string,
// sequence or mapping. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	seq  []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// NumberValue wraps a float64.
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }

// IntValue wraps an integer as a number.
func IntValue(n int64) Value { return Value{kind: KindNumber, n: float64(n)} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// SequenceValue builds a sequence from deep copies of items.
// A call with no items yields an empty, non-null sequence.
func SequenceValue(items ...Value) Value {
	seq := make([]Value, len(items))
	for i, it := range items {
		seq[i] = it.Clone()
	}
	return Value{kind: KindSequence, seq: seq}
}

// MappingValue builds a mapping from deep copies of fields.
func MappingValue(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v.Clone()
	}
	return Value{kind: KindMapping, m: m}
}

// EmptyMapping returns a mapping with no keys.
func EmptyMapping() Value { return Value{kind: KindMapping, m: map[string]Value{}} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsMapping reports whether v is a mapping.
func (v Value) IsMapping() bool { return v.kind == KindMapping }

// IsSequence reports whether v is a sequence.
func (v Value) IsSequence() bool { return v.kind == KindSequence }

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsInt64 returns the number held by v truncated to an int64.
func (v Value) AsInt64() (int64, bool) {
	if v.kind != KindNumber || math.IsNaN(v.n) || math.IsInf(v.n, 0) {
		return 0, false
	}
	return int64(v.n), true
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Items returns a deep copy of the sequence elements, or nil if v is not a sequence.
func (v Value) Items() []Value {
	if v.kind != KindSequence {
		return nil
	}
	out := make([]Value, len(v.seq))
	for i, it := range v.seq {
		out[i] = it.Clone()
	}
	return out
}

// Field returns a deep copy of the mapping entry for key.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Null(), false
	}
	f, ok := v.m[key]
	if !ok {
		return Null(), false
	}
	return f.Clone(), true
}

// WithField returns a copy of the mapping v with key set to f. A non-mapping
// v is treated as an empty mapping.
func (v Value) WithField(key string, f Value) Value {
	m := make(map[string]Value, v.Len()+1)
	if v.kind == KindMapping {
		for k, g := range v.m {
			m[k] = g
		}
	}
	m[key] = f.Clone()
	return Value{kind: KindMapping, m: m}
}

// Lookup walks a dotted path inside v. The result shares storage with v.
func (v Value) Lookup(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, Separator) {
		if cur.kind != KindMapping {
			return Null(), false
		}
		next, ok := cur.m[seg]
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

// StringField is a convenience accessor for string entries of a mapping.
func (v Value) StringField(key string) string {
	if v.kind != KindMapping {
		return ""
	}
	s, _ := v.m[key].AsString()
	return s
}

// NumberField is a convenience accessor for number entries of a mapping.
func (v Value) NumberField(key string) float64 {
	if v.kind != KindMapping {
		return 0
	}
	n, _ := v.m[key].AsNumber()
	return n
}

// Keys returns the sorted keys of a mapping.
func (v Value) Keys() []string {
	if v.kind != KindMapping {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the element count of a sequence or mapping, the byte length
// of a string, and zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindSequence:
		return len(v.seq)
	case KindMapping:
		return len(v.m)
	case KindString:
		return len(v.s)
	default:
		return 0
	}
}

// IsEmpty reports whether v is null or a container with no elements.
// Scalars, including the empty string, are never empty.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindSequence:
		return len(v.seq) == 0
	case KindMapping:
		return len(v.m) == 0
	default:
		return false
	}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindSequence:
		seq := make([]Value, len(v.seq))
		for i, it := range v.seq {
			seq[i] = it.Clone()
		}
		return Value{kind: KindSequence, seq: seq}
	case KindMapping:
		m := make(map[string]Value, len(v.m))
		for k, f := range v.m {
			m[k] = f.Clone()
		}
		return Value{kind: KindMapping, m: m}
	default:
		return v
	}
}

// Equal reports deep equality. Sequence order is significant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindSequence:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, f := range v.m {
			g, ok := o.m[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v as compact JSON, or a diagnostic when v cannot be encoded.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.kind, err)
	}
	return string(b)
}

// ToAny converts v into plain Go values: nil, bool, float64, string,
// []any and map[string]any. Empty sequences convert to a non-nil slice.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, it := range v.seq {
			out[i] = it.ToAny()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, f := range v.m {
			out[k] = f.ToAny()
		}
		return out
	default:
		return nil
	}
}

// checkFinite returns the first NaN or infinity found in v.
func checkFinite(v Value) error {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("%w: %v", ErrUnsupportedNumber, v.n)
		}
	case KindSequence:
		for _, it := range v.seq {
			if err := checkFinite(it); err != nil {
				return err
			}
		}
	case KindMapping:
		for _, f := range v.m {
			if err := checkFinite(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Non-finite numbers fail.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("%w: %v", ErrUnsupportedNumber, v.n)
		}
		b, err := json.Marshal(v.n)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindSequence:
		buf.WriteByte('[')
		for i, it := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := it.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMapping:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.m[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSON decodes a JSON document into a Value.
func ParseJSON(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}

// FromAny converts JSON-like Go values into a Value. Structs are converted
// through their JSON encoding.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t.Clone(), nil
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return t.Clone(), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case float32:
		return NumberValue(float64(t)), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint:
		return NumberValue(float64(t)), nil
	case uint32:
		return NumberValue(float64(t)), nil
	case uint64:
		return NumberValue(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return NumberValue(f), nil
	case string:
		return StringValue(t), nil
	case []Value:
		return SequenceValue(t...), nil
	case []any:
		seq := make([]Value, len(t))
		for i, it := range t {
			v, err := FromAny(it)
			if err != nil {
				return Null(), fmt.Errorf("index %d: %w", i, err)
			}
			seq[i] = v
		}
		return Value{kind: KindSequence, seq: seq}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, it := range t {
			v, err := FromAny(it)
			if err != nil {
				return Null(), fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = v
		}
		return Value{kind: KindMapping, m: m}, nil
	case map[string]Value:
		return MappingValue(t), nil
	}
	return fromReflect(x)
}

func fromReflect(x any) (Value, error) {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		return FromAny(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IntValue(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NumberValue(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return NumberValue(rv.Float()), nil
	case reflect.String:
		return StringValue(rv.String()), nil
	case reflect.Bool:
		return BoolValue(rv.Bool()), nil
	case reflect.Slice, reflect.Array:
		seq := make([]Value, rv.Len())
		for i := range seq {
			v, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Null(), fmt.Errorf("index %d: %w", i, err)
			}
			seq[i] = v
		}
		return Value{kind: KindSequence, seq: seq}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Null(), fmt.Errorf("%w: map key type %s", ErrUnsupportedType, rv.Type().Key())
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := FromAny(iter.Value().Interface())
			if err != nil {
				return Null(), fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			m[iter.Key().String()] = v
		}
		return Value{kind: KindMapping, m: m}, nil
	case reflect.Struct:
		b, err := json.Marshal(x)
		if err != nil {
			return Null(), fmt.Errorf("%w: %T: %v", ErrUnsupportedType, x, err)
		}
		return ParseJSON(b)
	}
	return Null(), fmt.Errorf("%w: %T", ErrUnsupportedType, x)
}

// Preview renders v as JSON truncated to at most max bytes.
func Preview(v Value, max int) string {
	s := v.String()
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
