// Package jsonval is a tagged-variant JSON value model. Server replies are decoded into a
// Value and inspected field by field, so a reply with missing or mistyped fields is reported
// as a protocol error instead of a panic.
package jsonval

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"homefence/internal/apperr"
)

// Kind is the variant tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "invalid"
}

// Value is one JSON value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	num  string
	str  string
	arr  []Value
	obj  map[string]Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a number value. NaN and infinities cannot be encoded.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: strconv.FormatFloat(f, 'g', -1, 64)}
}

func Int(i int64) Value {
	return Value{kind: KindNumber, num: strconv.FormatInt(i, 10)}
}

func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value(nil), items...)}
}

// Object copies fields into a new object value.
func Object(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: KindObject, obj: obj}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.num, 64)
	return f, err == nil
}

func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) AsArray() ([]Value, bool) {
	return v.arr, v.kind == KindArray
}

func (v Value) AsObject() (map[string]Value, bool) {
	return v.obj, v.kind == KindObject
}

// Get returns an object member. It is false for non-objects and missing keys.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	member, ok := v.obj[key]
	return member, ok
}

// Keys returns the object's member names in sorted order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of the object v with key set. A non-object v is treated as empty.
func (v Value) With(key string, member Value) Value {
	out := Object(v.obj)
	out.obj[key] = member
	return out
}

// Float reads a required numeric member.
func (v Value) Float(key string) (float64, error) {
	member, ok := v.Get(key)
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	f, ok := member.AsFloat()
	if !ok {
		return 0, fmt.Errorf("field %q is %s, want number", key, member.kind)
	}
	return f, nil
}

// OptFloat reads an optional numeric member. Null counts as absent.
func (v Value) OptFloat(key string) (float64, bool, error) {
	member, ok := v.Get(key)
	if !ok || member.IsNull() {
		return 0, false, nil
	}
	f, ok := member.AsFloat()
	if !ok {
		return 0, false, fmt.Errorf("field %q is %s, want number", key, member.kind)
	}
	return f, true, nil
}

// Decode parses data into a Value. Empty or blank input decodes to null. Malformed input is a
// protocol error.
func Decode(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Null(), nil
	}
	if !json.Valid(data) {
		return Value{}, apperr.Protocol("decode json", errors.New("malformed document"))
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return Value{}, apperr.Protocol("decode json", err)
	}
	v, err := FromAny(raw)
	if err != nil {
		return Value{}, apperr.Protocol("decode json", err)
	}
	return v, nil
}

// Encode renders v as compact JSON with object keys sorted.
func Encode(v Value) ([]byte, error) {
	return v.MarshalJSON()
}

func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := v.toAny()
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func (v Value) toAny() (any, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindNumber:
		f, err := strconv.ParseFloat(v.num, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("jsonval: cannot encode number %q", v.num)
		}
		return json.Number(v.num), nil
	case KindString:
		return v.str, nil
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			raw, err := item.toAny()
			if err != nil {
				return nil, err
			}
			out[i] = raw
		}
		return out, nil
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, member := range v.obj {
			raw, err := member.toAny()
			if err != nil {
				return nil, err
			}
			out[k] = raw
		}
		return out, nil
	}
	return nil, fmt.Errorf("jsonval: invalid kind %d", v.kind)
}

// FromAny converts the output of a generic JSON decode (or plain Go values) into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		return Value{kind: KindNumber, num: x.String()}, nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case string:
		return String(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		obj := make(map[string]Value, len(x))
		for k, member := range x {
			v, err := FromAny(member)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{kind: KindObject, obj: obj}, nil
	case Value:
		return x, nil
	}
	return Value{}, fmt.Errorf("jsonval: unsupported type %T", raw)
}

// Equal reports structural equality. Numbers compare by numeric value.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		fa, errA := strconv.ParseFloat(a.num, 64)
		fb, errB := strconv.ParseFloat(b.num, 64)
		if errA != nil || errB != nil {
			return a.num == b.num
		}
		return fa == fb
	case KindString:
		return a.str == b.str
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}
