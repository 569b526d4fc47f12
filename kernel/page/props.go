package page

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

type (
	// Kind discriminates the Value variant.
	Kind uint8

	// Value is the tagged variant for property values. Allowed shapes are
	// string, number, boolean, ISO-8601 date, datetime with offset, array of
	// primitives and nested mapping. Values decode from plain JSON: strings
	// that parse as dates or datetimes become the corresponding kinds, so a
	// round trip through JSON is stable.
	Value struct {
		kind Kind
		str  string
		num  float64
		b    bool
		t    time.Time
		list []Value
		m    map[string]Value
	}

	// Props maps property keys to values. Keys beginning with an underscore
	// are reserved for internal metadata and rejected at the primitive
	// boundary.
	Props map[string]Value
)

// Value kinds.
const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindDate
	KindDateTime
	KindList
	KindMap
)

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Date returns a calendar-date value; the time portion is discarded.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{kind: KindDate, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DateTime returns a datetime value carrying its offset.
func DateTime(t time.Time) Value { return Value{kind: KindDateTime, t: t} }

// List returns an array value. Elements must themselves be primitives; the
// reducer rejects nested lists at the primitive boundary.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// MapValue returns a nested mapping value.
func MapValue(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload (valid for KindString).
func (v Value) Str() string { return v.str }

// Num returns the numeric payload (valid for KindNumber).
func (v Value) Num() float64 { return v.num }

// Boolean returns the boolean payload (valid for KindBool).
func (v Value) Boolean() bool { return v.b }

// Time returns the temporal payload (valid for KindDate and KindDateTime).
func (v Value) Time() time.Time { return v.t }

// Items returns the array payload (valid for KindList).
func (v Value) Items() []Value { return v.list }

// Fields returns the mapping payload (valid for KindMap).
func (v Value) Fields() map[string]Value { return v.m }

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, it := range v.list {
			items[i] = it.Clone()
		}
		v.list = items
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, it := range v.m {
			m[k] = it.Clone()
		}
		v.m = m
	}
	return v
}

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindDate, KindDateTime:
		return v.t.Equal(o.t)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, it := range v.m {
			ot, ok := o.m[k]
			if !ok || !it.Equal(ot) {
				return false
			}
		}
		return true
	}
	return false
}

// MarshalJSON renders the value in its plain JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindDate:
		return json.Marshal(v.t.Format(DateLayout))
	case KindDateTime:
		return json.Marshal(v.t.Format(time.RFC3339))
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("page: unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes a plain JSON value into the variant. Strings that
// parse as ISO dates or RFC 3339 datetimes become temporal kinds.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	val, err := fromJSON(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func fromJSON(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		if d, err := time.Parse(DateLayout, t); err == nil && len(t) == len(DateLayout) {
			return Date(d), nil
		}
		if dt, err := time.Parse(time.RFC3339, t); err == nil {
			return DateTime(dt), nil
		}
		return String(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case bool:
		return Bool(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, el := range t {
			it, err := fromJSON(el)
			if err != nil {
				return Value{}, err
			}
			items = append(items, it)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, el := range t {
			it, err := fromJSON(el)
			if err != nil {
				return Value{}, err
			}
			m[k] = it
		}
		return MapValue(m), nil
	case nil:
		return Value{}, fmt.Errorf("page: null is not a valid property value")
	}
	return Value{}, fmt.Errorf("page: unsupported JSON value %T", raw)
}

// Clone returns a deep copy of the property map. A nil map clones to nil.
func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// Merge copies every entry of other into p, overwriting existing keys, and
// returns p (allocating when p is nil).
func (p Props) Merge(other Props) Props {
	if p == nil {
		p = make(Props, len(other))
	}
	for k, v := range other {
		p[k] = v.Clone()
	}
	return p
}

// Keys returns the property keys in sorted order for deterministic
// iteration.
func (p Props) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep equality of two property maps.
func (p Props) Equal(o Props) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
