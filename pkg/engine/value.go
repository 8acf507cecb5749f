package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Value is a property value: an ordered list of strings or the absent
// sentinel. A scalar is a one-item list. An empty list is equivalent to absent.
type Value struct {
	items  []string
	absent bool
}

// Absent returns the absent sentinel.
func Absent() Value {
	return Value{absent: true}
}

// Scalar returns a single-item value.
func Scalar(s string) Value {
	return Value{items: []string{s}}
}

// List returns a value holding items in order.
func List(items ...string) Value {
	return Value{items: slices.Clone(items)}
}

// IsAbsent returns true for the absent sentinel and for empty lists.
func (v Value) IsAbsent() bool {
	return v.absent || len(v.items) == 0
}

// Items returns a copy of the items.
func (v Value) Items() []string {
	if v.IsAbsent() {
		return nil
	}
	return slices.Clone(v.items)
}

// First returns the first item, or the empty string when absent.
func (v Value) First() string {
	if v.IsAbsent() {
		return ""
	}
	return v.items[0]
}

// Len returns the number of items.
func (v Value) Len() int {
	if v.absent {
		return 0
	}
	return len(v.items)
}

// Equal compares two values item by item.
func (v Value) Equal(o Value) bool {
	if v.IsAbsent() || o.IsAbsent() {
		return v.IsAbsent() && o.IsAbsent()
	}
	return slices.Equal(v.items, o.items)
}

// String renders the value for reports.
func (v Value) String() string {
	if v.IsAbsent() {
		return "absent"
	}
	if len(v.items) == 1 {
		return v.items[0]
	}
	return "[" + strings.Join(v.items, ", ") + "]"
}

// MarshalJSON renders absent as null, scalars as strings and lists as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsAbsent() {
		return []byte("null"), nil
	}
	if len(v.items) == 1 {
		return json.Marshal(v.items[0])
	}
	return json.Marshal(v.items)
}

// UnmarshalJSON implements json.Unmarshaler for Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueOf converts decoded data into a Value. nil and the string "absent"
// become the absent sentinel, lists keep their order and other scalars are
// formatted as strings.
func ValueOf(raw interface{}) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Absent(), nil
	case Value:
		return val, nil
	case string:
		if val == string(EnsureAbsent) {
			return Absent(), nil
		}
		return Scalar(val), nil
	case []string:
		return List(val...), nil
	case []interface{}:
		items := make([]string, 0, len(val))
		for _, item := range val {
			switch item.(type) {
			case []interface{}, map[string]interface{}:
				return Value{}, fmt.Errorf("nested value %v is not supported", item)
			}
			items = append(items, fmt.Sprint(item))
		}
		return List(items...), nil
	case map[string]interface{}:
		return Value{}, fmt.Errorf("mapping values are not supported")
	default:
		return Scalar(fmt.Sprint(val)), nil
	}
}

// Properties is an ordered mapping from property name to value.
// The zero value is an empty mapping ready to use.
type Properties struct {
	keys   []string
	values map[string]Value
}

// NewProperties builds properties from alternating name/value pairs.
func NewProperties(pairs ...interface{}) Properties {
	var p Properties
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		v, err := ValueOf(pairs[i+1])
		if err != nil {
			continue
		}
		p.Set(name, v)
	}
	return p
}

// Set assigns a value, keeping the original position of existing names.
func (p *Properties) Set(name string, v Value) {
	if p.values == nil {
		p.values = make(map[string]Value)
	}
	if _, ok := p.values[name]; !ok {
		p.keys = append(p.keys, name)
	}
	p.values[name] = v
}

// Get returns the value of name; undeclared names return absent and false.
func (p Properties) Get(name string) (Value, bool) {
	v, ok := p.values[name]
	if !ok {
		return Absent(), false
	}
	return v, true
}

// Has returns true if name is declared.
func (p Properties) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Delete removes name.
func (p *Properties) Delete(name string) {
	if _, ok := p.values[name]; !ok {
		return
	}
	delete(p.values, name)
	p.keys = slices.DeleteFunc(p.keys, func(k string) bool { return k == name })
}

// Keys returns the declared names in order.
func (p Properties) Keys() []string {
	return slices.Clone(p.keys)
}

// Len returns the number of declared names.
func (p Properties) Len() int {
	return len(p.keys)
}

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	var out Properties
	for _, k := range p.keys {
		out.Set(k, p.values[k])
	}
	return out
}

// Map returns the properties as plain data, with absent values as nil.
func (p Properties) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(p.keys))
	for _, k := range p.keys {
		v := p.values[k]
		switch {
		case v.IsAbsent():
			out[k] = nil
		case v.Len() == 1:
			out[k] = v.First()
		default:
			out[k] = v.Items()
		}
	}
	return out
}

// MarshalJSON writes the properties as an object in declaration order.
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping key order.
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("properties must be an object")
	}

	var out Properties
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected property key %v", tok)
		}
		var v Value
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		out.Set(name, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*p = out
	return nil
}
