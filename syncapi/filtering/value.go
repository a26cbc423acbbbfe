// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package filtering

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind is the JSON type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a parsed JSON document. Object fields keep their original order.
type Value struct {
	Kind   Kind
	Bool   bool
	Str    string // string contents, or the literal text of a number
	Items  []Value
	Fields []Field
}

// Field is one member of an object Value.
type Field struct {
	Key   string
	Value Value
}

var errInvalidJSON = errors.New("invalid JSON")

// ParseValue parses a JSON document into a Value.
func ParseValue(raw []byte) (Value, error) {
	if !gjson.ValidBytes(raw) {
		return Value{}, errInvalidJSON
	}
	return fromResult(gjson.ParseBytes(raw)), nil
}

func fromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.False:
		return Value{Kind: KindBool}
	case gjson.True:
		return Value{Kind: KindBool, Bool: true}
	case gjson.Number:
		return Value{Kind: KindNumber, Str: r.Raw}
	case gjson.String:
		return Value{Kind: KindString, Str: r.Str}
	case gjson.JSON:
		if r.IsArray() {
			v := Value{Kind: KindArray, Items: []Value{}}
			r.ForEach(func(_, item gjson.Result) bool {
				v.Items = append(v.Items, fromResult(item))
				return true
			})
			return v
		}
		v := Value{Kind: KindObject, Fields: []Field{}}
		r.ForEach(func(key, item gjson.Result) bool {
			v.Fields = append(v.Fields, Field{Key: key.Str, Value: fromResult(item)})
			return true
		})
		return v
	default:
		return Value{Kind: KindNull}
	}
}

// Get returns the member of an object with the given key.
func (v *Value) Get(key string) (*Value, bool) {
	if v.Kind != KindObject {
		return nil, false
	}
	for i := range v.Fields {
		if v.Fields[i].Key == key {
			return &v.Fields[i].Value, true
		}
	}
	return nil, false
}

// Set replaces or appends a member of an object.
func (v *Value) Set(key string, child Value) {
	for i := range v.Fields {
		if v.Fields[i].Key == key {
			v.Fields[i].Value = child
			return
		}
	}
	v.Fields = append(v.Fields, Field{Key: key, Value: child})
}

// Lookup follows a path of object keys.
func (v *Value) Lookup(path []string) (*Value, bool) {
	cur := v
	for _, seg := range path {
		next, ok := cur.Get(seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func (v *Value) clone() Value {
	c := *v
	if v.Items != nil {
		c.Items = make([]Value, len(v.Items))
		for i := range v.Items {
			c.Items[i] = v.Items[i].clone()
		}
	}
	if v.Fields != nil {
		c.Fields = make([]Field, len(v.Fields))
		for i := range v.Fields {
			c.Fields[i] = Field{Key: v.Fields[i].Key, Value: v.Fields[i].Value.clone()}
		}
	}
	return c
}

// SetPath stores child at path, creating intermediate objects. An existing
// non-object along the path is replaced by an object.
func (v *Value) SetPath(path []string, child Value) {
	cur := v
	for _, seg := range path[:len(path)-1] {
		next, ok := cur.Get(seg)
		if !ok || next.Kind != KindObject {
			cur.Set(seg, Value{Kind: KindObject, Fields: []Field{}})
			next, _ = cur.Get(seg)
		}
		cur = next
	}
	cur.Set(path[len(path)-1], child)
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(v.Str)
	case KindString:
		b, err := json.Marshal(v.Str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i := range v.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := v.Items[i].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i := range v.Fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(v.Fields[i].Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := v.Fields[i].Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// Project returns a new object holding only the given paths of v. Paths
// that do not exist in v are left out.
func Project(v *Value, paths [][]string) Value {
	out := Value{Kind: KindObject, Fields: []Field{}}
	for _, path := range paths {
		if len(path) == 0 {
			continue
		}
		found, ok := v.Lookup(path)
		if !ok {
			continue
		}
		out.SetPath(path, found.clone())
	}
	return out
}

// SplitFieldPaths splits event_fields entries on ".".
func SplitFieldPaths(fields []string) [][]string {
	paths := make([][]string, 0, len(fields))
	for _, f := range fields {
		paths = append(paths, strings.Split(f, "."))
	}
	return paths
}

// ProjectFields applies event_fields to each item. With no fields the items
// are returned unchanged.
func ProjectFields(items []json.RawMessage, fields []string) ([]json.RawMessage, error) {
	if len(fields) == 0 {
		return items, nil
	}
	start := time.Now()
	paths := SplitFieldPaths(fields)
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		v, err := ParseValue(item)
		if err != nil {
			return nil, err
		}
		projected := Project(&v, paths)
		b, err := projected.MarshalJSON()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	observeFilter("fields", start, len(items), len(out))
	return out, nil
}
