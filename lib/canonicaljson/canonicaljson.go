// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonicaljson implements Matrix canonical JSON: a
// deterministic serialization with lexicographically sorted object
// keys, no insignificant whitespace, and integers restricted to the
// range [-(2^53)+1, 2^53-1]. It also implements the event hashing and
// redaction algorithms defined over canonical JSON.
//
// The package operates on a parsed tree where objects are
// map[string]any, arrays are []any, numbers are int64, and the
// remaining JSON scalars map to string, bool, and nil. Decode produces
// this shape; Encode serializes it canonically. Marshal round-trips
// arbitrary Go values through encoding/json first, so struct tags
// apply.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Object is a parsed JSON object in canonical tree form.
type Object = map[string]any

// maxCanonicalInt is the largest integer magnitude representable in
// canonical JSON (2^53 - 1).
const maxCanonicalInt = 1<<53 - 1

// Decode parses raw JSON into the canonical tree form. The top level
// must be an object. Numbers outside the canonical integer range, and
// non-integer numbers, are rejected.
func Decode(raw []byte) (Object, error) {
	v, err := DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("canonicaljson: top-level value is %T, not an object", v)
	}
	return obj, nil
}

// DecodeValue parses raw JSON of any type into the canonical tree
// form.
func DecodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonicaljson: trailing data after JSON value")
	}
	return normalize(v)
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%w (at key %q)", err, k)
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%w (at index %d)", err, i)
			}
			t[i] = n
		}
		return t, nil
	case json.Number:
		return normalizeNumber(t)
	default:
		return v, nil
	}
}

func normalizeNumber(n json.Number) (int64, error) {
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("canonicaljson: number %q is not a canonical integer", n.String())
	}
	if i > maxCanonicalInt || i < -maxCanonicalInt {
		return 0, fmt.Errorf("canonicaljson: integer %d outside the canonical range", i)
	}
	return i, nil
}

// Encode serializes a canonical tree value to canonical JSON bytes.
// Accepts the tree types produced by Decode plus the native integer
// types, so callers can build objects by hand.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal serializes an arbitrary Go value to canonical JSON by
// marshaling it with encoding/json and canonicalizing the result.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	return Canonicalize(buf.Bytes())
}

// Canonicalize re-serializes raw JSON in canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	v, err := DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, t)
	case int64:
		return encodeInt(buf, t)
	case int:
		return encodeInt(buf, int64(t))
	case uint64:
		if t > maxCanonicalInt {
			return fmt.Errorf("canonicaljson: integer %d outside the canonical range", t)
		}
		return encodeInt(buf, int64(t))
	case json.Number:
		i, err := normalizeNumber(t)
		if err != nil {
			return err
		}
		return encodeInt(buf, i)
	case float64:
		// encoding/json produces float64 for all numbers; only exact
		// in-range integers are canonical.
		if t != math.Trunc(t) || math.Abs(t) > maxCanonicalInt {
			return fmt.Errorf("canonicaljson: number %v is not a canonical integer", t)
		}
		return encodeInt(buf, int64(t))
	case map[string]any:
		return encodeObject(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.RawMessage:
		v, err := DecodeValue(t)
		if err != nil {
			return err
		}
		return encodeValue(buf, v)
	default:
		return fmt.Errorf("canonicaljson: unsupported value type %T", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, i int64) error {
	if i > maxCanonicalInt || i < -maxCanonicalInt {
		return fmt.Errorf("canonicaljson: integer %d outside the canonical range", i)
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// Go string comparison is byte-wise over UTF-8, which orders by
	// Unicode code point as canonical JSON requires.
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return fmt.Errorf("%w (at key %q)", err, k)
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeString writes a JSON string with the minimal escaping rules
// canonical JSON requires: backslash, double quote, and the control
// characters — using the two-character forms where they exist.
// Everything else, including non-ASCII, is emitted as raw UTF-8.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c < 0x20:
			fmt.Fprintf(buf, `\u%04x`, c)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}

// CopyObject returns a deep copy of a canonical tree object. Arrays
// and nested objects are copied; scalars are immutable.
func CopyObject(obj Object) Object {
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// String returns the string value at key, or "" when absent or not a
// string.
func String(obj Object, key string) string {
	s, _ := obj[key].(string)
	return s
}

// Int returns the integer value at key, or 0 when absent or not an
// integer.
func Int(obj Object, key string) int64 {
	i, _ := obj[key].(int64)
	return i
}

// Child returns the object value at key, or nil when absent or not an
// object.
func Child(obj Object, key string) Object {
	o, _ := obj[key].(map[string]any)
	return o
}

// Array returns the array value at key, or nil when absent or not an
// array.
func Array(obj Object, key string) []any {
	a, _ := obj[key].([]any)
	return a
}
