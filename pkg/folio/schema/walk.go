// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

var (
	rawMessageType      = reflect.TypeOf(json.RawMessage(nil))
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// walker compares a generically decoded JSON value (UseNumber) with a
// Go type and collects mismatches.
type walker struct {
	violations []Violation
}

func (w *walker) add(path, expected, actual, rule string) {
	w.violations = append(w.violations, Violation{Path: path, Expected: expected, Actual: actual, Rule: rule})
}

// check validates v against t. optional allows null.
func (w *walker) check(v any, t reflect.Type, path string, optional bool) {
	if t == rawMessageType || t.Kind() == reflect.Interface {
		return
	}
	if t.Kind() == reflect.Pointer {
		if v == nil {
			return
		}
		w.check(v, t.Elem(), path, false)
		return
	}
	// Types with their own decoding are checked when unmarshaling.
	if reflect.PointerTo(t).Implements(jsonUnmarshalerType) {
		return
	}
	if v == nil {
		if !optional {
			w.add(path, describeType(t), "null", "type")
		}
		return
	}

	switch t.Kind() {
	case reflect.Bool:
		if _, ok := v.(bool); !ok {
			w.add(path, "boolean", describeValue(v), "type")
		}

	case reflect.String:
		if _, ok := v.(string); !ok {
			w.add(path, "string", describeValue(v), "type")
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.(json.Number)
		if !ok {
			w.add(path, "integer", describeValue(v), "type")
			return
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil || reflect.Zero(t).OverflowInt(i) {
			w.add(path, "integer", "number "+n.String(), "type")
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := v.(json.Number)
		if !ok {
			w.add(path, "non-negative integer", describeValue(v), "type")
			return
		}
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil || reflect.Zero(t).OverflowUint(u) {
			w.add(path, "non-negative integer", "number "+n.String(), "type")
		}

	case reflect.Float32, reflect.Float64:
		if _, ok := v.(json.Number); !ok {
			w.add(path, "number", describeValue(v), "type")
		}

	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
			if _, ok := v.(string); !ok {
				w.add(path, "base64 string", describeValue(v), "type")
			}
			return
		}
		items, ok := v.([]any)
		if !ok {
			w.add(path, "array", describeValue(v), "type")
			return
		}
		if t.Kind() == reflect.Array && len(items) != t.Len() {
			w.add(path, fmt.Sprintf("array of length %d", t.Len()), fmt.Sprintf("array of length %d", len(items)), "type")
			return
		}
		for i, item := range items {
			w.check(item, t.Elem(), indexPath(path, i), false)
		}

	case reflect.Map:
		obj, ok := v.(map[string]any)
		if !ok {
			w.add(path, "object", describeValue(v), "type")
			return
		}
		if !validMapKey(t.Key()) {
			return
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.check(obj[k], t.Elem(), fieldPath(path, k), false)
		}

	case reflect.Struct:
		obj, ok := v.(map[string]any)
		if !ok {
			w.add(path, "object", describeValue(v), "type")
			return
		}
		w.checkStruct(obj, t, path)

	default:
		w.add(path, "a supported type", t.String(), "type")
	}
}

// checkStruct validates object members against the exported fields of t,
// flattening untagged embedded structs as encoding/json does.
func (w *walker) checkStruct(obj map[string]any, t reflect.Type, path string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, skip := jsonField(f)
		if skip {
			continue
		}
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				w.checkStruct(obj, ft, path)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		optional := f.Type.Kind() == reflect.Pointer || strings.Contains(opts, "omitempty")
		value, present := obj[name]
		if !present {
			if !optional {
				w.add(fieldPath(path, name), describeType(f.Type), "missing", "required")
			}
			continue
		}
		w.check(value, f.Type, fieldPath(path, name), optional)
	}
}

// jsonField returns the tag name and options; skip is true for
// unexported or "-" fields.
func jsonField(f reflect.StructField) (name, opts string, skip bool) {
	if !f.IsExported() && !f.Anonymous {
		return "", "", true
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", "", true
	}
	name, opts, _ = strings.Cut(tag, ",")
	return name, opts, false
}

func validMapKey(k reflect.Type) bool {
	return k.Kind() == reflect.String || reflect.PointerTo(k).Implements(textUnmarshalerType)
}

func fieldPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func indexPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}

// describeValue names the JSON type of a generically decoded value.
func describeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number:
		return "number " + x.String()
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// describeType names the JSON shape a Go type expects.
func describeType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return describeType(t.Elem())
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "non-negative integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
			return "base64 string"
		}
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return t.String()
	}
}
