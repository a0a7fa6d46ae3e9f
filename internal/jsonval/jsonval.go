// Package jsonval gives a name to the JSON tagged union used at every
// boundary that still carries dynamic, unvalidated data (MCP config entries
// before ConfigValidator, request_override bodies before McpInjector).
//
// Json = null | bool | number | string | [Json] | {string: Json}
//
// Go's encoding/json already decodes into exactly this shape when the target
// is `any`; this package only adds the read-side helpers so inner layers
// never carry raw `any` past ingress — they convert once, here.
package jsonval

import "fmt"

// Json is a decoded JSON value: nil, bool, float64, string, []Json, or
// map[string]Json.
type Json = any

// AsMap returns v as a map[string]Json, or ok=false if v is not an object.
func AsMap(v Json) (map[string]Json, bool) {
	m, ok := v.(map[string]Json)
	return m, ok
}

// AsString returns v as a string, or ok=false if v is not a string.
func AsString(v Json) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsSlice returns v as a []Json, or ok=false if v is not an array.
func AsSlice(v Json) ([]Json, bool) {
	s, ok := v.([]Json)
	return s, ok
}

// StringMap converts a Json object of string values into map[string]string.
// Non-string values are rejected with an error naming the offending key.
func StringMap(v Json) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	obj, ok := AsMap(v)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", v)
	}
	out := make(map[string]string, len(obj))
	for k, raw := range obj {
		s, ok := AsString(raw)
		if !ok {
			return nil, fmt.Errorf("field %q: expected string value, got %T", k, raw)
		}
		out[k] = s
	}
	return out, nil
}

// StringSlice converts a Json array of strings into []string.
func StringSlice(v Json) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := AsSlice(v)
	if !ok {
		return nil, fmt.Errorf("expected a JSON array, got %T", v)
	}
	out := make([]string, 0, len(arr))
	for i, raw := range arr {
		s, ok := AsString(raw)
		if !ok {
			return nil, fmt.Errorf("index %d: expected string value, got %T", i, raw)
		}
		out = append(out, s)
	}
	return out, nil
}

// Walk recursively applies fn to every string leaf of v, returning a new
// value with leaves replaced by fn's result. Used by env-var interpolation,
// a pure function over this tagged union (never in-place mutation);
// sensitive-field redaction uses WalkKeyed.
func Walk(v Json, fn func(s string) string) Json {
	switch t := v.(type) {
	case string:
		return fn(t)
	case []Json:
		out := make([]Json, len(t))
		for i, e := range t {
			out[i] = Walk(e, fn)
		}
		return out
	case map[string]Json:
		out := make(map[string]Json, len(t))
		for k, e := range t {
			out[k] = Walk(e, fn)
		}
		return out
	default:
		return v
	}
}

// WalkKeyed is like Walk but fn also receives the key path leading to the
// string leaf (dot-joined), used by the sensitive-field redactor which must
// decide per-key whether to redact.
func WalkKeyed(v Json, path string, fn func(path, s string) string) Json {
	switch t := v.(type) {
	case string:
		return fn(path, t)
	case []Json:
		out := make([]Json, len(t))
		for i, e := range t {
			out[i] = WalkKeyed(e, fmt.Sprintf("%s[%d]", path, i), fn)
		}
		return out
	case map[string]Json:
		out := make(map[string]Json, len(t))
		for k, e := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			out[k] = WalkKeyed(e, childPath, fn)
		}
		return out
	default:
		return v
	}
}
