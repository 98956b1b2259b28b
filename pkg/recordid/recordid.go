// Package recordid collapses the identifier encodings produced by the
// different backend revisions into one canonical string.
//
// Three wire shapes are accepted:
//
//	"p1"                                  bare string
//	{"String": "p1"}                      string wrapper
//	{"tb": "patient", "id": <record id>}  table-qualified record ("table" also accepted)
//
// The record part of a table-qualified id is itself unwrapped, so
// {"tb":"patient","id":{"String":"p1"}} normalizes to "p1". Every other
// shape is rejected with ErrMalformed.
package recordid

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformed is returned when an identifier does not match any known shape.
var ErrMalformed = errors.New("malformed identifier")

const maxDepth = 8

// Normalize decodes raw and returns the canonical identifier.
func Normalize(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty value", ErrMalformed)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return NormalizeValue(v)
}

// NormalizeValue normalizes an identifier that has already been decoded
// into generic JSON values (string, map[string]any, ...).
func NormalizeValue(v any) (string, error) {
	return normalize(v, 0)
}

func normalize(v any, depth int) (string, error) {
	if depth > maxDepth {
		return "", fmt.Errorf("%w: nested deeper than %d levels", ErrMalformed, maxDepth)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]any:
		if inner, ok := t["String"]; ok && len(t) == 1 {
			if _, isString := inner.(string); !isString {
				return "", fmt.Errorf("%w: String wrapper holds %T", ErrMalformed, inner)
			}
			return normalize(inner, depth+1)
		}
		if inner, ok := t["id"]; ok && len(t) == 2 && hasTable(t) {
			return normalize(inner, depth+1)
		}
		return "", fmt.Errorf("%w: unrecognized object with keys %v", ErrMalformed, keys(t))
	case nil:
		return "", fmt.Errorf("%w: null", ErrMalformed)
	default:
		return "", fmt.Errorf("%w: unexpected %T", ErrMalformed, v)
	}
}

func hasTable(m map[string]any) bool {
	for _, k := range []string{"tb", "table"} {
		if tb, ok := m[k]; ok {
			_, isString := tb.(string)
			return isString
		}
	}
	return false
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeList normalizes every element of raws. A nil input yields a nil
// result so that callers can tell an absent field from an empty list.
func NormalizeList(raws []json.RawMessage) ([]string, error) {
	if raws == nil {
		return nil, nil
	}
	out := make([]string, 0, len(raws))
	for i, raw := range raws {
		id, err := Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, id)
	}
	return out, nil
}
