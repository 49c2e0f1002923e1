package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Record is a JSON-shaped document keyed by its "id" field.
//
// Records that went through a store or a JSON round trip hold numbers as
// float64, nested objects as map[string]any and lists as []any. The typed
// accessors below accept the other numeric Go types as well so callers can
// build records by hand.
type Record map[string]any

// ID returns the record id or "" when absent.
func (r Record) ID() string {
	return r.String("id")
}

// Has reports whether key is present, even with a nil value.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String returns the string value at key, or "" when absent or not a string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Float returns the numeric value at key as float64, or 0.
func (r Record) Float(key string) float64 {
	f, _ := toFloat(r[key])
	return f
}

// Int returns the numeric value at key rounded to int, or 0.
func (r Record) Int(key string) int {
	f, _ := toFloat(r[key])
	return int(math.Round(f))
}

// IntPtr returns nil for absent or null values, otherwise the rounded number.
func (r Record) IntPtr(key string) *int {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	n := int(math.Round(f))
	return &n
}

// Time parses an RFC 3339 string (or time.Time) at key.
func (r Record) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// Bool returns the boolean value at key, or false.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		return t.Clone()
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []Record:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = map[string]any(e.Clone())
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = map[string]any(Record(e).Clone())
		}
		return out
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Encode converts a typed entity into a Record through its JSON form.
func Encode(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return r, nil
}

// Decode fills v from the record's JSON form.
func Decode(r Record, v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record %q: %w", r.ID(), err)
	}
	return nil
}
