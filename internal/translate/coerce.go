package translate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/possync/internal/model"
)

// parseNumber never fails: anything unparsable is 0.
func parseNumber(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		f, _ = n.Float64()
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err == nil {
			f = parsed
		}
	case bool:
		if n {
			f = 1
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return norm.NFC.String(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return norm.NFC.String(fmt.Sprint(v))
	}
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	default:
		return parseNumber(v) != 0
	}
}

// toTime normalizes timestamps to RFC 3339. Unparsable strings are kept
// verbatim rather than dropped.
func toTime(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return t
		}
		return parsed.Format(time.RFC3339Nano)
	case map[string]any:
		// Document-store timestamp objects: {seconds, nanoseconds}.
		secs := parseNumber(t["seconds"])
		nanos := parseNumber(t["nanoseconds"])
		return time.Unix(int64(secs), int64(nanos)).UTC().Format(time.RFC3339Nano)
	default:
		ms := parseNumber(v)
		return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
	}
}

func toStringList(v any) []any {
	switch l := v.(type) {
	case []any:
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = toString(e)
		}
		return out
	case []string:
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = toString(e)
		}
		return out
	default:
		return []any{}
	}
}

// asList accepts the list shapes records can carry.
func asList(v any) ([]map[string]any, bool) {
	switch l := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(l))
		for _, e := range l {
			switch m := e.(type) {
			case map[string]any:
				out = append(out, m)
			case model.Record:
				out = append(out, m)
			default:
				return nil, false
			}
		}
		return out, true
	case []map[string]any:
		return l, true
	case []model.Record:
		out := make([]map[string]any, len(l))
		for i, e := range l {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}
