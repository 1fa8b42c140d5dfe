package op

import (
	"encoding/json"
	"fmt"
	"reflect"
)

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toList returns a fresh []any copy of v when v is a slice or array.
func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case nil:
		return nil, false
	case []any:
		return cloneList(l), true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func cloneList(items []any) []any {
	out := make([]any, len(items))
	copy(out, items)
	return out
}

func nonNil(items []any) []any {
	if items == nil {
		return []any{}
	}
	return items
}

// union returns base followed by the items of extra not already present,
// with duplicates removed from both. Items are compared by their JSON
// encoding, so 1 and 1.0 are the same item.
func union(base, extra []any) []any {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]any, 0, len(base)+len(extra))
	for _, list := range [][]any{base, extra} {
		for _, item := range list {
			k := itemKey(item)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, item)
		}
	}
	return out
}

func itemKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%#v", v, v)
	}
	return string(b)
}
