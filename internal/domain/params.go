package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Params maps a strategy parameter name to a scalar or a small list. Values
// arrive from Go literals, JSON or YAML, so accessors accept any numeric
// representation.
type Params map[string]any

// Clone returns a deep copy; list values are copied too.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		c := make([]any, len(x))
		for i := range x {
			c[i] = cloneValue(x[i])
		}
		return c
	case []float64:
		c := make([]float64, len(x))
		copy(c, x)
		return c
	case []int:
		c := make([]int, len(x))
		copy(c, x)
		return c
	default:
		return v
	}
}

// Merge returns a copy of p with every key of over applied on top.
func (p Params) Merge(over Params) Params {
	out := p.Clone()
	for k, v := range over {
		out[k] = cloneValue(v)
	}
	return out
}

// Float returns the numeric value of key, or def when absent or not numeric.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := toFloat(p[key]); ok {
		return v
	}
	return def
}

// Int returns the integral value of key, or def when absent or not numeric.
func (p Params) Int(key string, def int) int {
	if v, ok := toFloat(p[key]); ok {
		return int(v)
	}
	return def
}

// Floats returns a numeric list, or def when absent or malformed.
func (p Params) Floats(key string, def []float64) []float64 {
	switch x := p[key].(type) {
	case []float64:
		out := make([]float64, len(x))
		copy(out, x)
		return out
	case []int:
		out := make([]float64, len(x))
		for i, v := range x {
			out[i] = float64(v)
		}
		return out
	case []any:
		out := make([]float64, len(x))
		for i, v := range x {
			f, ok := toFloat(v)
			if !ok {
				return def
			}
			out[i] = f
		}
		return out
	}
	return def
}

// Key renders the parameters as a stable "k=v,k=v" string.
func (p Params) Key() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, ",")
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
