package metrics

import (
	"fmt"
	"math"
	"sort"
)

// Mode tags which phase an epoch summary was produced in
type Mode string

const (
	Train Mode = "train"
	Valid Mode = "valid"
)

// Results maps a metric name to its result. A result is a float64, a keyed
// mapping of results (map[string]float64 or map[string]interface{}) or an
// ordered collection ([]float64 or []interface{}).
type Results map[string]interface{}

// Clone returns a deep copy of the results so that summaries stay immutable
func (r Results) Clone() Results {
	if r == nil {
		return Results{}
	}
	out := make(Results, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Names returns the metric names in sorted order
func (r Results) Names() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]float64:
		m := make(map[string]float64, len(val))
		for k, x := range val {
			m[k] = x
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, x := range val {
			m[k] = cloneValue(x)
		}
		return m
	case []float64:
		return append([]float64(nil), val...)
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, x := range val {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}

// EpochSummary is the finalized record of one training epoch or validation pass.
// It is never mutated after creation.
type EpochSummary struct {
	EpochIdx int     `json:"epoch_idx"`
	Mode     Mode    `json:"mode"`
	Loss     float64 `json:"loss"`
	Results  Results `json:"metrics_results"`
}

// AsMap renders the summary as a generic mapping, the shape returned to callers of Fit
func (s EpochSummary) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"epoch_idx":       s.EpochIdx,
		"mode":            string(s.Mode),
		"loss":            s.Loss,
		"metrics_results": s.Results.Clone(),
	}
}

func (s EpochSummary) String() string {
	return fmt.Sprintf("epoch %d (%s) loss=%.4f metrics=%v", s.EpochIdx, s.Mode, s.Loss, map[string]interface{}(s.Results))
}

// NumericMembers extracts the numeric values of a metric result.
// Scalars yield themselves; mappings and collections yield only their
// float-typed members. ok is false when the result has an unsupported shape.
func NumericMembers(result interface{}) (values []float64, ok bool) {
	switch val := result.(type) {
	case float64:
		return []float64{val}, true
	case float32:
		return []float64{float64(val)}, true
	case map[string]float64:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			values = append(values, val[k])
		}
		return values, true
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if f, isFloat := asFloat(val[k]); isFloat {
				values = append(values, f)
			}
		}
		return values, true
	case []float64:
		return append([]float64(nil), val...), true
	case []interface{}:
		for _, x := range val {
			if f, isFloat := asFloat(x); isFloat {
				values = append(values, f)
			}
		}
		return values, true
	default:
		return nil, false
	}
}

// asFloat only accepts float types; integers are counts, not scores
func asFloat(v interface{}) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	default:
		return 0, false
	}
}

// Mean returns the arithmetic mean, NaN for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
