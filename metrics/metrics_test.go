package metrics

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestNumericMembers(t *testing.T) {
	tests := []struct {
		name     string
		result   interface{}
		expected []float64
		ok       bool
	}{
		{"scalar", 0.5, []float64{0.5}, true},
		{"float map", map[string]float64{"b": 2, "a": 1}, []float64{1, 2}, true},
		{"mixed map", map[string]interface{}{"a": 1.5, "n": 3, "s": "x"}, []float64{1.5}, true},
		{"slice", []float64{0.1, 0.2}, []float64{0.1, 0.2}, true},
		{"mixed slice", []interface{}{0.25, "x", 4}, []float64{0.25}, true},
		{"string", "bleu", nil, false},
		{"int", 3, nil, false},
	}

	for _, tt := range tests {
		values, ok := NumericMembers(tt.result)
		if ok != tt.ok {
			t.Errorf("%s: expected ok=%t, got %t", tt.name, tt.ok, ok)
			continue
		}
		if len(values) != len(tt.expected) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, values)
			continue
		}
		for i := range values {
			if values[i] != tt.expected[i] {
				t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, values)
			}
		}
	}
}

func TestMean(t *testing.T) {
	if m := Mean([]float64{1, 2, 3}); m != 2 {
		t.Errorf("Expected mean 2, got %f", m)
	}
	if m := Mean(nil); !math.IsNaN(m) {
		t.Errorf("Expected NaN for empty mean, got %f", m)
	}
}

func TestResultsCloneIsDeep(t *testing.T) {
	original := Results{
		"distinct": map[string]float64{"distinct-1": 0.5},
		"bleu":     []float64{0.1, 0.2},
	}
	clone := original.Clone()

	original["distinct"].(map[string]float64)["distinct-1"] = 0.9
	original["bleu"].([]float64)[0] = 0.9

	if clone["distinct"].(map[string]float64)["distinct-1"] != 0.5 {
		t.Errorf("Clone shares nested map with original")
	}
	if clone["bleu"].([]float64)[0] != 0.1 {
		t.Errorf("Clone shares slice with original")
	}
}

func TestProcessMetrics(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected []string
	}{
		{"nil", nil, []string{}},
		{"empty string", "", []string{}},
		{"single", "BLEU", []string{"bleu"}},
		{"comma list", "rouge, bleu", []string{"bleu", "rouge"}},
		{"bracketed", "[bleu,distinct]", []string{"bleu", "distinct"}},
		{"string slice", []string{"avg_len", "bleu", "bleu"}, []string{"avg_len", "bleu"}},
		{"interface slice", []interface{}{"distinct"}, []string{"distinct"}},
		{"unsupported dropped", "bleu,not_a_metric", []string{"bleu"}},
		{"all unsupported", []string{"nope"}, []string{}},
	}

	for _, tt := range tests {
		names, err := ProcessMetrics("metrics", tt.value, nil)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if !reflect.DeepEqual(names, tt.expected) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, names)
		}
	}
}

func TestProcessMetricsTypeViolation(t *testing.T) {
	for _, value := range []interface{}{42, 1.5, map[string]interface{}{"bleu": true}, []interface{}{"bleu", 3}} {
		_, err := ProcessMetrics("valid_metrics", value, nil)
		if !errors.Is(err, ErrInvalidMetricsType) {
			t.Errorf("Expected ErrInvalidMetricsType for %T, got %v", value, err)
		}
	}
}

func TestEpochSummaryAsMap(t *testing.T) {
	s := EpochSummary{EpochIdx: 3, Mode: Valid, Loss: 1.25, Results: Results{"bleu": 0.3}}
	m := s.AsMap()
	if m["epoch_idx"] != 3 || m["mode"] != "valid" || m["loss"] != 1.25 {
		t.Errorf("Unexpected map: %v", m)
	}
	if m["metrics_results"].(Results)["bleu"] != 0.3 {
		t.Errorf("Expected metrics_results to carry bleu")
	}
}
