package training

import (
	"math"
	"testing"
)

func TestEvalCadenceEveryOtherEpoch(t *testing.T) {
	cadence := NewEvalCadence(2, 0, nil)
	if cadence.Mode() != AtEpoch || cadence.Interval() != 2 {
		t.Fatalf("Expected epoch mode with interval 2, got %s/%d", cadence.Mode(), cadence.Interval())
	}

	expected := []bool{false, true, false, true}
	for i, want := range expected {
		// Step positions are ignored in epoch mode
		if cadence.Due(AtStep) {
			t.Errorf("Call %d: step position must never be due in epoch mode", i)
		}
		if got := cadence.Due(AtEpoch); got != want {
			t.Errorf("Call %d: expected due=%t, got %t", i, want, got)
		}
	}
	if cadence.Ordinal() != 2 {
		t.Errorf("Expected 2 validations so far, got %d", cadence.Ordinal())
	}
}

func TestEvalCadenceResolution(t *testing.T) {
	tests := []struct {
		name         string
		evalEpoch    int
		evalStep     int
		wantMode     Position
		wantInterval int
	}{
		{"both unset", 0, 0, AtEpoch, 1},
		{"both set", 3, 100, AtEpoch, 3},
		{"step only", 0, 50, AtStep, 50},
		{"negative epoch with step", -1, 10, AtStep, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cadence := NewEvalCadence(tt.evalEpoch, tt.evalStep, nil)
			if cadence.Mode() != tt.wantMode {
				t.Errorf("Expected mode %s, got %s", tt.wantMode, cadence.Mode())
			}
			if cadence.Interval() != tt.wantInterval {
				t.Errorf("Expected interval %d, got %d", tt.wantInterval, cadence.Interval())
			}
		})
	}
}

func TestEarlyStoppingPatienceBoundary(t *testing.T) {
	es := NewEarlyStopping(2)
	if !math.IsInf(es.BestScore, -1) || es.BestEpoch != -1 {
		t.Fatalf("Unexpected initial state: %+v", es)
	}

	steps := []struct {
		score        float64
		wantStop     bool
		wantImproved bool
		wantCount    int
	}{
		{0.5, false, true, 0},
		{0.4, false, false, 1},
		{0.5, false, false, 2}, // Equal is not an improvement
		{0.3, true, false, 3},
	}

	for epoch, step := range steps {
		stop, improved := es.Evaluate(step.score, epoch)
		if stop != step.wantStop || improved != step.wantImproved {
			t.Errorf("Epoch %d: expected stop=%t improved=%t, got stop=%t improved=%t",
				epoch, step.wantStop, step.wantImproved, stop, improved)
		}
		if es.StoppingCount != step.wantCount {
			t.Errorf("Epoch %d: expected stopping count %d, got %d", epoch, step.wantCount, es.StoppingCount)
		}
	}
	if es.BestEpoch != 0 || es.BestScore != 0.5 {
		t.Errorf("Expected best 0.5 at epoch 0, got %g at %d", es.BestScore, es.BestEpoch)
	}
}

func TestEarlyStoppingImprovementResetsCount(t *testing.T) {
	es := NewEarlyStopping(1)
	es.Evaluate(0.1, 0)
	es.Evaluate(0.05, 1)

	stop, improved := es.Evaluate(0.2, 2)
	if stop || !improved {
		t.Errorf("Expected an improvement, got stop=%t improved=%t", stop, improved)
	}
	if es.StoppingCount != 0 || es.BestEpoch != 2 {
		t.Errorf("Expected count reset and best epoch 2, got count %d best %d", es.StoppingCount, es.BestEpoch)
	}
}

func TestEarlyStoppingDisabled(t *testing.T) {
	for _, patience := range []int{0, -1} {
		es := NewEarlyStopping(patience)
		if es.Enabled() {
			t.Errorf("Patience %d: expected early stopping to be disabled", patience)
		}
		es.Evaluate(1.0, 0)
		for epoch := 1; epoch < 10; epoch++ {
			if stop, _ := es.Evaluate(0.0, epoch); stop {
				t.Fatalf("Patience %d: disabled early stopping stopped at epoch %d", patience, epoch)
			}
		}
		if es.BestEpoch != 0 {
			t.Errorf("Patience %d: expected best epoch to still be tracked, got %d", patience, es.BestEpoch)
		}
	}
}
