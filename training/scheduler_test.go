package training

import (
	"math"
	"testing"

	"github.com/Xiaoxue-xx/TextBox/optimizer"
)

func TestParseSchedulerKind(t *testing.T) {
	tests := []struct {
		name    string
		want    SchedulerKind
		wantErr bool
	}{
		{"", NoScheduler, false},
		{"none", NoScheduler, false},
		{"Inverse", InverseSquareRoot, false},
		{"inverse_sqrt", InverseSquareRoot, false},
		{"cosine", Cosine, false},
		{" linear ", Linear, false},
		{"constant", Constant, false},
		{"step", NoScheduler, true},
	}

	for _, tt := range tests {
		got, err := ParseSchedulerKind(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedulerKind(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSchedulerKind(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestInverseSquareRootScheduler(t *testing.T) {
	scheduler, err := NewLRScheduler(InverseSquareRoot, 0, 1e-3, 4, 0)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{1, 2.5e-4}, // Warmup
		{2, 5e-4},   // Warmup
		{4, 1e-3},   // Peak
		{16, 5e-4},  // peak * sqrt(4) / sqrt(16)
		{64, 2.5e-4},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.step)
		if math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("Step %d: expected LR %g, got %g", tt.step, tt.expectedLR, lr)
		}
	}
}

func TestInverseSquareRootWithoutWarmup(t *testing.T) {
	scheduler, err := NewLRScheduler(InverseSquareRoot, 0, 0.1, 0, 0)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	if lr := scheduler.GetLR(1); math.Abs(lr-0.1) > 1e-12 {
		t.Errorf("Step 1: expected LR 0.1, got %g", lr)
	}
	if lr := scheduler.GetLR(4); math.Abs(lr-0.05) > 1e-12 {
		t.Errorf("Step 4: expected LR 0.05, got %g", lr)
	}
	if lr := scheduler.GetLR(0); math.IsInf(lr, 0) || math.IsNaN(lr) {
		t.Errorf("Step 0 must stay finite, got %g", lr)
	}
}

func TestDecayingSchedulers(t *testing.T) {
	tests := []struct {
		name       string
		kind       SchedulerKind
		warmup     int
		maxSteps   int
		step       int
		expectedLR float64
	}{
		{"cosine start", Cosine, 0, 10, 0, 1.0},
		{"cosine midpoint", Cosine, 0, 10, 5, 0.5},
		{"cosine end", Cosine, 0, 10, 10, 0.0},
		{"cosine beyond end", Cosine, 0, 10, 20, 0.0},
		{"cosine warmup", Cosine, 2, 10, 1, 0.5},
		{"linear warmup", Linear, 2, 10, 1, 0.5},
		{"linear peak", Linear, 2, 10, 2, 1.0},
		{"linear midpoint", Linear, 2, 10, 6, 0.5},
		{"linear beyond end", Linear, 2, 10, 12, 0.0},
		{"constant warmup", Constant, 2, 0, 1, 0.5},
		{"constant after warmup", Constant, 2, 0, 100, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler, err := NewLRScheduler(tt.kind, 0, 1.0, tt.warmup, tt.maxSteps)
			if err != nil {
				t.Fatalf("Failed to create scheduler: %v", err)
			}
			lr := scheduler.GetLR(tt.step)
			if math.Abs(lr-tt.expectedLR) > 1e-9 {
				t.Errorf("Step %d: expected LR %g, got %g", tt.step, tt.expectedLR, lr)
			}
		})
	}
}

func TestNoSchedulerReturnsBase(t *testing.T) {
	base, err := optimizer.New(optimizer.SGD, []*optimizer.Parameter{optimizer.NewParameter("w", []int{2})}, 0.1)
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	opt, err := NewScheduledOptimizer(base, NoScheduler, 0, 0.1, 0, 0)
	if err != nil {
		t.Fatalf("Failed to wrap optimizer: %v", err)
	}
	if opt != base {
		t.Errorf("Expected the base optimizer to be returned unchanged")
	}
}

func TestScheduledOptimizerStep(t *testing.T) {
	param := optimizer.NewParameter("w", []int{1})
	param.Data[0] = 1.0
	base, err := optimizer.New(optimizer.SGD, []*optimizer.Parameter{param}, 123)
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}

	opt, err := NewScheduledOptimizer(base, Constant, 0, 1.0, 2, 0)
	if err != nil {
		t.Fatalf("Failed to wrap optimizer: %v", err)
	}

	// The scheduled rate is applied before the update
	param.Grad[0] = 1.0
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if lr := opt.GetLR(); math.Abs(lr-0.5) > 1e-12 {
		t.Errorf("Expected LR 0.5 after first step, got %g", lr)
	}
	if math.Abs(param.Data[0]-0.5) > 1e-12 {
		t.Errorf("Expected parameter 0.5 after first step, got %g", param.Data[0])
	}

	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if lr := opt.GetLR(); math.Abs(lr-1.0) > 1e-12 {
		t.Errorf("Expected LR 1.0 after warmup, got %g", lr)
	}

	scheduled := opt.(*ScheduledOptimizer)
	if scheduled.ScheduleStep() != 2 {
		t.Errorf("Expected schedule step 2, got %d", scheduled.ScheduleStep())
	}
}

func TestScheduledOptimizerState(t *testing.T) {
	newOptimizer := func() (*ScheduledOptimizer, *optimizer.Parameter) {
		param := optimizer.NewParameter("w", []int{3})
		base, err := optimizer.New(optimizer.Adam, []*optimizer.Parameter{param}, 1e-3)
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}
		opt, err := NewScheduledOptimizer(base, InverseSquareRoot, 0, 1e-3, 4, 0)
		if err != nil {
			t.Fatalf("Failed to wrap optimizer: %v", err)
		}
		return opt.(*ScheduledOptimizer), param
	}

	source, param := newOptimizer()
	for i := 0; i < 5; i++ {
		for j := range param.Grad {
			param.Grad[j] = float64(j+1) * 0.1
		}
		if err := source.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	state, err := source.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Scheduler == nil {
		t.Fatal("Expected scheduler state to be attached")
	}
	if state.Scheduler["kind"] != "inverse" {
		t.Errorf("Expected scheduler kind inverse, got %v", state.Scheduler["kind"])
	}

	// Numbers come back as float64 after a JSON round trip
	state.Scheduler["step"] = float64(5)

	target, _ := newOptimizer()
	if err := target.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if target.ScheduleStep() != 5 {
		t.Errorf("Expected restored schedule step 5, got %d", target.ScheduleStep())
	}
	if target.GetStepCount() != source.GetStepCount() {
		t.Errorf("Expected base step count %d, got %d", source.GetStepCount(), target.GetStepCount())
	}

	if err := target.LoadState(nil); err == nil {
		t.Error("Expected error for nil state")
	}
}
