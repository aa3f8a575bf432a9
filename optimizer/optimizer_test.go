package optimizer

import (
	"math"
	"testing"
)

const tolerance = 1e-6

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < tolerance
}

// newTestParams builds two parameters with known data and gradients
func newTestParams() []*Parameter {
	w := NewParameter("weight", []int{2, 2})
	copy(w.Data, []float64{1, 2, 3, 4})
	copy(w.Grad, []float64{0.5, -0.5, 1, -1})

	b := NewParameter("bias", []int{2})
	copy(b.Data, []float64{0, 0})
	copy(b.Grad, []float64{2, -2})

	return []*Parameter{w, b}
}

func TestNewParameter(t *testing.T) {
	p := NewParameter("w", []int{3, 4})
	if p.Size() != 12 {
		t.Errorf("Expected size 12, got %d", p.Size())
	}
	if len(p.Grad) != 12 {
		t.Errorf("Expected gradient size 12, got %d", len(p.Grad))
	}
}

func TestDefaultConfigs(t *testing.T) {
	adam := DefaultAdamConfig()
	if adam.LearningRate != 0.001 || adam.Beta1 != 0.9 || adam.Beta2 != 0.999 || adam.Epsilon != 1e-8 {
		t.Errorf("Unexpected Adam defaults: %+v", adam)
	}

	sgd := DefaultSGDConfig()
	if sgd.LearningRate != 0.01 || sgd.Momentum != 0 || sgd.Nesterov {
		t.Errorf("Unexpected SGD defaults: %+v", sgd)
	}

	adagrad := DefaultAdaGradConfig()
	if adagrad.LearningRate != 0.01 || adagrad.Epsilon != 1e-10 {
		t.Errorf("Unexpected AdaGrad defaults: %+v", adagrad)
	}

	rmsprop := DefaultRMSPropConfig()
	if rmsprop.Alpha != 0.99 || rmsprop.Epsilon != 1e-8 || rmsprop.Centered {
		t.Errorf("Unexpected RMSProp defaults: %+v", rmsprop)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		name   string
		want   Kind
		wantOK bool
	}{
		{"adam", Adam, true},
		{"Adam", Adam, true},
		{"SGD", SGD, true},
		{" adagrad ", AdaGrad, true},
		{"RMSprop", RMSProp, true},
		{"lamb", Adam, false},
		{"", Adam, false},
	}

	for _, tt := range tests {
		got, ok := ParseKind(tt.name)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseKind(%q) = (%s, %t), want (%s, %t)", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewRejectsInvalidParameters(t *testing.T) {
	if _, err := New(Adam, nil, 0.1); err == nil {
		t.Error("Expected error for empty parameter list")
	}

	bad := &Parameter{Name: "bad", Data: make([]float64, 3), Grad: make([]float64, 2)}
	if _, err := New(SGD, []*Parameter{bad}, 0.1); err == nil {
		t.Error("Expected error for mismatched gradient size")
	}

	if _, err := New(Kind(42), newTestParams(), 0.1); err == nil {
		t.Error("Expected error for unknown optimizer kind")
	}
}

func TestSingleStepUpdates(t *testing.T) {
	// After one step on a fresh optimizer each rule reduces to a closed form
	tests := []struct {
		kind   Kind
		lr     float64
		expect func(data, grad float64) float64
	}{
		{SGD, 0.1, func(d, g float64) float64 { return d - 0.1*g }},
		{Adam, 0.1, func(d, g float64) float64 { return d - 0.1*g/(math.Abs(g)+1e-8) }},
		{AdaGrad, 0.1, func(d, g float64) float64 { return d - 0.1*g/(math.Abs(g)+1e-10) }},
		{RMSProp, 0.01, func(d, g float64) float64 { return d - 0.01*g/(math.Sqrt(0.01*g*g)+1e-8) }},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			params := newTestParams()
			before := make([][]float64, len(params))
			for i, p := range params {
				before[i] = append([]float64(nil), p.Data...)
			}

			opt, err := New(tt.kind, params, tt.lr)
			if err != nil {
				t.Fatalf("Failed to create %s optimizer: %v", tt.kind, err)
			}
			if err := opt.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}

			for i, p := range params {
				for j := range p.Data {
					want := tt.expect(before[i][j], p.Grad[j])
					if !almostEqual(p.Data[j], want) {
						t.Errorf("%s[%d] = %f, want %f", p.Name, j, p.Data[j], want)
					}
				}
			}
			if opt.GetStepCount() != 1 {
				t.Errorf("Expected step count 1, got %d", opt.GetStepCount())
			}
		})
	}
}

func TestSGDMomentum(t *testing.T) {
	p := NewParameter("w", []int{1})
	p.Grad[0] = 1

	config := DefaultSGDConfig()
	config.LearningRate = 0.1
	config.Momentum = 0.9
	sgd, err := NewSGDOptimizer(config, []*Parameter{p})
	if err != nil {
		t.Fatalf("Failed to create SGD optimizer: %v", err)
	}

	_ = sgd.Step() // buf = 1, w = -0.1
	_ = sgd.Step() // buf = 1.9, w = -0.29

	if !almostEqual(p.Data[0], -0.29) {
		t.Errorf("Expected -0.29 after two momentum steps, got %f", p.Data[0])
	}
	if !almostEqual(sgd.MomentumBuffers[0][0], 1.9) {
		t.Errorf("Expected momentum buffer 1.9, got %f", sgd.MomentumBuffers[0][0])
	}
}

func TestZeroGradAndLearningRate(t *testing.T) {
	for _, kind := range []Kind{Adam, SGD, AdaGrad, RMSProp} {
		params := newTestParams()
		params[1].Grad = nil

		opt, err := New(kind, params, 0.5)
		if err != nil {
			t.Fatalf("Failed to create %s optimizer: %v", kind, err)
		}
		if opt.GetLR() != 0.5 {
			t.Errorf("%s: expected learning rate 0.5, got %f", kind, opt.GetLR())
		}
		opt.UpdateLearningRate(0.25)
		if opt.GetLR() != 0.25 {
			t.Errorf("%s: expected learning rate 0.25, got %f", kind, opt.GetLR())
		}

		opt.ZeroGrad()
		for _, p := range opt.Parameters() {
			if len(p.Grad) != len(p.Data) {
				t.Fatalf("%s: gradient for %s not allocated", kind, p.Name)
			}
			for _, g := range p.Grad {
				if g != 0 {
					t.Errorf("%s: expected zero gradient for %s, got %f", kind, p.Name, g)
				}
			}
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	builders := map[string]func(params []*Parameter) (Optimizer, error){
		"Adam": func(params []*Parameter) (Optimizer, error) { return New(Adam, params, 0.01) },
		"SGD": func(params []*Parameter) (Optimizer, error) {
			config := DefaultSGDConfig()
			config.Momentum = 0.9
			config.Nesterov = true
			return NewSGDOptimizer(config, params)
		},
		"AdaGrad": func(params []*Parameter) (Optimizer, error) { return New(AdaGrad, params, 0.01) },
		"RMSProp": func(params []*Parameter) (Optimizer, error) {
			config := DefaultRMSPropConfig()
			config.Momentum = 0.5
			config.Centered = true
			return NewRMSPropOptimizer(config, params)
		},
	}

	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			src, err := build(newTestParams())
			if err != nil {
				t.Fatalf("Failed to create optimizer: %v", err)
			}
			for i := 0; i < 3; i++ {
				if err := src.Step(); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			src.UpdateLearningRate(0.003)

			state, err := src.GetState()
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}
			if state.Type != name {
				t.Errorf("Expected state type %s, got %s", name, state.Type)
			}

			dst, err := build(newTestParams())
			if err != nil {
				t.Fatalf("Failed to create optimizer: %v", err)
			}
			if err := dst.LoadState(state); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if dst.GetStepCount() != 3 {
				t.Errorf("Expected restored step count 3, got %d", dst.GetStepCount())
			}
			if dst.GetLR() != 0.003 {
				t.Errorf("Expected restored learning rate 0.003, got %f", dst.GetLR())
			}

			// Both optimizers now take the same step from the same parameters
			for i, p := range dst.Parameters() {
				copy(p.Data, src.Parameters()[i].Data)
			}
			_ = src.Step()
			_ = dst.Step()
			for i, p := range dst.Parameters() {
				for j := range p.Data {
					if !almostEqual(p.Data[j], src.Parameters()[i].Data[j]) {
						t.Errorf("%s[%d] diverged after restore: %f vs %f", p.Name, j, p.Data[j], src.Parameters()[i].Data[j])
					}
				}
			}
		})
	}
}

func TestLoadStateRejectsWrongType(t *testing.T) {
	sgd, _ := New(SGD, newTestParams(), 0.1)
	state, _ := sgd.GetState()

	adam, _ := New(Adam, newTestParams(), 0.1)
	if err := adam.LoadState(state); err == nil {
		t.Error("Expected error loading SGD state into Adam")
	}
	if err := adam.LoadState(nil); err == nil {
		t.Error("Expected error loading nil state")
	}
}

func TestLoadStateRejectsSizeMismatch(t *testing.T) {
	adam, _ := New(Adam, newTestParams(), 0.1)
	state, _ := adam.GetState()
	state.StateData[0].Data = state.StateData[0].Data[:1]

	other, _ := New(Adam, newTestParams(), 0.1)
	if err := other.LoadState(state); err == nil {
		t.Error("Expected error for truncated state buffer")
	}
}

func TestLoadStateAcceptsJSONNumbers(t *testing.T) {
	adam, _ := New(Adam, newTestParams(), 0.1)
	state, _ := adam.GetState()
	// Decoded checkpoints carry every number as float64
	state.Parameters["step_count"] = float64(7)

	other, _ := New(Adam, newTestParams(), 0.1)
	if err := other.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if other.GetStepCount() != 7 {
		t.Errorf("Expected step count 7, got %d", other.GetStepCount())
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"m_0", 0},
		{"momentum_12", 12},
		{"squared_grad_avg_3", 3},
		{"nounderscore", -1},
		{"m_x", -1},
	}

	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	tests := []struct {
		name     string
		grads    []float64
		maxNorm  float64
		wantNorm float64
		wantGrad []float64
	}{
		{"clipped", []float64{3, 4}, 1, 5, []float64{0.6, 0.8}},
		{"under limit", []float64{0.3, 0.4}, 1, 0.5, []float64{0.3, 0.4}},
		{"disabled", []float64{3, 4}, 0, 5, []float64{3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Parameter{Name: "w", Data: make([]float64, len(tt.grads)), Grad: append([]float64(nil), tt.grads...)}
			norm := ClipGradNorm([]*Parameter{p}, tt.maxNorm)
			if !almostEqual(norm, tt.wantNorm) {
				t.Errorf("Expected norm %f, got %f", tt.wantNorm, norm)
			}
			for i, g := range p.Grad {
				if !almostEqual(g, tt.wantGrad[i]) {
					t.Errorf("grad[%d] = %f, want %f", i, g, tt.wantGrad[i])
				}
			}
		})
	}
}
