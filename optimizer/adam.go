package optimizer

import (
	"math"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
)

// AdamOptimizerState represents Adam optimizer state
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	// State buffers, one per parameter
	MomentumBuffers [][]float64 // First moment (m)
	VarianceBuffers [][]float64 // Second moment (v)

	// Step tracking for bias correction
	StepCount uint64

	params []*Parameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*Parameter) (*AdamOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: allocBuffers(params),
		VarianceBuffers: allocBuffers(params),
		params:          params,
	}, nil
}

// Step performs a single Adam update with bias correction
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	biasCorrection1 := 1 - math.Pow(adam.Beta1, t)
	biasCorrection2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range adam.params {
		if p.Grad == nil {
			continue
		}
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j, g := range p.Grad {
			if adam.WeightDecay > 0 {
				g += adam.WeightDecay * p.Data[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			p.Data[j] -= adam.LearningRate * mHat / (math.Sqrt(vHat) + adam.Epsilon)
		}
	}
	return nil
}

// ZeroGrad resets all parameter gradients
func (adam *AdamOptimizerState) ZeroGrad() {
	zeroGrads(adam.params)
}

// GetLR returns the current learning rate
func (adam *AdamOptimizerState) GetLR() float64 {
	return adam.LearningRate
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float64) {
	adam.LearningRate = lr
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Parameters returns the optimized parameters
func (adam *AdamOptimizerState) Parameters() []*Parameter {
	return adam.params
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	stateData = appendIndexedBuffers(stateData, adam.MomentumBuffers, "m", "m")
	stateData = appendIndexedBuffers(stateData, adam.VarianceBuffers, "v", "v")

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreIndexedBuffers(state, "m", adam.MomentumBuffers); err != nil {
		return err
	}
	return restoreIndexedBuffers(state, "v", adam.VarianceBuffers)
}
