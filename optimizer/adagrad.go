package optimizer

import (
	"math"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
)

// AdaGradOptimizerState represents AdaGrad optimizer state
type AdaGradOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Epsilon      float64 // Small constant to prevent division by zero
	WeightDecay  float64

	// Running sum of squared gradients, one buffer per parameter
	SquaredGradSumBuffers [][]float64

	StepCount uint64

	params []*Parameter
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer over params
func NewAdaGradOptimizer(config AdaGradConfig, params []*Parameter) (*AdaGradOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	return &AdaGradOptimizerState{
		LearningRate:          config.LearningRate,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		SquaredGradSumBuffers: allocBuffers(params),
		params:                params,
	}, nil
}

// Step performs a single AdaGrad update
func (adagrad *AdaGradOptimizerState) Step() error {
	adagrad.StepCount++

	for i, p := range adagrad.params {
		if p.Grad == nil {
			continue
		}
		sum := adagrad.SquaredGradSumBuffers[i]
		for j, g := range p.Grad {
			if adagrad.WeightDecay > 0 {
				g += adagrad.WeightDecay * p.Data[j]
			}
			sum[j] += g * g
			p.Data[j] -= adagrad.LearningRate * g / (math.Sqrt(sum[j]) + adagrad.Epsilon)
		}
	}
	return nil
}

// ZeroGrad resets all parameter gradients
func (adagrad *AdaGradOptimizerState) ZeroGrad() {
	zeroGrads(adagrad.params)
}

// GetLR returns the current learning rate
func (adagrad *AdaGradOptimizerState) GetLR() float64 {
	return adagrad.LearningRate
}

// UpdateLearningRate updates the learning rate
func (adagrad *AdaGradOptimizerState) UpdateLearningRate(lr float64) {
	adagrad.LearningRate = lr
}

// GetStepCount returns the current step count
func (adagrad *AdaGradOptimizerState) GetStepCount() uint64 {
	return adagrad.StepCount
}

// Parameters returns the optimized parameters
func (adagrad *AdaGradOptimizerState) Parameters() []*Parameter {
	return adagrad.params
}

// GetState extracts optimizer state for checkpointing
func (adagrad *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(adagrad.params))
	stateData = appendIndexedBuffers(stateData, adagrad.SquaredGradSumBuffers, "squared_grad_sum", "squared_grad_sum")

	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": adagrad.LearningRate,
			"epsilon":       adagrad.Epsilon,
			"weight_decay":  adagrad.WeightDecay,
			"step_count":    adagrad.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adagrad *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}

	adagrad.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adagrad.LearningRate)
	adagrad.Epsilon = extractFloatParam(state.Parameters, "epsilon", adagrad.Epsilon)
	adagrad.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adagrad.WeightDecay)
	adagrad.StepCount = extractUint64Param(state.Parameters, "step_count", adagrad.StepCount)

	return restoreIndexedBuffers(state, "squared_grad_sum", adagrad.SquaredGradSumBuffers)
}
