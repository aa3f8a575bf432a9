package optimizer

import (
	"github.com/Xiaoxue-xx/TextBox/checkpoints"
)

// SGDOptimizerState represents SGD optimizer state
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0.0 for plain SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers, allocated only when Momentum > 0
	MomentumBuffers [][]float64

	StepCount uint64

	params []*Parameter
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*Parameter) (*SGDOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = allocBuffers(params)
	}
	return sgd, nil
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++

	for i, p := range sgd.params {
		if p.Grad == nil {
			continue
		}
		for j, g := range p.Grad {
			if sgd.WeightDecay > 0 {
				g += sgd.WeightDecay * p.Data[j]
			}
			if sgd.Momentum > 0 {
				buf := sgd.MomentumBuffers[i]
				if sgd.StepCount == 1 {
					buf[j] = g
				} else {
					buf[j] = sgd.Momentum*buf[j] + g
				}
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

// ZeroGrad resets all parameter gradients
func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrads(sgd.params)
}

// GetLR returns the current learning rate
func (sgd *SGDOptimizerState) GetLR() float64 {
	return sgd.LearningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float64) {
	sgd.LearningRate = lr
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Parameters returns the optimized parameters
func (sgd *SGDOptimizerState) Parameters() []*Parameter {
	return sgd.params
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	if sgd.Momentum > 0 && sgd.MomentumBuffers != nil {
		stateData = appendIndexedBuffers(stateData, sgd.MomentumBuffers, "momentum", "momentum")
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = allocBuffers(sgd.params)
	}
	return restoreIndexedBuffers(state, "momentum", sgd.MomentumBuffers)
}
