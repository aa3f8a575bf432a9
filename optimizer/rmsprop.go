package optimizer

import (
	"math"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
)

// RMSPropOptimizerState represents RMSProp optimizer state
type RMSPropOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
	Momentum     float64 // Momentum coefficient (0.0 for no momentum)
	Centered     bool    // Whether to use centered RMSProp (subtract mean of gradients)

	// State buffers, one per parameter
	SquaredGradAvgBuffers [][]float64 // Running average of squared gradients
	MomentumBuffers       [][]float64 // Momentum buffers (if momentum > 0)
	GradientAvgBuffers    [][]float64 // Running average of gradients (if centered)

	StepCount uint64

	params []*Parameter
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*Parameter) (*RMSPropOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	rmsprop := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: allocBuffers(params),
		params:                params,
	}
	if config.Momentum > 0 {
		rmsprop.MomentumBuffers = allocBuffers(params)
	}
	if config.Centered {
		rmsprop.GradientAvgBuffers = allocBuffers(params)
	}
	return rmsprop, nil
}

// Step performs a single RMSProp update
func (rmsprop *RMSPropOptimizerState) Step() error {
	rmsprop.StepCount++

	for i, p := range rmsprop.params {
		if p.Grad == nil {
			continue
		}
		sq := rmsprop.SquaredGradAvgBuffers[i]
		for j, g := range p.Grad {
			if rmsprop.WeightDecay > 0 {
				g += rmsprop.WeightDecay * p.Data[j]
			}
			sq[j] = rmsprop.Alpha*sq[j] + (1-rmsprop.Alpha)*g*g

			avg := sq[j]
			if rmsprop.Centered {
				gAvg := rmsprop.GradientAvgBuffers[i]
				gAvg[j] = rmsprop.Alpha*gAvg[j] + (1-rmsprop.Alpha)*g
				avg -= gAvg[j] * gAvg[j]
			}
			denom := math.Sqrt(avg) + rmsprop.Epsilon

			if rmsprop.Momentum > 0 {
				buf := rmsprop.MomentumBuffers[i]
				buf[j] = rmsprop.Momentum*buf[j] + g/denom
				p.Data[j] -= rmsprop.LearningRate * buf[j]
			} else {
				p.Data[j] -= rmsprop.LearningRate * g / denom
			}
		}
	}
	return nil
}

// ZeroGrad resets all parameter gradients
func (rmsprop *RMSPropOptimizerState) ZeroGrad() {
	zeroGrads(rmsprop.params)
}

// GetLR returns the current learning rate
func (rmsprop *RMSPropOptimizerState) GetLR() float64 {
	return rmsprop.LearningRate
}

// UpdateLearningRate updates the learning rate
func (rmsprop *RMSPropOptimizerState) UpdateLearningRate(lr float64) {
	rmsprop.LearningRate = lr
}

// GetStepCount returns the current step count
func (rmsprop *RMSPropOptimizerState) GetStepCount() uint64 {
	return rmsprop.StepCount
}

// Parameters returns the optimized parameters
func (rmsprop *RMSPropOptimizerState) Parameters() []*Parameter {
	return rmsprop.params
}

// GetState extracts optimizer state for checkpointing
func (rmsprop *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 3*len(rmsprop.params))
	stateData = appendIndexedBuffers(stateData, rmsprop.SquaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg")
	if rmsprop.Momentum > 0 {
		stateData = appendIndexedBuffers(stateData, rmsprop.MomentumBuffers, "momentum", "momentum")
	}
	if rmsprop.Centered {
		stateData = appendIndexedBuffers(stateData, rmsprop.GradientAvgBuffers, "gradient_avg", "gradient_avg")
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rmsprop.LearningRate,
			"alpha":         rmsprop.Alpha,
			"epsilon":       rmsprop.Epsilon,
			"weight_decay":  rmsprop.WeightDecay,
			"momentum":      rmsprop.Momentum,
			"centered":      rmsprop.Centered,
			"step_count":    rmsprop.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rmsprop *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	rmsprop.LearningRate = extractFloatParam(state.Parameters, "learning_rate", rmsprop.LearningRate)
	rmsprop.Alpha = extractFloatParam(state.Parameters, "alpha", rmsprop.Alpha)
	rmsprop.Epsilon = extractFloatParam(state.Parameters, "epsilon", rmsprop.Epsilon)
	rmsprop.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", rmsprop.WeightDecay)
	rmsprop.Momentum = extractFloatParam(state.Parameters, "momentum", rmsprop.Momentum)
	rmsprop.Centered = extractBoolParam(state.Parameters, "centered", rmsprop.Centered)
	rmsprop.StepCount = extractUint64Param(state.Parameters, "step_count", rmsprop.StepCount)

	if rmsprop.Momentum > 0 && rmsprop.MomentumBuffers == nil {
		rmsprop.MomentumBuffers = allocBuffers(rmsprop.params)
	}
	if rmsprop.Centered && rmsprop.GradientAvgBuffers == nil {
		rmsprop.GradientAvgBuffers = allocBuffers(rmsprop.params)
	}

	if err := restoreIndexedBuffers(state, "squared_grad_avg", rmsprop.SquaredGradAvgBuffers); err != nil {
		return err
	}
	if err := restoreIndexedBuffers(state, "momentum", rmsprop.MomentumBuffers); err != nil {
		return err
	}
	return restoreIndexedBuffers(state, "gradient_avg", rmsprop.GradientAvgBuffers)
}
