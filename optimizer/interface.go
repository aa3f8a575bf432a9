package optimizer

import (
	"fmt"
	"strings"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
)

// Parameter is a named, flat parameter tensor with its gradient.
// The model adapter owns the values; optimizers update Data in place from Grad.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParameter allocates a zeroed parameter and gradient of the given shape
func NewParameter(name string, shape []int) *Parameter {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
		Grad:  make([]float64, size),
	}
}

// Size returns the number of elements in the parameter
func (p *Parameter) Size() int {
	return len(p.Data)
}

// Optimizer defines the common interface for all optimizers.
// It enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step performs a single optimization step using the parameters' gradients
	Step() error

	// ZeroGrad resets all parameter gradients to zero
	ZeroGrad()

	// GetLR returns the current learning rate
	GetLR() float64

	// UpdateLearningRate updates the learning rate in place
	UpdateLearningRate(lr float64)

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// Parameters returns the parameters being optimized
	Parameters() []*Parameter
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// Kind selects a base optimizer
type Kind int

const (
	Adam Kind = iota
	SGD
	AdaGrad
	RMSProp
)

func (k Kind) String() string {
	switch k {
	case Adam:
		return "Adam"
	case SGD:
		return "SGD"
	case AdaGrad:
		return "AdaGrad"
	case RMSProp:
		return "RMSProp"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// ParseKind resolves an optimizer name case-insensitively.
// ok is false for unrecognized names, in which case Adam is returned.
func ParseKind(name string) (kind Kind, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "adam":
		return Adam, true
	case "sgd":
		return SGD, true
	case "adagrad":
		return AdaGrad, true
	case "rmsprop":
		return RMSProp, true
	default:
		return Adam, false
	}
}

// New creates an optimizer of the given kind with its default configuration
// and the given learning rate
func New(kind Kind, params []*Parameter, lr float64) (Optimizer, error) {
	switch kind {
	case Adam:
		config := DefaultAdamConfig()
		config.LearningRate = lr
		return NewAdamOptimizer(config, params)
	case SGD:
		config := DefaultSGDConfig()
		config.LearningRate = lr
		return NewSGDOptimizer(config, params)
	case AdaGrad:
		config := DefaultAdaGradConfig()
		config.LearningRate = lr
		return NewAdaGradOptimizer(config, params)
	case RMSProp:
		config := DefaultRMSPropConfig()
		config.LearningRate = lr
		return NewRMSPropOptimizer(config, params)
	default:
		return nil, fmt.Errorf("unsupported optimizer kind: %s", kind)
	}
}

// validateParameters checks every parameter has a matching gradient buffer
func validateParameters(params []*Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if p.Grad != nil && len(p.Grad) != len(p.Data) {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, len(p.Grad), len(p.Data))
		}
	}
	return nil
}

// zeroGrads resets all gradients, allocating missing gradient buffers
func zeroGrads(params []*Parameter) {
	for _, p := range params {
		if p.Grad == nil {
			p.Grad = make([]float64, len(p.Data))
			continue
		}
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}
