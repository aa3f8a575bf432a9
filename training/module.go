package training

import (
	"context"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
	"github.com/Xiaoxue-xx/TextBox/metrics"
	"github.com/Xiaoxue-xx/TextBox/optimizer"
)

// Model is the text generation model driven by a Trainer. Gradient
// computation belongs to the model: Forward returns a Loss whose Backward
// fills the parameters' gradients.
type Model interface {
	Train() // Sets the model to training mode
	Eval()  // Sets the model to evaluation mode

	// Parameters returns the trainable parameters, in a stable order
	Parameters() []*optimizer.Parameter

	// Forward computes the loss of one batch
	Forward(ctx context.Context, batch any, epochIdx int) (Loss, error)

	// Generate produces one text per sample of the batch
	Generate(ctx context.Context, batch any) ([]string, error)

	StateDict() []checkpoints.WeightTensor
	LoadStateDict(state []checkpoints.WeightTensor) error
}

// Loss is the scalar loss of one batch
type Loss interface {
	Value() float64
	Backward() error
}

// Seeder is implemented by models whose randomness can be re-seeded when a
// run is resumed
type Seeder interface {
	Seed(seed int64)
}

// Evaluator scores a generated corpus against its references
type Evaluator interface {
	Evaluate(ctx context.Context, generated, references []string, metricNames []string) (metrics.Results, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface
type EvaluatorFunc func(ctx context.Context, generated, references []string, metricNames []string) (metrics.Results, error)

// Evaluate calls f
func (f EvaluatorFunc) Evaluate(ctx context.Context, generated, references []string, metricNames []string) (metrics.Results, error) {
	return f(ctx, generated, references, metricNames)
}

// ScalarLoss is a Loss with nothing to back-propagate
type ScalarLoss float64

// Value returns the loss
func (l ScalarLoss) Value() float64 { return float64(l) }

// Backward does nothing
func (l ScalarLoss) Backward() error { return nil }
