// Package distributed provides the collective operations used when several
// training processes run the same loop in lock-step on disjoint data shards.
package distributed

import (
	"context"
	"errors"
)

// ErrGroupClosed is returned by collectives invoked after Close
var ErrGroupClosed = errors.New("distributed: group closed")

// Communicator is a rank's handle on a process group.
// AllReduceSum and Barrier block until every rank of the group has called them.
type Communicator interface {
	// Rank returns this process' index in [0, WorldSize)
	Rank() int

	// WorldSize returns the number of participating ranks
	WorldSize() int

	// AllReduceSum returns the element-wise sum of values across all ranks.
	// Every rank must pass a slice of the same length.
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)

	// Barrier blocks until every rank reaches it
	Barrier(ctx context.Context) error

	// Close releases the group's resources
	Close() error
}

// IsCoordinator reports whether c is the rank responsible for shared side
// effects such as checkpoint writes. A nil communicator is single-process.
func IsCoordinator(c Communicator) bool {
	return c == nil || c.Rank() == 0
}

// Single is the communicator of a non-distributed run
type Single struct{}

// NewSingle returns a single-process communicator
func NewSingle() Single {
	return Single{}
}

func (Single) Rank() int      { return 0 }
func (Single) WorldSize() int { return 1 }

func (Single) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]float64(nil), values...), nil
}

func (Single) Barrier(ctx context.Context) error {
	return ctx.Err()
}

func (Single) Close() error { return nil }
