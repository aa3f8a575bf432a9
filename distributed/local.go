package distributed

import (
	"context"
	"fmt"
	"sync"
)

// round is one generation of a collective: it completes when every rank has
// contributed and is then replaced by a fresh round
type round struct {
	done    chan struct{}
	sum     []float64
	arrived int
	err     error
}

// localGroup is the state shared by the ranks of an in-process group
type localGroup struct {
	mu      sync.Mutex
	size    int
	current *round
	closed  bool
}

// localRank is one member of a LocalGroup
type localRank struct {
	group *localGroup
	rank  int
}

// NewLocalGroup creates n in-process ranks that reduce through shared memory.
// Each returned communicator is meant to be driven by its own goroutine.
func NewLocalGroup(n int) ([]Communicator, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid group size: %d", n)
	}

	group := &localGroup{
		size:    n,
		current: &round{done: make(chan struct{})},
	}
	ranks := make([]Communicator, n)
	for i := range ranks {
		ranks[i] = &localRank{group: group, rank: i}
	}
	return ranks, nil
}

func (r *localRank) Rank() int      { return r.rank }
func (r *localRank) WorldSize() int { return r.group.size }

func (r *localRank) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	g := r.group

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGroupClosed
	}
	cur := g.current
	if cur.arrived == 0 {
		cur.sum = make([]float64, len(values))
	} else if len(cur.sum) != len(values) {
		g.mu.Unlock()
		return nil, fmt.Errorf("rank %d: all-reduce length %d, group expects %d", r.rank, len(values), len(cur.sum))
	}
	for i, v := range values {
		cur.sum[i] += v
	}
	cur.arrived++
	if cur.arrived == g.size {
		g.current = &round{done: make(chan struct{})}
		close(cur.done)
	}
	g.mu.Unlock()

	select {
	case <-cur.done:
		if cur.err != nil {
			return nil, cur.err
		}
		return append([]float64(nil), cur.sum...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *localRank) Barrier(ctx context.Context) error {
	_, err := r.AllReduceSum(ctx, nil)
	return err
}

// Close shuts the whole group down and releases ranks blocked in a collective
func (r *localRank) Close() error {
	g := r.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.current.err = ErrGroupClosed
	close(g.current.done)
	return nil
}
