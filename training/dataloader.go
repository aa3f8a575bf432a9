package training

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/Xiaoxue-xx/TextBox/async"
)

// DataLoader yields the batches of one pass over a dataset. Next returns
// io.EOF once the pass is exhausted; Reset starts a new pass. References
// returns the reference texts of the current pass, in batch order.
type DataLoader interface {
	Reset() error
	Next(ctx context.Context) (any, error)
	Len() int
	References() []string
}

// Sample is one source/target text pair
type Sample struct {
	Source string
	Target string
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                    // Total number of samples
	Get(idx int) (Sample, error) // Returns a single sample
}

// SliceDataset is an in-memory Dataset
type SliceDataset []Sample

// Len returns the number of samples
func (d SliceDataset) Len() int { return len(d) }

// Get returns sample idx
func (d SliceDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(d) {
		return Sample{}, fmt.Errorf("sample index %d out of range [0, %d)", idx, len(d))
	}
	return d[idx], nil
}

// Batch is a group of consecutive samples
type Batch struct {
	Samples []Sample
}

// Sources returns the source texts of the batch
func (b *Batch) Sources() []string {
	out := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.Source
	}
	return out
}

// Targets returns the target texts of the batch
func (b *Batch) Targets() []string {
	out := make([]string, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s.Target
	}
	return out
}

// BatchLoaderConfig configures a BatchLoader
type BatchLoaderConfig struct {
	BatchSize int   // Samples per batch (default: 1)
	Shuffle   bool  // Reorder samples at every Reset
	Seed      int64 // Shuffle seed
	Rank      int   // Shard of this process
	WorldSize int   // Number of shards (default: 1)
}

// BatchLoader provides batching, shuffling and rank sharding over a Dataset.
// Each rank sees every WorldSize-th sample starting at its Rank. Shards are
// padded by wrapping around to the first samples so that every rank gets
// ceil(N/WorldSize) samples and runs the same number of steps.
type BatchLoader struct {
	dataset Dataset
	config  BatchLoaderConfig
	rng     *rand.Rand

	indices  []int
	position int
	mutex    sync.Mutex
}

// NewBatchLoader creates a BatchLoader positioned at the start of a pass
func NewBatchLoader(dataset Dataset, config BatchLoaderConfig) (*BatchLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.WorldSize <= 0 {
		config.WorldSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}

	dl := &BatchLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
	if err := dl.Reset(); err != nil {
		return nil, err
	}
	return dl, nil
}

// Reset starts a new pass, reshuffling when configured to
func (dl *BatchLoader) Reset() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.indices = dl.indices[:0]
	n := dl.dataset.Len()
	if n > 0 {
		world := dl.config.WorldSize
		padded := (n + world - 1) / world * world
		for i := dl.config.Rank; i < padded; i += world {
			dl.indices = append(dl.indices, i%n)
		}
	}
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	dl.position = 0
	return nil
}

// Next returns the next *Batch of the pass, or io.EOF
func (dl *BatchLoader) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, io.EOF
	}
	end := min(dl.position+dl.config.BatchSize, len(dl.indices))

	batch := &Batch{Samples: make([]Sample, 0, end-dl.position)}
	for _, idx := range dl.indices[dl.position:end] {
		sample, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to get sample %d: %w", idx, err)
		}
		batch.Samples = append(batch.Samples, sample)
	}
	dl.position = end
	return batch, nil
}

// Len returns the number of batches per pass
func (dl *BatchLoader) Len() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// References returns the target texts of the pass in batch order
func (dl *BatchLoader) References() []string {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	refs := make([]string, 0, len(dl.indices))
	for _, idx := range dl.indices {
		sample, err := dl.dataset.Get(idx)
		if err != nil {
			continue
		}
		refs = append(refs, sample.Target)
	}
	return refs
}

// prefetchLoader reads its batches through a background prefetcher
type prefetchLoader struct {
	DataLoader
	prefetcher *async.Prefetcher[any]
}

// Prefetch wraps loader so that up to depth batches are read ahead of the
// consumer. A non-positive depth returns loader unchanged.
func Prefetch(loader DataLoader, depth int) (DataLoader, error) {
	if loader == nil || depth <= 0 {
		return loader, nil
	}
	p, err := async.NewPrefetcher[any](loader, async.PrefetcherConfig{Depth: depth})
	if err != nil {
		return nil, err
	}
	return &prefetchLoader{DataLoader: loader, prefetcher: p}, nil
}

func (l *prefetchLoader) Next(ctx context.Context) (any, error) {
	return l.prefetcher.Next(ctx)
}

func (l *prefetchLoader) Reset() error {
	return l.prefetcher.Reset()
}

// Close stops the background reader
func (l *prefetchLoader) Close() error {
	return l.prefetcher.Stop()
}
