package async

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Source is a sequential batch source. Next returns io.EOF once the current
// pass is exhausted; Reset rewinds to the first batch.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
	Reset() error
	Len() int
}

// PrefetcherConfig holds configuration for the prefetcher
type PrefetcherConfig struct {
	Depth int // Number of batches fetched ahead of the consumer (default: 3)
}

// fetched is one item of the pipeline
type fetched[T any] struct {
	batch T
	err   error
}

// Prefetcher reads batches from a Source in a background goroutine so the
// next batch is ready when the training step asks for it. Batches are
// delivered in source order. Errors, including io.EOF, are delivered in
// order after the batches that preceded them.
type Prefetcher[T any] struct {
	source Source[T]
	depth  int

	mutex   sync.Mutex
	items   chan fetched[T]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	last    error // terminal error of the current pass
}

// NewPrefetcher wraps source
func NewPrefetcher[T any](source Source[T], config PrefetcherConfig) (*Prefetcher[T], error) {
	if source == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.Depth <= 0 {
		config.Depth = 3
	}
	return &Prefetcher[T]{source: source, depth: config.Depth}, nil
}

// Next returns the next batch, starting the background reader on first use
func (p *Prefetcher[T]) Next(ctx context.Context) (T, error) {
	var zero T

	p.mutex.Lock()
	if p.last != nil {
		err := p.last
		p.mutex.Unlock()
		return zero, err
	}
	if !p.running {
		p.start()
	}
	items := p.items
	p.mutex.Unlock()

	select {
	case item := <-items:
		if item.err != nil {
			p.mutex.Lock()
			p.last = item.err
			p.mutex.Unlock()
			return zero, item.err
		}
		return item.batch, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// start launches the reader; the caller holds the mutex
func (p *Prefetcher[T]) start() {
	ctx, cancel := context.WithCancel(context.Background())
	items := make(chan fetched[T], p.depth)

	p.items = items
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			batch, err := p.source.Next(ctx)
			select {
			case items <- fetched[T]{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// stop cancels the reader and waits for it; the caller holds the mutex
func (p *Prefetcher[T]) stop() {
	if !p.running {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.running = false
	p.items = nil
}

// Reset discards prefetched batches and rewinds the source
func (p *Prefetcher[T]) Reset() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.stop()
	p.last = nil
	if err := p.source.Reset(); err != nil {
		return fmt.Errorf("failed to reset data source: %w", err)
	}
	return nil
}

// Stop releases the background reader
func (p *Prefetcher[T]) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.stop()
	return nil
}

// Len returns the number of batches per pass reported by the source
func (p *Prefetcher[T]) Len() int {
	return p.source.Len()
}

// IsEOF reports whether err marks the end of a pass
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
