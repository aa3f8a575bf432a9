package async

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

// sliceSource yields its items in order, optionally failing at a position
type sliceSource struct {
	items  []int
	pos    int
	failAt int
	resets int32
	delay  time.Duration
}

var errBroken = errors.New("broken batch")

func (s *sliceSource) Next(ctx context.Context) (int, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if s.failAt > 0 && s.pos == s.failAt {
		return 0, errBroken
	}
	if s.pos >= len(s.items) {
		return 0, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

func (s *sliceSource) Reset() error {
	atomic.AddInt32(&s.resets, 1)
	s.pos = 0
	return nil
}

func (s *sliceSource) Len() int { return len(s.items) }

func drain(t *testing.T, p *Prefetcher[int]) ([]int, error) {
	t.Helper()
	var got []int
	for {
		v, err := p.Next(context.Background())
		if err != nil {
			return got, err
		}
		got = append(got, v)
	}
}

func TestPrefetcherOrder(t *testing.T) {
	source := &sliceSource{items: []int{1, 2, 3, 4, 5, 6, 7}}
	p, err := NewPrefetcher[int](source, PrefetcherConfig{Depth: 2})
	if err != nil {
		t.Fatalf("Failed to create prefetcher: %v", err)
	}
	defer p.Stop()

	got, err := drain(t, p)
	if !IsEOF(err) {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("Expected 7 batches, got %v", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Errorf("batch %d = %d, want %d", i, v, i+1)
		}
	}

	// EOF is sticky until Reset
	if _, err := p.Next(context.Background()); !IsEOF(err) {
		t.Errorf("Expected repeated io.EOF, got %v", err)
	}

	if err := p.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	got, err = drain(t, p)
	if !IsEOF(err) || len(got) != 7 || got[0] != 1 {
		t.Errorf("Second pass: got %v, %v", got, err)
	}
	if p.Len() != 7 {
		t.Errorf("Expected Len 7, got %d", p.Len())
	}
}

func TestPrefetcherErrorInOrder(t *testing.T) {
	source := &sliceSource{items: []int{1, 2, 3, 4}, failAt: 2}
	p, _ := NewPrefetcher[int](source, PrefetcherConfig{})
	defer p.Stop()

	got, err := drain(t, p)
	if !errors.Is(err, errBroken) {
		t.Fatalf("Expected errBroken, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected the two batches before the failure, got %v", got)
	}
}

func TestPrefetcherResetMidPass(t *testing.T) {
	source := &sliceSource{items: []int{1, 2, 3, 4, 5}, delay: time.Millisecond}
	p, _ := NewPrefetcher[int](source, PrefetcherConfig{Depth: 1})
	defer p.Stop()

	if v, err := p.Next(context.Background()); err != nil || v != 1 {
		t.Fatalf("Expected first batch 1, got %d, %v", v, err)
	}
	if err := p.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if v, err := p.Next(context.Background()); err != nil || v != 1 {
		t.Errorf("Expected batch 1 after reset, got %d, %v", v, err)
	}
}

func TestPrefetcherContextCancel(t *testing.T) {
	source := &sliceSource{items: []int{1}, delay: time.Second}
	p, _ := NewPrefetcher[int](source, PrefetcherConfig{})
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestNewPrefetcherNilSource(t *testing.T) {
	if _, err := NewPrefetcher[int](nil, PrefetcherConfig{}); err == nil {
		t.Error("Expected error for nil source")
	}
}
