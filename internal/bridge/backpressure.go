package bridge

import (
	"context"
	"sync"
)

// Backpressure bounds the number of chunks admitted past the scheduler and
// not yet resolved (queued for handoff, in flight, or awaiting a result).
// Admission pauses at the high-water mark and resumes once outstanding work
// drains to the low-water mark.
type Backpressure struct {
	mu          sync.Mutex
	high        int
	low         int
	outstanding int
	paused      bool
	resume      chan struct{}
	pauses      uint64
}

func NewBackpressure(high, low int) *Backpressure {
	if high <= 0 {
		high = 1
	}
	if low < 0 || low >= high {
		low = high - 1
	}
	return &Backpressure{
		high:   high,
		low:    low,
		resume: make(chan struct{}),
	}
}

// Admit blocks until there is room for one more outstanding chunk. Never
// called from the real-time path.
func (b *Backpressure) Admit(ctx context.Context) error {
	for {
		b.mu.Lock()
		if !b.paused && b.outstanding < b.high {
			b.outstanding++
			b.mu.Unlock()
			return nil
		}
		if !b.paused {
			b.paused = true
			b.pauses++
		}
		ch := b.resume
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Release marks one outstanding chunk as resolved or abandoned.
func (b *Backpressure) Release() {
	b.mu.Lock()
	if b.outstanding > 0 {
		b.outstanding--
	}
	if b.paused && b.outstanding <= b.low {
		b.paused = false
		close(b.resume)
		b.resume = make(chan struct{})
	}
	b.mu.Unlock()
}

// Outstanding reports admitted-but-unresolved chunks. Cheap enough for the
// real-time path and metric callbacks.
func (b *Backpressure) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstanding
}

// Paused reports whether admission is currently held back.
func (b *Backpressure) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Pauses counts how many times the high-water mark was hit.
func (b *Backpressure) Pauses() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pauses
}
