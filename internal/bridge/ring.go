package bridge

import "sync"

// OverrunPolicy decides what happens when the ring is full.
type OverrunPolicy string

const (
	// OverrunDrop overwrites the oldest unconsumed samples.
	OverrunDrop OverrunPolicy = "drop"
	// OverrunStall rejects new samples so the caller can apply flow control.
	OverrunStall OverrunPolicy = "stall"
)

// Ring is a bounded sample buffer between the real-time callback and the
// chunk scheduler. Push is the only method the real-time path calls; every
// critical section is constant-bounded and nothing allocates after
// construction.
type Ring struct {
	mu       sync.Mutex
	buf      []int16
	head     int // read position
	size     int // occupied samples
	policy   OverrunPolicy
	overruns uint64 // samples lost (drop) or refused (stall)
}

func NewRing(capacity int, policy OverrunPolicy) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		buf:    make([]int16, capacity),
		policy: policy,
	}
}

// Push appends samples and returns how many were accepted. Under the drop
// policy all samples are accepted and the oldest are overwritten; under the
// stall policy the tail that does not fit is refused.
func (r *Ring) Push(samples []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf)
	in := samples

	if r.policy == OverrunDrop && len(in) > capacity {
		// Only the newest capacity samples can survive anyway.
		r.overruns += uint64(len(in) - capacity)
		in = in[len(in)-capacity:]
	}

	free := capacity - r.size
	if len(in) > free {
		over := len(in) - free
		if r.policy == OverrunStall {
			r.overruns += uint64(over)
			in = in[:free]
		} else {
			// Advance the read position over the oldest samples.
			r.head = (r.head + over) % capacity
			r.size -= over
			r.overruns += uint64(over)
		}
	}

	tail := (r.head + r.size) % capacity
	n := copy(r.buf[tail:], in)
	if n < len(in) {
		copy(r.buf, in[n:])
	}
	r.size += len(in)

	if r.policy == OverrunStall {
		return len(in)
	}
	return len(samples)
}

// Drain removes and returns up to max samples. Called only from the
// scheduling side.
func (r *Ring) Drain(max int) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max <= 0 || r.size == 0 {
		return nil
	}
	n := max
	if n > r.size {
		n = r.size
	}
	out := make([]int16, n)
	m := copy(out, r.buf[r.head:minInt(r.head+n, len(r.buf))])
	if m < n {
		copy(out[m:], r.buf)
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return out
}

// Len reports occupied samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Overruns reports samples lost or refused so far.
func (r *Ring) Overruns() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overruns
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
