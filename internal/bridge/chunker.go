package bridge

import "time"

// Chunker slices the ring into fixed-size chunks, stamping each with the
// next sequence number and its stream time range. Sequence numbers are
// strictly increasing and contiguous for the lifetime of the bridge.
type Chunker struct {
	ring       *Ring
	chunkSize  int
	sampleRate int
	seq        uint64
	consumed   uint64 // samples emitted so far, drives the time stamps
	finalSent  bool
}

func NewChunker(ring *Ring, chunkSize, sampleRate int) *Chunker {
	return &Chunker{
		ring:       ring,
		chunkSize:  chunkSize,
		sampleRate: sampleRate,
	}
}

// Next returns the next chunk if enough samples are buffered. With flush set
// it also emits a trailing short chunk, and the last chunk it produces is
// marked final. A flush on an empty ring still yields an empty final chunk so
// the remote side sees end-of-stream.
func (c *Chunker) Next(flush bool) (Chunk, bool) {
	if c.finalSent {
		return Chunk{}, false
	}
	buffered := c.ring.Len()
	if buffered < c.chunkSize && !flush {
		return Chunk{}, false
	}

	samples := c.ring.Drain(c.chunkSize)
	final := flush && c.ring.Len() == 0

	chunk := Chunk{
		Sequence: c.seq,
		Start:    c.offset(c.consumed),
		End:      c.offset(c.consumed + uint64(len(samples))),
		Samples:  samples,
		Final:    final,
	}
	c.seq++
	c.consumed += uint64(len(samples))
	if final {
		c.finalSent = true
	}
	return chunk, true
}

// Consumed reports the total samples carved into chunks.
func (c *Chunker) Consumed() uint64 {
	return c.consumed
}

func (c *Chunker) offset(samples uint64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(c.sampleRate)
}
