package bridge

import (
	"testing"
	"time"
)

func TestChunkerSequencesContiguous(t *testing.T) {
	ring := NewRing(1000, OverrunStall)
	c := NewChunker(ring, 10, 1000)

	ring.Push(fill(35, 0))
	var chunks []Chunk
	for {
		chunk, ok := c.Next(false)
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 full chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Sequence != uint64(i) {
			t.Fatalf("sequence gap at %d: %d", i, chunk.Sequence)
		}
		if len(chunk.Samples) != 10 {
			t.Fatalf("expected 10 samples, got %d", len(chunk.Samples))
		}
		if chunk.Final {
			t.Fatalf("no chunk should be final before flush")
		}
	}
}

func TestChunkerFlushEmitsShortFinalChunk(t *testing.T) {
	ring := NewRing(1000, OverrunStall)
	c := NewChunker(ring, 10, 1000)

	ring.Push(fill(25, 0))
	var chunks []Chunk
	for {
		chunk, ok := c.Next(true)
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	last := chunks[2]
	if !last.Final {
		t.Fatalf("trailing chunk must be final")
	}
	if len(last.Samples) != 5 {
		t.Fatalf("trailing samples must not be dropped, got %d", len(last.Samples))
	}
	if c.Consumed() != 25 {
		t.Fatalf("expected exact accounting, consumed=%d", c.Consumed())
	}
	if _, ok := c.Next(true); ok {
		t.Fatalf("nothing may follow the final chunk")
	}
}

func TestChunkerFlushOnEmptyRingEmitsEmptyFinal(t *testing.T) {
	ring := NewRing(100, OverrunStall)
	c := NewChunker(ring, 10, 1000)

	chunk, ok := c.Next(true)
	if !ok || !chunk.Final {
		t.Fatalf("expected empty final chunk, got ok=%v final=%v", ok, chunk.Final)
	}
	if len(chunk.Samples) != 0 {
		t.Fatalf("expected no samples, got %d", len(chunk.Samples))
	}
}

func TestChunkerTimeStamps(t *testing.T) {
	ring := NewRing(1000, OverrunStall)
	c := NewChunker(ring, 500, 1000) // 500ms chunks at 1 kHz

	ring.Push(fill(1000, 0))
	first, _ := c.Next(false)
	second, _ := c.Next(false)
	if first.Start != 0 || first.End != 500*time.Millisecond {
		t.Fatalf("unexpected first range: %v..%v", first.Start, first.End)
	}
	if second.Start != 500*time.Millisecond || second.End != time.Second {
		t.Fatalf("unexpected second range: %v..%v", second.Start, second.End)
	}
}
