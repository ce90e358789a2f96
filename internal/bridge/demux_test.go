package bridge

import (
	"testing"
	"time"
)

func collectDemuxer(emitPartials bool) (*Demuxer, *[]Result) {
	var emitted []Result
	d := NewDemuxer(func(r Result) { emitted = append(emitted, r) }, emitPartials)
	return d, &emitted
}

func trackAll(d *Demuxer, n int, deadline time.Time) {
	for i := 0; i < n; i++ {
		d.Track(Chunk{Sequence: uint64(i)}, deadline)
	}
}

func TestDemuxerEmitsInSequenceOrder(t *testing.T) {
	d, emitted := collectDemuxer(false)
	far := time.Now().Add(time.Hour)
	trackAll(d, 10, far)

	// Scripted arrival: 3,1,2,4..9 then 0 last.
	arrival := []uint64{3, 1, 2, 4, 5, 6, 7, 8, 9, 0}
	for _, seq := range arrival[:len(arrival)-1] {
		if resolved := d.Offer("sess-1", TransportResult{Sequence: seq, Text: "x"}); resolved != nil {
			t.Fatalf("nothing may emit while sequence 0 is unresolved, got %v", resolved)
		}
	}
	if len(*emitted) != 0 {
		t.Fatalf("expected no emissions before the gap closes, got %d", len(*emitted))
	}

	resolved := d.Offer("sess-1", TransportResult{Sequence: 0, Text: "x"})
	if len(resolved) != 10 {
		t.Fatalf("expected the full run to drain, got %v", resolved)
	}
	for i, res := range *emitted {
		if res.Sequence != uint64(i) {
			t.Fatalf("out of order at %d: %d", i, res.Sequence)
		}
		if res.Status != StatusResolved {
			t.Fatalf("unexpected status %s", res.Status)
		}
	}
	if d.Watermark() != 10 {
		t.Fatalf("expected watermark 10, got %d", d.Watermark())
	}
}

func TestDemuxerPartialsDoNotAdvanceWatermark(t *testing.T) {
	d, emitted := collectDemuxer(true)
	far := time.Now().Add(time.Hour)
	trackAll(d, 2, far)

	d.Offer("sess-1", TransportResult{Sequence: 0, Text: "par", Partial: true})
	if len(*emitted) != 1 || !(*emitted)[0].Partial {
		t.Fatalf("partial should be forwarded immediately")
	}
	if d.Watermark() != 0 {
		t.Fatalf("partial must not advance watermark")
	}

	d.Offer("sess-1", TransportResult{Sequence: 0, Text: "fin"})
	if d.Watermark() != 1 {
		t.Fatalf("final should advance watermark, got %d", d.Watermark())
	}
}

func TestDemuxerSuppressedPartials(t *testing.T) {
	d, emitted := collectDemuxer(false)
	d.Track(Chunk{Sequence: 0}, time.Now().Add(time.Hour))
	d.Offer("sess-1", TransportResult{Sequence: 0, Partial: true})
	if len(*emitted) != 0 {
		t.Fatalf("partials disabled, nothing should emit")
	}
}

func TestDemuxerTimeoutAdvancesWatermark(t *testing.T) {
	d, emitted := collectDemuxer(false)
	now := time.Now()
	d.Track(Chunk{Sequence: 0}, now.Add(10*time.Millisecond))
	d.Track(Chunk{Sequence: 1}, now.Add(time.Hour))

	// Sequence 1 resolves first; 0 blocks the watermark until its deadline.
	d.Offer("sess-1", TransportResult{Sequence: 1, Text: "one"})
	if len(*emitted) != 0 {
		t.Fatalf("gap must hold emission")
	}

	resolved := d.Expire(now.Add(20 * time.Millisecond))
	if len(resolved) != 2 {
		t.Fatalf("expected timeout marker plus buffered final, got %v", resolved)
	}
	if (*emitted)[0].Status != StatusTimeout || (*emitted)[0].Sequence != 0 {
		t.Fatalf("expected timeout marker for 0, got %+v", (*emitted)[0])
	}
	if (*emitted)[1].Status != StatusResolved || (*emitted)[1].Sequence != 1 {
		t.Fatalf("expected buffered final for 1, got %+v", (*emitted)[1])
	}
	if d.Timeouts() != 1 {
		t.Fatalf("expected one timeout counted, got %d", d.Timeouts())
	}
}

func TestDemuxerDropsLateAndDuplicateResults(t *testing.T) {
	d, _ := collectDemuxer(false)
	d.Track(Chunk{Sequence: 0}, time.Now().Add(time.Hour))
	d.Track(Chunk{Sequence: 1}, time.Now().Add(time.Hour))

	d.Offer("sess-1", TransportResult{Sequence: 0, Text: "a"})
	// Late result for an already-resolved sequence.
	d.Offer("sess-1", TransportResult{Sequence: 0, Text: "late"})
	// Duplicate buffered final from an at-least-once resend.
	d.Offer("sess-1", TransportResult{Sequence: 1, Text: "b"})
	d.Offer("sess-2", TransportResult{Sequence: 1, Text: "b-again"})
	if d.Dropped() != 2 {
		t.Fatalf("expected two dropped results, got %d", d.Dropped())
	}
	if d.Watermark() != 2 {
		t.Fatalf("expected watermark 2, got %d", d.Watermark())
	}
}

func TestDemuxerTruncateResolvesEverything(t *testing.T) {
	d, emitted := collectDemuxer(false)
	far := time.Now().Add(time.Hour)
	trackAll(d, 4, far)
	d.Offer("sess-1", TransportResult{Sequence: 2, Text: "two"})

	resolved := d.Truncate()
	if len(resolved) != 4 {
		t.Fatalf("expected 4 resolutions, got %v", resolved)
	}
	want := []ResultStatus{StatusTruncated, StatusTruncated, StatusResolved, StatusTruncated}
	for i, res := range *emitted {
		if res.Sequence != uint64(i) || res.Status != want[i] {
			t.Fatalf("slot %d: got seq=%d status=%s", i, res.Sequence, res.Status)
		}
	}
	if d.Watermark() != 4 {
		t.Fatalf("expected watermark past everything, got %d", d.Watermark())
	}
}
