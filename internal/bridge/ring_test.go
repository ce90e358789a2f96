package bridge

import "testing"

func fill(n int, base int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = base + int16(i)
	}
	return out
}

func TestRingPushDrainRoundTrip(t *testing.T) {
	r := NewRing(8, OverrunStall)
	if n := r.Push(fill(5, 1)); n != 5 {
		t.Fatalf("expected 5 accepted, got %d", n)
	}
	got := r.Drain(3)
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected drain: %v", got)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", r.Len())
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewRing(4, OverrunStall)
	r.Push(fill(3, 1))
	r.Drain(3)
	// Head is now mid-buffer; the next push must wrap.
	if n := r.Push(fill(4, 10)); n != 4 {
		t.Fatalf("expected 4 accepted, got %d", n)
	}
	got := r.Drain(4)
	for i, v := range got {
		if v != 10+int16(i) {
			t.Fatalf("wrap corrupted data: %v", got)
		}
	}
}

func TestRingStallRefusesOverflow(t *testing.T) {
	r := NewRing(4, OverrunStall)
	if n := r.Push(fill(6, 1)); n != 4 {
		t.Fatalf("expected 4 accepted under stall, got %d", n)
	}
	if r.Overruns() != 2 {
		t.Fatalf("expected 2 refused samples, got %d", r.Overruns())
	}
	got := r.Drain(4)
	if got[0] != 1 || got[3] != 4 {
		t.Fatalf("stall must keep the oldest samples: %v", got)
	}
}

func TestRingDropOverwritesOldest(t *testing.T) {
	r := NewRing(4, OverrunDrop)
	if n := r.Push(fill(4, 1)); n != 4 {
		t.Fatalf("expected 4 accepted, got %d", n)
	}
	if n := r.Push(fill(2, 10)); n != 2 {
		t.Fatalf("drop policy accepts everything, got %d", n)
	}
	if r.Overruns() != 2 {
		t.Fatalf("expected 2 dropped samples, got %d", r.Overruns())
	}
	got := r.Drain(4)
	// Oldest two (1, 2) were overwritten.
	want := []int16{3, 4, 10, 11}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRingDropLargerThanCapacity(t *testing.T) {
	r := NewRing(4, OverrunDrop)
	r.Push(fill(2, 1))
	if n := r.Push(fill(10, 100)); n != 10 {
		t.Fatalf("drop policy accepts everything, got %d", n)
	}
	// 2 old + 6 of the new batch cannot survive.
	if r.Overruns() != 8 {
		t.Fatalf("expected 8 dropped samples, got %d", r.Overruns())
	}
	got := r.Drain(4)
	want := []int16{106, 107, 108, 109}
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRingSampleAccounting(t *testing.T) {
	// Pushed == drained + dropped, exactly, under sustained overrun.
	r := NewRing(16, OverrunDrop)
	var pushed, drained int
	for i := 0; i < 50; i++ {
		pushed += r.Push(fill(7, int16(i)))
		if i%3 == 0 {
			drained += len(r.Drain(10))
		}
	}
	drained += len(r.Drain(16))
	if uint64(pushed) != uint64(drained)+r.Overruns() {
		t.Fatalf("accounting mismatch: pushed=%d drained=%d dropped=%d", pushed, drained, r.Overruns())
	}
}
