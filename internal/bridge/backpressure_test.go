package bridge

import (
	"context"
	"testing"
	"time"
)

func TestBackpressureAdmitUpToHighWater(t *testing.T) {
	bp := NewBackpressure(3, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bp.Admit(ctx); err != nil {
			t.Fatalf("admit %d failed: %v", i, err)
		}
	}
	if bp.Outstanding() != 3 {
		t.Fatalf("expected 3 outstanding, got %d", bp.Outstanding())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bp.Admit(ctx); err == nil {
		t.Fatalf("admit beyond high water must block")
	}
	if bp.Pauses() != 1 {
		t.Fatalf("expected one pause, got %d", bp.Pauses())
	}
}

func TestBackpressureResumesAtLowWater(t *testing.T) {
	bp := NewBackpressure(3, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = bp.Admit(ctx)
	}

	admitted := make(chan error, 1)
	go func() {
		admitted <- bp.Admit(context.Background())
	}()

	// One release is not enough: hysteresis holds until the low-water mark.
	bp.Release()
	select {
	case <-admitted:
		t.Fatalf("admission resumed above low water")
	case <-time.After(30 * time.Millisecond):
	}
	if !bp.Paused() {
		t.Fatalf("expected paused state to persist")
	}

	bp.Release()
	select {
	case err := <-admitted:
		if err != nil {
			t.Fatalf("admit after resume failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("admission did not resume at low water")
	}
	if bp.Paused() {
		t.Fatalf("expected resume to clear pause")
	}
}

func TestBackpressureCancelledAdmit(t *testing.T) {
	bp := NewBackpressure(1, 0)
	_ = bp.Admit(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bp.Admit(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
