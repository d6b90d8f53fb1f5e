package tmr

import "testing"

func TestTrackerThreshold(t *testing.T) {
	tr := NewStuckBitTracker(8)
	copies := [3]uint64{0b0100, 0, 0}

	for i := 1; i < StuckThreshold; i++ {
		if got := tr.Observe(copies, 0); got.Any() {
			t.Fatalf("observation %d: new stuck bits %b before threshold", i, got)
		}
	}
	if got := tr.Observe(copies, 0); !got.Test(2) {
		t.Fatalf("new stuck bits = %b, want bit 2", got)
	}
	if tr.Counter(2) != StuckThreshold {
		t.Errorf("Counter(2) = %d, want %d", tr.Counter(2), StuckThreshold)
	}
	if !tr.Pinned(0).Test(2) {
		t.Error("bit 2 not pinned to copy 0")
	}
	if tr.Pinned(1).Any() {
		t.Errorf("copy 1 pinned bits = %b, want none", tr.Pinned(1))
	}
	if !tr.Polarity(0).Test(2) {
		t.Error("copy 0 polarity at bit 2 should read 1")
	}
}

func TestTrackerCounterSaturates(t *testing.T) {
	tr := NewStuckBitTracker(8)
	copies := [3]uint64{1, 0, 0}
	for i := 0; i < 300; i++ {
		tr.Observe(copies, 0)
	}
	if tr.Counter(0) != 255 {
		t.Errorf("Counter(0) = %d, want 255", tr.Counter(0))
	}
}

func TestTrackerIgnoresBitsAboveWidth(t *testing.T) {
	tr := NewStuckBitTracker(8)
	for i := 0; i < StuckThreshold; i++ {
		tr.Observe([3]uint64{1 << 12, 0, 0}, 0)
	}
	if tr.Mask().Any() {
		t.Errorf("mask = %b, want empty for out-of-width bits", tr.Mask())
	}
}

func TestTrackerOnlyStuckDiffer(t *testing.T) {
	tr := NewStuckBitTracker(16)
	for i := 0; i < StuckThreshold; i++ {
		tr.Observe([3]uint64{0x0001, 0, 0}, 0)
	}

	if !tr.OnlyStuckDiffer(0, 0x0001, 0) {
		t.Error("difference on pinned bit should count as stuck-only")
	}
	if tr.OnlyStuckDiffer(0, 0x0003, 0) {
		t.Error("difference on bit 1 is not stuck-only")
	}
	if tr.OnlyStuckDiffer(1, 0x0001, 0) {
		t.Error("bit 0 is not pinned in copy 1")
	}

	tr.Reset()
	if tr.Mask().Any() || tr.Counter(0) != 0 || tr.CopyMask(0).Any() {
		t.Error("Reset left tracking state behind")
	}
}
