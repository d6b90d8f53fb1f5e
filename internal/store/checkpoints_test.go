package store

import (
	"math"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	db := testDB(t)
	testRun(t, db, "run")

	// High bit set: must survive the signed column.
	bits := uint64(math.Float64bits(-2.5))
	if err := db.SaveCheckpoint(CheckpointRecord{RunID: "run", Region: "attitude", Version: 1, Bits: bits, Width: 64}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cp, err := db.LatestCheckpoint("attitude")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("LatestCheckpoint = nil")
	}
	if cp.Bits != bits || cp.Width != 64 || cp.Version != 1 {
		t.Errorf("checkpoint = %+v, want bits %#x width 64 version 1", cp, bits)
	}
	if cp.CreatedAt == 0 {
		t.Error("CreatedAt not defaulted")
	}
}

func TestCheckpointConstraints(t *testing.T) {
	db := testDB(t)
	testRun(t, db, "run")

	if err := db.SaveCheckpoint(CheckpointRecord{RunID: "run", Region: "r", Version: 1, Width: 32}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := db.SaveCheckpoint(CheckpointRecord{RunID: "run", Region: "r", Version: 1, Width: 32}); err == nil {
		t.Error("duplicate version accepted")
	}
	if err := db.SaveCheckpoint(CheckpointRecord{RunID: "run", Region: "r", Version: 2, Width: 65}); err == nil {
		t.Error("width 65 accepted")
	}
	if err := db.SaveCheckpoint(CheckpointRecord{RunID: "no-such-run", Region: "r", Version: 3, Width: 32}); err == nil {
		t.Error("checkpoint for unknown run accepted")
	}
}

func TestListAndPruneCheckpoints(t *testing.T) {
	db := testDB(t)
	testRun(t, db, "run")

	for v := uint64(1); v <= 5; v++ {
		err := db.SaveCheckpoint(CheckpointRecord{RunID: "run", Region: "r", Version: v, Bits: v * 100, Width: 32, CreatedAt: int64(1000 * v)})
		if err != nil {
			t.Fatalf("SaveCheckpoint %d: %v", v, err)
		}
	}

	cps, err := db.ListCheckpoints("r", 3)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 3 || cps[0].Version != 5 || cps[2].Version != 3 {
		t.Errorf("ListCheckpoints versions = %v, want [5 4 3]", versions(cps))
	}

	n, err := db.PruneCheckpoints("r", 2)
	if err != nil {
		t.Fatalf("PruneCheckpoints: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned = %d, want 3", n)
	}
	cps, _ = db.ListCheckpoints("r", 10)
	if len(cps) != 2 {
		t.Errorf("remaining = %d, want 2", len(cps))
	}

	if cp, _ := db.LatestCheckpoint("other"); cp != nil {
		t.Errorf("LatestCheckpoint(other) = %+v, want nil", cp)
	}
}

func versions(cps []CheckpointRecord) []uint64 {
	out := make([]uint64, len(cps))
	for i, cp := range cps {
		out[i] = cp.Version
	}
	return out
}
