package tmr

import "testing"

func TestMajority(t *testing.T) {
	tests := []struct {
		name      string
		copies    [3]uint32
		want      uint32
		outcome   Outcome
		dissenter int
	}{
		{"unanimous", [3]uint32{9, 9, 9}, 9, Unanimous, -1},
		{"copy 2 corrupt", [3]uint32{5, 5, 7}, 5, Corrected, 2},
		{"copy 1 corrupt", [3]uint32{5, 7, 5}, 5, Corrected, 1},
		{"copy 0 corrupt", [3]uint32{7, 5, 5}, 5, Corrected, 0},
		{"no majority", [3]uint32{1, 2, 3}, 1, Uncorrectable, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Majority(tt.copies)
			if v.Value != tt.want {
				t.Errorf("Value = %d, want %d", v.Value, tt.want)
			}
			if v.Outcome != tt.outcome {
				t.Errorf("Outcome = %v, want %v", v.Outcome, tt.outcome)
			}
			if v.Dissenter != tt.dissenter {
				t.Errorf("Dissenter = %d, want %d", v.Dissenter, tt.dissenter)
			}
			if v.Trusted() != (tt.outcome != Uncorrectable) {
				t.Errorf("Trusted = %v for outcome %v", v.Trusted(), tt.outcome)
			}
		})
	}
}

func TestErrorStatsRecord(t *testing.T) {
	var s ErrorStats
	s.Record(Unanimous)
	s.Record(Corrected)
	s.Record(Uncorrectable)
	s.Record(Corrected)

	if s.Detected != 3 {
		t.Errorf("Detected = %d, want 3", s.Detected)
	}
	if s.Corrected != 2 {
		t.Errorf("Corrected = %d, want 2", s.Corrected)
	}
	if s.Uncorrectable != 1 {
		t.Errorf("Uncorrectable = %d, want 1", s.Uncorrectable)
	}
}

func TestMaskHelpers(t *testing.T) {
	m := Mask(0).With(0, true).With(16, true)
	if !m.Test(0) || !m.Test(16) || m.Test(1) {
		t.Fatalf("unexpected mask %b", m)
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2", m.Count())
	}
	pos := m.Positions()
	if len(pos) != 2 || pos[0] != 0 || pos[1] != 16 {
		t.Errorf("Positions = %v, want [0 16]", pos)
	}
	if got := Mask(0b101).Format(4); got != "0101" {
		t.Errorf("Format = %q, want 0101", got)
	}
	if m.With(0, false).Test(0) {
		t.Error("With(0, false) left bit 0 set")
	}
}
