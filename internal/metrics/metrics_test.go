package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordVotes(t *testing.T) {
	RecordVotes("test-votes", 3, 0)
	RecordVotes("test-votes", 1, 2)

	if got := testutil.ToFloat64(votes.WithLabelValues("test-votes", "corrected")); got != 4 {
		t.Errorf("corrected = %v, want 4", got)
	}
	if got := testutil.ToFloat64(votes.WithLabelValues("test-votes", "uncorrectable")); got != 2 {
		t.Errorf("uncorrectable = %v, want 2", got)
	}
}

func TestSetRegionHealth(t *testing.T) {
	SetRegionHealth("test-health", [3]float64{1.0, 0.85, 0.1}, 2)

	if got := testutil.ToFloat64(healthScore.WithLabelValues("test-health", "2")); got != 0.1 {
		t.Errorf("copy 2 health = %v, want 0.1", got)
	}
	if got := testutil.ToFloat64(stuckBits.WithLabelValues("test-health")); got != 2 {
		t.Errorf("stuck bits = %v, want 2", got)
	}
}

func TestRecordRepair(t *testing.T) {
	RecordRepair("test-repair", true)
	RecordRepair("test-repair", false)
	RecordRepair("test-repair", false)

	if got := testutil.ToFloat64(repairs.WithLabelValues("test-repair", "failed")); got != 2 {
		t.Errorf("failed repairs = %v, want 2", got)
	}
}

func TestSetProtection(t *testing.T) {
	SetProtection(3, 6.0)
	if got := testutil.ToFloat64(protectionLevel); got != 3 {
		t.Errorf("level = %v, want 3", got)
	}
	if got := testutil.ToFloat64(estimatedFlux); got != 6.0 {
		t.Errorf("flux = %v, want 6.0", got)
	}
}
