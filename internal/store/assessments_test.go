package store

import "testing"

func TestAssessments(t *testing.T) {
	db := testDB(t)
	testRun(t, db, "run")

	records := []AssessmentRecord{
		{RunID: "run", BitFlips: 200, ComputeErrors: 0, EstimatedFlux: 6.0, Level: "maximum", CreatedAt: 1000},
		{RunID: "run", BitFlips: 3, ComputeErrors: 1, EstimatedFlux: 4.3, Level: "maximum", CreatedAt: 2000},
	}
	for _, a := range records {
		if err := db.SaveAssessment(a); err != nil {
			t.Fatalf("SaveAssessment: %v", err)
		}
	}

	got, err := db.ListAssessments("run", 10)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].BitFlips != 3 || got[1].BitFlips != 200 {
		t.Errorf("order = %d, %d; want newest first", got[0].BitFlips, got[1].BitFlips)
	}

	flips, compute, err := db.AssessmentTotals("run")
	if err != nil {
		t.Fatalf("AssessmentTotals: %v", err)
	}
	if flips != 203 || compute != 1 {
		t.Errorf("totals = %d/%d, want 203/1", flips, compute)
	}

	flips, compute, _ = db.AssessmentTotals("empty")
	if flips != 0 || compute != 0 {
		t.Errorf("empty totals = %d/%d, want 0/0", flips, compute)
	}
}
