package store

import (
	"fmt"
	"time"
)

// AssessmentRecord is one persisted environment assessment.
type AssessmentRecord struct {
	ID            int64   `json:"-"`
	RunID         string  `json:"run_id"`
	BitFlips      uint32  `json:"bit_flips"`
	ComputeErrors uint32  `json:"compute_errors"`
	EstimatedFlux float64 `json:"estimated_flux"`
	Level         string  `json:"level"`
	CreatedAt     int64   `json:"created_at"`
}

// SaveAssessment persists an assessment. createdAt of zero means now.
func (db *DB) SaveAssessment(a AssessmentRecord) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO assessments (run_id, bit_flips, compute_errors, estimated_flux, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.RunID, a.BitFlips, a.ComputeErrors, a.EstimatedFlux, a.Level, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

// ListAssessments returns the newest assessments of a run.
func (db *DB) ListAssessments(runID string, limit int) ([]AssessmentRecord, error) {
	rows, err := db.Query(`
		SELECT id, run_id, bit_flips, compute_errors, estimated_flux, level, created_at
		FROM assessments WHERE run_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var out []AssessmentRecord
	for rows.Next() {
		var a AssessmentRecord
		if err := rows.Scan(&a.ID, &a.RunID, &a.BitFlips, &a.ComputeErrors, &a.EstimatedFlux, &a.Level, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AssessmentTotals sums the error counts recorded for a run.
func (db *DB) AssessmentTotals(runID string) (bitFlips, computeErrors int64, err error) {
	err = db.QueryRow(`
		SELECT COALESCE(SUM(bit_flips), 0), COALESCE(SUM(compute_errors), 0)
		FROM assessments WHERE run_id = ?
	`, runID).Scan(&bitFlips, &computeErrors)
	if err != nil {
		return 0, 0, fmt.Errorf("assessment totals: %w", err)
	}
	return bitFlips, computeErrors, nil
}
