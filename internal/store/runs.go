package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Run is one lifetime of a protection engine.
type Run struct {
	ID        int64  `json:"-"`
	RunID     string `json:"run_id"`
	Mode      string `json:"mode"`
	StartedAt int64  `json:"started_at"`
	EndedAt   *int64 `json:"ended_at,omitempty"`
}

// StartRun records a new run.
func (db *DB) StartRun(runID, mode string) (*Run, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		INSERT INTO runs (run_id, mode, started_at) VALUES (?, ?, ?)
	`, runID, mode, now)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	id, _ := result.LastInsertId()
	return &Run{ID: id, RunID: runID, Mode: mode, StartedAt: now}, nil
}

// EndRun stamps the end time of a run.
func (db *DB) EndRun(runID string) error {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`UPDATE runs SET ended_at = ? WHERE run_id = ?`, now, runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("end run: %s not found", runID)
	}
	return nil
}

// GetRun returns a run by id, or nil if it does not exist.
func (db *DB) GetRun(runID string) (*Run, error) {
	var r Run
	err := db.QueryRow(`
		SELECT id, run_id, mode, started_at, ended_at FROM runs WHERE run_id = ?
	`, runID).Scan(&r.ID, &r.RunID, &r.Mode, &r.StartedAt, &r.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	rows, err := db.Query(`
		SELECT id, run_id, mode, started_at, ended_at FROM runs
		ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.RunID, &r.Mode, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
