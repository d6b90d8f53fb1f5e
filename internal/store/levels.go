package store

import (
	"fmt"
	"time"
)

// LevelChange is a persisted protection level transition.
type LevelChange struct {
	ID        int64   `json:"-"`
	RunID     string  `json:"run_id"`
	FromLevel string  `json:"from"`
	ToLevel   string  `json:"to"`
	Reason    string  `json:"reason"`
	Flux      float64 `json:"flux"`
	CreatedAt int64   `json:"created_at"`
}

// RecordLevelChange persists a transition. createdAt of zero means now.
func (db *DB) RecordLevelChange(c LevelChange) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO level_changes (run_id, from_level, to_level, reason, flux, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.RunID, c.FromLevel, c.ToLevel, c.Reason, c.Flux, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert level change: %w", err)
	}
	return nil
}

// ListLevelChanges returns recent transitions, newest first. An empty runID
// lists across all runs.
func (db *DB) ListLevelChanges(runID string, limit int) ([]LevelChange, error) {
	query := `
		SELECT id, run_id, from_level, to_level, reason, flux, created_at
		FROM level_changes`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list level changes: %w", err)
	}
	defer rows.Close()

	var out []LevelChange
	for rows.Next() {
		var c LevelChange
		if err := rows.Scan(&c.ID, &c.RunID, &c.FromLevel, &c.ToLevel, &c.Reason, &c.Flux, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan level change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
