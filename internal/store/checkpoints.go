package store

import (
	"fmt"
	"time"
)

// CheckpointRecord is a persisted checkpoint. Bits holds the raw bit pattern
// of the value; SQLite integers are signed, so the pattern is stored as its
// two's-complement int64 and converted back on read.
type CheckpointRecord struct {
	ID        int64  `json:"-"`
	RunID     string `json:"run_id"`
	Region    string `json:"region"`
	Version   uint64 `json:"version"`
	Bits      uint64 `json:"bits"`
	Width     int    `json:"width"`
	CreatedAt int64  `json:"created_at"`
}

// SaveCheckpoint persists one checkpoint. createdAt of zero means now.
func (db *DB) SaveCheckpoint(cp CheckpointRecord) error {
	if cp.CreatedAt == 0 {
		cp.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO checkpoints (run_id, region, version, bits, width, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.RunID, cp.Region, int64(cp.Version), int64(cp.Bits), cp.Width, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s@%d: %w", cp.Region, cp.Version, err)
	}
	return nil
}

// ListCheckpoints returns the newest checkpoints of region across all runs.
func (db *DB) ListCheckpoints(region string, limit int) ([]CheckpointRecord, error) {
	rows, err := db.Query(`
		SELECT id, run_id, region, version, bits, width, created_at
		FROM checkpoints WHERE region = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, region, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var cp CheckpointRecord
		var version, bits int64
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Region, &version, &bits, &cp.Width, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Version = uint64(version)
		cp.Bits = uint64(bits)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the newest checkpoint of region, or nil.
func (db *DB) LatestCheckpoint(region string) (*CheckpointRecord, error) {
	cps, err := db.ListCheckpoints(region, 1)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return &cps[0], nil
}

// PruneCheckpoints keeps the newest keep checkpoints of region and deletes
// the rest. It returns the number deleted.
func (db *DB) PruneCheckpoints(region string, keep int) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM checkpoints WHERE region = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE region = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)
	`, region, region, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return result.RowsAffected()
}
