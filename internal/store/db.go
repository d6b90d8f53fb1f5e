package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// MemoryPath is the Path of databases opened with OpenMemory.
const MemoryPath = ":memory:"

// DB is the radguard history database: runs, persisted checkpoints,
// environment assessments and protection level changes.
type DB struct {
	*sql.DB
	Path string
}

// DefaultDBPath returns ~/.radguard/radguard.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".radguard", "radguard.db"), nil
}

// filePragmas tune a file-backed database for one writer (the scrubber's
// persistence hooks) alongside readers from the API.
var filePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

var memoryPragmas = []string{
	"PRAGMA foreign_keys=ON",
}

// Open opens the database at path, creating its directory and schema as
// needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(path, filePragmas)
}

// OpenMemory opens a private in-memory database. Simulations use it when
// nothing should outlive the process.
func OpenMemory() (*DB, error) {
	db, err := open(MemoryPath, memoryPragmas)
	if err != nil {
		return nil, fmt.Errorf("memory db: %w", err)
	}
	return db, nil
}

func open(path string, pragmas []string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == MemoryPath {
		// each connection to :memory: would see its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.setup(pragmas); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) setup(pragmas []string) error {
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := db.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
