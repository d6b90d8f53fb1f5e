package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRun(t *testing.T, db *DB, runID string) {
	t.Helper()
	if _, err := db.StartRun(runID, "simulate"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	if db.Path != MemoryPath {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "radguard.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	testRun(t, db, "file-run")
	db.Close()

	// Reopening must not re-run migrations.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	r, err := db.GetRun("file-run")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r == nil {
		t.Fatal("run lost across reopen")
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 4 {
		t.Errorf("SchemaVersion = %d, want 4", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)
	tables := []string{"schema_versions", "runs", "checkpoints", "assessments", "level_changes"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunsConstraints(t *testing.T) {
	db := testDB(t)

	if _, err := db.StartRun("r1", "serve"); err != nil {
		t.Fatalf("valid run: %v", err)
	}
	if _, err := db.StartRun("r1", "serve"); err == nil {
		t.Error("expected error for duplicate run_id, got nil")
	}
	if _, err := db.StartRun("r2", "invalid"); err == nil {
		t.Error("expected error for invalid mode, got nil")
	}
}

func TestRunLifecycle(t *testing.T) {
	db := testDB(t)
	testRun(t, db, "r1")

	if err := db.EndRun("r1"); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
	if err := db.EndRun("missing"); err == nil {
		t.Error("EndRun(missing) succeeded")
	}

	r, err := db.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if r, _ := db.GetRun("missing"); r != nil {
		t.Errorf("GetRun(missing) = %+v, want nil", r)
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Mode != "simulate" {
		t.Errorf("ListRuns = %+v", runs)
	}
}
