package rundb

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndList(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	if err := db.Save(&Run{BatchID: "100", ConfigName: "a", SubmitTime: early, TaskCount: 2}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := db.Save(&Run{BatchID: "101", ConfigName: "b", SubmitTime: late, TaskCount: 3}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	runs, err := db.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].BatchID != "101" || runs[1].BatchID != "100" {
		t.Errorf("expected most-recent-first order, got %s then %s", runs[0].BatchID, runs[1].BatchID)
	}
}

func TestSaveRequiresBatchID(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	if err := db.Save(&Run{}); err == nil {
		t.Error("expected empty BatchID to fail")
	}
}
