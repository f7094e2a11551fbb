package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func setupHistory(t *testing.T) *History {
	t.Helper()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewHistory(db)
}

func TestAppendAndRecent(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()

	id1, err := h.Append(ctx, "watch_collect", "success", 1200*time.Millisecond, 0, "")
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if id1 == "" {
		t.Fatal("Append() returned empty id")
	}

	if _, err := h.Append(ctx, "curate_digest", "agent_failure", 80*time.Millisecond, 2, "boom"); err != nil {
		t.Fatal(err)
	}

	records, err := h.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	// Newest first.
	if records[0].Tool != "curate_digest" {
		t.Errorf("records[0].Tool = %q, want curate_digest", records[0].Tool)
	}
	if records[0].Outcome != "agent_failure" || records[0].ExitCode != 2 || records[0].Error != "boom" {
		t.Errorf("records[0] = %+v", records[0])
	}
	if records[1].DurationMS != 1200 {
		t.Errorf("records[1].DurationMS = %d, want 1200", records[1].DurationMS)
	}
	if records[1].Error != "" {
		t.Errorf("success record should have empty error, got %q", records[1].Error)
	}
	if records[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
}

func TestRecentFilterAndLimit(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := h.Append(ctx, "a", "success", time.Millisecond, 0, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.Append(ctx, "b", "timeout", time.Second, -1, "timed out"); err != nil {
		t.Fatal(err)
	}

	records, err := h.Recent(ctx, "a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Errorf("len(records) = %d, want 3", len(records))
	}
	for _, rec := range records {
		if rec.Tool != "a" {
			t.Errorf("filter leaked tool %q", rec.Tool)
		}
	}
}

func TestAppendRejectsEmptyFields(t *testing.T) {
	h := setupHistory(t)

	if _, err := h.Append(context.Background(), "", "success", 0, 0, ""); err == nil {
		t.Error("empty tool should be rejected")
	}
	if _, err := h.Append(context.Background(), "a", "", 0, 0, ""); err == nil {
		t.Error("empty outcome should be rejected")
	}
}

func TestPrune(t *testing.T) {
	h := setupHistory(t)
	ctx := context.Background()

	if _, err := h.Append(ctx, "a", "success", 0, 0, ""); err != nil {
		t.Fatal(err)
	}

	// Backdate the row past the retention window.
	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if _, err := h.db.ExecContext(ctx, `UPDATE execution_history SET created_at = ?;`, old); err != nil {
		t.Fatal(err)
	}

	n, err := h.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	records, err := h.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d after prune, want 0", len(records))
	}

	// Zero retention disables pruning.
	if n, err := h.Prune(ctx, 0); err != nil || n != 0 {
		t.Errorf("Prune(0) = %d, %v; want 0, nil", n, err)
	}
}
