package tracking

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fieldops/opsync/internal/docstore"
)

func testTracker(t *testing.T) (*Tracker, docstore.Store) {
	t.Helper()
	store, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "primary.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	loc, err := time.LoadLocation("America/Edmonton")
	if err != nil {
		t.Fatalf("LoadLocation() failed: %v", err)
	}
	return New(store, loc, nil), store
}

// TestPeriod_UsesBusinessZone tests that a UTC timestamp maps to the local date
func TestPeriod_UsesBusinessZone(t *testing.T) {
	tr, _ := testTracker(t)

	// 03:00 UTC on the 11th is still the 10th in Edmonton.
	got, err := tr.Period(time.Date(2026, 10, 11, 3, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Period() failed: %v", err)
	}
	if got != "2026-10-10" {
		t.Errorf("Period() = %q, want 2026-10-10", got)
	}

	if _, err := tr.Period(nil); err == nil {
		t.Error("Period(nil) should fail")
	}
	if got, _ := tr.Period("2026-10-10"); got != "2026-10-10" {
		t.Errorf("Period(string) = %q", got)
	}
}

// TestMarkExported_CreatesAndMoves tests lazy creation and pending removal
func TestMarkExported_CreatesAndMoves(t *testing.T) {
	tr, store := testTracker(t)
	ctx := context.Background()

	if err := store.Commit(ctx, docstore.NewBatch().Set(Collection, DocID("timesheets", "2026-10-10"), docstore.Fields{
		"kind":    "timesheets",
		"period":  "2026-10-10",
		"pending": []any{"T1", "T2"},
	})); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	if err := tr.MarkExported(ctx, "timesheets", "2026-10-10", "T1"); err != nil {
		t.Fatalf("MarkExported() failed: %v", err)
	}
	if err := tr.MarkExported(ctx, "expenses", "2026-10-17", "E1"); err != nil {
		t.Fatalf("MarkExported() failed: %v", err)
	}

	rec, err := tr.Get(ctx, "timesheets", "2026-10-10")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"T2"}, rec.Pending); diff != "" {
		t.Errorf("Pending mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"T1"}, rec.Exported); diff != "" {
		t.Errorf("Exported mismatch (-want +got):\n%s", diff)
	}
	if _, ok := rec.ExportedAt["T1"]; !ok {
		t.Error("ExportedAt missing T1")
	}

	created, err := tr.Get(ctx, "expenses", "2026-10-17")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if created.Kind != "expenses" || len(created.Exported) != 1 {
		t.Errorf("created record = %+v", created)
	}
}

// TestMarkExported_Concurrent tests that concurrent marks are not lost
func TestMarkExported_Concurrent(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- tr.MarkExported(ctx, "timesheets", "2026-10-10", fmt.Sprintf("T%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("MarkExported() failed: %v", err)
		}
	}

	rec, err := tr.Get(ctx, "timesheets", "2026-10-10")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(rec.Exported) != 10 {
		t.Errorf("Exported = %d ids, want 10", len(rec.Exported))
	}
}

// TestMarkPending_MovesBack tests that a reset record leaves the exported set
func TestMarkPending_MovesBack(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	for _, id := range []string{"T1", "T2"} {
		if err := tr.MarkExported(ctx, "timesheets", "2026-10-10", id); err != nil {
			t.Fatalf("MarkExported() failed: %v", err)
		}
	}
	if err := tr.MarkPending(ctx, "timesheets", "2026-10-10", "T1"); err != nil {
		t.Fatalf("MarkPending() failed: %v", err)
	}
	// Unknown period: created with the id pending.
	if err := tr.MarkPending(ctx, "timesheets", "2026-10-17", "T9"); err != nil {
		t.Fatalf("MarkPending() failed: %v", err)
	}

	rec, err := tr.Get(ctx, "timesheets", "2026-10-10")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"T1"}, rec.Pending); diff != "" {
		t.Errorf("Pending mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"T2"}, rec.Exported); diff != "" {
		t.Errorf("Exported mismatch (-want +got):\n%s", diff)
	}
	if _, ok := rec.ExportedAt["T1"]; ok {
		t.Error("ExportedAt still has T1")
	}

	created, err := tr.Get(ctx, "timesheets", "2026-10-17")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"T9"}, created.Pending); diff != "" {
		t.Errorf("created Pending mismatch (-want +got):\n%s", diff)
	}
}

// TestGet_Missing tests the not found path
func TestGet_Missing(t *testing.T) {
	tr, _ := testTracker(t)
	_, err := tr.Get(context.Background(), "timesheets", "1999-01-02")
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
