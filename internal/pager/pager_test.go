package pager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fieldops/opsync/internal/docstore"
)

func testStore(t *testing.T) docstore.Store {
	t.Helper()
	store, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "primary.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seed writes n staging documents with a shared order value every 3 docs.
func seed(t *testing.T, store docstore.Store, n int) {
	t.Helper()
	base := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	batch := docstore.NewBatch()
	for i := 0; i < n; i++ {
		batch.Set("jobsWriteback", fmt.Sprintf("S%03d", i), docstore.Fields{
			"week": base.AddDate(0, 0, 7*(i/3)),
		})
	}
	if err := store.Commit(context.Background(), batch); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func docIDs(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

// TestNext_Deterministic tests that repeated paging yields the same pages
func TestNext_Deterministic(t *testing.T) {
	store := testStore(t)
	seed(t, store, 10)
	ctx := context.Background()

	p := &Pager{Store: store, Query: docstore.Query{Collection: "jobsWriteback", OrderBy: "week"}, Limit: 4}

	run := func() []string {
		var all []string
		var cursor *docstore.Cursor
		for {
			page, err := p.Next(ctx, cursor)
			if err != nil {
				t.Fatalf("Next() failed: %v", err)
			}
			all = append(all, docIDs(page.Docs)...)
			if !page.Full(4) {
				return all
			}
			cursor = page.Next
		}
	}

	first, second := run(), run()
	if len(first) != 10 {
		t.Fatalf("paged %d docs, want 10", len(first))
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("paging not deterministic (-first +second):\n%s", diff)
	}
}

// TestNext_LimitCeiling tests that limits above the batch ceiling are rejected
func TestNext_LimitCeiling(t *testing.T) {
	store := testStore(t)
	p := &Pager{Store: store, Query: docstore.Query{Collection: "x"}, Limit: docstore.MaxBatchOps + 1}

	if _, err := p.Next(context.Background(), nil); err == nil {
		t.Fatal("Next() should reject a limit above the ceiling")
	}
}

// TestCursorStore_RoundTrip tests persisting time cursors
func TestCursorStore_RoundTrip(t *testing.T) {
	store := testStore(t)
	cs := NewCursorStore(store)
	ctx := context.Background()

	want := &docstore.Cursor{Value: time.Date(2026, 10, 10, 6, 0, 0, 0, time.UTC), ID: "S001"}
	if err := cs.Save(ctx, "fold-jobs", want); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	got, err := cs.Load(ctx, "fold-jobs")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	if err := cs.Clear(ctx, "fold-jobs"); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if got, _ := cs.Load(ctx, "fold-jobs"); got != nil {
		t.Errorf("Load() after Clear = %+v, want nil", got)
	}
}

// TestWalk_ResumesAfterFailure tests that a failed page keeps the last
// committed cursor and a retry resumes rather than restarts
func TestWalk_ResumesAfterFailure(t *testing.T) {
	store := testStore(t)
	seed(t, store, 10)
	ctx := context.Background()
	cs := NewCursorStore(store)

	p := &Pager{Store: store, Query: docstore.Query{Collection: "jobsWriteback", OrderBy: "week"}, Limit: 3}

	boom := errors.New("relational store unavailable")
	var seen []string
	calls := 0
	err := Walk(ctx, p, cs, "fold-jobs", func(ctx context.Context, page Page) error {
		calls++
		if calls == 3 {
			return boom
		}
		seen = append(seen, docIDs(page.Docs)...)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Walk() error = %v, want the raw page error", err)
	}

	saved, err := cs.Load(ctx, "fold-jobs")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if saved == nil || saved.ID != "S005" {
		t.Fatalf("saved cursor = %+v, want positioned at S005", saved)
	}

	var resumed []string
	if err := Walk(ctx, p, cs, "fold-jobs", func(ctx context.Context, page Page) error {
		resumed = append(resumed, docIDs(page.Docs)...)
		return nil
	}); err != nil {
		t.Fatalf("Walk() retry failed: %v", err)
	}

	want := []string{"S006", "S007", "S008", "S009"}
	if diff := cmp.Diff(want, resumed); diff != "" {
		t.Errorf("resumed ids mismatch (-want +got):\n%s", diff)
	}
	if got, _ := cs.Load(ctx, "fold-jobs"); got != nil {
		t.Errorf("cursor after completed walk = %+v, want cleared", got)
	}
}

// TestWalk_NoCommitNoCursor tests that a failing first page writes no cursor
func TestWalk_NoCommitNoCursor(t *testing.T) {
	store := testStore(t)
	seed(t, store, 5)
	ctx := context.Background()
	cs := NewCursorStore(store)

	p := &Pager{Store: store, Query: docstore.Query{Collection: "jobsWriteback"}, Limit: 2}
	boom := errors.New("boom")
	if err := Walk(ctx, p, cs, "fold-jobs", func(context.Context, Page) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Walk() error = %v, want boom", err)
	}

	if got, _ := cs.Load(ctx, "fold-jobs"); got != nil {
		t.Errorf("cursor = %+v, want none", got)
	}
}

// TestWalk_WithDeletes tests walking while the page handler deletes documents
func TestWalk_WithDeletes(t *testing.T) {
	store := testStore(t)
	seed(t, store, 7)
	ctx := context.Background()

	p := &Pager{Store: store, Query: docstore.Query{Collection: "jobsWriteback", OrderBy: "week"}, Limit: 2}
	count := 0
	err := Walk(ctx, p, nil, "dry", func(ctx context.Context, page Page) error {
		batch := docstore.NewBatch()
		for _, d := range page.Docs {
			batch.Delete("jobsWriteback", d.ID)
		}
		count += len(page.Docs)
		return store.Commit(ctx, batch)
	})
	if err != nil {
		t.Fatalf("Walk() failed: %v", err)
	}
	if count != 7 {
		t.Errorf("visited %d docs, want 7", count)
	}
}
