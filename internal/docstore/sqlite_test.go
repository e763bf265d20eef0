package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// testStore opens a store in a temporary directory.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "primary.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

// TestOpenSQLite_EmptyPath tests that an empty path is rejected
func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("OpenSQLite(\"\") should fail")
	}
}

// TestOpenSQLite_InMemory tests the private in-memory mode
func TestOpenSQLite_InMemory(t *testing.T) {
	store, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Commit(ctx, NewBatch().Set("jobs", "J1", Fields{"name": "a"})); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	if _, err := store.Get(ctx, "jobs", "J1"); err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
}

// TestSQLiteStore_GetMissing tests that a missing document matches ErrNotFound
func TestSQLiteStore_GetMissing(t *testing.T) {
	store := testStore(t)

	_, err := store.Get(context.Background(), "jobs", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

// TestSQLiteStore_RoundTripValues tests that the value model survives storage
func TestSQLiteStore_RoundTripValues(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	when := time.Date(2026, 10, 10, 6, 0, 0, 0, time.UTC)
	in := Fields{
		"name":       "Bridge inspection",
		"hours":      7,
		"rate":       112.5,
		"billable":   true,
		"parent":     nil,
		"weekEnding": when,
		"tags":       []string{"field", "civil"},
		"address":    map[string]any{"city": "Calgary", "unit": 4},
	}
	if err := store.Commit(ctx, NewBatch().Set("jobs", "J1", in)); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	got, err := store.Get(ctx, "jobs", "J1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	want := Fields{
		"name":       "Bridge inspection",
		"hours":      float64(7),
		"rate":       112.5,
		"billable":   true,
		"parent":     nil,
		"weekEnding": when,
		"tags":       []any{"field", "civil"},
		"address":    map[string]any{"city": "Calgary", "unit": float64(4)},
	}
	if diff := cmp.Diff(want, got.Fields); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

// TestSQLiteStore_UpdateMergesAndDeletes tests Update with DeleteField
func TestSQLiteStore_UpdateMergesAndDeletes(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Commit(ctx, NewBatch().Set("timesheets", "T1", Fields{
		"exported":         false,
		"exportInProgress": true,
		"uid":              "u1",
	})); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	if err := store.Commit(ctx, NewBatch().Update("timesheets", "T1", Fields{
		"exported":         true,
		"exportInProgress": DeleteField,
	})); err != nil {
		t.Fatalf("Commit(update) failed: %v", err)
	}

	got, err := store.Get(ctx, "timesheets", "T1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	want := Fields{"exported": true, "uid": "u1"}
	if diff := cmp.Diff(want, got.Fields); diff != "" {
		t.Errorf("after Update mismatch (-want +got):\n%s", diff)
	}
}

// TestSQLiteStore_UpdateMissingFailsBatch tests that an Update of a missing
// document rolls back the whole batch
func TestSQLiteStore_UpdateMissingFailsBatch(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	batch := NewBatch().
		Set("jobs", "J1", Fields{"name": "a"}).
		Update("jobs", "missing", Fields{"name": "b"})
	err := store.Commit(ctx, batch)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Commit() error = %v, want ErrNotFound", err)
	}

	if _, err := store.Get(ctx, "jobs", "J1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("J1 should not exist after failed batch, got err = %v", err)
	}
}

// TestSQLiteStore_BatchTooLarge tests the batch ceiling
func TestSQLiteStore_BatchTooLarge(t *testing.T) {
	store := testStore(t)

	batch := NewBatch()
	for i := 0; i <= MaxBatchOps; i++ {
		batch.Set("jobs", fmt.Sprintf("J%04d", i), Fields{"n": i})
	}
	err := store.Commit(context.Background(), batch)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("Commit() error = %v, want ErrBatchTooLarge", err)
	}
}

// TestSQLiteStore_CreateConflict tests the insert-if-absent primitive
func TestSQLiteStore_CreateConflict(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	create := func() error {
		return store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
			return tx.Create(ctx, "locks", "export-jobs", Fields{"holder": "h"})
		})
	}

	if err := create(); err != nil {
		t.Fatalf("first Create() failed: %v", err)
	}
	if err := create(); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Create() error = %v, want ErrAlreadyExists", err)
	}
}

// TestSQLiteStore_ConcurrentCreate tests that exactly one concurrent Create wins
func TestSQLiteStore_ConcurrentCreate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
				if _, err := tx.Get(ctx, "locks", "r"); err == nil {
					return ErrAlreadyExists
				}
				return tx.Create(ctx, "locks", "r", Fields{"holder": fmt.Sprint(i)})
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

// TestSQLiteStore_TransactionRollback tests that an error discards writes
func TestSQLiteStore_TransactionRollback(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Set(ctx, "jobs", "J1", Fields{"name": "a"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunTransaction() error = %v, want boom", err)
	}

	if _, err := store.Get(ctx, "jobs", "J1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("J1 should not exist after rollback, got err = %v", err)
	}
}

func seedTimesheets(t *testing.T, store Store) {
	t.Helper()
	base := time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)
	batch := NewBatch()
	for i := 0; i < 6; i++ {
		batch.Set("timesheets", fmt.Sprintf("T%d", i), Fields{
			"weekEnding": base.AddDate(0, 0, 7*(i/2)),
			"locked":     i%3 != 0,
			"exported":   false,
			"hours":      float64(10 * i),
		})
	}
	// No exported field at all.
	batch.Set("timesheets", "T9", Fields{"locked": true, "weekEnding": base})
	if err := store.Commit(context.Background(), batch); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

// TestSQLiteStore_FindFilters tests equality, inequality and range filters
func TestSQLiteStore_FindFilters(t *testing.T) {
	store := testStore(t)
	seedTimesheets(t, store)
	ctx := context.Background()

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			name:  "bool equality",
			query: Query{Collection: "timesheets"}.Where("locked", Eq, true).Where("exported", Eq, false),
			want:  []string{"T1", "T2", "T4", "T5"},
		},
		{
			name:  "missing field never matches",
			query: Query{Collection: "timesheets"}.Where("exported", Eq, false),
			want:  []string{"T0", "T1", "T2", "T3", "T4", "T5"},
		},
		{
			name:  "not equal matches missing field",
			query: Query{Collection: "timesheets"}.Where("exported", Ne, true),
			want:  []string{"T0", "T1", "T2", "T3", "T4", "T5", "T9"},
		},
		{
			name:  "not equal excludes value",
			query: Query{Collection: "timesheets"}.Where("locked", Ne, false),
			want:  []string{"T1", "T2", "T4", "T5", "T9"},
		},
		{
			name:  "number range",
			query: Query{Collection: "timesheets"}.Where("hours", Gte, 20).Where("hours", Lt, 40),
			want:  []string{"T2", "T3"},
		},
		{
			name:  "time range",
			query: Query{Collection: "timesheets"}.Where("weekEnding", Gt, time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)),
			want:  []string{"T2", "T3", "T4", "T5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.Find(ctx, tt.query)
			if err != nil {
				t.Fatalf("Find() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, ids(docs)); diff != "" {
				t.Errorf("Find() ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestSQLiteStore_FindOrderAndCursor tests ordering with id tie-breaks and
// cursor resumption
func TestSQLiteStore_FindOrderAndCursor(t *testing.T) {
	store := testStore(t)
	seedTimesheets(t, store)
	ctx := context.Background()

	q := Query{Collection: "timesheets", OrderBy: "weekEnding", Limit: 3}.Where("exported", Eq, false)

	var all []string
	for page := 0; page < 5; page++ {
		docs, err := store.Find(ctx, q)
		if err != nil {
			t.Fatalf("Find() failed: %v", err)
		}
		all = append(all, ids(docs)...)
		if len(docs) < q.Limit {
			break
		}
		q.After = q.CursorOf(docs[len(docs)-1])
	}

	want := []string{"T0", "T1", "T2", "T3", "T4", "T5"}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("paged ids mismatch (-want +got):\n%s", diff)
	}
}

// TestSQLiteStore_CursorOnMissingValues tests that documents without the
// order field sort first and page correctly
func TestSQLiteStore_CursorOnMissingValues(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	batch := NewBatch().
		Set("jobs", "A", Fields{}).
		Set("jobs", "B", Fields{}).
		Set("jobs", "C", Fields{"rank": 1}).
		Set("jobs", "D", Fields{"rank": 0})
	if err := store.Commit(ctx, batch); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	q := Query{Collection: "jobs", OrderBy: "rank", Limit: 1}
	var all []string
	for i := 0; i < 10; i++ {
		docs, err := store.Find(ctx, q)
		if err != nil {
			t.Fatalf("Find() failed: %v", err)
		}
		if len(docs) == 0 {
			break
		}
		all = append(all, docs[0].ID)
		q.After = q.CursorOf(docs[0])
	}

	want := []string{"A", "B", "D", "C"}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("paged ids mismatch (-want +got):\n%s", diff)
	}
}

// TestSQLiteStore_FindRejectsBadField tests field name validation
func TestSQLiteStore_FindRejectsBadField(t *testing.T) {
	store := testStore(t)

	_, err := store.Find(context.Background(), Query{Collection: "jobs"}.Where(`a"b`, Eq, 1))
	if err == nil {
		t.Fatal("Find() should reject a field name containing a quote")
	}
}

// TestSQLiteStore_DeleteMissingIsNoop tests delete idempotence
func TestSQLiteStore_DeleteMissingIsNoop(t *testing.T) {
	store := testStore(t)

	if err := store.Commit(context.Background(), NewBatch().Delete("jobs", "nope")); err != nil {
		t.Fatalf("Commit(delete) failed: %v", err)
	}
}
