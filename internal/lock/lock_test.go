package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/syncerr"
)

func testManager(t *testing.T) (*Manager, docstore.Store) {
	t.Helper()
	store, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "primary.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m, err := NewWithConfig(store, &Config{StaleAfter: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	return m, store
}

// TestNew_NilStore tests constructor validation
func TestNew_NilStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

// TestAcquire_HeldIsPrecondition tests that a second acquire fails cleanly
func TestAcquire_HeldIsPrecondition(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "export-jobs"); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	_, err := m.Acquire(ctx, "export-jobs")
	if !errors.Is(err, syncerr.ErrAlreadyLocked) {
		t.Fatalf("Acquire() error = %v, want ErrAlreadyLocked", err)
	}
	if !syncerr.IsPrecondition(err) {
		t.Errorf("IsPrecondition(%v) = false, want true", err)
	}

	// Other resources are independent.
	if _, err := m.Acquire(ctx, "export-clients"); err != nil {
		t.Errorf("Acquire(other) failed: %v", err)
	}
}

// TestAcquire_ConcurrentExactlyOneWins tests at-most-one-writer
func TestAcquire_ConcurrentExactlyOneWins(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	tokens := make(chan *Token, workers)
	failures := make(chan error, workers)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tok, err := m.Acquire(ctx, "export-timesheets")
			if err != nil {
				failures <- err
				return
			}
			tokens <- tok
		}()
	}
	close(start)
	wg.Wait()
	close(tokens)
	close(failures)

	if len(tokens) != 1 {
		t.Fatalf("successful acquires = %d, want 1", len(tokens))
	}
	for err := range failures {
		if !errors.Is(err, syncerr.ErrAlreadyLocked) {
			t.Errorf("loser error = %v, want ErrAlreadyLocked", err)
		}
	}
}

// TestRelease_ThenReacquire tests the full lifecycle
func TestRelease_ThenReacquire(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	tok, err := m.Acquire(ctx, "export-jobs")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if err := m.Release(ctx, tok); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if _, err := m.Acquire(ctx, "export-jobs"); err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
}

// TestRelease_OtherHolder tests that a stale token cannot delete a newer lock
func TestRelease_OtherHolder(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	old, err := m.Acquire(ctx, "export-jobs")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if _, err := m.ForceRelease(ctx, "export-jobs"); err != nil {
		t.Fatalf("ForceRelease() failed: %v", err)
	}
	if _, err := m.Acquire(ctx, "export-jobs"); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if err := m.Release(ctx, old); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release(old) error = %v, want ErrNotHolder", err)
	}
}

// TestRelease_Missing tests that releasing an absent lock is a no-op
func TestRelease_Missing(t *testing.T) {
	m, _ := testManager(t)

	tok := &Token{Resource: "export-jobs", Holder: "gone"}
	if err := m.Release(context.Background(), tok); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
}

// TestWithLock_ReleasesOnError tests that the lock is freed on the failure path
func TestWithLock_ReleasesOnError(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithLock(ctx, "export-jobs", func(ctx context.Context) error {
		if _, err := m.Acquire(ctx, "export-jobs"); !errors.Is(err, syncerr.ErrAlreadyLocked) {
			t.Errorf("nested Acquire() error = %v, want ErrAlreadyLocked", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithLock() error = %v, want boom", err)
	}

	infos, err := m.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("locks after WithLock = %v, want none", infos)
	}
}

// TestWithLock_ReleasesAfterTimeout tests release when the context expired
func TestWithLock_ReleasesAfterTimeout(t *testing.T) {
	m, _ := testManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.WithLock(ctx, "export-jobs", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithLock() error = %v, want DeadlineExceeded", err)
	}

	infos, err := m.Inspect(context.Background())
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("locks after timeout = %v, want none", infos)
	}
}

// TestInspect_ReportsStuck tests stuck lock detection
func TestInspect_ReportsStuck(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	base := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	if _, err := m.Acquire(ctx, "export-expenses"); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	if _, err := m.Acquire(ctx, "export-invoices"); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	m.now = func() time.Time { return base.Add(90 * time.Minute) }
	infos, err := m.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect() failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Inspect() returned %d locks, want 2", len(infos))
	}
	if infos[0].Resource != "export-expenses" || !infos[0].Stuck {
		t.Errorf("infos[0] = %+v, want stuck export-expenses", infos[0])
	}
	if infos[1].Resource != "export-invoices" || infos[1].Stuck {
		t.Errorf("infos[1] = %+v, want live export-invoices", infos[1])
	}
	if infos[0].PID == 0 {
		t.Error("PID not recorded")
	}
}

// TestForceRelease_Absent tests force release of a free resource
func TestForceRelease_Absent(t *testing.T) {
	m, _ := testManager(t)

	removed, err := m.ForceRelease(context.Background(), "export-jobs")
	if err != nil {
		t.Fatalf("ForceRelease() failed: %v", err)
	}
	if removed != nil {
		t.Errorf("ForceRelease() = %+v, want nil", removed)
	}
}
