// Package lock implements the per-family mutual exclusion used by exporters,
// cleanup runners and folds.
//
// A lock is a document in the "locks" collection; its existence is the lock.
// Acquisition is an insert-if-absent inside a primary-store transaction, so at
// most one holder exists per resource. Locks have no TTL: they are removed by
// the holder on every exit path, and a lock that outlives StaleAfter is
// reported as stuck for an operator to clear, never expired automatically.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/syncerr"
)

// Collection holds the lock documents.
const Collection = "locks"

// ErrNotHolder is returned by Release when the lock belongs to someone else.
var ErrNotHolder = errors.New("lock held by another holder")

// ExportResource returns the lock resource shared by the exporter, cleanup
// runner and folds of one entity family.
func ExportResource(entity string) string {
	return "export-" + entity
}

// Token proves ownership of an acquired lock.
type Token struct {
	Resource   string
	Holder     string
	AcquiredAt time.Time
}

// Info describes a held lock.
type Info struct {
	Resource   string        `json:"resource"`
	Holder     string        `json:"holder"`
	Host       string        `json:"host"`
	PID        int           `json:"pid"`
	AcquiredAt time.Time     `json:"acquired_at"`
	Age        time.Duration `json:"age"`
	Stuck      bool          `json:"stuck"`
}

// Config holds configuration for the lock manager.
type Config struct {
	// StaleAfter is the age past which a held lock is reported as stuck
	StaleAfter time.Duration

	// Logger for lock activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StaleAfter: time.Hour,
		Logger:     slog.Default().With("component", "lock"),
	}
}

// Manager acquires and releases locks in the primary store.
type Manager struct {
	store      docstore.Store
	staleAfter time.Duration
	logger     *slog.Logger
	host       string
	now        func() time.Time
}

// New creates a Manager with the default configuration.
func New(store docstore.Store) (*Manager, error) {
	return NewWithConfig(store, DefaultConfig())
}

// NewWithConfig creates a Manager with custom configuration.
func NewWithConfig(store docstore.Store, config *Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale after must be positive (got %v)", config.StaleAfter)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "lock")
	}
	host, _ := os.Hostname()

	return &Manager{
		store:      store,
		staleAfter: config.StaleAfter,
		logger:     logger,
		host:       host,
		now:        time.Now,
	}, nil
}

// Acquire takes the lock on resource. If any holder already has it, the
// returned error matches syncerr.ErrAlreadyLocked (and therefore
// syncerr.ErrPreconditionFailed) and nothing is written.
func (m *Manager) Acquire(ctx context.Context, resource string) (*Token, error) {
	if resource == "" {
		return nil, fmt.Errorf("resource cannot be empty")
	}

	token := &Token{
		Resource:   resource,
		Holder:     uuid.NewString(),
		AcquiredAt: m.now().UTC(),
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		existing, err := tx.Get(ctx, Collection, resource)
		if err == nil {
			return fmt.Errorf("%w: %s held by %s since %s", syncerr.ErrAlreadyLocked,
				resource, existing.Fields.String("holder"), acquiredAt(existing).Format(time.RFC3339))
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		return tx.Create(ctx, Collection, resource, docstore.Fields{
			"holder":     token.Holder,
			"acquiredAt": token.AcquiredAt,
			"host":       m.host,
			"pid":        os.Getpid(),
		})
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrAlreadyLocked, resource)
	}
	if err != nil {
		if errors.Is(err, syncerr.ErrAlreadyLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
	}

	m.logger.Debug("lock acquired", "resource", resource, "holder", token.Holder)
	return token, nil
}

// Release removes the lock if token still holds it. Releasing a lock that no
// longer exists is logged and ignored; releasing another holder's lock fails
// with ErrNotHolder.
func (m *Manager) Release(ctx context.Context, token *Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	missing := false
	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		existing, err := tx.Get(ctx, Collection, token.Resource)
		if errors.Is(err, docstore.ErrNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		if holder := existing.Fields.String("holder"); holder != token.Holder {
			return fmt.Errorf("%w: %s is held by %s", ErrNotHolder, token.Resource, holder)
		}
		return tx.Delete(ctx, Collection, token.Resource)
	})
	if err != nil {
		if errors.Is(err, ErrNotHolder) {
			return err
		}
		return fmt.Errorf("failed to release lock %s: %w", token.Resource, err)
	}

	if missing {
		m.logger.Warn("lock already gone at release", "resource", token.Resource, "holder", token.Holder)
		return nil
	}
	m.logger.Debug("lock released", "resource", token.Resource, "holder", token.Holder,
		"held", m.now().Sub(token.AcquiredAt))
	return nil
}

// WithLock runs fn while holding resource. The lock is released on every
// path, including when ctx has expired, and a release failure is reported
// alongside fn's own error.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(ctx context.Context) error) (err error) {
	token, err := m.Acquire(ctx, resource)
	if err != nil {
		return err
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if relErr := m.Release(releaseCtx, token); relErr != nil {
			m.logger.Error("failed to release lock", "resource", resource, "holder", token.Holder, "error", relErr)
			err = errors.Join(err, relErr)
		}
	}()

	return fn(ctx)
}

// Inspect lists every held lock, marking those older than StaleAfter as
// stuck. Stuck locks are logged as operational faults.
func (m *Manager) Inspect(ctx context.Context) ([]Info, error) {
	docs, err := m.store.Find(ctx, docstore.Query{Collection: Collection})
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}

	now := m.now()
	infos := make([]Info, 0, len(docs))
	for _, doc := range docs {
		info := infoOf(doc, now)
		info.Stuck = info.Age > m.staleAfter
		if info.Stuck {
			m.logger.Error("stuck lock", "resource", info.Resource, "holder", info.Holder,
				"host", info.Host, "pid", info.PID, "age", info.Age.Round(time.Second))
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Resource < infos[j].Resource })
	return infos, nil
}

// ForceRelease deletes the lock on resource regardless of holder. It is an
// operator action for stuck locks; the caller is responsible for making sure
// the holder is really gone. It returns the removed lock, or nil if none was
// held.
func (m *Manager) ForceRelease(ctx context.Context, resource string) (*Info, error) {
	var removed *Info
	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, Collection, resource)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		info := infoOf(doc, m.now())
		removed = &info
		return tx.Delete(ctx, Collection, resource)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to force release %s: %w", resource, err)
	}
	if removed != nil {
		m.logger.Warn("lock force released", "resource", resource, "holder", removed.Holder, "age", removed.Age.Round(time.Second))
	}
	return removed, nil
}

func infoOf(doc docstore.Document, now time.Time) Info {
	pid, _ := doc.Fields.Float("pid")
	at := acquiredAt(doc)
	return Info{
		Resource:   doc.ID,
		Holder:     doc.Fields.String("holder"),
		Host:       doc.Fields.String("host"),
		PID:        int(pid),
		AcquiredAt: at,
		Age:        now.Sub(at),
	}
}

func acquiredAt(doc docstore.Document) time.Time {
	t, _ := doc.Fields.Time("acquiredAt")
	return t
}
