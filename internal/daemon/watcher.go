package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/ingest"
)

// WatcherConfig holds configuration for the ingest Watcher.
type WatcherConfig struct {
	// Debounce is how long a feed must stay unchanged before it is loaded.
	// Writers that flush a feed in several writes trigger one load.
	Debounce time.Duration

	// Options control how feed lines become documents
	Options ingest.Options

	// OnLoad is called after each feed load attempt (optional)
	OnLoad func(path string, res *ingest.Result, err error)

	// Logger for watcher activity
	Logger *slog.Logger
}

// Watcher loads staging feeds dropped into a directory. Each
// <collection>.jsonl file created or rewritten there replaces that staging
// collection. Removing a feed leaves the collection alone.
type Watcher struct {
	dir    string
	store  docstore.Store
	config WatcherConfig
	logger *slog.Logger

	fsw *fsnotify.Watcher

	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex
}

// NewWatcher creates a Watcher on dir.
func NewWatcher(dir string, store docstore.Store, config WatcherConfig) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ingest")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		dir:         filepath.Clean(dir),
		store:       store,
		config:      config,
		logger:      logger,
		fsw:         fsw,
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Run watches the directory until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching ingest directory", "dir", w.dir, "debounce", w.config.Debounce)

	ticker := time.NewTicker(w.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, ok := ingest.CollectionFor(event.Name); !ok {
				continue
			}
			w.queueChange(event.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "dir", w.dir, "error", err)

		case <-ticker.C:
			w.processPendingChanges(ctx)
		}
	}
}

func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()
	w.changeQueue[path] = time.Now()
}

// processPendingChanges loads feeds that have been quiet for the debounce
// interval.
func (w *Watcher) processPendingChanges(ctx context.Context) {
	now := time.Now()
	var ready []string

	w.changeQueueMu.Lock()
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.Debounce {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		res, err := w.Load(ctx, path)
		if w.config.OnLoad != nil {
			w.config.OnLoad(path, res, err)
		}
	}
}

// Load replaces the staging collection named by path with its records.
// A feed that fails to parse changes nothing.
func (w *Watcher) Load(ctx context.Context, path string) (*ingest.Result, error) {
	collection, ok := ingest.CollectionFor(path)
	if !ok {
		return nil, fmt.Errorf("%s is not a feed file", path)
	}
	log := w.logger.With("collection", collection, "file", filepath.Base(path))

	docs, err := ingest.ReadJSONL(path, w.config.Options)
	if err != nil {
		log.Error("feed rejected", "error", err)
		return nil, err
	}
	res, err := ingest.ReplaceCollection(ctx, w.store, collection, docs)
	if err != nil {
		log.Error("feed load failed", "error", err)
		return res, err
	}
	log.Info("feed loaded", "written", res.Written, "deleted", res.Deleted)
	return res, nil
}
