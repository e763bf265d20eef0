// Package export mirrors finalized primary-store documents into the
// relational store.
//
// There is no transaction spanning both stores. Each batch is a small saga
// whose log is the documents' own flags (see State):
//
//  1. take the entity's lock
//  2. claim eligible documents, marking them EXPORT_IN_PROGRESS
//  3. write their rows in one relational transaction
//  4. on commit mark them EXPORTED, on failure return them to PENDING
//  5. release the lock
//
// A document that cannot be mapped is marked EXPORT_SKIPPED with the reason
// and left out of later batches, so bad records never hold back the ones
// behind them. Requeue returns skipped documents to PENDING once fixed.
//
// A crash between steps leaves documents marked in progress; Cleanup deletes
// whatever rows they may have produced and returns them to PENDING so the
// next export writes them again.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/pager"
	"github.com/fieldops/opsync/internal/reldb"
	"github.com/fieldops/opsync/internal/syncerr"
	"github.com/fieldops/opsync/internal/tracking"
)

// finishTimeout bounds the primary-store commit that ends a batch. It runs
// detached from the caller's context so a step timeout cannot strand claimed
// documents.
const finishTimeout = 30 * time.Second

// Config holds configuration for the Exporter.
type Config struct {
	// BatchSize is the most documents one export claims (at most
	// docstore.MaxBatchOps)
	BatchSize int

	// MaxBatches bounds the batches Drain runs for one entity
	MaxBatches int

	// Concurrency limits parallel tracking writes
	Concurrency int

	// Location is the business time zone for date columns
	Location *time.Location

	// Logger for export activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:   pager.DefaultLimit,
		MaxBatches:  100,
		Concurrency: 8,
		Location:    time.UTC,
		Logger:      slog.Default().With("component", "export"),
	}
}

// Skip is a claimed document that could not be mapped.
type Skip struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Result summarizes one export batch.
type Result struct {
	Entity string
	Batch  string

	// Selected counts documents returned by the eligibility query
	Selected int

	// AlreadyClaimed counts selected documents that failed the re-check
	AlreadyClaimed int

	Exported int
	Skipped  []Skip

	Tracked          int
	TrackingFailures int
}

// Exporter runs export and cleanup batches.
type Exporter struct {
	store   docstore.Store
	db      *reldb.DB
	locks   *lock.Manager
	tracker *tracking.Tracker
	mapper  *Mapper
	cursors *pager.CursorStore
	config  Config
	logger  *slog.Logger
}

// New creates an Exporter. tracker may be nil to disable tracking updates.
func New(store docstore.Store, db *reldb.DB, locks *lock.Manager, tracker *tracking.Tracker, config *Config) (*Exporter, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if locks == nil {
		return nil, fmt.Errorf("locks cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.BatchSize <= 0 || cfg.BatchSize > docstore.MaxBatchOps {
		return nil, fmt.Errorf("batch size must be 1..%d (got %d)", docstore.MaxBatchOps, cfg.BatchSize)
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "export")
	}

	return &Exporter{
		store:   store,
		db:      db,
		locks:   locks,
		tracker: tracker,
		mapper:  NewMapper(cfg.Location),
		cursors: pager.NewCursorStore(store),
		config:  cfg,
		logger:  logger,
	}, nil
}

// BatchSize returns the configured batch size.
func (e *Exporter) BatchSize() int {
	return e.config.BatchSize
}

// Export runs one batch for ent. If another operation holds the entity's
// lock the error matches syncerr.ErrPreconditionFailed and nothing changes.
func (e *Exporter) Export(ctx context.Context, ent Entity) (*Result, error) {
	if err := ent.Validate(); err != nil {
		return nil, err
	}
	res := &Result{Entity: ent.Name}
	err := e.locks.WithLock(ctx, lock.ExportResource(ent.Name), func(ctx context.Context) error {
		return e.exportBatch(ctx, ent, res)
	})
	return res, err
}

// Drain exports batches of ent until a batch selects fewer than BatchSize
// documents, makes no progress, or MaxBatches is reached. A batch that only
// skipped records still made progress. Results of batches that selected
// anything are returned in order.
func (e *Exporter) Drain(ctx context.Context, ent Entity) ([]*Result, error) {
	var results []*Result
	for i := 0; i < e.config.MaxBatches; i++ {
		res, err := e.Export(ctx, ent)
		if res != nil && res.Selected > 0 {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
		if res.Selected < e.config.BatchSize || res.Exported+len(res.Skipped) == 0 {
			break
		}
	}
	return results, nil
}

type mappedDoc struct {
	doc  docstore.Document
	rows Mapped
}

func (e *Exporter) exportBatch(ctx context.Context, ent Entity, res *Result) error {
	log := e.logger.With("entity", ent.Name, "collection", ent.Collection)

	claimed, err := e.claim(ctx, ent, res)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", ent.Name, err)
	}
	if res.AlreadyClaimed > 0 {
		log.Warn("selected documents failed eligibility re-check", "count", res.AlreadyClaimed)
	}
	if len(claimed) == 0 {
		return nil
	}
	res.Batch = batchID(claimed)
	log = log.With("batch", res.Batch)

	var ready []mappedDoc
	var skipped []docstore.Document
	for _, doc := range claimed {
		rows, err := ent.Map(e.mapper, doc)
		if err != nil {
			log.Warn("skipping record", "id", doc.ID, "error", err)
			res.Skipped = append(res.Skipped, Skip{ID: doc.ID, Reason: err.Error(), Err: err})
			skipped = append(skipped, doc)
			continue
		}
		ready = append(ready, mappedDoc{doc: doc, rows: rows})
	}

	back := make([]docstore.Document, len(ready))
	for i, m := range ready {
		back[i] = m.doc
	}
	if err := e.writeRelational(ctx, ent, ready); err != nil {
		log.Error("relational write failed, returning batch to pending", "error", err)
		if abortErr := e.finish(ctx, ent, nil, back, res.Skipped); abortErr != nil {
			log.Error("failed to clear in-progress markers", "error", abortErr)
			err = errors.Join(err, abortErr)
		}
		return &syncerr.Error{
			Kind:       syncerr.KindRelational,
			Entity:     ent.Name,
			Collection: ent.Collection,
			Batch:      res.Batch,
			Err:        err,
		}
	}

	done := back
	if err := e.finish(ctx, ent, done, nil, res.Skipped); err != nil {
		log.Error("relational rows committed but documents not marked exported", "error", err)
		return &syncerr.Error{
			Kind:       syncerr.KindPartialCommit,
			Entity:     ent.Name,
			Collection: ent.Collection,
			Batch:      res.Batch,
			Err:        err,
		}
	}
	res.Exported = len(done)

	e.track(ctx, ent, done, skipped, res, log)
	log.Info("exported batch", "exported", res.Exported, "skipped", len(res.Skipped))
	return nil
}

// claim selects eligible documents and marks them in progress in one
// transaction.
func (e *Exporter) claim(ctx context.Context, ent Entity, res *Result) ([]docstore.Document, error) {
	var claimed []docstore.Document
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		claimed = nil
		res.AlreadyClaimed = 0

		docs, err := tx.Find(ctx, ent.eligibleQuery(e.config.BatchSize))
		if err != nil {
			return err
		}
		res.Selected = len(docs)

		for _, doc := range docs {
			if !ent.eligible(doc.Fields) {
				res.AlreadyClaimed++
				continue
			}
			if err := tx.Update(ctx, ent.Collection, doc.ID, mustTransition(Pending, InProgress)); err != nil {
				return err
			}
			claimed = append(claimed, doc)
		}
		return nil
	})
	return claimed, err
}

func (e *Exporter) writeRelational(ctx context.Context, ent Entity, docs []mappedDoc) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if ent.DeferForeignKeys {
		if err := tx.DeferForeignKeys(ctx); err != nil {
			return err
		}
	}

	rows := make([]reldb.Row, len(docs))
	ids := make([]string, len(docs))
	var children []reldb.Row
	for i, d := range docs {
		rows[i] = d.rows.Row
		ids[i] = d.doc.ID
		children = append(children, d.rows.Children...)
	}

	if err := tx.Upsert(ctx, ent.Table, rows); err != nil {
		return err
	}
	if ent.Child != nil {
		if err := tx.ReplaceChildren(ctx, ent.Child.Table, ent.Child.ParentColumn, ids, children); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// finish ends a batch in one primary-store commit: done documents become
// EXPORTED, back documents return to PENDING and skipped ones are marked
// EXPORT_SKIPPED with their reason.
func (e *Exporter) finish(ctx context.Context, ent Entity, done, back []docstore.Document, skipped []Skip) error {
	batch := docstore.NewBatch()
	for _, d := range done {
		batch.Update(ent.Collection, d.ID, mustTransition(InProgress, Exported))
	}
	for _, d := range back {
		batch.Update(ent.Collection, d.ID, mustTransition(InProgress, Pending))
	}
	for _, sk := range skipped {
		batch.Update(ent.Collection, sk.ID, skip(sk.Reason))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	return e.store.Commit(ctx, batch)
}

// track updates tracking aggregates: exported documents move to the
// exported set, skipped ones are listed as pending. Failures are logged and
// counted, never returned.
func (e *Exporter) track(ctx context.Context, ent Entity, done, skipped []docstore.Document, res *Result, log *slog.Logger) {
	if e.tracker == nil || !ent.Tracked() {
		return
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.config.Concurrency)
	mark := func(doc docstore.Document, exported bool) {
		g.Go(func() error {
			period, err := e.tracker.Period(doc.Fields[ent.TrackBy])
			if err == nil {
				if exported {
					err = e.tracker.MarkExported(ctx, ent.Name, period, doc.ID)
				} else {
					err = e.tracker.MarkPending(ctx, ent.Name, period, doc.ID)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.TrackingFailures++
				log.Warn("failed to update tracking", "id", doc.ID, "error", err)
				return nil
			}
			res.Tracked++
			return nil
		})
	}
	for _, doc := range done {
		mark(doc, true)
	}
	for _, doc := range skipped {
		mark(doc, false)
	}
	_ = g.Wait()
}

func batchID(docs []docstore.Document) string {
	if len(docs) == 1 {
		return docs[0].ID
	}
	return docs[0].ID + ".." + docs[len(docs)-1].ID
}
