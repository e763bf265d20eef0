package export

import (
	"context"
	"fmt"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/pager"
	"github.com/fieldops/opsync/internal/syncerr"
)

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	Entity      string
	Reset       int
	RowsDeleted int64

	// TrackingFailures counts reset records whose tracking entry could not
	// be moved back to pending
	TrackingFailures int
}

// Cleanup recovers documents of ent left in EXPORT_IN_PROGRESS by a failed
// export. Under the entity's lock it deletes their relational rows (child
// rows cascade) and returns them to PENDING. Rows of referenced tables are
// kept; the next export overwrites them. Tracked records are listed as
// pending again in their period's tracking document.
//
// Running Cleanup with nothing to recover is cheap and changes nothing.
func (e *Exporter) Cleanup(ctx context.Context, ent Entity) (*CleanupResult, error) {
	if err := ent.Validate(); err != nil {
		return nil, err
	}
	res := &CleanupResult{Entity: ent.Name}

	err := e.locks.WithLock(ctx, lock.ExportResource(ent.Name), func(ctx context.Context) error {
		p := &pager.Pager{
			Store: e.store,
			Query: ent.inProgressQuery(),
			Limit: e.config.BatchSize,
		}
		return pager.Walk(ctx, p, e.cursors, "cleanup-"+ent.Name, func(ctx context.Context, page pager.Page) error {
			return e.resetPage(ctx, ent, page.Docs, res)
		})
	})
	if res.Reset > 0 {
		e.logger.Info("cleanup reset abandoned records", "entity", ent.Name,
			"collection", ent.Collection, "reset", res.Reset, "rows_deleted", res.RowsDeleted)
	}
	return res, err
}

func (e *Exporter) resetPage(ctx context.Context, ent Entity, docs []docstore.Document, res *CleanupResult) error {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	ref := batchID(docs)

	if !ent.Referenced {
		n, err := e.deleteRows(ctx, ent, ids)
		if err != nil {
			return &syncerr.Error{
				Kind:       syncerr.KindRelational,
				Entity:     ent.Name,
				Collection: ent.Collection,
				Batch:      ref,
				Err:        err,
			}
		}
		res.RowsDeleted += n
	}

	batch := docstore.NewBatch()
	for _, id := range ids {
		batch.Update(ent.Collection, id, Reset())
	}
	if err := e.store.Commit(ctx, batch); err != nil {
		return &syncerr.Error{
			Kind:       syncerr.KindPartialCommit,
			Entity:     ent.Name,
			Collection: ent.Collection,
			Batch:      ref,
			Err:        fmt.Errorf("failed to reset export flags: %w", err),
		}
	}
	res.Reset += len(ids)

	tr := &Result{}
	e.track(ctx, ent, nil, docs, tr, e.logger.With("entity", ent.Name, "collection", ent.Collection, "batch", ref))
	res.TrackingFailures += tr.TrackingFailures
	return nil
}

// Requeue returns documents of ent marked EXPORT_SKIPPED to PENDING so the
// next export tries them again. Run it once the records are corrected.
func (e *Exporter) Requeue(ctx context.Context, ent Entity) (int, error) {
	if err := ent.Validate(); err != nil {
		return 0, err
	}
	requeued := 0
	err := e.locks.WithLock(ctx, lock.ExportResource(ent.Name), func(ctx context.Context) error {
		p := &pager.Pager{
			Store: e.store,
			Query: ent.skippedQuery(),
			Limit: e.config.BatchSize,
		}
		return pager.Walk(ctx, p, e.cursors, "requeue-"+ent.Name, func(ctx context.Context, page pager.Page) error {
			batch := docstore.NewBatch()
			for _, d := range page.Docs {
				batch.Update(ent.Collection, d.ID, mustTransition(Skipped, Pending))
			}
			if err := e.store.Commit(ctx, batch); err != nil {
				return &syncerr.Error{
					Kind:       syncerr.KindPartialCommit,
					Entity:     ent.Name,
					Collection: ent.Collection,
					Batch:      batchID(page.Docs),
					Err:        fmt.Errorf("failed to requeue skipped records: %w", err),
				}
			}
			requeued += len(page.Docs)
			return nil
		})
	})
	if requeued > 0 {
		e.logger.Info("requeued skipped records", "entity", ent.Name, "collection", ent.Collection, "requeued", requeued)
	}
	return requeued, err
}

func (e *Exporter) deleteRows(ctx context.Context, ent Entity, ids []string) (int64, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := tx.DeleteByKeys(ctx, ent.Table, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
