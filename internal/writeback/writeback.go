// Package writeback pushes aggregates computed in the relational store back
// into canonical job documents.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fieldops/opsync/internal/diff"
	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/fold"
	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/reldb"
)

// JobsCollection holds the canonical job documents, keyed by job number.
const JobsCollection = "jobs"

// Result summarizes one writeback run.
type Result struct {
	Aggregates int
	Updated    int
	Cleared    int
	Missing    []string
}

// Writer updates job documents from relational aggregates.
type Writer struct {
	store  docstore.Store
	db     *reldb.DB
	locks  *lock.Manager
	logger *slog.Logger
}

// New creates a Writer.
func New(store docstore.Store, db *reldb.DB, locks *lock.Manager, logger *slog.Logger) (*Writer, error) {
	if store == nil || db == nil || locks == nil {
		return nil, fmt.Errorf("store, db and locks are required")
	}
	if logger == nil {
		logger = slog.Default().With("component", "writeback")
	}
	return &Writer{store: store, db: db, locks: locks, logger: logger}, nil
}

// Run writes the aggregate fields onto every job whose values differ.
// Jobs that no longer have time booked are cleared. It holds the jobs lock
// so it never interleaves with a jobs fold or export.
func (w *Writer) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	err := w.locks.WithLock(ctx, lock.ExportResource(JobsCollection), func(ctx context.Context) error {
		return w.run(ctx, res)
	})
	return res, err
}

func (w *Writer) run(ctx context.Context, res *Result) error {
	aggs, err := w.db.JobAggregates(ctx)
	if err != nil {
		return err
	}
	res.Aggregates = len(aggs)

	var pending *docstore.Batch
	flush := func() error {
		if pending == nil || pending.Len() == 0 {
			return nil
		}
		if err := w.store.Commit(ctx, pending); err != nil {
			return fmt.Errorf("failed to write job aggregates: %w", err)
		}
		pending = nil
		return nil
	}
	queue := func(id string, fields docstore.Fields) error {
		if pending == nil {
			pending = docstore.NewBatch()
		}
		pending.Update(JobsCollection, id, fields)
		if pending.Len() >= docstore.MaxBatchOps {
			return flush()
		}
		return nil
	}

	booked := make(map[string]bool, len(aggs))
	for _, a := range aggs {
		booked[a.Job] = true
		doc, err := w.store.Get(ctx, JobsCollection, a.Job)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				res.Missing = append(res.Missing, a.Job)
				continue
			}
			return fmt.Errorf("failed to load job %s: %w", a.Job, err)
		}

		want := docstore.Fields{
			"totalHours":        a.TotalHours,
			"lastTimeEntryDate": a.LastTimeEntryDate,
			"hasTimeEntries":    a.HasTimeEntries(),
		}
		if diff.Compute(current(doc.Fields), want).Empty() {
			continue
		}
		if err := queue(doc.ID, want); err != nil {
			return err
		}
		res.Updated++
	}

	// Jobs flagged earlier whose time has since been removed.
	flagged, err := w.store.Find(ctx, docstore.Query{Collection: JobsCollection}.Where("hasTimeEntries", docstore.Eq, true))
	if err != nil {
		return fmt.Errorf("failed to find jobs with time entries: %w", err)
	}
	for _, doc := range flagged {
		if booked[doc.ID] {
			continue
		}
		if err := queue(doc.ID, docstore.Fields{
			"totalHours":        0.0,
			"lastTimeEntryDate": docstore.DeleteField,
			"hasTimeEntries":    false,
		}); err != nil {
			return err
		}
		res.Cleared++
	}

	if err := flush(); err != nil {
		return err
	}
	if len(res.Missing) > 0 {
		w.logger.Warn("aggregates reference unknown jobs", "collection", JobsCollection, "jobs", res.Missing)
	}
	w.logger.Info("writeback finished", "aggregates", res.Aggregates, "updated", res.Updated, "cleared", res.Cleared)
	return nil
}

// current returns the aggregate fields the job document holds now.
func current(fields docstore.Fields) docstore.Fields {
	out := docstore.Fields{}
	for _, f := range fold.JobAggregateFields {
		if v, ok := fields[f]; ok {
			out[f] = v
		}
	}
	return out
}
