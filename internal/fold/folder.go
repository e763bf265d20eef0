package fold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/lock"
	"github.com/fieldops/opsync/internal/pager"
	"github.com/fieldops/opsync/internal/syncerr"
)

// Outcome is what happened to one staging record.
type Outcome struct {
	StagingID string
	Decision  Decision // nil when Err is a validation failure
	Applied   bool
	Err       error
}

// Result summarizes one family fold.
type Result struct {
	Family    string
	DryRun    bool
	Created   int
	Replaced  int
	Unchanged int

	// Conflicts and Invalid stay in staging for an upstream fix.
	Conflicts []Outcome
	Invalid   []Outcome

	// Decisions holds every outcome in dry-run mode.
	Decisions []Outcome
}

// Processed returns the number of staging records examined.
func (r *Result) Processed() int {
	return r.Created + r.Replaced + r.Unchanged + len(r.Conflicts) + len(r.Invalid)
}

// FolderConfig holds configuration for the Folder.
type FolderConfig struct {
	// DryRun computes decisions without writing anything
	DryRun bool

	// PageSize bounds the staging records read per page
	PageSize int

	// Logger for fold activity
	Logger *slog.Logger
}

// Folder applies Engine decisions for a family.
type Folder struct {
	store   docstore.Store
	engine  *Engine
	locks   *lock.Manager
	cursors *pager.CursorStore
	config  FolderConfig
	logger  *slog.Logger
}

// NewFolder creates a Folder. locks may be nil only in dry-run mode.
func NewFolder(store docstore.Store, locks *lock.Manager, config FolderConfig) (*Folder, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if locks == nil && !config.DryRun {
		return nil, fmt.Errorf("locks cannot be nil")
	}
	if config.PageSize == 0 {
		config.PageSize = pager.DefaultLimit
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "fold")
	}
	return &Folder{
		store:   store,
		engine:  NewEngine(store),
		locks:   locks,
		cursors: pager.NewCursorStore(store),
		config:  config,
		logger:  logger,
	}, nil
}

// Fold processes every staging record of fam. Conflicts and validation
// failures are reported in the result and do not stop the fold; store
// failures do.
func (f *Folder) Fold(ctx context.Context, fam Family) (*Result, error) {
	if err := fam.Validate(); err != nil {
		return nil, err
	}

	result := &Result{Family: fam.Name, DryRun: f.config.DryRun}
	run := func(ctx context.Context) error {
		return f.walk(ctx, fam, result)
	}

	var err error
	if fam.Exportable() && !f.config.DryRun {
		err = f.locks.WithLock(ctx, lock.ExportResource(fam.Export), run)
	} else {
		err = run(ctx)
	}

	f.logger.Info("fold finished", "family", fam.Name, "dry_run", f.config.DryRun,
		"created", result.Created, "replaced", result.Replaced, "unchanged", result.Unchanged,
		"conflicts", len(result.Conflicts), "invalid", len(result.Invalid))
	return result, err
}

func (f *Folder) walk(ctx context.Context, fam Family, result *Result) error {
	p := &pager.Pager{
		Store: f.store,
		Query: docstore.Query{Collection: fam.Staging},
		Limit: f.config.PageSize,
	}

	cursors := f.cursors
	if f.config.DryRun {
		cursors = nil
	}

	return pager.Walk(ctx, p, cursors, "fold-"+fam.Name, func(ctx context.Context, page pager.Page) error {
		for _, doc := range page.Docs {
			if err := f.foldOne(ctx, fam, doc, result); err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *Folder) foldOne(ctx context.Context, fam Family, doc docstore.Document, result *Result) error {
	log := f.logger.With("family", fam.Name, "collection", fam.Staging, "id", doc.ID)

	decision, err := f.engine.Analyze(ctx, doc.ID, doc.Fields, fam.Dest, fam.Pairs, fam.Preserve)
	if err != nil {
		var se *syncerr.Error
		if errors.As(err, &se) && se.Kind == syncerr.KindValidation {
			se.Entity = fam.Name
			se.Collection = fam.Staging
			log.Warn("skipping invalid staging record", "error", err)
			out := Outcome{StagingID: doc.ID, Err: se}
			result.Invalid = append(result.Invalid, out)
			if f.config.DryRun {
				result.Decisions = append(result.Decisions, out)
			}
			return nil
		}
		return fmt.Errorf("failed to analyze %s/%s: %w", fam.Staging, doc.ID, err)
	}

	out := Outcome{StagingID: doc.ID, Decision: decision}

	switch d := decision.(type) {
	case *Conflict:
		out.Err = &syncerr.Error{
			Kind:       syncerr.KindFoldConflict,
			Entity:     fam.Name,
			Collection: fam.Staging,
			ID:         doc.ID,
			Err:        errors.New(d.Reason),
		}
		log.Warn("fold conflict", "reason", d.Reason)
		result.Conflicts = append(result.Conflicts, out)

	case *Create:
		if !f.config.DryRun {
			data := d.Data.Clone()
			if fam.Exportable() {
				data["exported"] = false
			}
			batch := docstore.NewBatch().
				Set(fam.Dest, d.DestID, data).
				Delete(fam.Staging, doc.ID)
			if err := f.store.Commit(ctx, batch); err != nil {
				return fmt.Errorf("failed to create %s/%s: %w", fam.Dest, d.DestID, err)
			}
			out.Applied = true
		}
		log.Debug("created", "dest_id", d.DestID)
		result.Created++

	case *Replace:
		if !f.config.DryRun {
			batch := docstore.NewBatch().Delete(fam.Staging, doc.ID)
			if !d.Diff.Empty() {
				data := d.Data.Clone()
				if fam.Exportable() {
					data["exported"] = false
					for _, k := range skipMarkers {
						delete(data, k)
					}
				}
				batch = docstore.NewBatch().
					Set(fam.Dest, d.DestID, data).
					Delete(fam.Staging, doc.ID)
			}
			if err := f.store.Commit(ctx, batch); err != nil {
				return fmt.Errorf("failed to replace %s/%s: %w", fam.Dest, d.DestID, err)
			}
			out.Applied = true
		}
		if d.Diff.Empty() {
			result.Unchanged++
		} else {
			log.Debug("replaced", "dest_id", d.DestID, "changed", d.Diff.Keys())
			result.Replaced++
		}
	}

	if f.config.DryRun {
		result.Decisions = append(result.Decisions, out)
	}
	return nil
}
