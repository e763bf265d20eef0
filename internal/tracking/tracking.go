// Package tracking maintains per-period export aggregates: for each kind of
// workflow record and each period (a timesheet week ending, an expense pay
// period) the sets of record ids still pending and already exported.
//
// Tracking documents live in the "tracking" collection keyed
// "<kind>-<period>". They are created lazily and never deleted.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fieldops/opsync/internal/docstore"
)

// Collection holds the tracking documents.
const Collection = "tracking"

// PeriodLayout formats a period key.
const PeriodLayout = "2006-01-02"

// Record is the decoded form of one tracking document.
type Record struct {
	Kind       string               `json:"kind"`
	Period     string               `json:"period"`
	Pending    []string             `json:"pending"`
	Exported   []string             `json:"exported"`
	ExportedAt map[string]time.Time `json:"exported_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// DocID returns the tracking document id for kind and period.
func DocID(kind, period string) string {
	return kind + "-" + period
}

// Tracker reads and writes tracking documents.
type Tracker struct {
	store  docstore.Store
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Tracker. Periods derived from timestamps are dates in loc;
// a nil loc means UTC.
func New(store docstore.Store, loc *time.Location, logger *slog.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default().With("component", "tracking")
	}
	return &Tracker{store: store, loc: loc, logger: logger, now: time.Now}
}

// Period returns the period key for a record field value: a timestamp is
// formatted as its date in the tracker's location, a string is used as is.
func (t *Tracker) Period(v any) (string, error) {
	switch p := v.(type) {
	case time.Time:
		return p.In(t.loc).Format(PeriodLayout), nil
	case string:
		if p == "" {
			return "", fmt.Errorf("empty period")
		}
		return p, nil
	case nil:
		return "", fmt.Errorf("missing period")
	default:
		return "", fmt.Errorf("unsupported period value %T", v)
	}
}

// MarkExported records that id of the given kind and period was exported.
// The tracking document is created if missing; id moves from pending to
// exported. Marking the same id twice is a no-op apart from the timestamp.
func (t *Tracker) MarkExported(ctx context.Context, kind, period, id string) error {
	return t.mark(ctx, kind, period, id, true)
}

// MarkPending records that id is waiting to be exported again: it moves
// from exported back to pending and loses its export timestamp.
func (t *Tracker) MarkPending(ctx context.Context, kind, period, id string) error {
	return t.mark(ctx, kind, period, id, false)
}

func (t *Tracker) mark(ctx context.Context, kind, period, id string, exported bool) error {
	if kind == "" || period == "" || id == "" {
		return fmt.Errorf("kind, period and id are required")
	}
	docID := DocID(kind, period)

	err := t.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		fields := docstore.Fields{"kind": kind, "period": period}
		doc, err := tx.Get(ctx, Collection, docID)
		switch {
		case err == nil:
			fields = doc.Fields.Clone()
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}

		now := t.now().UTC()
		exportedAt := map[string]any{}
		if m, ok := fields["exportedAt"].(map[string]any); ok {
			for k, v := range m {
				exportedAt[k] = v
			}
		}

		pending := stringSet(fields["pending"])
		done := stringSet(fields["exported"])
		if exported {
			remove(pending, id)
			add(done, id)
			exportedAt[id] = now
		} else {
			remove(done, id)
			add(pending, id)
			delete(exportedAt, id)
		}

		fields["pending"] = toList(pending)
		fields["exported"] = toList(done)
		fields["exportedAt"] = exportedAt
		fields["updatedAt"] = now
		return tx.Set(ctx, Collection, docID, fields)
	})
	if err != nil {
		return fmt.Errorf("failed to track %s in %s: %w", id, docID, err)
	}
	return nil
}

// Get returns the tracking record for kind and period. A period with no
// record fails with an error matching docstore.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, kind, period string) (*Record, error) {
	doc, err := t.store.Get(ctx, Collection, DocID(kind, period))
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking %s: %w", DocID(kind, period), err)
	}
	return decode(doc), nil
}

func decode(doc docstore.Document) *Record {
	r := &Record{
		Kind:       doc.Fields.String("kind"),
		Period:     doc.Fields.String("period"),
		Pending:    sorted(stringSet(doc.Fields["pending"])),
		Exported:   sorted(stringSet(doc.Fields["exported"])),
		ExportedAt: map[string]time.Time{},
	}
	r.UpdatedAt, _ = doc.Fields.Time("updatedAt")
	if m, ok := doc.Fields["exportedAt"].(map[string]any); ok {
		for id, v := range m {
			if ts, ok := v.(time.Time); ok {
				r.ExportedAt[id] = ts
			}
		}
	}
	return r
}

func stringSet(v any) map[string]bool {
	set := map[string]bool{}
	list, _ := v.([]any)
	for _, item := range list {
		if s, ok := item.(string); ok {
			set[s] = true
		}
	}
	return set
}

func add(set map[string]bool, id string) map[string]bool {
	set[id] = true
	return set
}

func remove(set map[string]bool, id string) map[string]bool {
	delete(set, id)
	return set
}

func sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func toList(set map[string]bool) []any {
	ids := sorted(set)
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
