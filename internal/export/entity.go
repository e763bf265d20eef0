package export

import (
	"fmt"

	"github.com/fieldops/opsync/internal/diff"
	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/reldb"
)

// Mapped is the relational form of one document.
type Mapped struct {
	Row      reldb.Row
	Children []reldb.Row
}

// MapFunc converts one document. A record that cannot be mapped returns an
// error matching syncerr.ErrValidation and is skipped for the batch.
type MapFunc func(m *Mapper, doc docstore.Document) (Mapped, error)

// ChildTable is a table whose rows belong to a parent row and are replaced
// with it.
type ChildTable struct {
	Table        reldb.Table
	ParentColumn string
}

// Entity declares how one document collection is exported.
type Entity struct {
	// Name identifies the entity and its lock (export-<name>)
	Name string

	// Collection is the primary-store collection
	Collection string

	// Table receives one row per document, keyed by document id
	Table reldb.Table

	// Child optionally receives the document's nested rows
	Child *ChildTable

	// Filters select eligible documents in addition to exported == false
	Filters []docstore.Filter

	// OrderBy is the monotonic field batches advance along (id if empty)
	OrderBy string

	// DeferForeignKeys postpones constraint checks to commit for tables
	// that reference themselves
	DeferForeignKeys bool

	// Referenced tables are the target of other tables' foreign keys.
	// Cleanup leaves their rows for the next export to overwrite.
	Referenced bool

	// TrackBy names the field holding the tracking period; empty disables
	// tracking
	TrackBy string

	Map MapFunc
}

// Validate checks the entity declaration.
func (e Entity) Validate() error {
	if e.Name == "" || e.Collection == "" {
		return fmt.Errorf("entity name and collection are required")
	}
	if e.Table.Name == "" || len(e.Table.Key) != 1 {
		return fmt.Errorf("entity %s: table must have a single-column key", e.Name)
	}
	if e.Child != nil && !e.Child.Table.HasColumn(e.Child.ParentColumn) {
		return fmt.Errorf("entity %s: child table %s has no column %s", e.Name, e.Child.Table.Name, e.Child.ParentColumn)
	}
	if e.Map == nil {
		return fmt.Errorf("entity %s: map function is required", e.Name)
	}
	return nil
}

// Tracked reports whether exported documents update tracking aggregates.
func (e Entity) Tracked() bool {
	return e.TrackBy != ""
}

// eligibleQuery selects up to limit pending documents.
func (e Entity) eligibleQuery(limit int) docstore.Query {
	q := docstore.Query{
		Collection: e.Collection,
		OrderBy:    e.OrderBy,
		Limit:      limit,
	}
	for _, f := range e.Filters {
		q = q.Where(f.Field, f.Op, f.Value)
	}
	return q.Where(FieldExported, docstore.Eq, false).Where(FieldSkipped, docstore.Ne, true)
}

// skippedQuery selects documents marked EXPORT_SKIPPED.
func (e Entity) skippedQuery() docstore.Query {
	return docstore.Query{Collection: e.Collection}.Where(FieldSkipped, docstore.Eq, true)
}

// inProgressQuery selects documents left in EXPORT_IN_PROGRESS.
func (e Entity) inProgressQuery() docstore.Query {
	return docstore.Query{Collection: e.Collection}.Where(FieldInProgress, docstore.Eq, true)
}

// eligible re-checks a selected document inside the claiming transaction.
func (e Entity) eligible(fields docstore.Fields) bool {
	if StateOf(fields) != Pending || !fields.Has(FieldExported) {
		return false
	}
	for _, f := range e.Filters {
		if f.Op == docstore.Eq && !diff.Equal(fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// flagsSet requires each workflow flag to be true.
func flagsSet(flags ...string) []docstore.Filter {
	out := make([]docstore.Filter, len(flags))
	for i, f := range flags {
		out[i] = docstore.Filter{Field: f, Op: docstore.Eq, Value: true}
	}
	return out
}
