// Package docstore provides the primary document store boundary.
//
// The primary store is the schemaless system of record for live workflow
// (timesheets, expenses, invoices) and canonical reference data (jobs,
// clients, profiles). The sync layer needs only a small surface from it:
//
//   - single-document reads and filtered, ordered collection queries
//   - atomic multi-document batches bounded at MaxBatchOps writes
//   - a read-modify-write transaction primitive
//
// Two backends implement Store:
//
//   - SQLiteStore: an embedded store on ncruces/go-sqlite3 keeping each
//     document as JSON. Used for tests and single-node deployments.
//   - MongoStore: MongoDB through go.mongodb.org/mongo-driver.
//
// # Value model
//
// Document fields are decoded into a backend independent value model so that
// deep comparisons (see package diff) do not depend on the backend:
//
//	string, float64 (every number), bool, nil, time.Time,
//	[]any, map[string]any
//
// # Filter semantics
//
// Equality filters never match a document that lacks the field, so a
// document without an "exported" field is not matched by exported == false.
// Writers that create documents the exporters must see set the flags
// explicitly. Ne is the complement of Eq: it matches a document that lacks
// the field.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// MaxBatchOps is the largest number of writes a single Commit accepts.
const MaxBatchOps = 500

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by Create when the document exists.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchOps.
	ErrBatchTooLarge = fmt.Errorf("batch exceeds %d writes", MaxBatchOps)
)

// Fields holds the data of one document.
type Fields map[string]any

// deleteField marks a field for removal in Update.
type deleteField struct{}

// DeleteField removes a field when used as a value in Update (and is
// dropped when used in Set or Create).
var DeleteField any = deleteField{}

// IsDeleteField reports whether v is the DeleteField sentinel.
func IsDeleteField(v any) bool {
	_, ok := v.(deleteField)
	return ok
}

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Bool returns the boolean value of key, false when absent or not a bool.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// String returns the string value of key, "" when absent or not a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Float returns the numeric value of key.
func (f Fields) Float(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// Time returns the timestamp value of key.
func (f Fields) Time(key string) (time.Time, bool) {
	switch v := f[key].(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v != nil {
			return *v, true
		}
	}
	return time.Time{}, false
}

// Has reports whether key is present.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Document is one stored document.
type Document struct {
	ID     string
	Fields Fields
}

// Operator is a filter comparison.
type Operator string

const (
	Eq  Operator = "=="
	Ne  Operator = "!="
	Lt  Operator = "<"
	Lte Operator = "<="
	Gt  Operator = ">"
	Gte Operator = ">="
)

// Filter is one predicate on a document field.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Cursor identifies the last document of a page: the OrderBy value and the
// document ID used to break ties.
type Cursor struct {
	Value any    `json:"value"`
	ID    string `json:"id"`
}

// Query selects documents from one collection.
//
// Results are ordered by OrderBy (ascending, absent values first) and then
// by document ID. When OrderBy is empty the order is by ID alone. After
// resumes strictly after the given cursor.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	After      *Cursor
	Limit      int
}

// Where returns a copy of q with an additional filter.
func (q Query) Where(field string, op Operator, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// CursorOf returns the cursor positioned at doc for the query's ordering.
func (q Query) CursorOf(doc Document) *Cursor {
	c := &Cursor{ID: doc.ID}
	if q.OrderBy != "" {
		c.Value = doc.Fields[q.OrderBy]
	}
	return c
}

func (q Query) validate() error {
	if q.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	for _, f := range q.Filters {
		if err := validateFieldName(f.Field); err != nil {
			return err
		}
		switch f.Op {
		case Eq, Ne, Lt, Lte, Gt, Gte:
		default:
			return fmt.Errorf("unsupported operator %q", f.Op)
		}
	}
	if q.OrderBy != "" {
		if err := validateFieldName(q.OrderBy); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must not be negative (got %d)", q.Limit)
	}
	return nil
}

func validateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name is required")
	}
	for _, r := range name {
		if r == '"' || r == '\\' || r == '$' || r < 0x20 {
			return fmt.Errorf("invalid field name %q", name)
		}
	}
	return nil
}

// WriteKind is the kind of a batched write.
type WriteKind int

const (
	// WriteSet overwrites the whole document, creating it if needed.
	WriteSet WriteKind = iota
	// WriteUpdate merges fields into an existing document.
	WriteUpdate
	// WriteDelete removes the document. Deleting a missing document is a no-op.
	WriteDelete
)

// String returns a human-readable representation of the write kind.
func (k WriteKind) String() string {
	switch k {
	case WriteSet:
		return "set"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is one operation of a Batch.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Fields     Fields
}

// Batch accumulates writes that commit atomically.
type Batch struct {
	writes []Write
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set adds a full overwrite of collection/id.
func (b *Batch) Set(collection, id string, fields Fields) *Batch {
	b.writes = append(b.writes, Write{Kind: WriteSet, Collection: collection, ID: id, Fields: fields})
	return b
}

// Update adds a merge of fields into collection/id. The document must exist
// when the batch commits.
func (b *Batch) Update(collection, id string, fields Fields) *Batch {
	b.writes = append(b.writes, Write{Kind: WriteUpdate, Collection: collection, ID: id, Fields: fields})
	return b
}

// Delete adds the removal of collection/id.
func (b *Batch) Delete(collection, id string) *Batch {
	b.writes = append(b.writes, Write{Kind: WriteDelete, Collection: collection, ID: id})
	return b
}

// Len returns the number of writes.
func (b *Batch) Len() int {
	return len(b.writes)
}

// Writes returns the accumulated writes in order.
func (b *Batch) Writes() []Write {
	return b.writes
}

func (b *Batch) validate() error {
	if len(b.writes) > MaxBatchOps {
		return fmt.Errorf("%w (got %d)", ErrBatchTooLarge, len(b.writes))
	}
	for _, w := range b.writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("%s write requires collection and id", w.Kind)
		}
	}
	return nil
}

// Reader is the read surface shared by Store and Tx.
type Reader interface {
	// Get returns the document or an error matching ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Find returns the documents matching q.
	Find(ctx context.Context, q Query) ([]Document, error)
}

// Tx is a read-modify-write transaction. Reads observe a consistent view and
// all writes commit atomically with respect to other transactions.
type Tx interface {
	Reader

	// Create writes a new document, failing with ErrAlreadyExists when the
	// document is present. This is the insert-if-absent primitive locks use.
	Create(ctx context.Context, collection, id string, fields Fields) error

	// Set overwrites the whole document.
	Set(ctx context.Context, collection, id string, fields Fields) error

	// Update merges fields into an existing document (ErrNotFound if absent).
	Update(ctx context.Context, collection, id string, fields Fields) error

	// Delete removes a document; deleting a missing document is a no-op.
	Delete(ctx context.Context, collection, id string) error
}

// Store is the primary document store.
type Store interface {
	Reader

	// Commit applies all writes of the batch atomically. Batches larger than
	// MaxBatchOps are rejected with ErrBatchTooLarge.
	Commit(ctx context.Context, batch *Batch) error

	// RunTransaction runs fn inside a transaction. If fn returns an error
	// nothing is written. fn must only use the given Tx; calling back into
	// the Store from inside fn is not supported.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Close releases the store's resources.
	Close() error
}

// mergeFields applies an Update's fields onto existing data.
func mergeFields(existing, update Fields) Fields {
	out := existing.Clone()
	for k, v := range update {
		if IsDeleteField(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// stripDeletes drops DeleteField sentinels from a full overwrite.
func stripDeletes(fields Fields) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if IsDeleteField(v) {
			continue
		}
		out[k] = v
	}
	return out
}
