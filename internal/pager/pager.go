// Package pager walks a document collection in bounded, deterministic pages
// and persists a resume cursor after every committed page.
package pager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/opsync/internal/docstore"
)

// DefaultLimit leaves one write of headroom under the store's batch ceiling
// for the per-page bookkeeping write.
const DefaultLimit = docstore.MaxBatchOps - 1

// CursorCollection holds persisted cursors.
const CursorCollection = "syncCursors"

// Page is one page of results.
type Page struct {
	Docs []docstore.Document

	// Next positions after the last document; nil for an empty page.
	Next *docstore.Cursor
}

// Full reports whether the page hit the limit, meaning more documents may
// follow.
func (p Page) Full(limit int) bool {
	return len(p.Docs) >= limit
}

// Pager pages through Query. The query's OrderBy (ties broken by id) defines
// the order; its Limit and After are managed by the pager.
type Pager struct {
	Store docstore.Reader
	Query docstore.Query
	Limit int
}

// New returns a pager over q with the default limit.
func New(store docstore.Reader, q docstore.Query) *Pager {
	return &Pager{Store: store, Query: q, Limit: DefaultLimit}
}

func (p *Pager) limit() (int, error) {
	switch {
	case p.Limit == 0:
		return DefaultLimit, nil
	case p.Limit < 0 || p.Limit > docstore.MaxBatchOps:
		return 0, fmt.Errorf("page limit %d outside 1..%d", p.Limit, docstore.MaxBatchOps)
	}
	return p.Limit, nil
}

// Next returns the page following cursor (nil for the first page).
func (p *Pager) Next(ctx context.Context, cursor *docstore.Cursor) (Page, error) {
	limit, err := p.limit()
	if err != nil {
		return Page{}, err
	}

	q := p.Query
	q.Limit = limit
	q.After = cursor

	docs, err := p.Store.Find(ctx, q)
	if err != nil {
		return Page{}, err
	}

	page := Page{Docs: docs}
	if len(docs) > 0 {
		page.Next = q.CursorOf(docs[len(docs)-1])
	}
	return page, nil
}

// CursorStore persists named cursors in the primary store.
type CursorStore struct {
	store docstore.Store
}

// NewCursorStore returns a CursorStore backed by store.
func NewCursorStore(store docstore.Store) *CursorStore {
	return &CursorStore{store: store}
}

// Load returns the cursor saved under name, or nil if none is saved.
func (c *CursorStore) Load(ctx context.Context, name string) (*docstore.Cursor, error) {
	doc, err := c.store.Get(ctx, CursorCollection, name)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor %s: %w", name, err)
	}

	raw := doc.Fields.String("cursor")
	if raw == "" {
		return nil, nil
	}
	var cur docstore.Cursor
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		return nil, fmt.Errorf("failed to decode cursor %s: %w", name, err)
	}
	// Timestamps round trip through JSON as strings.
	if s, ok := cur.Value.(string); ok && doc.Fields.Bool("timeValue") {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode cursor %s: %w", name, err)
		}
		cur.Value = ts.UTC()
	}
	return &cur, nil
}

// Save persists cursor under name.
func (c *CursorStore) Save(ctx context.Context, name string, cursor *docstore.Cursor) error {
	if cursor == nil {
		return c.Clear(ctx, name)
	}
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to encode cursor %s: %w", name, err)
	}
	_, isTime := cursor.Value.(time.Time)

	batch := docstore.NewBatch().Set(CursorCollection, name, docstore.Fields{
		"cursor":    string(raw),
		"timeValue": isTime,
		"updatedAt": time.Now().UTC(),
	})
	if err := c.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}

// Clear removes the cursor saved under name.
func (c *CursorStore) Clear(ctx context.Context, name string) error {
	if err := c.store.Commit(ctx, docstore.NewBatch().Delete(CursorCollection, name)); err != nil {
		return fmt.Errorf("failed to clear cursor %s: %w", name, err)
	}
	return nil
}

// PageFunc handles one page. It returns after the page's writes are
// committed; returning an error stops the walk.
type PageFunc func(ctx context.Context, page Page) error

// Walk pages through p from the cursor persisted under name (or from the
// start), calling fn for each page. After fn succeeds the page's cursor is
// persisted. If fn fails, the cursor of the last committed page stays
// persisted and fn's error is returned wrapped. When the walk reaches the
// end the persisted cursor is cleared.
//
// A nil CursorStore walks without persisting, for dry runs.
func Walk(ctx context.Context, p *Pager, cursors *CursorStore, name string, fn PageFunc) error {
	limit, err := p.limit()
	if err != nil {
		return err
	}

	var cursor *docstore.Cursor
	if cursors != nil {
		if cursor, err = cursors.Load(ctx, name); err != nil {
			return err
		}
	}

	for {
		page, err := p.Next(ctx, cursor)
		if err != nil {
			return fmt.Errorf("walk %s: %w", name, err)
		}
		if len(page.Docs) == 0 {
			break
		}

		if err := fn(ctx, page); err != nil {
			return fmt.Errorf("walk %s: page after %s: %w", name, describe(cursor), err)
		}

		cursor = page.Next
		if cursors != nil {
			if err := cursors.Save(ctx, name, cursor); err != nil {
				return err
			}
		}
		if !page.Full(limit) {
			break
		}
	}

	if cursors != nil {
		return cursors.Clear(ctx, name)
	}
	return nil
}

func describe(c *docstore.Cursor) string {
	if c == nil {
		return "start"
	}
	return fmt.Sprintf("(%v, %s)", c.Value, c.ID)
}
