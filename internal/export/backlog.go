package export

import (
	"context"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/pager"
)

// Backlog counts the documents of one entity still to be exported.
type Backlog struct {
	Entity     string `json:"entity"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Skipped    int    `json:"skipped"`
}

// CountBacklog pages through ent's collection counting pending, abandoned
// (EXPORT_IN_PROGRESS) and skipped documents. It takes no lock, so the counts
// are a snapshot.
func CountBacklog(ctx context.Context, store docstore.Reader, ent Entity) (*Backlog, error) {
	if err := ent.Validate(); err != nil {
		return nil, err
	}
	b := &Backlog{Entity: ent.Name}

	eligible := pager.New(store, ent.eligibleQuery(pager.DefaultLimit))
	err := pager.Walk(ctx, eligible, nil, "backlog-"+ent.Name, func(ctx context.Context, page pager.Page) error {
		for _, d := range page.Docs {
			if ent.eligible(d.Fields) {
				b.Pending++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	inProgress := pager.New(store, ent.inProgressQuery())
	err = pager.Walk(ctx, inProgress, nil, "backlog-"+ent.Name, func(ctx context.Context, page pager.Page) error {
		b.InProgress += len(page.Docs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	skipped := pager.New(store, ent.skippedQuery())
	err = pager.Walk(ctx, skipped, nil, "backlog-"+ent.Name, func(ctx context.Context, page pager.Page) error {
		b.Skipped += len(page.Docs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}
