// Package fold reconciles staging records into canonical collections.
//
// The Engine decides, reading only, whether a staging record creates a new
// canonical record, replaces an existing one, or conflicts with the current
// data. The Folder applies those decisions family by family.
package fold

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldops/opsync/internal/diff"
	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/syncerr"
)

// IDField in a FieldPair stands for the record's own identifier.
const IDField = "_id"

// BookkeepingFields are owned by the sync layer. They are always preserved
// from the destination so they never count as a change.
var BookkeepingFields = []string{"exported", "exportInProgress", "exportSkipped", "exportError"}

// skipMarkers flag a record the exporter could not map. A replacement with
// changed content drops them so the new content is exported.
var skipMarkers = []string{"exportSkipped", "exportError"}

// FieldPair matches a staging field against a destination field.
type FieldPair struct {
	Source string `mapstructure:"source" yaml:"source" toml:"source" json:"source"`
	Dest   string `mapstructure:"dest" yaml:"dest" toml:"dest" json:"dest"`
}

func (p FieldPair) String() string {
	return p.Source + "->" + p.Dest
}

// PairOutcome is the match result of one FieldPair.
type PairOutcome struct {
	Pair    FieldPair
	Value   any
	Matches []string
}

func (o PairOutcome) summary() string {
	switch len(o.Matches) {
	case 0:
		return fmt.Sprintf("%s=%v matched nothing", o.Pair.Dest, o.Value)
	case 1:
		return fmt.Sprintf("%s=%v matched %s", o.Pair.Dest, o.Value, o.Matches[0])
	default:
		return fmt.Sprintf("%s=%v matched %s", o.Pair.Dest, o.Value, strings.Join(o.Matches, ", "))
	}
}

// Decision is the result of Analyze: *Create, *Replace or *Conflict.
type Decision interface {
	Kind() string
	isDecision()
}

// Create means no destination record matches.
type Create struct {
	DestID string
	Data   docstore.Fields
}

// Replace means exactly one destination record matches every pair. Data is
// the full record to write, with preserved fields taken from Existing.
type Replace struct {
	DestID   string
	Data     docstore.Fields
	Existing docstore.Fields
	Diff     diff.Diff
}

// Conflict means the match is ambiguous or contradictory. It is never
// resolved automatically.
type Conflict struct {
	Reason string
	Pairs  []PairOutcome
}

func (*Create) Kind() string   { return "create" }
func (*Replace) Kind() string  { return "replace" }
func (*Conflict) Kind() string { return "conflict" }

func (*Create) isDecision()   {}
func (*Replace) isDecision()  {}
func (*Conflict) isDecision() {}

// Engine analyzes staging records against a destination collection.
type Engine struct {
	store docstore.Reader
}

// NewEngine returns an Engine reading from store.
func NewEngine(store docstore.Reader) *Engine {
	return &Engine{store: store}
}

// Analyze decides how stagingData folds into dest.
//
// Each pair's source value is looked up in the destination (by id when the
// destination field is IDField). More than one match for any pair is a
// conflict. No matches at all is a create, keyed by the IDField pair's value
// or else the staging id. One destination id agreed on by every pair is a
// replace. Anything else, including a pair matching while another does not,
// is a conflict.
//
// A staging record missing a pair's source field fails with an error
// matching syncerr.ErrValidation.
func (e *Engine) Analyze(ctx context.Context, stagingID string, stagingData docstore.Fields, dest string, pairs []FieldPair, preserve []string) (Decision, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one field pair is required")
	}

	outcomes := make([]PairOutcome, 0, len(pairs))
	for _, pair := range pairs {
		value, err := sourceValue(stagingID, stagingData, pair)
		if err != nil {
			return nil, err
		}
		matches, err := e.match(ctx, dest, pair, value)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, PairOutcome{Pair: pair, Value: value, Matches: matches})
	}

	for _, o := range outcomes {
		if len(o.Matches) > 1 {
			return &Conflict{
				Reason: "multiple matches for " + o.Pair.Dest,
				Pairs:  outcomes,
			}, nil
		}
	}

	empty := 0
	ids := map[string]bool{}
	for _, o := range outcomes {
		if len(o.Matches) == 0 {
			empty++
			continue
		}
		ids[o.Matches[0]] = true
	}

	switch {
	case empty == len(outcomes):
		return &Create{
			DestID: createID(stagingID, outcomes),
			Data:   stagingData.Clone(),
		}, nil

	case empty == 0 && len(ids) == 1:
		destID := outcomes[0].Matches[0]
		existing, err := e.store.Get(ctx, dest, destID)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s/%s: %w", dest, destID, err)
		}
		data := overlay(stagingData, existing.Fields, preserve)
		return &Replace{
			DestID:   destID,
			Data:     data,
			Existing: existing.Fields,
			Diff:     diff.Compute(existing.Fields, data),
		}, nil
	}

	reason := "partial match"
	if empty == 0 {
		reason = "pairs matched different records"
	}
	summaries := make([]string, len(outcomes))
	for i, o := range outcomes {
		summaries[i] = o.summary()
	}
	return &Conflict{
		Reason: reason + ": " + strings.Join(summaries, "; "),
		Pairs:  outcomes,
	}, nil
}

func sourceValue(stagingID string, data docstore.Fields, pair FieldPair) (any, error) {
	if pair.Source == IDField {
		return stagingID, nil
	}
	v, ok := data[pair.Source]
	if !ok || v == nil {
		err := &syncerr.Error{
			Kind: syncerr.KindValidation,
			ID:   stagingID,
			Err:  fmt.Errorf("missing source field %s", pair.Source),
		}
		return nil, err
	}
	return v, nil
}

func (e *Engine) match(ctx context.Context, dest string, pair FieldPair, value any) ([]string, error) {
	if pair.Dest == IDField {
		id, ok := value.(string)
		if !ok {
			id = fmt.Sprint(value)
		}
		_, err := e.store.Get(ctx, dest, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s/%s: %w", dest, id, err)
		}
		return []string{id}, nil
	}

	// Two results are enough to detect a uniqueness violation.
	docs, err := e.store.Find(ctx, docstore.Query{Collection: dest, Limit: 2}.Where(pair.Dest, docstore.Eq, value))
	if err != nil {
		return nil, fmt.Errorf("failed to match %s.%s: %w", dest, pair.Dest, err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func createID(stagingID string, outcomes []PairOutcome) string {
	for _, o := range outcomes {
		if o.Pair.Dest == IDField {
			if s, ok := o.Value.(string); ok && s != "" {
				return s
			}
			return fmt.Sprint(o.Value)
		}
	}
	return stagingID
}

// overlay returns staging data with every preserved field (and the
// bookkeeping fields) taken from the existing record. A preserved field
// absent from the existing record is absent from the result.
func overlay(staging, existing docstore.Fields, preserve []string) docstore.Fields {
	out := staging.Clone()
	keep := func(field string) {
		if v, ok := existing[field]; ok {
			out[field] = v
		} else {
			delete(out, field)
		}
	}
	for _, f := range preserve {
		keep(f)
	}
	for _, f := range BookkeepingFields {
		keep(f)
	}
	return out
}
