package export

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/syncerr"
)

// Relational text formats.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = time.RFC3339
	ListSeparator   = ","
)

// Mapper converts document values into relational column values.
// Timestamps become zoned date strings in the business time zone, nested
// maps become JSON text and arrays become delimited strings.
type Mapper struct {
	loc *time.Location
}

// NewMapper returns a Mapper for the business time zone loc (UTC if nil).
func NewMapper(loc *time.Location) *Mapper {
	if loc == nil {
		loc = time.UTC
	}
	return &Mapper{loc: loc}
}

// Location returns the business time zone.
func (m *Mapper) Location() *time.Location {
	return m.loc
}

// record reads one document's fields, collecting every coercion problem so
// a skipped record is logged with all of its reasons at once.
type record struct {
	m        *Mapper
	doc      docstore.Document
	problems []string
}

func (m *Mapper) record(doc docstore.Document) *record {
	return &record{m: m, doc: doc}
}

func (r *record) fail(field, format string, args ...any) {
	r.problems = append(r.problems, field+": "+fmt.Sprintf(format, args...))
}

// err returns a validation failure naming every problem, or nil.
func (r *record) err() error {
	if len(r.problems) == 0 {
		return nil
	}
	return &syncerr.Error{
		Kind: syncerr.KindValidation,
		ID:   r.doc.ID,
		Err:  fmt.Errorf("%s", strings.Join(r.problems, "; ")),
	}
}

func (r *record) text(field string) any {
	switch v := r.doc.Fields[field].(type) {
	case nil:
		return nil
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		r.fail(field, "expected text, got %T", v)
		return nil
	}
}

func (r *record) requiredText(field string) any {
	if r.doc.Fields[field] == nil {
		r.fail(field, "required")
		return nil
	}
	v := r.text(field)
	if v == "" {
		r.fail(field, "required")
		return nil
	}
	return v
}

func (r *record) number(field string) any {
	switch v := r.doc.Fields[field].(type) {
	case nil:
		return nil
	case float64:
		return v
	case string:
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(field, "not a number: %q", v)
			return nil
		}
		return f
	default:
		r.fail(field, "expected number, got %T", v)
		return nil
	}
}

func (r *record) integer(field string) any {
	f, ok := r.number(field).(float64)
	if !ok {
		return nil
	}
	if f != float64(int64(f)) {
		r.fail(field, "not an integer: %v", f)
		return nil
	}
	return int64(f)
}

// flag stores booleans as 0/1.
func (r *record) flag(field string) any {
	switch v := r.doc.Fields[field].(type) {
	case nil:
		return nil
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	default:
		r.fail(field, "expected boolean, got %T", v)
		return nil
	}
}

// date formats a timestamp as its calendar date in the business time zone.
// Strings already holding a date pass through after validation.
func (r *record) date(field string) any {
	switch v := r.doc.Fields[field].(type) {
	case nil:
		return nil
	case time.Time:
		return v.In(r.m.loc).Format(DateLayout)
	case string:
		if _, err := time.Parse(DateLayout, v); err != nil {
			r.fail(field, "not a date: %q", v)
			return nil
		}
		return v
	default:
		r.fail(field, "expected date, got %T", v)
		return nil
	}
}

func (r *record) requiredDate(field string) any {
	if r.doc.Fields[field] == nil {
		r.fail(field, "required")
		return nil
	}
	return r.date(field)
}

func (r *record) timestamp(field string) any {
	switch v := r.doc.Fields[field].(type) {
	case nil:
		return nil
	case time.Time:
		return v.In(r.m.loc).Format(TimestampLayout)
	default:
		r.fail(field, "expected timestamp, got %T", v)
		return nil
	}
}

// json encodes nested maps and arrays as JSON text.
func (r *record) json(field string) any {
	v := r.doc.Fields[field]
	switch v.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			r.fail(field, "%v", err)
			return nil
		}
		return string(data)
	default:
		r.fail(field, "expected object, got %T", v)
		return nil
	}
}

// list joins an array of scalars with ListSeparator.
func (r *record) list(field string) any {
	switch v := r.doc.Fields[field].(type) {
	case nil:
		return nil
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			switch s := item.(type) {
			case string:
				if strings.Contains(s, ListSeparator) {
					r.fail(field, "item %q contains %q", s, ListSeparator)
					return nil
				}
				parts = append(parts, s)
			case float64:
				parts = append(parts, strconv.FormatFloat(s, 'f', -1, 64))
			default:
				r.fail(field, "unsupported item %T", item)
				return nil
			}
		}
		return strings.Join(parts, ListSeparator)
	default:
		r.fail(field, "expected array, got %T", v)
		return nil
	}
}

// items returns a nested array of objects (time entries, line items) as
// child records addressed "<id>#<line>".
func (r *record) items(field string) []*record {
	list, ok := r.doc.Fields[field].([]any)
	if !ok {
		if r.doc.Fields[field] != nil {
			r.fail(field, "expected array, got %T", r.doc.Fields[field])
		}
		return nil
	}
	out := make([]*record, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			r.fail(field, "item %d: expected object, got %T", i+1, item)
			continue
		}
		out = append(out, &record{
			m:   r.m,
			doc: docstore.Document{ID: fmt.Sprintf("%s#%d", r.doc.ID, i+1), Fields: m},
		})
	}
	return out
}

// absorb adds a child's problems to r, prefixed with the child's position.
func (r *record) absorb(child *record, field string, line int) {
	for _, p := range child.problems {
		r.problems = append(r.problems, fmt.Sprintf("%s[%d].%s", field, line, p))
	}
}
