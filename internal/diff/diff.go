// Package diff compares two documents field by field.
package diff

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/fieldops/opsync/internal/docstore"
)

// Change is the old and new value of one field. nil stands for absent.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff maps each changed field to its change.
type Diff map[string]Change

// equalOpts compares timestamps by instant and treats nil and empty
// collections as different.
var equalOpts = cmp.Options{
	cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
	cmpopts.EquateNaNs(),
}

// Equal reports whether two values of the document value model are deeply
// equal.
func Equal(a, b any) bool {
	return cmp.Equal(a, b, equalOpts)
}

// Compute returns the fields whose values differ between old and new.
// A field missing on one side compares as nil, so a field present with a nil
// value and an absent field are equal.
func Compute(old, new docstore.Fields) Diff {
	d := Diff{}
	for k, ov := range old {
		nv := new[k]
		if !Equal(ov, nv) {
			d[k] = Change{Old: ov, New: nv}
		}
	}
	for k, nv := range new {
		if _, seen := old[k]; seen {
			continue
		}
		if nv != nil {
			d[k] = Change{Old: nil, New: nv}
		}
	}
	return d
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d) == 0
}

// Keys returns the changed field names in sorted order.
func (d Diff) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders one line per changed field.
func (d Diff) String() string {
	if d.Empty() {
		return "(no changes)"
	}
	var b strings.Builder
	for i, k := range d.Keys() {
		if i > 0 {
			b.WriteByte('\n')
		}
		c := d[k]
		fmt.Fprintf(&b, "%s: %s -> %s", k, format(c.Old), format(c.New))
	}
	return b.String()
}

func format(v any) string {
	switch t := v.(type) {
	case nil:
		return "<absent>"
	case string:
		return fmt.Sprintf("%q", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", v)
}
