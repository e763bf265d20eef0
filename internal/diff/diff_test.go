package diff

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fieldops/opsync/internal/docstore"
)

// TestCompute_RemovedField tests that a dropped field maps to (old, nil)
func TestCompute_RemovedField(t *testing.T) {
	got := Compute(
		docstore.Fields{"code": "X", "note": "old"},
		docstore.Fields{"code": "X"},
	)
	want := Diff{"note": {Old: "old", New: nil}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Compute() mismatch (-want +got):\n%s", diff)
	}
}

// TestCompute_AddedAndChanged tests added and changed fields
func TestCompute_AddedAndChanged(t *testing.T) {
	got := Compute(
		docstore.Fields{"status": "Active", "hours": 1.0},
		docstore.Fields{"status": "Closed", "hours": 1.0, "client": "C1"},
	)
	if diff := cmp.Diff([]string{"client", "status"}, got.Keys()); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	if got["client"].Old != nil || got["client"].New != "C1" {
		t.Errorf("client change = %+v", got["client"])
	}
}

// TestCompute_DeepEquality tests nested values and time zones
func TestCompute_DeepEquality(t *testing.T) {
	utc := time.Date(2026, 10, 10, 6, 0, 0, 0, time.UTC)
	mdt := utc.In(time.FixedZone("MDT", -6*3600))

	old := docstore.Fields{
		"when":       utc,
		"categories": []any{"civil", "survey"},
		"location":   map[string]any{"lat": 51.0, "lng": -114.0},
	}
	new := docstore.Fields{
		"when":       mdt,
		"categories": []any{"civil", "survey"},
		"location":   map[string]any{"lat": 51.0, "lng": -114.0},
	}
	if d := Compute(old, new); !d.Empty() {
		t.Errorf("Compute() = %v, want empty", d)
	}

	new["categories"] = []any{"survey", "civil"}
	if d := Compute(old, new); len(d) != 1 {
		t.Errorf("Compute() = %v, want categories only", d)
	}
}

// TestCompute_NilEqualsAbsent tests that an explicit nil equals a missing field
func TestCompute_NilEqualsAbsent(t *testing.T) {
	if d := Compute(docstore.Fields{"a": nil}, docstore.Fields{}); !d.Empty() {
		t.Errorf("Compute() = %v, want empty", d)
	}
	if d := Compute(docstore.Fields{}, docstore.Fields{"a": nil}); !d.Empty() {
		t.Errorf("Compute() = %v, want empty", d)
	}
}

// TestDiff_String tests the preview rendering
func TestDiff_String(t *testing.T) {
	d := Diff{
		"note": {Old: "old", New: nil},
		"code": {Old: nil, New: "X"},
	}
	got := d.String()
	want := "code: <absent> -> \"X\"\nnote: \"old\" -> <absent>"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if !strings.Contains(Diff{}.String(), "no changes") {
		t.Errorf("empty String() = %q", Diff{}.String())
	}
}
