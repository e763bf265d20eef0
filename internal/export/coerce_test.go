package export

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/reldb"
	"github.com/fieldops/opsync/internal/syncerr"
)

// TestMapper_Coercions tests each column conversion
func TestMapper_Coercions(t *testing.T) {
	m := NewMapper(edmonton)
	r := m.record(docstore.Document{ID: "X1", Fields: docstore.Fields{
		"late":    time.Date(2026, 10, 11, 3, 30, 0, 0, time.UTC),
		"address": map[string]any{"city": "Calgary"},
		"tags":    []any{"civil", "survey", 3.0},
		"amount":  "12.50",
		"active":  true,
		"count":   4.0,
	}})

	if got := r.date("late"); got != "2026-10-10" {
		t.Errorf("date() = %v, want 2026-10-10", got)
	}
	if got := r.timestamp("late"); got != "2026-10-10T21:30:00-06:00" {
		t.Errorf("timestamp() = %v", got)
	}
	if got := r.json("address"); got != `{"city":"Calgary"}` {
		t.Errorf("json() = %v", got)
	}
	if got := r.list("tags"); got != "civil,survey,3" {
		t.Errorf("list() = %v", got)
	}
	if got := r.number("amount"); got != 12.5 {
		t.Errorf("number() = %v", got)
	}
	if got := r.flag("active"); got != int64(1) {
		t.Errorf("flag() = %v", got)
	}
	if got := r.integer("count"); got != int64(4) {
		t.Errorf("integer() = %v", got)
	}
	if got := r.text("missing"); got != nil {
		t.Errorf("text(missing) = %v, want nil", got)
	}
	if err := r.err(); err != nil {
		t.Errorf("err() = %v, want nil", err)
	}
}

// TestMapper_CollectsProblems tests that every problem is reported at once
func TestMapper_CollectsProblems(t *testing.T) {
	m := NewMapper(time.UTC)
	_, err := mapTimeAmendment(m, docstore.Document{ID: "A1", Fields: docstore.Fields{
		"weekEnding": "not a date",
		"date":       "2026-10-10",
		"hours":      true,
	}})
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("mapTimeAmendment() error = %v, want ErrValidation", err)
	}
	for _, want := range []string{"uid: required", "weekEnding: not a date", "timeType: required", "hours: expected number"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

// TestMapInvoice_TotalsLineItems tests the line item children and total
func TestMapInvoice_TotalsLineItems(t *testing.T) {
	m := NewMapper(time.UTC)
	got, err := mapInvoice(m, docstore.Document{ID: "I1", Fields: docstore.Fields{
		"number": "24-001-1",
		"date":   "2026-10-01",
		"lineItems": []any{
			map[string]any{"lineType": "fee", "amount": 100.0},
			map[string]any{"lineType": "expense", "amount": 25.5, "description": "mileage"},
		},
	}})
	if err != nil {
		t.Fatalf("mapInvoice() failed: %v", err)
	}
	if got.Row["total"] != 125.5 {
		t.Errorf("total = %v, want 125.5", got.Row["total"])
	}
	want := []reldb.Row{
		{"invoice_id": "I1", "line": int64(1), "line_type": "fee", "description": nil, "amount": 100.0},
		{"invoice_id": "I1", "line": int64(2), "line_type": "expense", "description": "mileage", "amount": 25.5},
	}
	if diff := cmp.Diff(want, got.Children); diff != "" {
		t.Errorf("Children mismatch (-want +got):\n%s", diff)
	}
}

// TestMapInvoice_BadLineItem tests that a child problem fails the parent
func TestMapInvoice_BadLineItem(t *testing.T) {
	m := NewMapper(time.UTC)
	_, err := mapInvoice(m, docstore.Document{ID: "I1", Fields: docstore.Fields{
		"number":    "24-001-1",
		"date":      "2026-10-01",
		"lineItems": []any{map[string]any{"amount": 1.0}},
	}})
	if err == nil || !strings.Contains(err.Error(), "lineItems[1].lineType: required") {
		t.Fatalf("mapInvoice() error = %v, want line item problem", err)
	}
}

// TestDefaultEntities tests the registry declarations
func TestDefaultEntities(t *testing.T) {
	entities := DefaultEntities()
	if err := ValidateEntities(entities); err != nil {
		t.Fatalf("ValidateEntities() failed: %v", err)
	}
	want := []string{"clients", "divisions", "timetypes", "profiles", "jobs", "timesheets", "timeamendments", "expenses", "invoices"}
	var got []string
	for _, e := range entities {
		got = append(got, e.Name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if _, err := Lookup(entities, "nope"); err == nil {
		t.Error("Lookup() should fail for unknown entity")
	}
}
