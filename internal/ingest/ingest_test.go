package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldops/opsync/internal/docstore"
)

func writeFeed(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

// TestCollectionFor tests feed file naming
func TestCollectionFor(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/drop/jobsWriteback.jsonl", "jobsWriteback", true},
		{"clientsWriteback.jsonl", "clientsWriteback", true},
		{"/drop/jobsWriteback.json", "", false},
		{"/drop/.jobs.jsonl", "", false},
		{"/drop/.jsonl", "", false},
	}
	for _, tt := range tests {
		got, ok := CollectionFor(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CollectionFor(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

// TestReadJSONL_Parses tests ids, numbers and time fields, including integer
// ids too large for a float64
func TestReadJSONL_Parses(t *testing.T) {
	path := writeFeed(t, t.TempDir(), "jobsWriteback.jsonl",
		`{"_id": "24-001", "description": "Bridge", "createdAt": "2026-10-01T08:00:00-06:00"}`,
		``,
		`{"_id": 2401, "hours": 3}`,
		`{"_id": 9007199254740993, "hours": 1.5}`,
	)

	docs, err := ReadJSONL(path, Options{TimeFields: []string{"createdAt"}})
	if err != nil {
		t.Fatalf("ReadJSONL() failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("ReadJSONL() = %d docs, want 3", len(docs))
	}
	if docs[0].ID != "24-001" || docs[0].Fields.Has("_id") {
		t.Errorf("docs[0] = %+v, want id moved out of fields", docs[0])
	}
	created, ok := docs[0].Fields.Time("createdAt")
	if !ok || !created.Equal(time.Date(2026, 10, 1, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("createdAt = %v, %v", created, ok)
	}
	if docs[1].ID != "2401" || docs[1].Fields["hours"] != 3.0 {
		t.Errorf("docs[1] = %+v", docs[1])
	}
	// Beyond 2^53 a float64 would round the id to ...992.
	if docs[2].ID != "9007199254740993" || docs[2].Fields["hours"] != 1.5 {
		t.Errorf("docs[2] = %+v, want the exact integer id", docs[2])
	}
}

// TestReadJSONL_Errors tests rejected feeds
func TestReadJSONL_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"bad json", []string{`{"_id": "a"`}, "invalid JSON at line 1"},
		{"missing id", []string{`{"name": "x"}`}, "missing id"},
		{"duplicate", []string{`{"_id": "a"}`, `{"_id": "a"}`}, "duplicate id a"},
		{"trailing data", []string{`{"_id": "a"} {"_id": "b"}`}, "invalid JSON at line 1"},
		{"not an object", []string{`null`}, "invalid JSON at line 1"},
		{"fractional id", []string{`{"_id": 2.5}`}, "not an integer"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFeed(t, dir, fmt.Sprintf("f%d.jsonl", i), tt.lines...)
			_, err := ReadJSONL(path, Options{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ReadJSONL() error = %v, want %q", err, tt.want)
			}
		})
	}
}

// TestReplaceCollection_Overwrites tests that stale records are removed
func TestReplaceCollection_Overwrites(t *testing.T) {
	store, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "primary.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	var first []docstore.Document
	for i := 0; i < 620; i++ {
		first = append(first, docstore.Document{ID: fmt.Sprintf("J%04d", i), Fields: docstore.Fields{"n": float64(i)}})
	}
	res, err := ReplaceCollection(ctx, store, "jobsWriteback", first)
	if err != nil {
		t.Fatalf("ReplaceCollection() failed: %v", err)
	}
	if res.Written != 620 || res.Deleted != 0 {
		t.Errorf("first ReplaceCollection() = %+v", res)
	}

	second := []docstore.Document{
		{ID: "J0001", Fields: docstore.Fields{"n": 100.0}},
		{ID: "NEW", Fields: docstore.Fields{"n": 1.0}},
	}
	res, err = ReplaceCollection(ctx, store, "jobsWriteback", second)
	if err != nil {
		t.Fatalf("ReplaceCollection() failed: %v", err)
	}
	if res.Written != 2 || res.Deleted != 619 {
		t.Errorf("second ReplaceCollection() = %+v, want 2 written and 619 deleted", res)
	}

	docs, err := store.Find(ctx, docstore.Query{Collection: "jobsWriteback"})
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "J0001" || docs[0].Fields["n"] != 100.0 {
		t.Errorf("collection = %+v", docs)
	}
}
