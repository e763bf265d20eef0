// Package ingest loads staging feeds into the primary store.
//
// A feed is a JSONL file, one JSON object per line, named after the staging
// collection it replaces (jobsWriteback.jsonl fills jobsWriteback). Loading
// a feed overwrites the whole collection: records absent from the file are
// removed.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fieldops/opsync/internal/docstore"
)

// Extension marks feed files.
const Extension = ".jsonl"

// DefaultIDField is the object key holding the record id.
const DefaultIDField = "_id"

// maxLine bounds one JSONL record.
const maxLine = 4 * 1024 * 1024

// Options control how feed lines become documents.
type Options struct {
	// IDField names the key holding the document id (default "_id")
	IDField string

	// TimeFields are parsed from RFC 3339 strings into timestamps
	TimeFields []string
}

// Result summarizes a ReplaceCollection call.
type Result struct {
	Collection string
	Written    int
	Deleted    int
}

// CollectionFor returns the staging collection a feed file fills.
func CollectionFor(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, Extension) || strings.HasPrefix(base, ".") {
		return "", false
	}
	name := strings.TrimSuffix(base, Extension)
	return name, name != ""
}

// ReadJSONL parses a feed file. Blank lines are ignored; a malformed line,
// a missing id or a repeated id fails the whole file.
func ReadJSONL(path string, opts Options) ([]docstore.Document, error) {
	// #nosec G304 - operator supplied path
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}
	defer file.Close()

	idField := opts.IDField
	if idField == "" {
		idField = DefaultIDField
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var docs []docstore.Document
	seen := map[string]int{}
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		raw, err := decodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}

		id, err := recordID(raw[idField])
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", lineNum, idField, err)
		}
		if first, ok := seen[id]; ok {
			return nil, fmt.Errorf("line %d: duplicate id %s (first at line %d)", lineNum, id, first)
		}
		seen[id] = lineNum
		delete(raw, idField)

		for _, f := range opts.TimeFields {
			s, ok := raw[f].(string)
			if !ok || s == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", lineNum, f, err)
			}
			raw[f] = ts.UTC()
		}

		fields, err := docstore.NormalizeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		docs = append(docs, docstore.Document{ID: id, Fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	return docs, nil
}

// decodeLine decodes one JSON object. Numbers stay json.Number so a numeric
// id keeps its exact digits; other numbers become float64 when normalized.
func decodeLine(line string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("not an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after object")
	}
	return raw, nil
}

func recordID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("empty id")
		}
		if strings.Contains(id, "/") {
			return "", fmt.Errorf("id %q contains '/'", id)
		}
		return id, nil
	case json.Number:
		if _, err := strconv.ParseInt(id.String(), 10, 64); err != nil {
			return "", fmt.Errorf("numeric id %s is not an integer", id)
		}
		return id.String(), nil
	case nil:
		return "", fmt.Errorf("missing id")
	default:
		return "", fmt.Errorf("unsupported id type %T", v)
	}
}

// ReplaceCollection overwrites collection with docs. New records are written
// first and stale ones removed afterwards, in batches of at most
// docstore.MaxBatchOps writes, so a reader never sees the collection empty.
func ReplaceCollection(ctx context.Context, store docstore.Store, collection string, docs []docstore.Document) (*Result, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection cannot be empty")
	}
	res := &Result{Collection: collection}

	keep := make(map[string]bool, len(docs))
	batch := docstore.NewBatch()
	for _, d := range docs {
		keep[d.ID] = true
		batch.Set(collection, d.ID, d.Fields)
		if batch.Len() == docstore.MaxBatchOps {
			if err := store.Commit(ctx, batch); err != nil {
				return res, fmt.Errorf("failed to write %s: %w", collection, err)
			}
			res.Written += batch.Len()
			batch = docstore.NewBatch()
		}
	}
	if err := store.Commit(ctx, batch); err != nil {
		return res, fmt.Errorf("failed to write %s: %w", collection, err)
	}
	res.Written += batch.Len()

	q := docstore.Query{Collection: collection, Limit: docstore.MaxBatchOps}
	for {
		existing, err := store.Find(ctx, q)
		if err != nil {
			return res, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		stale := docstore.NewBatch()
		for _, d := range existing {
			if !keep[d.ID] {
				stale.Delete(collection, d.ID)
			}
		}
		if err := store.Commit(ctx, stale); err != nil {
			return res, fmt.Errorf("failed to prune %s: %w", collection, err)
		}
		res.Deleted += stale.Len()

		if len(existing) < q.Limit {
			break
		}
		q.After = q.CursorOf(existing[len(existing)-1])
	}
	return res, nil
}
