package treestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	treestore "github.com/bumbu-labs/treestore"
)

func drainRecords(t *testing.T, ctx context.Context, source treestore.RecordSource) []treestore.Record {
	t.Helper()
	next, err := source.Records(ctx)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	var out []treestore.Record
	for {
		rec, ok, err := next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out
}

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestJSONLoader(t *testing.T) {
	path := writeFixture(t, "nodes.json", `[
		{"id": "r", "parent": null},
		{"id": "a", "parent": "r"}
	]`)
	ctx := context.Background()
	loader := treestore.JSONLoader{Path: path}

	recs := drainRecords(t, ctx, loader)
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if id, _ := recs[0]["id"].(string); id != "r" {
		t.Errorf("recs[0][id] = %q, want %q", id, "r")
	}

	// A second call to Records is an independent iteration.
	again := drainRecords(t, ctx, loader)
	if len(again) != 2 {
		t.Fatalf("second iteration len = %d, want 2", len(again))
	}
}

func TestJSONLoaderMalformed(t *testing.T) {
	path := writeFixture(t, "bad.json", `not json`)
	loader := treestore.JSONLoader{Path: path}
	if _, err := loader.Records(context.Background()); err == nil {
		t.Fatal("expected a parse error for malformed JSON")
	}
}

func TestJSONLinesLoaderEager(t *testing.T) {
	path := writeFixture(t, "nodes.jl", "{\"id\": \"r\", \"parent\": null}\n\n{\"id\": \"a\", \"parent\": \"r\"}\n")
	loader := treestore.JSONLinesLoader{Path: path, Lazy: false}
	recs := drainRecords(t, context.Background(), loader)
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2 (blank line skipped)", len(recs))
	}
}

func TestJSONLinesLoaderLazy(t *testing.T) {
	path := writeFixture(t, "nodes.jl", "{\"id\": \"r\", \"parent\": null}\n{\"id\": \"a\", \"parent\": \"r\"}\n{\"id\": \"b\", \"parent\": \"r\"}\n")
	loader := treestore.JSONLinesLoader{Path: path, Lazy: true}

	first := drainRecords(t, context.Background(), loader)
	if len(first) != 3 {
		t.Fatalf("len(first) = %d, want 3", len(first))
	}

	// Records is restartable: a second call re-opens the file.
	second := drainRecords(t, context.Background(), loader)
	if len(second) != 3 {
		t.Fatalf("len(second) = %d, want 3", len(second))
	}
	if id, _ := second[2]["id"].(string); id != "b" {
		t.Errorf("second[2][id] = %q, want %q", id, "b")
	}
}

func TestPathSourceDispatch(t *testing.T) {
	jsonPath := writeFixture(t, "a.json", `[{"id": "r", "parent": null}]`)
	jlPath := writeFixture(t, "a.jl", `{"id": "r", "parent": null}`)
	jsonlinesPath := writeFixture(t, "a.jsonlines", `{"id": "r", "parent": null}`)

	if src, err := treestore.PathSource(jsonPath, false); err != nil {
		t.Fatalf("PathSource(.json): %v", err)
	} else if _, ok := src.(treestore.JSONLoader); !ok {
		t.Errorf("PathSource(.json) = %T, want JSONLoader", src)
	}

	if src, err := treestore.PathSource(jlPath, true); err != nil {
		t.Fatalf("PathSource(.jl): %v", err)
	} else if jl, ok := src.(treestore.JSONLinesLoader); !ok {
		t.Errorf("PathSource(.jl) = %T, want JSONLinesLoader", src)
	} else if !jl.Lazy {
		t.Error("PathSource(.jl, lazy=true) produced a non-lazy loader")
	}

	if src, err := treestore.PathSource(jsonlinesPath, false); err != nil {
		t.Fatalf("PathSource(.jsonlines): %v", err)
	} else if _, ok := src.(treestore.JSONLinesLoader); !ok {
		t.Errorf("PathSource(.jsonlines) = %T, want JSONLinesLoader", src)
	}

	if _, err := treestore.PathSource("a.csv", false); err == nil {
		t.Fatal("expected an error for an unsupported extension")
	}
}
