package intel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"muninn/internal/store"
)

func newIntelTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildCallGraphConfidenceTiers(t *testing.T) {
	s := newIntelTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	writeSource(t, root, "util.ts", `export function helper() {
	return 1;
}
`)
	writeSource(t, root, "api.ts", `export function fetchData() {
	return 2;
}
`)
	writeSource(t, root, "app.ts", `import { helper } from './util';
import * as api from './api';

function local() {
	return 3;
}

export function main() {
	helper();
	api.fetchData();
	local();
}
`)

	if err := BuildCallGraph(ctx, s, 1, root, []string{"app.ts"}); err != nil {
		t.Fatalf("BuildCallGraph failed: %v", err)
	}

	rows, err := s.All(ctx,
		`SELECT caller_symbol, callee_file, callee_symbol, call_type, confidence
		 FROM call_edges WHERE project_id = 1 AND caller_file = 'app.ts'
		 ORDER BY callee_symbol`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Edges = %d, want 3: %v", len(rows), rows)
	}

	byCallee := make(map[string]store.Row)
	for _, r := range rows {
		byCallee[r.String("callee_symbol")] = r
	}

	if e := byCallee["helper"]; e == nil || e.Float("confidence") != 0.85 || e.String("callee_file") != "util.ts" {
		t.Errorf("Imported call edge wrong: %v", e)
	}
	if e := byCallee["fetchData"]; e == nil || e.Float("confidence") != 0.75 || e.String("call_type") != "method" {
		t.Errorf("Namespace method edge wrong: %v", e)
	}
	if e := byCallee["local"]; e == nil || e.Float("confidence") != 0.9 || e.String("callee_file") != "app.ts" {
		t.Errorf("Same-file edge wrong: %v", e)
	}
}

func TestBuildCallGraphWholesaleReplace(t *testing.T) {
	s := newIntelTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	writeSource(t, root, "a.ts", `function one() { return 1; }
export function entry() {
	one();
}
`)
	if err := BuildCallGraph(ctx, s, 1, root, []string{"a.ts"}); err != nil {
		t.Fatalf("BuildCallGraph failed: %v", err)
	}
	row, _ := s.Get(ctx, "SELECT COUNT(*) AS n FROM call_edges WHERE caller_file = 'a.ts'")
	if row.Int("n") != 1 {
		t.Fatalf("Initial edges = %d", row.Int("n"))
	}

	// The call disappears; a rebuild must not leave the stale edge behind.
	writeSource(t, root, "a.ts", `function one() { return 1; }
export function entry() {
	return 0;
}
`)
	if err := BuildCallGraph(ctx, s, 1, root, []string{"a.ts"}); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	row, _ = s.Get(ctx, "SELECT COUNT(*) AS n FROM call_edges WHERE caller_file = 'a.ts'")
	if row.Int("n") != 0 {
		t.Fatalf("Stale edges remain: %d", row.Int("n"))
	}
}

func TestBuildCallGraphSkipsPackageImports(t *testing.T) {
	s := newIntelTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	writeSource(t, root, "b.ts", `import { readFile } from 'fs/promises';

export function load() {
	readFile("x");
}
`)
	if err := BuildCallGraph(ctx, s, 1, root, []string{"b.ts"}); err != nil {
		t.Fatalf("BuildCallGraph failed: %v", err)
	}
	row, _ := s.Get(ctx, "SELECT COUNT(*) AS n FROM call_edges WHERE caller_file = 'b.ts'")
	if row.Int("n") != 0 {
		t.Errorf("Package import produced edges: %d", row.Int("n"))
	}
}

func TestResolveImportProbes(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "lib/index.ts", "export function x() {}\n")
	writeSource(t, root, "main.ts", "")

	from := filepath.Join(root, "main.ts")
	got := resolveImport(from, "./lib")
	if got != filepath.Join(root, "lib", "index.ts") {
		t.Errorf("resolveImport = %q", got)
	}
	if resolveImport(from, "lodash") != "" {
		t.Error("Package specifier must not resolve")
	}
	if resolveImport(from, "./missing") != "" {
		t.Error("Missing target must not resolve")
	}
}

func TestImportAliasBinding(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "util.ts", "export function orig() {}\n")
	from := filepath.Join(root, "main.ts")
	writeSource(t, root, "main.ts", "")

	bindings := parseImports(`import { orig as renamed } from './util';`, root, from)
	if len(bindings) != 1 {
		t.Fatalf("Bindings = %+v", bindings)
	}
	if bindings[0].localName != "renamed" || bindings[0].sourceFile != "util.ts" {
		t.Errorf("Alias binding wrong: %+v", bindings[0])
	}
}
