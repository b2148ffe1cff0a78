package intel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Call edge confidence tiers. Edges are heuristic; confidence reflects how
// directly the callee was resolved, not runtime truth.
const (
	confSameFile   = 0.9
	confImported   = 0.85
	confMethodCall = 0.75
)

var (
	// import { a, b as c } from './x'  /  import d from './x'  /  import * as ns from './x'
	reImportNamed     = regexp.MustCompile(`import\s*\{([^}]+)\}\s*from\s*['"]([^'"]+)['"]`)
	reImportDefault   = regexp.MustCompile(`import\s+([A-Za-z_$][\w$]*)\s*(?:,\s*\{[^}]*\})?\s*from\s*['"]([^'"]+)['"]`)
	reImportNamespace = regexp.MustCompile(`import\s*\*\s*as\s+([A-Za-z_$][\w$]*)\s*from\s*['"]([^'"]+)['"]`)
	reRequire         = regexp.MustCompile(`(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*require\s*\(\s*['"]([^'"]+)['"]\s*\)`)

	reDirectCall = regexp.MustCompile(`(?:^|[^.\w$])([A-Za-z_$][\w$]*)\s*\(`)
	reMethodCall = regexp.MustCompile(`([A-Za-z_$][\w$]*)\.([A-Za-z_$][\w$]*)\s*\(`)
)

// callKeywords are identifiers followed by "(" that are not calls.
var callKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "typeof": true, "new": true, "await": true,
	"async": true, "constructor": true, "super": true, "import": true, "require": true,
}

// importBinding maps a local name to the file it was imported from.
type importBinding struct {
	localName  string
	sourceFile string
	namespace  bool
}

// BuildCallGraph rebuilds call edges for the given caller files. Each file's
// edges are replaced wholesale so deleted calls do not linger. Only relative
// imports are resolved; package imports produce no edges.
func BuildCallGraph(ctx context.Context, s store.Store, projectID int64, rootDir string, paths []string) error {
	timer := logging.StartTimer(logging.CategoryIntel, "BuildCallGraph")
	defer timer.Stop()

	edges := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := buildFileEdges(ctx, s, projectID, rootDir, path)
		if err != nil {
			logging.Get(logging.CategoryIntel).Warn("Call graph failed for %s: %v", path, err)
			continue
		}
		edges += n
	}
	logging.Intel("Call graph rebuilt for %d files (%d edges)", len(paths), edges)
	return nil
}

func buildFileEdges(ctx context.Context, s store.Store, projectID int64, rootDir, path string) (int, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(rootDir, path)
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return 0, err
	}
	if len(content) > maxParseBytes {
		return 0, fmt.Errorf("file too large: %d bytes", len(content))
	}
	text := string(content)

	imports := parseImports(text, rootDir, full)
	importedNames := make(map[string]importBinding, len(imports))
	namespaces := make(map[string]importBinding)
	for _, b := range imports {
		if b.namespace {
			namespaces[b.localName] = b
		} else {
			importedNames[b.localName] = b
		}
	}

	symbols := ExtractSymbols(text)
	localNames := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if sym.Kind == KindFunction || sym.Kind == KindClass {
			localNames[sym.Name] = true
		}
	}

	type edge struct {
		callerSymbol, calleeFile, calleeSymbol, callType string
		confidence                                       float64
	}
	seen := make(map[string]bool)
	var edges []edge
	add := func(e edge) {
		key := e.callerSymbol + "\x00" + e.calleeFile + "\x00" + e.calleeSymbol
		if seen[key] {
			return
		}
		seen[key] = true
		edges = append(edges, e)
	}

	for _, sym := range symbols {
		if sym.Kind != KindFunction && sym.Kind != KindMethod {
			continue
		}
		body := BodyOf(text, sym)

		for _, m := range reDirectCall.FindAllStringSubmatch(body, -1) {
			name := m[1]
			if callKeywords[name] || name == sym.Name {
				continue
			}
			if b, ok := importedNames[name]; ok {
				add(edge{sym.Name, b.sourceFile, name, "direct", confImported})
			} else if localNames[name] {
				add(edge{sym.Name, path, name, "direct", confSameFile})
			}
		}
		for _, m := range reMethodCall.FindAllStringSubmatch(body, -1) {
			recv, method := m[1], m[2]
			if callKeywords[method] {
				continue
			}
			if b, ok := namespaces[recv]; ok {
				add(edge{sym.Name, b.sourceFile, method, "method", confMethodCall})
			} else if b, ok := importedNames[recv]; ok {
				// Instance or class imported from another file.
				add(edge{sym.Name, b.sourceFile, method, "method", confMethodCall})
			}
		}
	}

	stmts := []store.Statement{{
		SQL:  "DELETE FROM call_edges WHERE project_id = ? AND caller_file = ?",
		Args: []interface{}{projectID, path},
	}}
	for _, e := range edges {
		stmts = append(stmts, store.Statement{
			SQL: `INSERT INTO call_edges (project_id, caller_file, caller_symbol, callee_file, callee_symbol, call_type, confidence)
			      VALUES (?, ?, ?, ?, ?, ?, ?)`,
			Args: []interface{}{projectID, path, e.callerSymbol, e.calleeFile, e.calleeSymbol, e.callType, e.confidence},
		})
	}
	if err := s.Batch(ctx, stmts); err != nil {
		return 0, fmt.Errorf("edge replace failed: %w", err)
	}
	return len(edges), nil
}

// parseImports collects local-name -> source-file bindings from import and
// require statements. Only relative specifiers resolve; the rest are skipped.
func parseImports(text, rootDir, fromFile string) []importBinding {
	var out []importBinding

	appendResolved := func(names []string, spec string, namespace bool) {
		resolved := resolveImport(fromFile, spec)
		if resolved == "" {
			return
		}
		if rel, err := filepath.Rel(rootDir, resolved); err == nil && !strings.HasPrefix(rel, "..") {
			resolved = filepath.ToSlash(rel)
		}
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			// "orig as alias" binds the alias.
			if i := strings.Index(n, " as "); i >= 0 {
				n = strings.TrimSpace(n[i+4:])
			}
			out = append(out, importBinding{localName: n, sourceFile: resolved, namespace: namespace})
		}
	}

	for _, m := range reImportNamed.FindAllStringSubmatch(text, -1) {
		appendResolved(strings.Split(m[1], ","), m[2], false)
	}
	for _, m := range reImportDefault.FindAllStringSubmatch(text, -1) {
		appendResolved([]string{m[1]}, m[2], false)
	}
	for _, m := range reImportNamespace.FindAllStringSubmatch(text, -1) {
		appendResolved([]string{m[1]}, m[2], true)
	}
	for _, m := range reRequire.FindAllStringSubmatch(text, -1) {
		appendResolved([]string{m[1]}, m[2], true)
	}
	return out
}

// importProbes are the extensions and index files tried when a relative
// specifier has no extension, in resolution order.
var importProbes = []string{
	".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs",
	"/index.ts", "/index.tsx", "/index.js",
}

// resolveImport maps a relative import specifier to an existing file path.
// Returns "" for package imports or when no candidate exists on disk.
func resolveImport(fromFile, spec string) string {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return ""
	}
	base := filepath.Join(filepath.Dir(fromFile), spec)
	if fileExists(base) {
		return base
	}
	for _, probe := range importProbes {
		if candidate := base + probe; fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
