package intel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanSourceFiles(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"src/app.ts",
		"src/nested/util.tsx",
		"node_modules/lodash/index.js",
		".git/hooks/pre-commit.js",
		"dist/bundle.js",
		"readme.md",
	}
	for _, f := range files {
		full := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ScanSourceFiles(root)
	if err != nil {
		t.Fatalf("ScanSourceFiles failed: %v", err)
	}
	want := map[string]bool{"src/app.ts": true, "src/nested/util.tsx": true}
	if len(got) != len(want) {
		t.Fatalf("Files = %v", got)
	}
	for _, p := range got {
		if !want[p] {
			t.Errorf("Unexpected file %q", p)
		}
	}
}
