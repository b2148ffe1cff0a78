package intel

import (
	"io/fs"
	"path/filepath"
	"strings"

	"muninn/internal/logging"
)

// Walk bounds: file scanning stops after this many files or this depth.
const (
	maxWalkFiles = 2000
	maxWalkDepth = 15
)

// ignoredDirs are never descended into during a scan.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"out":          true,
	"coverage":     true,
	"vendor":       true,
	".cache":       true,
	"__pycache__":  true,
}

// ParseableExtensions lists the file types the symbol extractor understands.
var ParseableExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
}

// ScanSourceFiles walks rootDir and returns project-relative paths of
// parseable source files. The walk is bounded: common build directories are
// skipped, depth is capped, and at most 2000 files are returned.
func ScanSourceFiles(rootDir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(rootDir, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			name := d.Name()
			if ignoredDirs[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if strings.Count(rel, "/")+1 > maxWalkDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !ParseableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		out = append(out, rel)
		if len(out) >= maxWalkFiles {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	logging.IntelDebug("Scan found %d source files under %s", len(out), rootDir)
	return out, nil
}
