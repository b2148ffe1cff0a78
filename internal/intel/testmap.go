package intel

import (
	"context"
	"path"
	"regexp"
	"strings"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// testFilePattern matches foo.test.ts / foo.spec.jsx style names.
var testFilePattern = regexp.MustCompile(`^(.*)\.(test|spec)(\.[A-Za-z]+)$`)

// InferSourcePath maps a test file path to the source file it covers.
// Two conventions apply: foo.test.ext (or foo.spec.ext) next to foo.ext,
// and __tests__/foo.ext next to the parent directory's foo.ext. Returns
// false when the path does not look like a test file.
func InferSourcePath(testPath string) (string, bool) {
	p := path.Clean(strings.ReplaceAll(testPath, "\\", "/"))
	dir, base := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")

	if m := testFilePattern.FindStringSubmatch(base); m != nil {
		source := m[1] + m[3]
		inferredDir := dir
		if path.Base(dir) == "__tests__" {
			inferredDir = path.Dir(dir)
		}
		if inferredDir == "" || inferredDir == "." {
			return source, true
		}
		return path.Join(inferredDir, source), true
	}
	// Plain-named files under __tests__ map beside the directory.
	if path.Base(dir) == "__tests__" {
		return path.Join(path.Dir(dir), base), true
	}
	return "", false
}

// MapTestFiles records a "tests" relationship between each recognised test
// file and its inferred source, when both exist as file rows. Existing
// relationships are left in place.
func MapTestFiles(ctx context.Context, s store.Store, projectID int64, paths []string) (int, error) {
	mapped := 0
	for _, testPath := range paths {
		sourcePath, ok := InferSourcePath(testPath)
		if !ok {
			continue
		}
		testRow, err := s.Get(ctx,
			"SELECT id FROM files WHERE project_id = ? AND path = ?", projectID, testPath)
		if err != nil {
			return mapped, err
		}
		sourceRow, err := s.Get(ctx,
			"SELECT id FROM files WHERE project_id = ? AND path = ?", projectID, sourcePath)
		if err != nil {
			return mapped, err
		}
		if testRow == nil || sourceRow == nil {
			logging.IntelDebug("Test map skipped %s -> %s (missing file row)", testPath, sourcePath)
			continue
		}
		_, err = s.Run(ctx,
			`INSERT INTO relationships (source_type, source_id, target_type, target_id, relationship, strength)
			 VALUES ('file', ?, 'file', ?, 'tests', 9)
			 ON CONFLICT(source_type, source_id, target_type, target_id, relationship) DO NOTHING`,
			testRow.Int("id"), sourceRow.Int("id"))
		if err != nil {
			return mapped, err
		}
		mapped++
	}
	if mapped > 0 {
		logging.Intel("Mapped %d test files to sources", mapped)
	}
	return mapped, nil
}

// TestsForFile returns test file paths covering the given source file.
func TestsForFile(ctx context.Context, s store.Store, projectID int64, sourcePath string) ([]string, error) {
	rows, err := s.All(ctx,
		`SELECT tf.path AS path
		 FROM relationships r
		 JOIN files sf ON sf.id = r.target_id AND r.target_type = 'file'
		 JOIN files tf ON tf.id = r.source_id AND r.source_type = 'file'
		 WHERE r.relationship = 'tests' AND sf.project_id = ? AND sf.path = ?`,
		projectID, sourcePath)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.String("path"))
	}
	return out, nil
}
