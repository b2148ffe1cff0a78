package intel

import (
	"context"
	"fmt"
	"path/filepath"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// persistBatchSize bounds how many files are flushed per transaction.
const persistBatchSize = 10

// ReindexResult summarizes one reindex pass.
type ReindexResult struct {
	Parsed  int
	Skipped int
	Failed  int
	Symbols int
}

// ReindexFiles parses each path and replaces its stored symbols. Paths are
// project-relative; rootDir anchors disk reads. Files whose content hash
// matches the stored hash are skipped; parse failures leave prior symbols
// untouched. Writes go through Batch in groups of ten.
func ReindexFiles(ctx context.Context, s store.Store, projectID int64, rootDir string, paths []string) (*ReindexResult, error) {
	timer := logging.StartTimer(logging.CategoryIntel, "ReindexFiles")
	defer timer.Stop()

	res := &ReindexResult{}
	var pending []*ParsedFile

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := persistBatch(ctx, s, projectID, pending); err != nil {
			return err
		}
		for _, pf := range pending {
			res.Symbols += len(pf.Symbols)
		}
		pending = pending[:0]
		return nil
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(rootDir, path)
		}
		pf, err := ParseFile(full)
		if err != nil {
			logging.IntelDebug("Parse skipped for %s: %v", path, err)
			res.Failed++
			continue
		}
		pf.Path = path
		stored, err := storedHash(ctx, s, projectID, path)
		if err != nil {
			return res, err
		}
		if stored == pf.ContentHash {
			res.Skipped++
			continue
		}
		res.Parsed++
		pending = append(pending, pf)
		if len(pending) >= persistBatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	logging.Intel("Reindexed %d files (%d skipped, %d failed, %d symbols)",
		res.Parsed, res.Skipped, res.Failed, res.Symbols)
	return res, nil
}

// persistBatch replaces symbols for a group of files in one transaction:
// upsert the file row with its new hash, delete old symbols, insert new ones.
func persistBatch(ctx context.Context, s store.Store, projectID int64, files []*ParsedFile) error {
	var stmts []store.Statement
	for _, pf := range files {
		fileID, err := ensureFile(ctx, s, projectID, pf.Path)
		if err != nil {
			return err
		}
		stmts = append(stmts,
			store.Statement{
				SQL:  "UPDATE files SET content_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
				Args: []interface{}{pf.ContentHash, fileID},
			},
			store.Statement{
				SQL:  "DELETE FROM symbols WHERE file_id = ?",
				Args: []interface{}{fileID},
			})
		for _, sym := range pf.Symbols {
			exported := 0
			if sym.IsExported {
				exported = 1
			}
			stmts = append(stmts, store.Statement{
				SQL: `INSERT INTO symbols (file_id, name, kind, signature, parameters, returns, parent_class, line_start, line_end, is_exported)
				      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				Args: []interface{}{fileID, sym.Name, sym.Kind, sym.Signature, sym.Parameters,
					sym.Returns, nullable(sym.ParentClass), sym.LineStart, sym.LineEnd, exported},
			})
		}
	}
	if err := s.Batch(ctx, stmts); err != nil {
		return fmt.Errorf("symbol batch failed: %w", err)
	}
	return nil
}

// ensureFile returns the file row id, creating it on first reference.
func ensureFile(ctx context.Context, s store.Store, projectID int64, path string) (int64, error) {
	row, err := s.Get(ctx, "SELECT id FROM files WHERE project_id = ? AND path = ?", projectID, path)
	if err != nil {
		return 0, err
	}
	if row != nil {
		return row.Int("id"), nil
	}
	res, err := s.Run(ctx, "INSERT INTO files (project_id, path) VALUES (?, ?)", projectID, path)
	if err != nil {
		row, getErr := s.Get(ctx, "SELECT id FROM files WHERE project_id = ? AND path = ?", projectID, path)
		if getErr == nil && row != nil {
			return row.Int("id"), nil
		}
		return 0, err
	}
	return res.LastInsertID, nil
}

func storedHash(ctx context.Context, s store.Store, projectID int64, path string) (string, error) {
	row, err := s.Get(ctx,
		"SELECT content_hash FROM files WHERE project_id = ? AND path = ?", projectID, path)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", nil
	}
	return row.String("content_hash"), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
