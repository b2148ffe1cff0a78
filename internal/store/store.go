// Package store provides the embedded relational+FTS+vector store behind all
// Muninn knowledge. Two backends implement the same small contract: an
// in-process SQLite store and an HTTP-framed remote store. Variant dispatch
// happens at construction time; callers only see the Store interface.
package store

import (
	"context"
	"database/sql"
	"errors"
)

// Row is a single result row keyed by column name. BLOB columns come back as
// []byte, everything else as the driver's native Go type.
type Row map[string]interface{}

// Result reports the outcome of a write.
type Result struct {
	LastInsertID int64
	Changes      int64
}

// Statement pairs SQL with its arguments for Batch execution.
type Statement struct {
	SQL  string
	Args []interface{}
}

// Store is the capability set every backend must provide.
//
// Get returns nil with no error when the query matches no row. Exec accepts
// multi-statement scripts (comments, string literals, and trigger BEGIN..END
// bodies included) and splits them itself. Batch executes all statements in
// one transaction, all-or-nothing.
type Store interface {
	Get(ctx context.Context, query string, args ...interface{}) (Row, error)
	All(ctx context.Context, query string, args ...interface{}) ([]Row, error)
	Run(ctx context.Context, query string, args ...interface{}) (Result, error)
	Exec(ctx context.Context, script string) error
	Batch(ctx context.Context, stmts []Statement) error
	Init(ctx context.Context) error
	Close() error
	IsHealthy() bool
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// scanRows converts sql.Rows into []Row with []byte left as-is for BLOBs.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// String reads a column as a string, tolerating NULL and BLOB storage.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Int reads a column as int64, tolerating NULL and float affinity.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Float reads a column as float64.
func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Bytes reads a column as raw bytes.
func (r Row) Bytes(col string) []byte {
	switch v := r[col].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}
