// Package sizeindex reads the per-day size table maintained next to the
// recorder. The table has a "date" column (YYYY-MM-DD) and one integer column
// per collection holding that day's byte size.
package sizeindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/spf13/afero"
	_ "modernc.org/sqlite"

	"github.com/mattjoyce/zm-archiver/internal/store"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Row is one date of the index.
type Row struct {
	Date  string
	Sizes map[string]int64
}

// Index is an in-memory snapshot of the size table.
type Index struct {
	rows        map[string]map[string]int64
	collections []string
}

// Empty returns an index with no entries; every lookup misses.
func Empty() *Index {
	return &Index{rows: map[string]map[string]int64{}}
}

// FromRows builds an index from rows already in memory.
func FromRows(rows []Row) *Index {
	ix := Empty()
	seen := map[string]bool{}
	for _, r := range rows {
		sizes := ix.rows[r.Date]
		if sizes == nil {
			sizes = map[string]int64{}
			ix.rows[r.Date] = sizes
		}
		for c, n := range r.Sizes {
			sizes[c] = n
			if !seen[c] {
				seen[c] = true
				ix.collections = append(ix.collections, c)
			}
		}
	}
	sort.Strings(ix.collections)
	return ix
}

// Open loads table from the SQLite database at path, read-only.
// A missing database yields an empty index and no error.
func Open(ctx context.Context, path, table string) (*Index, error) {
	if path == "" {
		return Empty(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Empty(), nil
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid size table name %q", table)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open size index: %w", err)
	}
	defer db.Close()

	return load(ctx, db, table)
}

func load(ctx context.Context, db *sql.DB, table string) (*Index, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("query size index %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("size index columns: %w", err)
	}
	dateCol := -1
	for i, c := range cols {
		if c == "date" {
			dateCol = i
		}
	}
	if dateCol < 0 {
		return nil, fmt.Errorf("size index %s has no date column", table)
	}

	ix := Empty()
	for i, c := range cols {
		if i != dateCol && !isReserved(c) {
			ix.collections = append(ix.collections, c)
		}
	}
	sort.Strings(ix.collections)

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan size index row: %w", err)
		}
		date := asString(vals[dateCol])
		if date == "" {
			continue
		}
		sizes := make(map[string]int64, len(cols)-1)
		for i, c := range cols {
			if i == dateCol || isReserved(c) {
				continue
			}
			if n, ok := asInt(vals[i]); ok {
				sizes[c] = n
			}
		}
		ix.rows[date] = sizes
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read size index: %w", err)
	}
	return ix, nil
}

// status and path are written back by the status report.
func isReserved(col string) bool {
	return col == "status" || col == "path" || col == "index"
}

// Lookup returns the recorded size of (collection, date).
func (ix *Index) Lookup(collection, date string) (int64, bool) {
	sizes, ok := ix.rows[date]
	if !ok {
		return 0, false
	}
	n, ok := sizes[collection]
	return n, ok
}

// Len is the number of dates in the index.
func (ix *Index) Len() int { return len(ix.rows) }

// Collections lists the collection columns of the table.
func (ix *Index) Collections() []string { return ix.collections }

// Rows returns every date in ascending order.
func (ix *Index) Rows() []Row {
	dates := make([]string, 0, len(ix.rows))
	for d := range ix.rows {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	out := make([]Row, 0, len(dates))
	for _, d := range dates {
		out = append(out, Row{Date: d, Sizes: ix.rows[d]})
	}
	return out
}

// Resolver sizes units from the index, walking the unit directory on a miss.
type Resolver struct {
	Index  *Index
	Fs     afero.Fs
	Logger *slog.Logger
}

// SizeOf returns the unit size in bytes. Units that cannot be sized at all
// count as zero.
func (r Resolver) SizeOf(u store.Unit) int64 {
	if r.Index != nil {
		if n, ok := r.Index.Lookup(u.Collection, u.Name); ok {
			return n
		}
	}
	n, err := store.DirSize(r.Fs, u.Path)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("cannot size unit", "unit", u.Key(), "error", err)
		}
		return 0
	}
	if r.Logger != nil {
		r.Logger.Debug("size index miss, sized from disk", "unit", u.Key(), "bytes", n)
	}
	return n
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
