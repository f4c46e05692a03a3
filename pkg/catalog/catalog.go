// Package catalog maintains a SQLite-backed index of directory entries
// across a galleon volume, so galleonctl find can answer a name-glob query
// without walking the B+ tree directory index on every invocation (spec
// §4.7's list_directory is O(entries in one directory); catalog trades
// staleness for an O(matches) search across the whole volume).
package catalog

import (
	"database/sql"
	"path"
	"time"

	"github.com/gobwas/glob"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/galleonfs/galleon/pkg/galleon"
	"github.com/galleonfs/galleon/pkg/galleon/mft"
)

// Entry is one indexed directory entry.
type Entry struct {
	Path        string
	FRN         uint64
	ParentFRN   uint64
	IsDirectory bool
	IndexedAt   time.Time
}

// Catalog is a SQLite index of entries, keyed by full path.
type Catalog struct {
	db *sql.DB
}

// Open creates or opens the catalog database at path, creating its schema
// if necessary.
func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: open")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			path       TEXT PRIMARY KEY,
			frn        INTEGER NOT NULL,
			parent_frn INTEGER NOT NULL,
			is_dir     INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS entries_frn ON entries(frn);
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "catalog: schema")
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Index walks fs depth-first from root, recording every entry under
// basePath. It replaces any rows previously indexed for names under
// basePath, so re-running `galleonctl catalog index` after edits converges
// instead of accumulating stale paths.
func (c *Catalog) Index(fs *galleon.Filesystem, root mft.FRN, basePath string) (int, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "catalog: begin")
	}

	if _, err := tx.Exec(`DELETE FROM entries WHERE path = ? OR path LIKE ?`, basePath, basePath+"/%"); err != nil {
		tx.Rollback()
		return 0, errors.Wrap(err, "catalog: clear stale entries")
	}

	stmt, err := tx.Prepare(`
		INSERT INTO entries (path, frn, parent_frn, is_dir, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET frn=excluded.frn, parent_frn=excluded.parent_frn,
			is_dir=excluded.is_dir, indexed_at=excluded.indexed_at
	`)
	if err != nil {
		tx.Rollback()
		return 0, errors.Wrap(err, "catalog: prepare")
	}
	defer stmt.Close()

	now := time.Now().Unix()
	count := 0
	type pending struct {
		frn  mft.FRN
		path string
	}
	queue := []pending{{frn: root, path: basePath}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		entries, err := fs.ListDirectory(cur.frn)
		if err != nil {
			tx.Rollback()
			return 0, errors.Wrapf(err, "catalog: list %s", cur.path)
		}
		for _, e := range entries {
			childPath := path.Join(cur.path, e.Name)
			if _, err := stmt.Exec(childPath, uint64(e.FRN), uint64(cur.frn), e.IsDirectory, now); err != nil {
				tx.Rollback()
				return 0, errors.Wrap(err, "catalog: insert")
			}
			count++
			if e.IsDirectory {
				queue = append(queue, pending{frn: e.FRN, path: childPath})
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "catalog: commit")
	}
	return count, nil
}

// Find returns every indexed entry whose path matches the glob pattern,
// ordered by path. Matching is done application-side via gobwas/glob rather
// than SQL LIKE, since directory globs ("**", character classes) don't map
// onto LIKE's single-wildcard semantics.
func (c *Catalog) Find(pattern string) ([]Entry, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, errors.Wrap(err, "catalog: compile pattern")
	}

	rows, err := c.db.Query(`SELECT path, frn, parent_frn, is_dir, indexed_at FROM entries ORDER BY path`)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: query")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var isDir int
		var indexedAt int64
		if err := rows.Scan(&e.Path, &e.FRN, &e.ParentFRN, &isDir, &indexedAt); err != nil {
			return nil, errors.Wrap(err, "catalog: scan")
		}
		if !g.Match(e.Path) {
			continue
		}
		e.IsDirectory = isDir != 0
		e.IndexedAt = time.Unix(indexedAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}
