// Package vault fetches, caches, and indexes VM images. Images arrive
// either as cloud-image URLs (optionally gzip-compressed) or as OCI
// references; either way they land content-addressed under the cache
// directory and get a row in the sqlite index. Uses pure-Go SQLite
// (modernc.org/sqlite) — no cgo required.
package vault

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// indexDB wraps the sqlite image index.
type indexDB struct {
	db *sql.DB
}

// imageRow is one indexed image.
type imageRow struct {
	Source   string
	Digest   string
	Path     string
	Size     int64
	MinDisk  uint64
	LastUsed time.Time
}

// openIndex opens (or creates) the image index at the given path.
func openIndex(dbPath string) (*indexDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	idx := &indexDB{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return idx, nil
}

func (x *indexDB) Close() error {
	return x.db.Close()
}

func (x *indexDB) migrate() error {
	_, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			source    TEXT PRIMARY KEY,
			digest    TEXT NOT NULL,
			path      TEXT NOT NULL,
			size      INTEGER NOT NULL,
			min_disk  INTEGER NOT NULL,
			last_used TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// get returns the row for source, or sql.ErrNoRows.
func (x *indexDB) get(source string) (imageRow, error) {
	var row imageRow
	var lastUsed string
	err := x.db.QueryRow(
		`SELECT source, digest, path, size, min_disk, last_used FROM images WHERE source = ?`,
		source,
	).Scan(&row.Source, &row.Digest, &row.Path, &row.Size, &row.MinDisk, &lastUsed)
	if err != nil {
		return imageRow{}, err
	}
	row.LastUsed, _ = time.Parse(time.RFC3339, lastUsed)
	return row, nil
}

// put inserts or replaces the row for row.Source.
func (x *indexDB) put(row imageRow) error {
	_, err := x.db.Exec(
		`INSERT OR REPLACE INTO images (source, digest, path, size, min_disk, last_used)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.Source, row.Digest, row.Path, row.Size, row.MinDisk,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// touch bumps last_used for source.
func (x *indexDB) touch(source string) error {
	_, err := x.db.Exec(
		`UPDATE images SET last_used = ? WHERE source = ?`,
		time.Now().UTC().Format(time.RFC3339), source,
	)
	return err
}
