package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Schema is the catalog layout the parser reads. Image paths are absolute or
// relative to the directory holding the catalog file.
const Schema = `
CREATE TABLE IF NOT EXISTS albums (
	id        INTEGER PRIMARY KEY,
	parent_id INTEGER REFERENCES albums(id),
	name      TEXT NOT NULL,
	position  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS images (
	id             INTEGER PRIMARY KEY,
	album_id       INTEGER NOT NULL REFERENCES albums(id),
	name           TEXT NOT NULL,
	path           TEXT NOT NULL,
	width          INTEGER,
	height         INTEGER,
	taken_at       TEXT,
	camera         TEXT,
	thumbnail      BLOB,
	thumbnail_type TEXT
);
CREATE INDEX IF NOT EXISTS idx_albums_parent ON albums(parent_id, position);
CREATE INDEX IF NOT EXISTS idx_images_album ON images(album_id);
`

// Create initializes an empty catalog at path. Existing tables are kept.
func Create(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return db, nil
}

var requiredTables = []string{"albums", "images"}

func checkSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		row := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table)
		if err := row.Scan(&n); err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("missing table %q", table)
		}
	}
	return nil
}
