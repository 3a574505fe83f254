// Package kbstore persists imported sections as knowledge-base articles.
//
// Articles are grouped by category and replaced wholesale on every import
// of that category: the Writer deletes the previous generation and inserts
// the new one inside a single transaction, so a failed import leaves the
// old articles in place.
package kbstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/kbingest/dbopen"
)

// Schema is applied one statement at a time so it also runs through the
// statement-tracing driver.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS articles (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		slug           TEXT NOT NULL UNIQUE,
		summary        TEXT NOT NULL DEFAULT '',
		content        TEXT NOT NULL DEFAULT '',
		category       TEXT NOT NULL,
		subcategory    TEXT NOT NULL DEFAULT '',
		product_line   TEXT NOT NULL DEFAULT '',
		product_models TEXT NOT NULL DEFAULT '[]',
		visibility     TEXT NOT NULL DEFAULT 'internal',
		status         TEXT NOT NULL DEFAULT 'published',
		level          INTEGER NOT NULL DEFAULT 0,
		source_path    TEXT NOT NULL DEFAULT '',
		position_start INTEGER NOT NULL DEFAULT 0,
		position_end   INTEGER NOT NULL DEFAULT 0,
		sort_order     INTEGER NOT NULL DEFAULT 0,
		created_by     TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_category ON articles(category, sort_order)`,
}

// Store is the article database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the article database at path and applies the
// schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	all := []dbopen.Option{dbopen.WithMkdirAll()}
	for _, s := range Schema {
		all = append(all, dbopen.WithSchema(s))
	}
	db, err := dbopen.Open(path, append(all, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// New wraps an already open database, applying the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	for _, s := range Schema {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return nil, fmt.Errorf("kbstore: apply schema: %w", err)
		}
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
