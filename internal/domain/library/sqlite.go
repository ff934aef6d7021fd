package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ehr/cdshooks/internal/platform/elm"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS elm_library (
    library_id TEXT NOT NULL,
    version    TEXT NOT NULL DEFAULT '',
    elm        BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (library_id, version)
)`

// SQLiteStore keeps libraries in a single-file SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens path and creates the table when missing.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create elm_library table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Resolve(ctx context.Context, id, version string) (*elm.Library, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT elm FROM elm_library WHERE library_id = ? AND version = ?`, id, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("query elm_library: %w", err)
	}
	return elm.ParseLibrary(raw)
}

func (s *SQLiteStore) ResolveLatest(ctx context.Context, id string) (*elm.Library, error) {
	var versions []string
	if err := s.db.SelectContext(ctx, &versions,
		`SELECT version FROM elm_library WHERE library_id = ?`, id); err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", id, err)
	}
	latest, ok := Latest(versions)
	if !ok {
		return nil, notFound(id, "")
	}
	return s.Resolve(ctx, id, latest)
}

func (s *SQLiteStore) Put(ctx context.Context, raw []byte) (*elm.Library, error) {
	lib, err := parseForPut(raw)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO elm_library (library_id, version, elm) VALUES (?, ?, ?)
		ON CONFLICT (library_id, version)
		DO UPDATE SET elm = excluded.elm, updated_at = CURRENT_TIMESTAMP`,
		lib.ID, lib.Version, raw)
	if err != nil {
		return nil, fmt.Errorf("upsert library %s: %w", lib.Key(), err)
	}
	return lib, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
