package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/cdshooks/internal/platform/elm"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps ELM documents in the elm_library table (see
// migrations/001_elm_library.sql).
type PGStore struct {
	pool  *pgxpool.Pool
	db    queryable
	owned bool
}

// NewPGStore wraps an existing pool. Close leaves the pool open.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, db: pool}
}

// Pool exposes the underlying pool for health checks and migrations.
func (r *PGStore) Pool() *pgxpool.Pool { return r.pool }

func (r *PGStore) scanLibrary(row pgx.Row, id, version string) (*elm.Library, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id, version)
		}
		return nil, fmt.Errorf("query elm_library: %w", err)
	}
	lib, err := elm.ParseLibrary(raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored library %s: %w", id, err)
	}
	return lib, nil
}

func (r *PGStore) Resolve(ctx context.Context, id, version string) (*elm.Library, error) {
	row := r.db.QueryRow(ctx,
		`SELECT elm FROM elm_library WHERE library_id = $1 AND version = $2`, id, version)
	return r.scanLibrary(row, id, version)
}

// ResolveLatest loads every version of id and applies Latest in Go, since
// version strings do not sort correctly in SQL.
func (r *PGStore) ResolveLatest(ctx context.Context, id string) (*elm.Library, error) {
	rows, err := r.db.Query(ctx, `SELECT version FROM elm_library WHERE library_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", id, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}

	latest, ok := Latest(versions)
	if !ok {
		return nil, notFound(id, "")
	}
	return r.Resolve(ctx, id, latest)
}

func (r *PGStore) Put(ctx context.Context, raw []byte) (*elm.Library, error) {
	lib, err := parseForPut(raw)
	if err != nil {
		return nil, err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO elm_library (id, library_id, version, elm)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (library_id, version)
		DO UPDATE SET elm = EXCLUDED.elm, updated_at = NOW()`,
		uuid.New(), lib.ID, lib.Version, raw)
	if err != nil {
		return nil, fmt.Errorf("upsert library %s: %w", lib.Key(), err)
	}
	return lib, nil
}

func (r *PGStore) Close() error {
	if r.owned {
		r.pool.Close()
	}
	return nil
}
