package library

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/db"
)

// Backend names accepted by Open.
const (
	BackendFilesystem = "filesystem"
	BackendPostgres   = "postgres"
	BackendBolt       = "bolt"
	BackendSQLite     = "sqlite"
	BackendS3         = "s3"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend     string
	Dir         string
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
	BoltPath    string
	SQLitePath  string
	S3          S3Config
}

// Open constructs the configured backend. The caller owns the result and must
// Close it.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Repository, error) {
	logger = logger.With().Str("library_store", cfg.Backend).Logger()

	var (
		repo Repository
		err  error
	)
	switch cfg.Backend {
	case "", BackendFilesystem:
		var s *FileStore
		s, err = NewFileStore(cfg.Dir, logger)
		repo = s
	case BackendPostgres:
		pool, perr := db.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns, cfg.MinConns)
		if perr != nil {
			return nil, perr
		}
		logger.Info().Msg("connected to database")
		s := NewPGStore(pool)
		s.owned = true
		repo = s
	case BackendBolt:
		var s *BoltStore
		s, err = NewBoltStore(cfg.BoltPath)
		repo = s
	case BackendSQLite:
		var s *SQLiteStore
		s, err = NewSQLiteStore(ctx, cfg.SQLitePath)
		repo = s
	case BackendS3:
		var s *S3Store
		s, err = NewS3Store(ctx, cfg.S3)
		repo = s
	default:
		return nil, fmt.Errorf("unknown library store %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}
