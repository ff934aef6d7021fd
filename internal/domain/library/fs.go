package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/elm"
)

// FileStore serves libraries from a flat directory of ELM JSON files. The
// directory is indexed once at open; Put adds to both disk and index.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	mu    sync.RWMutex
	index map[string]map[string]*elm.Library
}

// NewFileStore indexes every *.json file in dir. Files that fail to parse or
// carry no identifier are logged and skipped. A missing dir yields an empty
// store; Put creates it.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	s := &FileStore{
		dir:    dir,
		logger: logger,
		index:  make(map[string]map[string]*elm.Library),
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("dir", dir).Msg("library directory does not exist, hooks will load without derived prefetch")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read library directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("skipping unreadable library file")
			continue
		}
		lib, err := parseForPut(raw)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("skipping invalid library file")
			continue
		}
		s.add(lib)
	}
	logger.Debug().Str("dir", dir).Int("libraries", s.count()).Msg("library directory indexed")
	return s, nil
}

func (s *FileStore) add(lib *elm.Library) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.index[lib.ID]
	if !ok {
		versions = make(map[string]*elm.Library)
		s.index[lib.ID] = versions
	}
	versions[lib.Version] = lib
}

func (s *FileStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, versions := range s.index {
		n += len(versions)
	}
	return n
}

func (s *FileStore) Resolve(_ context.Context, id, version string) (*elm.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lib, ok := s.index[id][version]; ok {
		return lib, nil
	}
	return nil, notFound(id, version)
}

func (s *FileStore) ResolveLatest(_ context.Context, id string) (*elm.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.index[id]
	keys := make([]string, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	latest, ok := Latest(keys)
	if !ok {
		return nil, notFound(id, "")
	}
	return versions[latest], nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Put writes raw to <id>-<version>.json and indexes it.
func (s *FileStore) Put(_ context.Context, raw []byte) (*elm.Library, error) {
	lib, err := parseForPut(raw)
	if err != nil {
		return nil, err
	}
	name := unsafeFileChars.ReplaceAllString(lib.ID, "_")
	if lib.Version != "" {
		name += "-" + unsafeFileChars.ReplaceAllString(lib.Version, "_")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create library directory %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, name+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write library %s: %w", path, err)
	}
	s.add(lib)
	return lib, nil
}

func (s *FileStore) Close() error { return nil }
