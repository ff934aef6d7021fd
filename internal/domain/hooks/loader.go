package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/ehr/cdshooks/internal/domain/library"
	"github.com/ehr/cdshooks/internal/domain/prefetch"
	"github.com/ehr/cdshooks/internal/platform/elm"
)

// Loader owns the process-wide hook registry. Load builds a complete new
// snapshot and swaps it in; readers holding an older snapshot keep seeing it
// unchanged.
type Loader struct {
	store     library.Store
	extractor *prefetch.Extractor
	metrics   *Metrics
	logger    zerolog.Logger

	current atomic.Pointer[Hooks]
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithExtractor replaces the default prefetch extractor.
func WithExtractor(x *prefetch.Extractor) LoaderOption {
	return func(l *Loader) { l.extractor = x }
}

// WithMetrics records load statistics on m.
func WithMetrics(m *Metrics) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

// NewLoader creates a Loader with an empty registry. store may be nil, in
// which case library references are reported as unresolvable.
func NewLoader(store library.Store, logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		store:  store,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.extractor == nil {
		m := l.metrics
		l.extractor = prefetch.NewExtractor(logger, prefetch.WithUnsupportedHook(func(u prefetch.Unsupported) {
			m.UnsupportedDataType(u.DataType)
		}))
	}
	l.current.Store(emptyHooks)
	return l
}

// Get returns the live snapshot. It is never nil.
func (l *Loader) Get() *Hooks {
	return l.current.Load()
}

// Clear publishes an empty registry.
func (l *Loader) Clear() {
	l.current.Store(emptyHooks)
	l.metrics.setLoaded(0)
}

// Load replaces the registry with the hooks found in dir and returns the new
// snapshot. Problems with individual files are logged and the file skipped;
// an unusable dir empties the registry.
func (l *Loader) Load(ctx context.Context, dir string) *Hooks {
	start := time.Now()
	log := l.logger.With().Str("dir", dir).Logger()

	files, err := hookFiles(dir)
	if err != nil {
		log.Error().Err(err).Msg("invalid hooks directory, clearing registry")
		l.Clear()
		return l.Get()
	}

	entries := make(map[string]entry, len(files))
	for _, path := range files {
		e, ok := l.loadFile(ctx, path)
		if !ok {
			continue
		}
		entries[e.def.ID] = e
	}

	hooks := newHooks(entries)
	l.current.Store(hooks)
	l.metrics.observeLoad(hooks.Len(), time.Since(start))
	log.Info().
		Int("files", len(files)).
		Int("hooks", hooks.Len()).
		Dur("took", time.Since(start)).
		Msg("hooks loaded")
	return hooks
}

// hookFiles lists the hook files directly inside dir in lexical order.
func hookFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExtension) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

func (l *Loader) loadFile(ctx context.Context, path string) (entry, bool) {
	log := l.logger.With().Str("file", path).Logger()

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Msg("skipping unreadable hook file")
		l.metrics.skip(SkipReadError)
		return entry{}, false
	}

	def, raw, err := parseDefinition(raw)
	if err != nil {
		var missing *MissingFieldsError
		if errors.As(err, &missing) {
			log.Warn().Strs("fields", missing.Fields).Msg("skipping hook with missing required fields")
			l.metrics.skip(SkipMissingFields)
		} else {
			log.Warn().Err(err).Msg("skipping invalid hook file")
			l.metrics.skip(SkipInvalid)
		}
		return entry{}, false
	}
	log = log.With().Str("hook_id", def.ID).Logger()

	if def.Config != nil && def.Config.Disabled {
		log.Info().Msg("skipping disabled hook")
		l.metrics.skip(SkipDisabled)
		return entry{}, false
	}

	raw, err = sjson.DeleteBytes(raw, FieldLibrary)
	if err != nil {
		log.Warn().Err(err).Msg("skipping hook whose library field cannot be removed")
		l.metrics.skip(SkipInvalid)
		return entry{}, false
	}

	if ref := def.Config.LibraryRef(); ref != nil {
		if withPrefetch, pf, ok := l.derivePrefetch(ctx, log, raw, *ref); ok {
			raw = withPrefetch
			def.Prefetch = pf
		}
	}

	return entry{def: def, raw: raw}, true
}

// derivePrefetch resolves ref and writes the extracted plan into the
// document's prefetch field. ok is false when the hook should keep its
// original prefetch.
func (l *Loader) derivePrefetch(ctx context.Context, log zerolog.Logger, raw []byte, ref LibraryReference) ([]byte, map[string]string, bool) {
	log = log.With().Str("library_id", ref.ID).Str("library_version", ref.Version).Logger()

	lib, err := l.resolve(ctx, ref)
	if err != nil {
		log.Warn().Err(err).Msg("cannot resolve library, hook loaded without derived prefetch")
		l.metrics.resolutionFailed()
		return nil, nil, false
	}

	plan := l.extractor.Extract(lib)
	encoded, err := json.Marshal(plan)
	if err != nil {
		log.Warn().Err(err).Msg("cannot encode prefetch")
		return nil, nil, false
	}
	out, err := sjson.SetRawBytes(raw, FieldPrefetch, encoded)
	if err != nil {
		log.Warn().Err(err).Msg("cannot write prefetch")
		return nil, nil, false
	}
	log.Debug().Int("prefetch_entries", len(plan)).Msg("prefetch derived")
	return out, plan, true
}

func (l *Loader) resolve(ctx context.Context, ref LibraryReference) (*elm.Library, error) {
	if l.store == nil {
		return nil, fmt.Errorf("no library store configured")
	}
	if ref.Version != "" {
		return l.store.Resolve(ctx, ref.ID, ref.Version)
	}
	return l.store.ResolveLatest(ctx, ref.ID)
}
