// Package library resolves compiled CQL libraries (ELM JSON) by id and
// version. Several backends implement the same Repository contract so the
// hook loader does not care where libraries live.
package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/cdshooks/internal/platform/elm"
)

// ErrNotFound is returned when no library matches the requested id/version.
var ErrNotFound = errors.New("library not found")

// Store is the read side consumed by the hook loader.
type Store interface {
	// Resolve returns the library with exactly this id and version.
	Resolve(ctx context.Context, id, version string) (*elm.Library, error)
	// ResolveLatest returns the newest version of id according to Latest.
	ResolveLatest(ctx context.Context, id string) (*elm.Library, error)
}

// Repository is a Store that can also be seeded.
type Repository interface {
	Store
	// Put stores an ELM document under the identity found in its
	// library.identifier block, replacing any previous copy.
	Put(ctx context.Context, raw []byte) (*elm.Library, error)
	Close() error
}

// parseForPut decodes raw and checks that it carries an identifier.
func parseForPut(raw []byte) (*elm.Library, error) {
	lib, err := elm.ParseLibrary(raw)
	if err != nil {
		return nil, fmt.Errorf("parse elm: %w", err)
	}
	if lib.ID == "" {
		return nil, fmt.Errorf("elm document has no library.identifier.id")
	}
	return lib, nil
}

func notFound(id, version string) error {
	if version == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s|%s", ErrNotFound, id, version)
}
