package library

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ehr/cdshooks/internal/platform/elm"
)

var librariesBucket = []byte("libraries")

// BoltStore keeps libraries in a bbolt file: one sub-bucket per library id
// under "libraries", keyed by version.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(librariesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func versionKey(version string) []byte { return []byte("v:" + version) }

func (s *BoltStore) Resolve(_ context.Context, id, version string) (*elm.Library, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(librariesBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		if v := b.Get(versionKey(version)); v != nil {
			// bbolt values are only valid inside the transaction.
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read bolt: %w", err)
	}
	if raw == nil {
		return nil, notFound(id, version)
	}
	return elm.ParseLibrary(raw)
}

func (s *BoltStore) ResolveLatest(ctx context.Context, id string) (*elm.Library, error) {
	var versions []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(librariesBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			versions = append(versions, string(k[len("v:"):]))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read bolt: %w", err)
	}
	latest, ok := Latest(versions)
	if !ok {
		return nil, notFound(id, "")
	}
	return s.Resolve(ctx, id, latest)
}

func (s *BoltStore) Put(_ context.Context, raw []byte) (*elm.Library, error) {
	lib, err := parseForPut(raw)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(librariesBucket).CreateBucketIfNotExists([]byte(lib.ID))
		if err != nil {
			return fmt.Errorf("create bucket for %s: %w", lib.ID, err)
		}
		return b.Put(versionKey(lib.Version), raw)
	})
	if err != nil {
		return nil, fmt.Errorf("store library %s: %w", lib.Key(), err)
	}
	return lib, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }
