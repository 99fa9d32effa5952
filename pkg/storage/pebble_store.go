package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleBackend persists values in an embedded Pebble database. Pebble holds
// an exclusive lock on its directory, so one watcher process owns one path.
type PebbleBackend struct {
	db *pebble.DB
}

func NewPebbleBackend(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleBackend{db: db}, nil
}

func (s *PebbleBackend) Close() error { return s.db.Close() }

func (s *PebbleBackend) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get %q: %w", key, err)
	}
	defer closer.Close()
	// val is only valid until closer.Close
	return append([]byte(nil), val...), nil
}

func (s *PebbleBackend) Set(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %q: %w", key, err)
	}
	return nil
}
