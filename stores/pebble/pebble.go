// Package pebble provides a persistent store engine backed by
// cockroachdb/pebble. One database directory is opened per store per task
// partition, so task state directories never share an engine.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/tributary-io/tributary/store"
)

type Store struct {
	name        string
	timestamped bool
	db          *pebble.DB
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// Timestamped marks the store as persisting record timestamps.
func Timestamped() Option {
	return func(s *Store) {
		s.timestamped = true
	}
}

// Open opens (or creates) the pebble database for the named store under
// dir. The directory layout is <dir>/<storeName>.
func Open(dir, name string, opts ...Option) (*Store, error) {
	db, err := pebble.Open(filepath.Join(dir, name), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store %s: %w", name, err)
	}

	s := &Store{name: name, db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Get(_ context.Context, key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *Store) Put(_ context.Context, key, value []byte) error {
	// nil value == tombstone
	if value == nil {
		return s.db.Delete(key, pebble.NoSync)
	}
	return s.db.Set(key, value, pebble.NoSync)
}

func (s *Store) Delete(_ context.Context, key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

func (s *Store) Flush(context.Context) error {
	return s.db.Flush()
}

func (s *Store) Close() error {
	if err := s.db.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *Store) Persistent() bool {
	return true
}

func (s *Store) Timestamped() bool {
	return s.timestamped
}
