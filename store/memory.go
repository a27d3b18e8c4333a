package store

import "context"

// MemoryStore is a map-backed Store. It is not persistent: on restart its
// contents are rebuilt by replaying the changelog from the beginning.
type MemoryStore struct {
	name        string
	timestamped bool
	data        map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// Timestamped marks the store as persisting record timestamps.
func Timestamped() MemoryOption {
	return func(s *MemoryStore) {
		s.timestamped = true
	}
}

func NewMemoryStore(name string, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		name: name,
		data: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Name() string {
	return s.name
}

func (s *MemoryStore) Get(_ context.Context, key []byte) ([]byte, error) {
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value []byte) error {
	if value == nil {
		delete(s.data, string(key))
		return nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.data[string(key)] = v
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key []byte) error {
	delete(s.data, string(key))
	return nil
}

func (s *MemoryStore) Flush(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.data = nil
	return nil
}

func (s *MemoryStore) Persistent() bool {
	return false
}

func (s *MemoryStore) Timestamped() bool {
	return s.timestamped
}

// Len reports the number of live keys. Intended for tests and the buffer
// occupancy gauge.
func (s *MemoryStore) Len() int {
	return len(s.data)
}
