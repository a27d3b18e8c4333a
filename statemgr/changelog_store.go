package statemgr

import (
	"context"
	"fmt"
	"time"

	"github.com/tributary-io/tributary/store"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ChangelogWriter accepts changelog records for deferred batch production.
// Implemented by the task's record collector.
type ChangelogWriter interface {
	Emit(ctx context.Context, rec *kgo.Record) error
}

// LoggedStore decorates a store with changelog dual-writes: every mutation
// hits the wrapped store first, then its changelog partition. Deletes are
// logged as tombstones (nil value).
//
// Restoration must bypass the decorator and write the inner store directly,
// otherwise replaying the changelog would append to it again.
type LoggedStore struct {
	inner     store.Store
	writer    ChangelogWriter
	partition TopicPartition
}

func NewLoggedStore(inner store.Store, writer ChangelogWriter, partition TopicPartition) *LoggedStore {
	return &LoggedStore{inner: inner, writer: writer, partition: partition}
}

// Inner returns the undecorated store, for restore callbacks.
func (s *LoggedStore) Inner() store.Store { return s.inner }

func (s *LoggedStore) Name() string { return s.inner.Name() }

func (s *LoggedStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

func (s *LoggedStore) Put(ctx context.Context, key, value []byte) error {
	if err := s.inner.Put(ctx, key, value); err != nil {
		return err
	}
	return s.log(ctx, key, value)
}

func (s *LoggedStore) Delete(ctx context.Context, key []byte) error {
	if err := s.inner.Delete(ctx, key); err != nil {
		return err
	}
	return s.log(ctx, key, nil)
}

func (s *LoggedStore) log(ctx context.Context, key, value []byte) error {
	rec := &kgo.Record{
		Topic:     s.partition.Topic,
		Partition: s.partition.Partition,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	}
	if err := s.writer.Emit(ctx, rec); err != nil {
		return fmt.Errorf("changelog %s: %w", s.partition, err)
	}
	return nil
}

func (s *LoggedStore) Flush(ctx context.Context) error { return s.inner.Flush(ctx) }
func (s *LoggedStore) Close() error                    { return s.inner.Close() }
func (s *LoggedStore) Persistent() bool                { return s.inner.Persistent() }
func (s *LoggedStore) Timestamped() bool               { return s.inner.Timestamped() }
