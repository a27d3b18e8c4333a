package statemgr

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/tributary-io/tributary/store"
	"github.com/twmb/franz-go/pkg/kgo"
)

type capturingWriter struct {
	records []*kgo.Record
	err     error
}

func (w *capturingWriter) Emit(_ context.Context, rec *kgo.Record) error {
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, rec)
	return nil
}

func TestLoggedStoreDualWrites(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryStore("counts")
	writer := &capturingWriter{}
	tp := TopicPartition{Topic: "app-counts-changelog", Partition: 3}
	logged := NewLoggedStore(inner, writer, tp)

	assert.NoError(t, logged.Put(ctx, []byte("k"), []byte("v")))

	// Store written first, then logged.
	got, err := inner.Get(ctx, []byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	assert.Equal(t, 1, len(writer.records))
	rec := writer.records[0]
	assert.Equal(t, "app-counts-changelog", rec.Topic)
	assert.Equal(t, int32(3), rec.Partition)
	assert.Equal(t, []byte("k"), rec.Key)
	assert.Equal(t, []byte("v"), rec.Value)
}

func TestLoggedStoreDeleteLogsTombstone(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryStore("counts")
	writer := &capturingWriter{}
	logged := NewLoggedStore(inner, writer, TopicPartition{Topic: "cl", Partition: 0})

	assert.NoError(t, logged.Put(ctx, []byte("k"), []byte("v")))
	assert.NoError(t, logged.Delete(ctx, []byte("k")))

	_, err := inner.Get(ctx, []byte("k"))
	assert.True(t, errors.Is(err, store.ErrKeyNotFound))

	assert.Equal(t, 2, len(writer.records))
	assert.Zero(t, writer.records[1].Value)
}

func TestLoggedStoreDelegatesCapabilities(t *testing.T) {
	inner := store.NewMemoryStore("ts", store.Timestamped())
	logged := NewLoggedStore(inner, &capturingWriter{}, TopicPartition{Topic: "cl", Partition: 0})

	assert.Equal(t, "ts", logged.Name())
	assert.True(t, logged.Timestamped())
	assert.False(t, logged.Persistent())
	assert.Equal[store.Store](t, inner, logged.Inner())
}

type putFailingStore struct {
	*store.MemoryStore
	putErr error
}

func (f *putFailingStore) Put(context.Context, []byte, []byte) error { return f.putErr }

func TestLoggedStoreWriteFailureSkipsChangelog(t *testing.T) {
	ctx := context.Background()
	inner := &putFailingStore{MemoryStore: store.NewMemoryStore("counts"), putErr: errors.New("disk full")}
	writer := &capturingWriter{}
	logged := NewLoggedStore(inner, writer, TopicPartition{Topic: "cl", Partition: 0})

	assert.Error(t, logged.Put(ctx, []byte("k"), []byte("v")))
	assert.Equal(t, 0, len(writer.records))
}
