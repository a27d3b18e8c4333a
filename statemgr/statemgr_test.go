package statemgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tributary-io/tributary/store"
)

func testManager(t *testing.T) *StateManager {
	t.Helper()
	return New(Config{
		TaskID:        "0_0",
		Partition:     0,
		ApplicationID: "app",
		StateDir:      t.TempDir(),
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// failingStore wraps a MemoryStore and fails flush/close on demand.
type failingStore struct {
	*store.MemoryStore
	flushErr error
	closeErr error

	flushCalled bool
	closeCalled bool
}

func (f *failingStore) Flush(ctx context.Context) error {
	f.flushCalled = true
	if f.flushErr != nil {
		return f.flushErr
	}
	return f.MemoryStore.Flush(ctx)
}

func (f *failingStore) Close() error {
	f.closeCalled = true
	if f.closeErr != nil {
		return f.closeErr
	}
	return f.MemoryStore.Close()
}

func record(topic string, partition int32, offset int64, key, value string) *kgo.Record {
	var v []byte
	if value != "" {
		v = []byte(value)
	}
	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       []byte(key),
		Value:     v,
		Timestamp: time.UnixMilli(1700000000000),
	}
}

func TestRegisterDuplicateKeepsFirstBinding(t *testing.T) {
	sm := testManager(t)

	first := store.NewMemoryStore("store-a")
	second := store.NewMemoryStore("store-a")

	assert.NoError(t, sm.Register(first, nil))
	err := sm.Register(second, nil)
	assert.IsError(t, err, ErrStoreAlreadyRegistered)

	got, ok := sm.GetStore("store-a")
	assert.True(t, ok)
	assert.Equal[store.Store](t, first, got)
}

func TestGetStoreAbsent(t *testing.T) {
	sm := testManager(t)

	_, ok := sm.GetStore("nope")
	assert.False(t, ok)
}

func TestChangelogPartitionFor(t *testing.T) {
	sm := testManager(t)
	assert.NoError(t, sm.Register(store.NewMemoryStore("store-a"), nil))

	tp, err := sm.ChangelogPartitionFor("store-a")
	assert.NoError(t, err)
	assert.Equal(t, TopicPartition{Topic: "app-store-a-changelog", Partition: 0}, tp)

	_, err = sm.ChangelogPartitionFor("missing")
	assert.IsError(t, err, ErrStoreNotRegistered)
}

func TestChangelogPartitionForUnloggedStore(t *testing.T) {
	sm := testManager(t)

	s := store.NewMemoryStore("cache")
	assert.NoError(t, sm.Register(s, nil, WithoutChangelog()))

	_, err := sm.ChangelogPartitionFor("cache")
	assert.IsError(t, err, ErrChangelogDisabled)
}

func TestRestoreScenario(t *testing.T) {
	// Register store-a, restore offsets [10,11,12], expect watermark 12
	// and last-writer-wins for repeated keys.
	ctx := context.Background()
	sm := testManager(t)

	s := store.NewMemoryStore("store-a")
	assert.NoError(t, sm.Register(s, nil))

	records := []*kgo.Record{
		record("app-store-a-changelog", 0, 10, "k1", "v10"),
		record("app-store-a-changelog", 0, 11, "k2", "v11"),
		record("app-store-a-changelog", 0, 12, "k1", "v12"),
	}
	assert.NoError(t, sm.Restore(ctx, "store-a", records))

	offset, ok := sm.AppliedOffset("store-a")
	assert.True(t, ok)
	assert.Equal(t, int64(12), offset)

	got, err := s.Get(ctx, []byte("k1"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("v12"), got)
}

func TestRestoreEmptyBatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	sm := testManager(t)
	assert.NoError(t, sm.Register(store.NewMemoryStore("store-a"), nil))

	assert.NoError(t, sm.Restore(ctx, "store-a", []*kgo.Record{
		record("app-store-a-changelog", 0, 5, "k", "v"),
	}))
	assert.NoError(t, sm.Restore(ctx, "store-a", nil))

	offset, ok := sm.AppliedOffset("store-a")
	assert.True(t, ok)
	assert.Equal(t, int64(5), offset)
}

func TestRestoreUnregisteredStoreFails(t *testing.T) {
	sm := testManager(t)
	err := sm.Restore(context.Background(), "ghost", []*kgo.Record{record("t", 0, 0, "k", "v")})
	assert.IsError(t, err, ErrStoreNotRegistered)
}

func TestRestoreTombstone(t *testing.T) {
	ctx := context.Background()
	sm := testManager(t)

	s := store.NewMemoryStore("store-a")
	assert.NoError(t, sm.Register(s, nil))

	assert.NoError(t, sm.Restore(ctx, "store-a", []*kgo.Record{
		record("app-store-a-changelog", 0, 1, "k1", "v1"),
		record("app-store-a-changelog", 0, 2, "k1", ""),
	}))

	_, err := s.Get(ctx, []byte("k1"))
	assert.IsError(t, err, store.ErrKeyNotFound)
}

func TestAppliedOffsetMonotone(t *testing.T) {
	ctx := context.Background()
	sm := testManager(t)
	assert.NoError(t, sm.Register(store.NewMemoryStore("store-a"), nil))

	tp := TopicPartition{Topic: "app-store-a-changelog", Partition: 0}

	assert.NoError(t, sm.Restore(ctx, "store-a", []*kgo.Record{record(tp.Topic, 0, 7, "k", "v")}))
	sm.UpdateChangelogOffsets(map[TopicPartition]int64{tp: 9})

	offset, _ := sm.AppliedOffset("store-a")
	assert.Equal(t, int64(9), offset)

	// a stale report must never move the watermark backwards
	sm.UpdateChangelogOffsets(map[TopicPartition]int64{tp: 3})
	offset, _ = sm.AppliedOffset("store-a")
	assert.Equal(t, int64(9), offset)
}

func TestUpdateChangelogOffsetsIgnoresUnknownPartition(t *testing.T) {
	sm := testManager(t)
	assert.NoError(t, sm.Register(store.NewMemoryStore("store-a"), nil))

	sm.UpdateChangelogOffsets(map[TopicPartition]int64{
		{Topic: "other-changelog", Partition: 0}: 42,
	})

	_, ok := sm.AppliedOffset("store-a")
	assert.False(t, ok)
}

func TestChangelogOffsetsNextFetchConvention(t *testing.T) {
	ctx := context.Background()
	sm := testManager(t)
	assert.NoError(t, sm.Register(store.NewMemoryStore("store-a"), nil))
	assert.NoError(t, sm.Register(store.NewMemoryStore("store-b"), nil))

	assert.NoError(t, sm.Restore(ctx, "store-a", []*kgo.Record{
		record("app-store-a-changelog", 0, 12, "k", "v"),
	}))

	offsets := sm.ChangelogOffsets()
	assert.Equal(t, int64(13), offsets[TopicPartition{Topic: "app-store-a-changelog", Partition: 0}])
	assert.Equal(t, int64(0), offsets[TopicPartition{Topic: "app-store-b-changelog", Partition: 0}])
}

func TestFlushBestEffortAggregates(t *testing.T) {
	sm := testManager(t)

	bad := &failingStore{MemoryStore: store.NewMemoryStore("bad"), flushErr: errors.New("disk full")}
	good := &failingStore{MemoryStore: store.NewMemoryStore("good")}

	assert.NoError(t, sm.Register(bad, nil))
	assert.NoError(t, sm.Register(good, nil))

	err := sm.Flush(context.Background())
	assert.Error(t, err)
	// the failing store must not prevent the other from being attempted
	assert.True(t, bad.flushCalled)
	assert.True(t, good.flushCalled)
}

func TestCloseBestEffortAggregates(t *testing.T) {
	sm := testManager(t)

	bad := &failingStore{MemoryStore: store.NewMemoryStore("bad"), closeErr: errors.New("close failed")}
	good := &failingStore{MemoryStore: store.NewMemoryStore("good")}

	assert.NoError(t, sm.Register(bad, nil))
	assert.NoError(t, sm.Register(good, nil))

	err := sm.Close(context.Background())
	assert.Error(t, err)
	assert.True(t, bad.closeCalled)
	assert.True(t, good.closeCalled)
}

func TestRegisterReadOnlyStore(t *testing.T) {
	sm := testManager(t)

	global := store.NewMemoryStore("reference-data")
	assert.NoError(t, sm.RegisterReadOnly(global, nil))

	got, ok := sm.GetStore("reference-data")
	assert.True(t, ok)
	assert.Equal[store.Store](t, global, got)

	// read-only stores carry no changelog bookkeeping
	_, err := sm.ChangelogPartitionFor("reference-data")
	assert.IsError(t, err, ErrStoreNotRegistered)
	assert.Equal(t, 0, len(sm.ChangelogPartitions()))

	// and their name cannot be reused by a regular registration
	err = sm.Register(store.NewMemoryStore("reference-data"), nil)
	assert.IsError(t, err, ErrStoreAlreadyRegistered)
}

func TestCheckpointRoundtrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := Config{
		TaskID:        "0_0",
		Partition:     0,
		ApplicationID: "app",
		StateDir:      dir,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	sm := New(cfg)
	persistent := &persistentMemStore{MemoryStore: store.NewMemoryStore("store-a")}
	assert.NoError(t, sm.Register(persistent, nil))
	assert.NoError(t, sm.Restore(ctx, "store-a", []*kgo.Record{
		record("app-store-a-changelog", 0, 42, "k", "v"),
	}))
	assert.NoError(t, sm.Checkpoint())

	// a fresh manager for the same task dir picks the watermark back up
	sm2 := New(cfg)
	assert.NoError(t, sm2.Register(&persistentMemStore{MemoryStore: store.NewMemoryStore("store-a")}, nil))
	assert.NoError(t, sm2.InitializeOffsetsFromCheckpoint())

	offset, ok := sm2.AppliedOffset("store-a")
	assert.True(t, ok)
	assert.Equal(t, int64(42), offset)
}

func TestCheckpointSkipsInMemoryStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := Config{
		TaskID:        "0_0",
		Partition:     0,
		ApplicationID: "app",
		StateDir:      dir,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	sm := New(cfg)
	assert.NoError(t, sm.Register(store.NewMemoryStore("store-a"), nil))
	assert.NoError(t, sm.Restore(ctx, "store-a", []*kgo.Record{
		record("app-store-a-changelog", 0, 42, "k", "v"),
	}))
	assert.NoError(t, sm.Checkpoint())

	sm2 := New(cfg)
	assert.NoError(t, sm2.Register(store.NewMemoryStore("store-a"), nil))
	assert.NoError(t, sm2.InitializeOffsetsFromCheckpoint())

	// in-memory content is gone after restart, so no watermark may survive
	_, ok := sm2.AppliedOffset("store-a")
	assert.False(t, ok)
}

// persistentMemStore pretends to be a disk-backed store so checkpoint
// paths can be exercised without a real engine.
type persistentMemStore struct {
	*store.MemoryStore
}

func (p *persistentMemStore) Persistent() bool { return true }
