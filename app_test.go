package tributary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/tributary-io/tributary/statemgr"
	"github.com/tributary-io/tributary/store"
	"github.com/tributary-io/tributary/topology"
	"github.com/twmb/franz-go/pkg/kgo"
)

func testTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.NewBuilder().
		AddSource("source", "orders").
		AddProcessor("noop", topology.ProcessorFunc(
			func(ctx context.Context, _ topology.Env, rec *kgo.Record, forward topology.Forward) error {
				return forward(ctx, rec)
			}), "source").
		Build()
	assert.NoError(t, err)
	return topo
}

func TestNewRequiresStateDirWithStores(t *testing.T) {
	sb := StoreBuilder{
		Build: func(_ string, _ int32) (store.Store, error) {
			return store.NewMemoryStore("counts"), nil
		},
	}

	_, err := New(testTopology(t), "app", WithStore(sb))
	assert.True(t, errors.Is(err, ErrStateDirRequired))

	_, err = New(testTopology(t), "app", WithStore(sb), WithStateDir(t.TempDir()))
	assert.NoError(t, err)
}

func TestNewWithoutStoresNeedsNoStateDir(t *testing.T) {
	_, err := New(testTopology(t), "app")
	assert.NoError(t, err)
}

func TestCloseBeforeRunIsSafe(t *testing.T) {
	app, err := New(testTopology(t), "app")
	assert.NoError(t, err)
	assert.NoError(t, app.Close())
}

func TestCloseDuringRunStopsAllWorkers(t *testing.T) {
	app, err := New(testTopology(t), "app", WithNumWorkers(3))
	assert.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- app.Run() }()

	// Run starts no worker before all three are built, so once any worker
	// is visible the whole set is.
	for {
		app.mu.Lock()
		n := len(app.workers)
		app.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.NoError(t, app.Close())
	assert.NoError(t, <-runDone)
}

type stubWriter struct {
	records []*kgo.Record
}

func (w *stubWriter) Emit(_ context.Context, rec *kgo.Record) error {
	w.records = append(w.records, rec)
	return nil
}

func TestRegisterStoreWrapsChangeloggedStores(t *testing.T) {
	sm := statemgr.New(statemgr.Config{
		TaskID:        "app-3",
		Partition:     3,
		ApplicationID: "app",
		StateDir:      t.TempDir(),
	})
	writer := &stubWriter{}

	inner := store.NewMemoryStore("counts")
	sb := StoreBuilder{
		Build: func(_ string, _ int32) (store.Store, error) { return inner, nil },
	}
	assert.NoError(t, registerStore(sm, sb, writer, "app", t.TempDir(), 3))

	tp, err := sm.ChangelogPartitionFor("counts")
	assert.NoError(t, err)
	assert.Equal(t, statemgr.TopicPartition{Topic: "app-counts-changelog", Partition: 3}, tp)

	// Writes through the registered store are dual-written.
	s, ok := sm.GetStore("counts")
	assert.True(t, ok)
	assert.NoError(t, s.Put(context.Background(), []byte("k"), []byte("v")))
	assert.Equal(t, 1, len(writer.records))

	// Restoration bypasses the changelog decorator.
	assert.NoError(t, sm.Restore(context.Background(), "counts", []*kgo.Record{
		{Topic: tp.Topic, Partition: 3, Offset: 9, Key: []byte("r"), Value: []byte("restored")},
	}))
	assert.Equal(t, 1, len(writer.records))

	got, err := inner.Get(context.Background(), []byte("r"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("restored"), got)
}

func TestRegisterStoreWithoutChangelog(t *testing.T) {
	sm := statemgr.New(statemgr.Config{
		TaskID:        "app-0",
		Partition:     0,
		ApplicationID: "app",
		StateDir:      t.TempDir(),
	})

	sb := StoreBuilder{
		Build: func(_ string, _ int32) (store.Store, error) {
			return store.NewMemoryStore("scratch"), nil
		},
		DisableChangelog: true,
	}
	assert.NoError(t, registerStore(sm, sb, &stubWriter{}, "app", t.TempDir(), 0))

	_, err := sm.ChangelogPartitionFor("scratch")
	assert.True(t, errors.Is(err, statemgr.ErrChangelogDisabled))
}

func TestPartitionsOfDeduplicatesAcrossTopics(t *testing.T) {
	got := partitionsOf(map[string][]int32{
		"orders":   {0, 1},
		"payments": {1, 2},
	})
	assert.Equal(t, 3, len(got))
}

func TestExplicitPartitionerHonorsRecordPartition(t *testing.T) {
	p := explicitPartitioner{fallback: kgo.StickyKeyPartitioner(nil)}
	tp := p.ForTopic("app-counts-changelog")

	rec := &kgo.Record{Partition: 3, Key: []byte("k")}
	assert.True(t, tp.RequiresConsistency(rec))
	assert.Equal(t, 3, tp.Partition(rec, 8))

	// Records without an explicit partition fall back to key hashing.
	fallback := &kgo.Record{Partition: -1, Key: []byte("k")}
	got := tp.Partition(fallback, 8)
	assert.True(t, got >= 0 && got < 8)
}
