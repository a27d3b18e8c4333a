package tributary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tributary-io/tributary/statemgr"
	"github.com/tributary-io/tributary/store"
	"github.com/tributary-io/tributary/task"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// taskSet owns a worker's tasks, one per assigned partition. Source topics
// are assumed co-partitioned: partition N of every source topic belongs to
// the same task.
type taskSet struct {
	app    *App
	client *kgo.Client
	log    *slog.Logger

	tasks map[int32]*task.Task
}

func newTaskSet(app *App, client *kgo.Client, log *slog.Logger) *taskSet {
	return &taskSet{
		app:    app,
		client: client,
		log:    log,
		tasks:  make(map[int32]*task.Task),
	}
}

func (ts *taskSet) len() int { return len(ts.tasks) }

func (ts *taskSet) all() map[int32]*task.Task { return ts.tasks }

func (ts *taskSet) taskFor(partition int32) (*task.Task, bool) {
	t, ok := ts.tasks[partition]
	return t, ok
}

// assigned creates a task for every newly assigned partition: it builds the
// stores, loads the checkpoint, restores from the changelogs and only then
// admits the task into the set.
func (ts *taskSet) assigned(ctx context.Context, assigned map[string][]int32) error {
	for _, partition := range partitionsOf(assigned) {
		if _, ok := ts.tasks[partition]; ok {
			continue
		}
		t, err := ts.buildTask(ctx, partition)
		if err != nil {
			return fmt.Errorf("build task for partition %d: %w", partition, err)
		}
		ts.tasks[partition] = t
	}
	return nil
}

// revoked flushes, checkpoints and closes the tasks of revoked partitions.
// Buffered records are dropped; the next owner refetches them from the
// committed offsets.
func (ts *taskSet) revoked(ctx context.Context, revoked map[string][]int32) error {
	for _, partition := range partitionsOf(revoked) {
		t, ok := ts.tasks[partition]
		if !ok {
			continue
		}
		t.ClearBuffer()
		if err := t.Close(ctx); err != nil {
			return fmt.Errorf("close task for partition %d: %w", partition, err)
		}
		delete(ts.tasks, partition)
	}
	return nil
}

func (ts *taskSet) buildTask(ctx context.Context, partition int32) (*task.Task, error) {
	taskID := fmt.Sprintf("%s-%d", ts.app.group, partition)

	sm := statemgr.New(statemgr.Config{
		TaskID:        taskID,
		Partition:     partition,
		ApplicationID: ts.app.group,
		StateDir:      ts.app.stateDir,
		Brokers:       ts.app.brokers,
		Log:           ts.app.log,
		Reporter:      ts.app.reporter,
	})

	collector := task.NewRecordCollector(ts.client)

	for _, sb := range ts.app.stores {
		if err := registerStore(sm, sb, collector, ts.app.group, ts.app.stateDir, partition); err != nil {
			_ = sm.Close(ctx)
			return nil, err
		}
	}

	if err := sm.InitializeOffsetsFromCheckpoint(); err != nil {
		_ = sm.Close(ctx)
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := sm.RestoreAll(ctx); err != nil {
		_ = sm.Close(ctx)
		return nil, fmt.Errorf("restore state: %w", err)
	}
	// Make the restored watermarks durable before processing begins.
	if err := sm.Checkpoint(); err != nil {
		_ = sm.Close(ctx)
		return nil, fmt.Errorf("checkpoint after restore: %w", err)
	}

	t, err := task.New(task.Config{
		TaskID:          taskID,
		Topology:        ts.app.topo,
		StateManager:    sm,
		Collector:       collector,
		Policy:          ts.app.retryPolicy,
		MaxPollInterval: ts.app.maxPollInterval,
		Log:             ts.app.log,
		Reporter:        ts.app.reporter,
	})
	if err != nil {
		_ = sm.Close(ctx)
		return nil, err
	}

	ts.log.Info("task created", "task", taskID, "partition", partition, "stores", sm.StoreNames())
	return t, nil
}

// registerStore builds one store instance and binds it to the state
// manager, wrapping changelogged stores in the dual-write decorator.
func registerStore(sm *statemgr.StateManager, sb StoreBuilder, writer statemgr.ChangelogWriter, appID, stateDir string, partition int32) error {
	s, err := sb.Build(stateDir, partition)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	if sb.ReadOnly {
		return sm.RegisterReadOnly(s, sb.RestoreCallback)
	}
	if sb.DisableChangelog {
		return sm.Register(s, sb.RestoreCallback, statemgr.WithoutChangelog())
	}

	logged := statemgr.NewLoggedStore(s, writer, statemgr.TopicPartition{
		Topic:     statemgr.ChangelogTopicName(appID, s.Name()),
		Partition: partition,
	})

	// Restoration writes the inner store directly so replay does not
	// append to the changelog again.
	callback := sb.RestoreCallback
	if callback == nil {
		callback = replayInto(s)
	}
	return sm.Register(logged, callback)
}

func replayInto(s store.Store) statemgr.RestoreCallback {
	return func(ctx context.Context, key, value []byte) error {
		if value == nil {
			return s.Delete(ctx, key)
		}
		return s.Put(ctx, key, value)
	}
}

// commit makes all task output durable, then commits the consumed offsets:
// flush (collector, changelog watermarks, stores), offset commit,
// checkpoint. Checkpoint failures are logged but do not fail the commit;
// the offsets are already committed and restoration would replay more than
// necessary rather than lose data.
func (ts *taskSet) commit(ctx context.Context) error {
	for _, t := range ts.tasks {
		if err := t.Flush(ctx); err != nil {
			return fmt.Errorf("flush task %s: %w", t.ID(), err)
		}
	}

	if err := ts.commitOffsets(ctx); err != nil {
		return err
	}

	for _, t := range ts.tasks {
		t.ClearOffsets()
		if err := t.Checkpoint(); err != nil {
			ts.log.Error("checkpoint failed", "task", t.ID(), "error", err)
		}
	}

	ts.log.Debug("committed all tasks", "tasks", len(ts.tasks))
	return nil
}

func (ts *taskSet) commitOffsets(ctx context.Context) error {
	offsets := map[string]map[int32]kgo.EpochOffset{}
	for _, t := range ts.tasks {
		for tp, offset := range t.CommitOffsets() {
			if _, ok := offsets[tp.Topic]; !ok {
				offsets[tp.Topic] = make(map[int32]kgo.EpochOffset)
			}
			offsets[tp.Topic][tp.Partition] = kgo.EpochOffset{Offset: offset, Epoch: -1}
		}
	}
	if len(offsets) == 0 {
		return nil
	}

	errCh := make(chan error, 1)
	ts.client.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			errCh <- err
			return
		}
		for _, topic := range resp.Topics {
			for _, p := range topic.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					errCh <- fmt.Errorf("commit %s/%d: %w", topic.Topic, p.Partition, err)
					return
				}
			}
		}
		errCh <- nil
	})

	return <-errCh
}

func (ts *taskSet) close(ctx context.Context) error {
	var err error
	for partition, t := range ts.tasks {
		err = errors.Join(err, t.Close(ctx))
		delete(ts.tasks, partition)
	}
	return err
}

// partitionsOf flattens a topic→partitions map into the distinct partition
// numbers it mentions.
func partitionsOf(m map[string][]int32) []int32 {
	seen := make(map[int32]struct{})
	var out []int32
	for _, partitions := range m {
		for _, p := range partitions {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
