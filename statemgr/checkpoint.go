package statemgr

import (
	"fmt"

	"github.com/tributary-io/tributary/internal/checkpoint"
)

// InitializeOffsetsFromCheckpoint loads the per-partition watermarks
// written by the previous incarnation of this task. Called once at
// startup, before restoration. Stores without a checkpoint entry keep a
// nil watermark and restore from the beginning of their changelog.
func (sm *StateManager) InitializeOffsetsFromCheckpoint() error {
	offsets, err := sm.checkpointFile.Read()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if len(offsets) == 0 {
		sm.log.Info("no checkpoint found, stores restore from the beginning")
		return nil
	}

	for name, md := range sm.stores {
		if md.ChangelogPartition == nil {
			continue
		}

		offset, ok := offsets[*md.ChangelogPartition]
		if !ok || offset == checkpoint.OffsetUnknown {
			md.AppliedOffset = nil
			sm.log.Info("no usable checkpoint for store, restoring from beginning", "store", name)
			continue
		}

		o := offset
		md.AppliedOffset = &o
		sm.log.Info("loaded checkpoint offset", "store", name, "offset", offset)
	}

	return nil
}

// Checkpoint persists the current watermarks of persistent, logged stores.
// Callers must flush stores first: the checkpoint claims the store content
// up to these offsets is durable on disk.
//
// In-memory stores are skipped on purpose; after a restart their content
// is gone, so their changelog must be replayed from the beginning.
func (sm *StateManager) Checkpoint() error {
	offsets := make(map[checkpoint.TopicPartition]int64)

	for _, md := range sm.stores {
		if md.ChangelogPartition == nil || !md.Store.Persistent() {
			continue
		}

		if md.AppliedOffset != nil {
			offsets[*md.ChangelogPartition] = *md.AppliedOffset
		} else {
			offsets[*md.ChangelogPartition] = checkpoint.OffsetUnknown
		}
	}

	if len(offsets) == 0 {
		return nil
	}

	if err := sm.checkpointFile.Write(offsets); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	sm.log.Debug("checkpoint written", "entries", len(offsets))
	return nil
}
