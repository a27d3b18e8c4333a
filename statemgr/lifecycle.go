package statemgr

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Flush flushes every registered store. Best-effort: a failing store does
// not prevent the others from being attempted; the aggregate error is
// surfaced after all stores were tried.
func (sm *StateManager) Flush(ctx context.Context) error {
	var err error
	for name, md := range sm.stores {
		if flushErr := md.Store.Flush(ctx); flushErr != nil {
			sm.log.Error("failed to flush store", "store", name, "error", flushErr)
			err = multierr.Append(err, fmt.Errorf("flush store %s: %w", name, flushErr))
		}
	}
	for name, md := range sm.readOnlyStores {
		if flushErr := md.Store.Flush(ctx); flushErr != nil {
			sm.log.Error("failed to flush read-only store", "store", name, "error", flushErr)
			err = multierr.Append(err, fmt.Errorf("flush store %s: %w", name, flushErr))
		}
	}
	return err
}

// Close flushes, checkpoints and closes all stores. Like Flush it is
// best-effort across stores and returns the aggregate error at the end.
// The metadata is dropped afterwards; the manager must not be reused.
func (sm *StateManager) Close(ctx context.Context) error {
	var err error

	if flushErr := sm.Flush(ctx); flushErr != nil {
		err = multierr.Append(err, flushErr)
	}

	// Checkpoint even when a flush failed: offsets of healthy stores are
	// still worth persisting, and a stale checkpoint only means more
	// replay, never lost data.
	if cpErr := sm.Checkpoint(); cpErr != nil {
		err = multierr.Append(err, cpErr)
	}

	for name, md := range sm.stores {
		if closeErr := md.Store.Close(); closeErr != nil {
			sm.log.Error("failed to close store", "store", name, "error", closeErr)
			err = multierr.Append(err, fmt.Errorf("close store %s: %w", name, closeErr))
		}
	}
	for name, md := range sm.readOnlyStores {
		if closeErr := md.Store.Close(); closeErr != nil {
			sm.log.Error("failed to close read-only store", "store", name, "error", closeErr)
			err = multierr.Append(err, fmt.Errorf("close store %s: %w", name, closeErr))
		}
	}

	sm.stores = map[string]*StoreMetadata{}
	sm.readOnlyStores = map[string]*StoreMetadata{}

	return err
}
