// Package statemgr coordinates state-store lifecycle for one task: store
// registration, changelog binding, applied-offset watermarks, restoration
// from the changelog, and checkpointing.
//
// The manager is the sole owner of "how much of the changelog has been
// applied". Store engines never see transport offsets; that separation is
// what makes local state resumable without a full replay.
package statemgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tryfix/metrics"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tributary-io/tributary/internal/checkpoint"
	"github.com/tributary-io/tributary/store"
)

// TopicPartition is re-exported so callers do not need to import the
// checkpoint package for offset bookkeeping.
type TopicPartition = checkpoint.TopicPartition

var (
	// ErrStoreAlreadyRegistered signals a topology construction bug:
	// two stores with the same name in one task.
	ErrStoreAlreadyRegistered = errors.New("statemgr: store already registered")

	// ErrStoreNotRegistered signals a coordination defect between task
	// assignment and state-manager lifecycle.
	ErrStoreNotRegistered = errors.New("statemgr: store not registered")

	// ErrChangelogDisabled is returned when a changelog partition is
	// requested for a store registered without logging.
	ErrChangelogDisabled = errors.New("statemgr: changelog disabled for store")
)

// RestoreCallback applies one changelog record to a store. A nil value is
// a tombstone. The default callback is the store's own Put.
type RestoreCallback func(ctx context.Context, key, value []byte) error

// StoreMetadata tracks one registered store.
//
// AppliedOffset lifecycle: nil after Register (unknown, restore from the
// beginning); set by checkpoint load at startup; advanced by restoration
// batches and by post-commit changelog write bookkeeping. It points to the
// last applied changelog record, so restoration resumes at offset+1.
type StoreMetadata struct {
	Store store.Store

	// ChangelogPartition is nil when logging is disabled for the store.
	ChangelogPartition *TopicPartition

	RestoreCallback RestoreCallback
	Converter       RecordConverter

	AppliedOffset *int64
}

type StateManager struct {
	taskID        string
	partition     int32
	applicationID string
	brokers       []string

	stores map[string]*StoreMetadata

	// Read-only (global) stores have their own registration path. They
	// are flushed and closed with the rest but never checkpointed or
	// restored by this manager.
	readOnlyStores map[string]*StoreMetadata

	checkpointFile *checkpoint.File

	log      *slog.Logger
	reporter metrics.Reporter

	restoreLatency metrics.Observer
}

// Config carries the construction parameters for a StateManager.
type Config struct {
	TaskID        string
	Partition     int32
	ApplicationID string
	StateDir      string
	Brokers       []string
	Log           *slog.Logger
	Reporter      metrics.Reporter
}

func New(cfg Config) *StateManager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = metrics.NoopReporter()
	}

	sm := &StateManager{
		taskID:         cfg.TaskID,
		partition:      cfg.Partition,
		applicationID:  cfg.ApplicationID,
		brokers:        cfg.Brokers,
		stores:         make(map[string]*StoreMetadata),
		readOnlyStores: make(map[string]*StoreMetadata),
		checkpointFile: checkpoint.New(filepath.Join(cfg.StateDir, fmt.Sprintf("%s.checkpoint", cfg.TaskID))),
		log:            log.With("component", "statemgr", "task", cfg.TaskID),
		reporter:       reporter,
	}

	sm.restoreLatency = reporter.Observer(metrics.MetricConf{
		Path:        "state_store_restore_latency_milliseconds",
		ConstLabels: map[string]string{"task": cfg.TaskID},
		Labels:      []string{"store"},
	})

	return sm
}

// RegisterOption tweaks a single registration.
type RegisterOption func(*StoreMetadata)

// WithoutChangelog registers the store without a changelog binding. The
// store is neither restored nor checkpointed.
func WithoutChangelog() RegisterOption {
	return func(md *StoreMetadata) {
		md.ChangelogPartition = nil
	}
}

// Register binds a store by name. The changelog partition is the task's
// partition of "{applicationID}-{storeName}-changelog". Timestamped stores
// get the timestamp-prefixing record converter, everything else the
// identity converter. A nil callback defaults to the store's Put.
func (sm *StateManager) Register(s store.Store, callback RestoreCallback, opts ...RegisterOption) error {
	return sm.register(sm.stores, s, callback, opts...)
}

// RegisterReadOnly binds a global read-only store. Read-only stores share
// flush/close handling but are excluded from changelog bookkeeping.
func (sm *StateManager) RegisterReadOnly(s store.Store, callback RestoreCallback) error {
	return sm.register(sm.readOnlyStores, s, callback, WithoutChangelog())
}

func (sm *StateManager) register(into map[string]*StoreMetadata, s store.Store, callback RestoreCallback, opts ...RegisterOption) error {
	name := s.Name()
	if _, ok := sm.stores[name]; ok {
		return fmt.Errorf("%w: %s", ErrStoreAlreadyRegistered, name)
	}
	if _, ok := sm.readOnlyStores[name]; ok {
		return fmt.Errorf("%w: %s", ErrStoreAlreadyRegistered, name)
	}

	if callback == nil {
		callback = s.Put
	}

	converter := IdentityConverter
	if s.Timestamped() {
		converter = TimestampedConverter
	}

	md := &StoreMetadata{
		Store: s,
		ChangelogPartition: &TopicPartition{
			Topic:     ChangelogTopicName(sm.applicationID, name),
			Partition: sm.partition,
		},
		RestoreCallback: callback,
		Converter:       converter,
	}
	for _, opt := range opts {
		opt(md)
	}

	into[name] = md

	if md.ChangelogPartition != nil {
		sm.log.Info("registered store",
			"store", name,
			"changelog", md.ChangelogPartition,
			"timestamped", s.Timestamped())
	} else {
		sm.log.Info("registered store without changelog", "store", name)
	}
	return nil
}

// GetStore returns the bound store. Absence is a normal condition.
func (sm *StateManager) GetStore(name string) (store.Store, bool) {
	if md, ok := sm.stores[name]; ok {
		return md.Store, true
	}
	if md, ok := sm.readOnlyStores[name]; ok {
		return md.Store, true
	}
	return nil, false
}

// ChangelogPartitionFor returns the changelog partition bound to the named
// store. Asking for an unregistered store or one without a changelog is an
// illegal state and never tolerated silently.
func (sm *StateManager) ChangelogPartitionFor(name string) (TopicPartition, error) {
	md, ok := sm.stores[name]
	if !ok {
		return TopicPartition{}, fmt.Errorf("%w: %s", ErrStoreNotRegistered, name)
	}
	if md.ChangelogPartition == nil {
		return TopicPartition{}, fmt.Errorf("%w: %s", ErrChangelogDisabled, name)
	}
	return *md.ChangelogPartition, nil
}

// ChangelogTopicName derives the deterministic changelog topic name used
// by the transport to locate or create the topic.
func ChangelogTopicName(applicationID, storeName string) string {
	return fmt.Sprintf("%s-%s-changelog", applicationID, storeName)
}

// ChangelogPartitions lists the changelog partitions of all registered,
// logged stores.
func (sm *StateManager) ChangelogPartitions() []TopicPartition {
	var partitions []TopicPartition
	for _, md := range sm.stores {
		if md.ChangelogPartition != nil {
			partitions = append(partitions, *md.ChangelogPartition)
		}
	}
	return partitions
}

func (sm *StateManager) metadataFor(name string) (*StoreMetadata, bool) {
	md, ok := sm.stores[name]
	return md, ok
}

// Restore applies a batch of changelog records to the named store,
// strictly in the order received: the changelog order defines final state,
// so the last writer for a key wins. After the batch, the store's applied
// offset is the offset of the last record. An empty batch is a no-op.
//
// Restoring a store that was never registered indicates an upstream
// coordination bug and fails with ErrStoreNotRegistered.
func (sm *StateManager) Restore(ctx context.Context, storeName string, records []*kgo.Record) error {
	md, ok := sm.metadataFor(storeName)
	if !ok {
		return fmt.Errorf("%w: restore of %s", ErrStoreNotRegistered, storeName)
	}

	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		converted := md.Converter(rec)
		if err := md.RestoreCallback(ctx, converted.Key, converted.Value); err != nil {
			return fmt.Errorf("restore store %s at offset %d: %w", storeName, rec.Offset, err)
		}
	}

	last := records[len(records)-1].Offset
	md.AppliedOffset = &last

	sm.log.Debug("restored batch",
		"store", storeName,
		"records", len(records),
		"last_offset", last)
	return nil
}
