package statemgr

import (
	"golang.org/x/exp/maps"
)

// AppliedOffset returns the durable watermark for a store's changelog, or
// (0, false) when the offset is unknown or the store is not registered.
func (sm *StateManager) AppliedOffset(storeName string) (int64, bool) {
	md, ok := sm.metadataFor(storeName)
	if !ok || md.AppliedOffset == nil {
		return 0, false
	}
	return *md.AppliedOffset, true
}

// UpdateChangelogOffsets advances watermarks from the (partition → offset)
// pairs the record collector reported after a successful flush. Offsets
// are monotonically non-decreasing: a stale report never moves a watermark
// backwards.
func (sm *StateManager) UpdateChangelogOffsets(writtenOffsets map[TopicPartition]int64) {
	for tp, offset := range writtenOffsets {
		for name, md := range sm.stores {
			if md.ChangelogPartition == nil || *md.ChangelogPartition != tp {
				continue
			}

			if md.AppliedOffset != nil && offset < *md.AppliedOffset {
				sm.log.Warn("ignoring stale changelog offset",
					"store", name,
					"partition", tp,
					"offset", offset,
					"applied", *md.AppliedOffset)
				break
			}

			o := offset
			md.AppliedOffset = &o
			sm.log.Debug("advanced changelog watermark",
				"store", name,
				"partition", tp,
				"offset", offset)
			break
		}
	}
}

// ChangelogOffsets returns, per changelog partition, the next offset to
// fetch: AppliedOffset+1, or 0 when the watermark is unknown.
func (sm *StateManager) ChangelogOffsets() map[TopicPartition]int64 {
	offsets := make(map[TopicPartition]int64)
	for _, md := range sm.stores {
		if md.ChangelogPartition == nil {
			continue
		}
		if md.AppliedOffset == nil {
			offsets[*md.ChangelogPartition] = 0
		} else {
			offsets[*md.ChangelogPartition] = *md.AppliedOffset + 1
		}
	}
	return offsets
}

// StoreNames lists all registered store names, read-only stores included.
func (sm *StateManager) StoreNames() []string {
	names := maps.Keys(sm.stores)
	names = append(names, maps.Keys(sm.readOnlyStores)...)
	return names
}
