package statemgr

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/maps"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// RestoreAll replays every registered store's changelog from its applied
// offset up to the partition's high watermark. It runs on a dedicated
// consumer so the group consumer's assignment is untouched, and it must
// complete (or fail) before the task processes its first record.
func (sm *StateManager) RestoreAll(ctx context.Context) error {
	partitionToStore := make(map[TopicPartition]string)
	consumeOffsets := make(map[string]map[int32]kgo.Offset)

	for name, md := range sm.stores {
		if md.ChangelogPartition == nil {
			continue
		}
		tp := *md.ChangelogPartition
		partitionToStore[tp] = name

		if _, ok := consumeOffsets[tp.Topic]; !ok {
			consumeOffsets[tp.Topic] = make(map[int32]kgo.Offset)
		}
		if md.AppliedOffset == nil {
			consumeOffsets[tp.Topic][tp.Partition] = kgo.NewOffset().AtStart()
			sm.log.Info("restoring from beginning", "store", name)
		} else {
			consumeOffsets[tp.Topic][tp.Partition] = kgo.NewOffset().At(*md.AppliedOffset + 1)
			sm.log.Info("restoring from checkpoint", "store", name, "start_offset", *md.AppliedOffset+1)
		}
	}

	if len(partitionToStore) == 0 {
		sm.log.Info("no changelog partitions to restore")
		return nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(sm.brokers...),
		kgo.ConsumePartitions(consumeOffsets),
	)
	if err != nil {
		return fmt.Errorf("create restore consumer: %w", err)
	}
	defer client.Close()

	// The high watermarks decide when restoration is done.
	adm := kadm.NewClient(client)
	listed, err := adm.ListEndOffsets(ctx, maps.Keys(consumeOffsets)...)
	if err != nil {
		return fmt.Errorf("list changelog end offsets: %w", err)
	}

	highWatermarks := make(map[TopicPartition]int64)
	var listErr error
	listed.Each(func(o kadm.ListedOffset) {
		tp := TopicPartition{Topic: o.Topic, Partition: o.Partition}
		if _, ours := partitionToStore[tp]; !ours {
			return
		}
		if o.Err != nil {
			listErr = fmt.Errorf("end offset for %s: %w", tp, o.Err)
			return
		}
		highWatermarks[tp] = o.Offset
	})
	if listErr != nil {
		return listErr
	}

	progress := newRestoreProgress()

	for !sm.caughtUp(highWatermarks, partitionToStore) {
		if ctx.Err() != nil {
			return fmt.Errorf("restoration interrupted: %w", ctx.Err())
		}

		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return fmt.Errorf("restore consumer closed unexpectedly")
		}
		if err := fetches.Err(); err != nil {
			return fmt.Errorf("fetch changelog records: %w", err)
		}

		var restoreErr error
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if restoreErr != nil || len(p.Records) == 0 {
				return
			}

			tp := TopicPartition{Topic: p.Topic, Partition: p.Partition}
			storeName, ok := partitionToStore[tp]
			if !ok {
				restoreErr = fmt.Errorf("records for unexpected changelog partition %s", tp)
				return
			}

			restoreErr = sm.restoreBatch(ctx, storeName, p.Records, progress)
		})
		if restoreErr != nil {
			return restoreErr
		}
	}

	for tp, storeName := range partitionToStore {
		spent := progress.spent[storeName]
		sm.restoreLatency.Observe(float64(spent.Milliseconds()), map[string]string{"store": storeName})
		sm.log.Info("store restored",
			"store", storeName,
			"partition", tp,
			"records", progress.records[storeName],
			"took", spent)
	}

	return nil
}

// restoreProgress accumulates per-store replay work across fetch batches,
// so each store's restore latency reflects its own replay time rather than
// the duration of the whole restoration pass.
type restoreProgress struct {
	records map[string]int64
	spent   map[string]time.Duration
}

func newRestoreProgress() *restoreProgress {
	return &restoreProgress{
		records: make(map[string]int64),
		spent:   make(map[string]time.Duration),
	}
}

func (sm *StateManager) restoreBatch(ctx context.Context, storeName string, records []*kgo.Record, progress *restoreProgress) error {
	start := time.Now()
	if err := sm.Restore(ctx, storeName, records); err != nil {
		return err
	}
	progress.spent[storeName] += time.Since(start)
	progress.records[storeName] += int64(len(records))
	return nil
}

// caughtUp reports whether every changelog partition has been applied up
// to its high watermark. The watermark is the next offset to be written,
// so a store is caught up once AppliedOffset == hwm-1; an empty changelog
// (hwm 0) is trivially caught up.
func (sm *StateManager) caughtUp(highWatermarks map[TopicPartition]int64, partitionToStore map[TopicPartition]string) bool {
	for tp, hwm := range highWatermarks {
		if hwm == 0 {
			continue
		}
		md := sm.stores[partitionToStore[tp]]
		if md.AppliedOffset == nil || *md.AppliedOffset < hwm-1 {
			return false
		}
	}
	return true
}
