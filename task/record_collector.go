package task

import (
	"context"
	"sync"

	"github.com/tributary-io/tributary/statemgr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Collector accumulates output records emitted by a task's processors and
// flushes them to the transport. Flush reports, per partition, the highest
// offset written, so changelog watermarks can advance with the commit.
type Collector interface {
	Emit(ctx context.Context, rec *kgo.Record) error
	Flush(ctx context.Context) (map[statemgr.TopicPartition]int64, error)
}

// RecordCollector buffers emitted records and produces them asynchronously
// on Flush through a shared franz-go client.
type RecordCollector struct {
	client *kgo.Client

	mu      sync.Mutex
	pending []*kgo.Record
}

func NewRecordCollector(client *kgo.Client) *RecordCollector {
	return &RecordCollector{client: client}
}

func (c *RecordCollector) Emit(_ context.Context, rec *kgo.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, rec)
	return nil
}

// Flush produces all pending records and waits for every delivery ack.
// On success the pending set is empty and the returned map holds, for each
// partition written to, the highest acked offset. The first delivery error
// aborts the flush; pending records that were not acked stay retryable by
// the caller reprocessing from the committed offsets.
func (c *RecordCollector) Flush(ctx context.Context) (map[statemgr.TopicPartition]int64, error) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		written  = map[statemgr.TopicPartition]int64{}
	)

	wg.Add(len(batch))
	for _, rec := range batch {
		c.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			tp := statemgr.TopicPartition{Topic: r.Topic, Partition: r.Partition}
			if off, ok := written[tp]; !ok || r.Offset > off {
				written[tp] = r.Offset
			}
		})
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return written, nil
}

// BufferedCount reports how many emitted records await the next Flush.
func (c *RecordCollector) BufferedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
