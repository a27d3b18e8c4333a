package task

import "github.com/twmb/franz-go/pkg/kgo"

// recordBuffer holds records awaiting retry under Buffered end behavior,
// in arrival order. The head is always the oldest pending record.
type recordBuffer struct {
	records  []*kgo.Record
	capacity int
}

func newRecordBuffer(capacity int) *recordBuffer {
	return &recordBuffer{capacity: capacity}
}

func (b *recordBuffer) len() int {
	return len(b.records)
}

func (b *recordBuffer) full() bool {
	return len(b.records) >= b.capacity
}

func (b *recordBuffer) head() *kgo.Record {
	if len(b.records) == 0 {
		return nil
	}
	return b.records[0]
}

// append adds rec at the tail; it reports false when the buffer is at
// capacity.
func (b *recordBuffer) append(rec *kgo.Record) bool {
	if b.full() {
		return false
	}
	b.records = append(b.records, rec)
	return true
}

func (b *recordBuffer) dropHead() {
	if len(b.records) == 0 {
		return
	}
	b.records = b.records[1:]
}

func (b *recordBuffer) clear() {
	b.records = nil
}
