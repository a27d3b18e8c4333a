package statemgr

import (
	"encoding/binary"

	"github.com/twmb/franz-go/pkg/kgo"
)

// RecordConverter transforms a raw changelog record before it is handed to
// the restore callback. Converters must not mutate the input record.
type RecordConverter func(rec *kgo.Record) *kgo.Record

// IdentityConverter passes the record through unchanged.
func IdentityConverter(rec *kgo.Record) *kgo.Record {
	return rec
}

// TimestampedConverter prefixes the value with the record's timestamp as
// 8 big-endian bytes (unix milliseconds). Timestamped stores persist the
// timestamp embedded with the value, but the changelog carries it in the
// record envelope, so the restore path has to re-embed it. Tombstones stay
// nil.
func TimestampedConverter(rec *kgo.Record) *kgo.Record {
	if rec.Value == nil {
		return rec
	}

	value := make([]byte, 8+len(rec.Value))
	binary.BigEndian.PutUint64(value, uint64(rec.Timestamp.UnixMilli()))
	copy(value[8:], rec.Value)

	out := *rec
	out.Value = value
	return &out
}
