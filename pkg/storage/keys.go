package storage

import (
	"encoding/binary"
	"math"
	"time"
)

// Key layout:
//
//	r/<request id>                 record envelope (unique per id)
//	o/<start time>/<seq>           request id, ordering index for records
//	s/<timestamp>/<seq>            system snapshot
//	q/<request id>\x00<seq>        query metric
//
// Times are encoded as sign-flipped big-endian nanoseconds so byte order
// equals time order.
var (
	recordPrefix   = []byte("r/")
	orderPrefix    = []byte("o/")
	snapshotPrefix = []byte("s/")
	metricPrefix   = []byte("q/")

	recordSeqKey   = []byte("seq/records")
	snapshotSeqKey = []byte("seq/snapshots")
	metricSeqKey   = []byte("seq/metrics")
)

func recordKey(id string) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(id))
	key = append(key, recordPrefix...)
	return append(key, id...)
}

func orderKey(start time.Time, seq uint64) []byte {
	return timeSeqKey(orderPrefix, start, seq)
}

func snapshotKey(ts time.Time, seq uint64) []byte {
	return timeSeqKey(snapshotPrefix, ts, seq)
}

func metricKeyPrefix(requestID string) []byte {
	key := make([]byte, 0, len(metricPrefix)+len(requestID)+1)
	key = append(key, metricPrefix...)
	key = append(key, requestID...)
	return append(key, 0)
}

func metricKey(requestID string, seq uint64) []byte {
	key := metricKeyPrefix(requestID)
	return binary.BigEndian.AppendUint64(key, seq)
}

func timeSeqKey(prefix []byte, t time.Time, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+16)
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, encodeTime(t))
	return binary.BigEndian.AppendUint64(key, seq)
}

// upperBound is the greatest key of prefix at or before t.
func upperBound(prefix []byte, t *time.Time) []byte {
	if t == nil {
		key := append([]byte{}, prefix...)
		key = binary.BigEndian.AppendUint64(key, math.MaxUint64)
		return binary.BigEndian.AppendUint64(key, math.MaxUint64)
	}
	return timeSeqKey(prefix, *t, math.MaxUint64)
}

// keyTimeSeq decodes the time and sequence of an o/ or s/ key.
func keyTimeSeq(key []byte) (time.Time, uint64, bool) {
	if len(key) != 2+16 {
		return time.Time{}, 0, false
	}
	ts := decodeTime(binary.BigEndian.Uint64(key[2:10]))
	return ts, binary.BigEndian.Uint64(key[10:]), true
}

func encodeTime(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

func decodeTime(v uint64) time.Time {
	return time.Unix(0, int64(v^(1<<63)))
}
