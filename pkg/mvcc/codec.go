package mvcc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/cuemby/ledger/pkg/errs"
)

// Plain fixed-width counters (the transaction-id counter) are encoded
// directly with binary.BigEndian; Mode and invisible-sets are small,
// infrequently (de)serialized structures where gob's self-describing framing
// is a better fit than hand-rolled encoding, matching the codec this module
// uses elsewhere for the Raft command envelope.

func encodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errs.Internalf("decode counter: expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeMode(m Mode) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes()
}

func decodeMode(b []byte) (Mode, error) {
	var m Mode
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return Mode{}, errs.Wrap(errs.KindInternal, err, "decode transaction mode")
	}
	return m, nil
}

func encodeInvisibleSet(set map[uint64]struct{}) []byte {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(ids)
	return buf.Bytes()
}

func decodeInvisibleSet(b []byte) (map[uint64]struct{}, error) {
	var ids []uint64
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&ids); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode transaction snapshot")
	}
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// recordValue is the on-disk payload for a Record key: either a live value
// or a tombstone (Present=false), mirroring the write/delete duality a plain
// []byte value can't represent directly (nil is ambiguous with "absent").
type recordValue struct {
	Present bool
	Value   []byte
}

func encodeRecordValue(value []byte, deleted bool) []byte {
	rv := recordValue{Present: !deleted, Value: value}
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(rv)
	return buf.Bytes()
}

func decodeRecordValue(b []byte) (value []byte, present bool, err error) {
	var rv recordValue
	if decErr := gob.NewDecoder(bytes.NewReader(b)).Decode(&rv); decErr != nil {
		return nil, false, errs.Wrap(errs.KindInternal, decErr, "decode record value")
	}
	return rv.Value, rv.Present, nil
}
