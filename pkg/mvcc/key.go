package mvcc

import (
	"bytes"
	"encoding/binary"

	"github.com/cuemby/ledger/pkg/errs"
)

// Key encodes the internal keyspace MVCC lays over the raw ordered store.
// Every variant is order-preserving: sorted encoded bytes sort the same as
// the logical tuple they represent, which lets scans walk record versions
// and active-transaction markers with plain range queries.
type Key struct {
	kind    keyKind
	txnID   uint64
	version uint64
	user    []byte
}

type keyKind byte

const (
	kindTxnNext    keyKind = 0x01
	kindTxnActive  keyKind = 0x02
	kindTxnSnap    keyKind = 0x03
	kindTxnUpdate  keyKind = 0x04
	kindMetadata   keyKind = 0x05
	kindRecord     keyKind = 0xff
)

// TxnNextKey encodes the counter tracking the next transaction id to hand out.
func TxnNextKey() Key { return Key{kind: kindTxnNext} }

// TxnActiveKey encodes the marker for an in-flight transaction id.
func TxnActiveKey(id uint64) Key { return Key{kind: kindTxnActive, txnID: id} }

// TxnSnapshotKey encodes the frozen invisible-set for a snapshot version.
func TxnSnapshotKey(version uint64) Key { return Key{kind: kindTxnSnap, version: version} }

// TxnUpdateKey encodes a write-set entry: "transaction id wrote user key".
func TxnUpdateKey(id uint64, userKey []byte) Key {
	return Key{kind: kindTxnUpdate, txnID: id, user: userKey}
}

// MetadataKey encodes an out-of-band key/value pair outside any transaction
// (used by callers that need to stash small persistent state next to the
// MVCC keyspace).
func MetadataKey(key []byte) Key { return Key{kind: kindMetadata, user: key} }

// RecordKey encodes a versioned record: the visible value of userKey as of
// the given transaction id.
func RecordKey(userKey []byte, version uint64) Key {
	return Key{kind: kindRecord, user: userKey, version: version}
}

// Encode serializes the key so that, for two keys of the same kind, the
// encoded byte order matches the logical order (txn id, then user key, then
// version).
func (k Key) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(k.kind))
	switch k.kind {
	case kindTxnNext:
	case kindTxnActive:
		writeU64(&buf, k.txnID)
	case kindTxnSnap:
		writeU64(&buf, k.version)
	case kindTxnUpdate:
		writeU64(&buf, k.txnID)
		writeEscaped(&buf, k.user)
	case kindMetadata:
		writeEscaped(&buf, k.user)
	case kindRecord:
		writeEscaped(&buf, k.user)
		writeU64(&buf, k.version)
	}
	return buf.Bytes()
}

// DecodeKey parses an encoded Key, reporting which variant it is.
func DecodeKey(data []byte) (Key, error) {
	if len(data) == 0 {
		return Key{}, errs.Internalf("decode key: empty input")
	}
	kind := keyKind(data[0])
	rest := data[1:]
	switch kind {
	case kindTxnNext:
		return Key{kind: kind}, nil
	case kindTxnActive:
		id, err := readU64(&rest)
		if err != nil {
			return Key{}, err
		}
		return Key{kind: kind, txnID: id}, nil
	case kindTxnSnap:
		v, err := readU64(&rest)
		if err != nil {
			return Key{}, err
		}
		return Key{kind: kind, version: v}, nil
	case kindTxnUpdate:
		id, err := readU64(&rest)
		if err != nil {
			return Key{}, err
		}
		user, err := readEscaped(&rest)
		if err != nil {
			return Key{}, err
		}
		return Key{kind: kind, txnID: id, user: user}, nil
	case kindMetadata:
		user, err := readEscaped(&rest)
		if err != nil {
			return Key{}, err
		}
		return Key{kind: kind, user: user}, nil
	case kindRecord:
		user, err := readEscaped(&rest)
		if err != nil {
			return Key{}, err
		}
		v, err := readU64(&rest)
		if err != nil {
			return Key{}, err
		}
		return Key{kind: kind, user: user, version: v}, nil
	default:
		return Key{}, errs.Internalf("decode key: unknown kind %#x", data[0])
	}
}

// UserKey returns the decoded user-level key for TxnUpdate/Metadata/Record
// variants.
func (k Key) UserKey() []byte { return k.user }

// TxnID returns the decoded transaction id for TxnActive/TxnUpdate variants.
func (k Key) TxnID() uint64 { return k.txnID }

// Version returns the decoded version for TxnSnapshot/Record variants.
func (k Key) Version() uint64 { return k.version }

func writeU64(buf *bytes.Buffer, n uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	buf.Write(b[:])
}

func readU64(rest *[]byte) (uint64, error) {
	if len(*rest) < 8 {
		return 0, errs.Internalf("decode key: short u64")
	}
	n := binary.BigEndian.Uint64((*rest)[:8])
	*rest = (*rest)[8:]
	return n, nil
}

// writeEscaped appends an order-preserving, self-delimiting encoding of b:
// every 0x00 byte is escaped to 0x00 0xFF, and the whole run is terminated
// by 0x00 0x00. This lets a Record key embed an arbitrary user key and still
// sort correctly ahead of the trailing version field.
func writeEscaped(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		if c == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xff)
		} else {
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

func readEscaped(rest *[]byte) ([]byte, error) {
	var out []byte
	data := *rest
	for i := 0; i < len(data); i++ {
		if data[i] != 0x00 {
			out = append(out, data[i])
			continue
		}
		if i+1 >= len(data) {
			return nil, errs.Internalf("decode key: truncated escape sequence")
		}
		switch data[i+1] {
		case 0x00:
			*rest = data[i+2:]
			return out, nil
		case 0xff:
			out = append(out, 0x00)
			i++
		default:
			return nil, errs.Internalf("decode key: invalid escape byte %#x", data[i+1])
		}
	}
	return nil, errs.Internalf("decode key: unterminated byte string")
}
