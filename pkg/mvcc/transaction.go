package mvcc

import (
	"bytes"
	"math"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/store"
)

// Transaction is a single MVCC-managed unit of work. Reads see a consistent
// snapshot fixed at Begin time; writes are buffered as new record versions
// tagged with the transaction's own id and only become visible to other
// transactions after Commit.
type Transaction struct {
	mvcc     *MVCC
	id       uint64
	mode     Mode
	snapshot snapshot
}

// ID returns the transaction's id.
func (t *Transaction) ID() uint64 { return t.id }

// Mode returns the transaction's mode.
func (t *Transaction) Mode() Mode { return t.mode }

// Get returns the most recent value of key visible to this transaction's
// snapshot, or nil if the key does not exist (or was deleted).
func (t *Transaction) Get(key []byte) ([]byte, error) {
	t.mvcc.mu.RLock()
	defer t.mvcc.mu.RUnlock()

	lo := RecordKey(key, 0).Encode()
	hi := RecordKey(key, t.id).Encode()
	it := t.mvcc.store.Scan(store.KeyRange(lo, hi))
	defer it.Close()

	for {
		k, v, ok := it.Prev()
		if !ok {
			return nil, nil
		}
		decoded, err := DecodeKey(k)
		if err != nil {
			return nil, err
		}
		if !t.snapshot.isVisible(decoded.Version()) {
			continue
		}
		value, present, err := decodeRecordValue(v)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, nil
		}
		return value, nil
	}
}

// Set writes key=value, visible to this transaction's own reads immediately
// and to other transactions after Commit.
func (t *Transaction) Set(key, value []byte) error {
	return t.write(key, value, false)
}

// Delete removes key. Deleting an absent key is not an error; it still
// records a tombstone so Commit's visibility rules apply uniformly.
func (t *Transaction) Delete(key []byte) error {
	return t.write(key, nil, true)
}

func (t *Transaction) write(key, value []byte, deleted bool) error {
	if !t.mode.Mutable() {
		return errs.ErrReadOnly
	}

	t.mvcc.mu.Lock()
	defer t.mvcc.mu.Unlock()

	min := t.id + 1
	for invisibleID := range t.snapshot.invisible {
		if invisibleID < min {
			min = invisibleID
		}
	}

	lo := RecordKey(key, min).Encode()
	hi := RecordKey(key, math.MaxUint64).Encode()
	it := t.mvcc.store.Scan(store.KeyRange(lo, hi))
	for {
		k, _, ok := it.Prev()
		if !ok {
			break
		}
		decoded, err := DecodeKey(k)
		if err != nil {
			it.Close()
			return err
		}
		if !t.snapshot.isVisible(decoded.Version()) {
			it.Close()
			t.mvcc.conflicts++
			return errs.ErrSerialization
		}
	}
	it.Close()

	if err := t.mvcc.store.Set(TxnUpdateKey(t.id, key).Encode(), nil); err != nil {
		return errs.Wrap(errs.KindInternal, err, "record write-set entry for key")
	}
	record := RecordKey(key, t.id).Encode()
	return t.mvcc.store.Set(record, encodeRecordValue(value, deleted))
}

// Scan returns every key/value in [lo, hi] visible to this transaction's
// snapshot. A nil bound on either side is open.
func (t *Transaction) Scan(lo, hi []byte) ([]KV, error) {
	t.mvcc.mu.RLock()
	defer t.mvcc.mu.RUnlock()

	scanLo := RecordKey(lo, 0).Encode()
	var scanHi []byte
	if hi == nil {
		scanHi = nil
	} else {
		scanHi = RecordKey(hi, math.MaxUint64).Encode()
	}
	it := t.mvcc.store.Scan(store.KeyRange(scanLo, scanHi))
	defer it.Close()

	// Record versions for the same user key are encoded adjacently in
	// ascending version order, so the last visible version seen before the
	// user key changes is the value this transaction should see for it.
	var out []KV
	var curKey []byte
	var curValue []byte
	var curPresent bool
	var haveCur bool

	emit := func() {
		if haveCur && curPresent {
			out = append(out, KV{Key: append([]byte(nil), curKey...), Value: curValue})
		}
		haveCur = false
	}

	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		decoded, err := DecodeKey(k)
		if err != nil {
			return nil, err
		}
		if haveCur && !bytes.Equal(decoded.UserKey(), curKey) {
			emit()
		}
		if !t.snapshot.isVisible(decoded.Version()) {
			continue
		}
		value, present, err := decodeRecordValue(v)
		if err != nil {
			return nil, err
		}
		curKey = append(curKey[:0], decoded.UserKey()...)
		curValue = value
		curPresent = present
		haveCur = true
	}
	emit()
	return out, nil
}

// KV is a single scan result.
type KV struct {
	Key, Value []byte
}

// Commit finalizes the transaction, making its writes visible to
// transactions that begin afterward.
func (t *Transaction) Commit() error {
	t.mvcc.mu.Lock()
	defer t.mvcc.mu.Unlock()
	return t.mvcc.store.Delete(TxnActiveKey(t.id).Encode())
}

// Rollback discards every write this transaction made. Non-mutable
// transactions have no writes to undo but still deregister themselves.
func (t *Transaction) Rollback() error {
	t.mvcc.mu.Lock()
	defer t.mvcc.mu.Unlock()
	if !t.mode.Mutable() {
		return t.mvcc.store.Delete(TxnActiveKey(t.id).Encode())
	}

	lo := TxnUpdateKey(t.id, nil).Encode()
	hi := TxnUpdateKey(t.id+1, nil).Encode()
	it := t.mvcc.store.Scan(store.KeyRange(lo, hi))

	var toDelete [][]byte
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		decoded, err := DecodeKey(k)
		if err != nil {
			it.Close()
			return err
		}
		toDelete = append(toDelete, append([]byte(nil), decoded.UserKey()...))
	}
	it.Close()

	for _, userKey := range toDelete {
		if err := t.mvcc.store.Delete(RecordKey(userKey, t.id).Encode()); err != nil {
			return err
		}
		if err := t.mvcc.store.Delete(TxnUpdateKey(t.id, userKey).Encode()); err != nil {
			return err
		}
	}
	return t.mvcc.store.Delete(TxnActiveKey(t.id).Encode())
}
