/*
Package mvcc implements snapshot-isolated, first-committer-wins multi-version
concurrency control over an ordered pkg/store.Store. It is the transaction
manager the catalog and driver layers build on: every read sees a consistent
snapshot of the keyspace, and two transactions that write the same key
without one seeing the other's commit produce a serialization conflict
instead of silently clobbering data.

The on-disk layout (see key.go) interleaves record versions, active-
transaction markers, and per-transaction write-sets in the same store the
caller supplies, following the same scheme as the kv engine this package
generalizes.
*/
package mvcc

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/store"
)

// MVCC owns the backing store and hands out transactions against it. It is
// safe for concurrent use; all mutation of the keyspace (including
// transaction bookkeeping) happens under a single RWMutex.
type MVCC struct {
	mu        sync.RWMutex
	store     store.Store
	conflicts uint64
	logger    zerolog.Logger
}

// New wraps s as an MVCC-managed keyspace.
func New(s store.Store) *MVCC {
	return &MVCC{store: s, logger: log.WithComponent("mvcc")}
}

// Begin starts a new read-write transaction.
func (m *MVCC) Begin() (*Transaction, error) {
	return m.BeginWithMode(ModeReadWrite)
}

// BeginWithMode starts a new transaction in the given mode.
func (m *MVCC) BeginWithMode(mode Mode) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.nextTxnIDLocked()
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(TxnActiveKey(id).Encode(), encodeMode(mode)); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "mark transaction %d active", id)
	}

	snap, err := m.takeSnapshotLocked(id)
	if err != nil {
		return nil, err
	}
	if mode.Kind == ModeKindSnapshot {
		snap, err = m.restoreSnapshotLocked(mode.Version)
		if err != nil {
			return nil, err
		}
	}

	m.logger.Debug().Uint64("txn_id", id).Str("mode", mode.Kind.String()).Msg("transaction begun")
	return &Transaction{mvcc: m, id: id, mode: mode, snapshot: snap}, nil
}

// Resume reconstructs a previously begun transaction from its id, used when
// a client reconnects mid-transaction (a resumable session model).
func (m *MVCC) Resume(id uint64) (*Transaction, error) {
	m.mu.RLock()
	raw, err := m.store.Get(TxnActiveKey(id).Encode())
	m.mu.RUnlock()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "resume transaction %d", id)
	}
	if raw == nil {
		return nil, errs.Valuef("no active transaction %d", id)
	}
	mode, err := decodeMode(raw)
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if mode.Kind == ModeKindSnapshot {
		snap, err = m.restoreSnapshotLocked(mode.Version)
	} else {
		snap, err = m.restoreSnapshotLocked(id)
	}
	if err != nil {
		return nil, err
	}
	return &Transaction{mvcc: m, id: id, mode: mode, snapshot: snap}, nil
}

// SetMetadata writes a value outside any transaction's MVCC accounting, for
// small out-of-band state.
func (m *MVCC) SetMetadata(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Set(MetadataKey(key).Encode(), value)
}

// GetMetadata reads a value written by SetMetadata.
func (m *MVCC) GetMetadata(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Get(MetadataKey(key).Encode())
}

// Status reports transaction bookkeeping counters, used by the server's
// diagnostic surface.
type Status struct {
	Txns       uint64
	TxnsActive uint64
	Conflicts  uint64
}

// Status summarizes the current MVCC bookkeeping state.
func (m *MVCC) Status() (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	next, err := m.readCounterLocked()
	if err != nil {
		return Status{}, err
	}
	it := m.store.Scan(store.KeyRange(TxnActiveKey(0).Encode(), TxnActiveKey(^uint64(0)).Encode()))
	defer it.Close()
	var active uint64
	for {
		_, _, ok := it.Next()
		if !ok {
			break
		}
		active++
	}
	var txns uint64
	if next > 0 {
		txns = next - 1
	}
	return Status{Txns: txns, TxnsActive: active, Conflicts: m.conflicts}, nil
}

func (m *MVCC) readCounterLocked() (uint64, error) {
	raw, err := m.store.Get(TxnNextKey().Encode())
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "read transaction counter")
	}
	if raw == nil {
		return 1, nil
	}
	return decodeUint64(raw)
}

func (m *MVCC) nextTxnIDLocked() (uint64, error) {
	id, err := m.readCounterLocked()
	if err != nil {
		return 0, err
	}
	if err := m.store.Set(TxnNextKey().Encode(), encodeUint64(id+1)); err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "advance transaction counter")
	}
	return id, nil
}

// takeSnapshotLocked records the set of transactions active as of version
// (not including version itself), then freezes it so a later Resume can
// reconstruct exactly the same visibility the transaction started with.
func (m *MVCC) takeSnapshotLocked(version uint64) (snapshot, error) {
	invisible := make(map[uint64]struct{})
	it := m.store.Scan(store.KeyRange(TxnActiveKey(1).Encode(), TxnActiveKey(version-1).Encode()))
	for {
		key, _, ok := it.Next()
		if !ok {
			break
		}
		k, err := DecodeKey(key)
		if err != nil {
			it.Close()
			return snapshot{}, err
		}
		invisible[k.TxnID()] = struct{}{}
	}
	it.Close()

	if err := m.store.Set(TxnSnapshotKey(version).Encode(), encodeInvisibleSet(invisible)); err != nil {
		return snapshot{}, errs.Wrap(errs.KindInternal, err, "persist snapshot %d", version)
	}
	return snapshot{version: version, invisible: invisible}, nil
}

func (m *MVCC) restoreSnapshotLocked(version uint64) (snapshot, error) {
	raw, err := m.store.Get(TxnSnapshotKey(version).Encode())
	if err != nil {
		return snapshot{}, errs.Wrap(errs.KindInternal, err, "restore snapshot %d", version)
	}
	if raw == nil {
		return snapshot{}, errs.Internalf("no snapshot recorded for version %d", version)
	}
	invisible, err := decodeInvisibleSet(raw)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{version: version, invisible: invisible}, nil
}
