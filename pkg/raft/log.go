/*
Package raft implements the role-state-machine core of Raft consensus: the
append-only log wrapper (this file), the wire message/instruction types
(message.go, instruction.go), and the Follower/Candidate/Leader role
transitions (node.go, follower.go, candidate.go, leader.go).

Nothing in this package performs I/O beyond the log's own store and
metadata files; sending messages and ticking the clock are the caller's
(pkg/server's) job, matching the Node/RoleNode split the role types
describe.
*/
package raft

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/store"
)

// Entry is one Raft log entry. Index is 1-based and gap-free. Command is
// nil for the no-op entry a new leader appends to establish a current-term
// entry.
type Entry struct {
	Index   uint64
	Term    uint64
	Command []byte
}

const (
	metaKeyTerm     = "current_term"
	metaKeyVotedFor = "voted_for"
	metaKeyApplied  = "applied_index"
)

// Log wraps a durable store.Store (the committed entries) with an
// in-memory uncommitted tail and a store.MetadataStore for (current_term,
// voted_for). Only Commit ever moves entries from the uncommitted tail
// into the durable store; Splice only ever discards uncommitted entries.
type Log struct {
	committed store.Store
	meta      *store.MetadataStore

	uncommitted []Entry

	commitIndex uint64
	commitTerm  uint64
	lastIndex   uint64
	lastTerm    uint64
}

// OpenLog opens the log over the given committed-entry store and metadata
// store, deriving (commit_index, commit_term, last_index, last_term) from
// the store's contents. The uncommitted tail starts empty: any entries a
// node had buffered but not committed before a crash are lost, which is
// correct for Raft (they were never acknowledged to a client as durable).
func OpenLog(committed store.Store, meta *store.MetadataStore) (*Log, error) {
	l := &Log{committed: committed, meta: meta}
	last, ok, err := lastCommittedEntry(committed)
	if err != nil {
		return nil, err
	}
	if ok {
		l.commitIndex = last.Index
		l.commitTerm = last.Term
		l.lastIndex = last.Index
		l.lastTerm = last.Term
	}
	return l, nil
}

func lastCommittedEntry(s store.Store) (Entry, bool, error) {
	it := s.Scan(store.Range{})
	defer it.Close()
	_, value, ok := it.Prev()
	if !ok {
		return Entry{}, false, nil
	}
	e, err := decodeEntry(value)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func indexKey(index uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], index)
	return b[:]
}

func encodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(e)
	return buf.Bytes()
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return Entry{}, errs.Wrap(errs.KindInternal, err, "decode raft log entry")
	}
	return e, nil
}

// LastIndex returns the index of the most recent entry, committed or not.
func (l *Log) LastIndex() uint64 { return l.lastIndex }

// LastTerm returns the term of the most recent entry, committed or not.
func (l *Log) LastTerm() uint64 { return l.lastTerm }

// CommitIndex returns the highest durably committed index.
func (l *Log) CommitIndex() uint64 { return l.commitIndex }

// CommitTerm returns the term of the entry at CommitIndex.
func (l *Log) CommitTerm() uint64 { return l.commitTerm }

// Append allocates index = LastIndex()+1, buffers the entry in the
// uncommitted tail, and updates (last_index, last_term).
func (l *Log) Append(term uint64, command []byte) (uint64, error) {
	index := l.lastIndex + 1
	l.uncommitted = append(l.uncommitted, Entry{Index: index, Term: term, Command: command})
	l.lastIndex = index
	l.lastTerm = term
	return index, nil
}

// Commit moves every uncommitted entry in (commit_index, index] into the
// durable store and advances (commit_index, commit_term). Committing an
// index that is already committed, or for which no entry exists, is a
// fatal (KindInternal) error.
func (l *Log) Commit(index uint64) error {
	if index <= l.commitIndex {
		return errs.Internalf("commit index %d not greater than current commit index %d", index, l.commitIndex)
	}
	if index > l.lastIndex {
		return errs.Internalf("commit index %d exceeds last known index %d", index, l.lastIndex)
	}
	n := int(index - l.commitIndex)
	if n > len(l.uncommitted) {
		return errs.Internalf("commit index %d missing from uncommitted tail", index)
	}
	var term uint64
	for i := 0; i < n; i++ {
		e := l.uncommitted[i]
		if err := l.committed.Set(indexKey(e.Index), encodeEntry(e)); err != nil {
			return errs.Wrap(errs.KindInternal, err, "persist committed raft entry %d", e.Index)
		}
		term = e.Term
	}
	l.uncommitted = l.uncommitted[n:]
	l.commitIndex = index
	l.commitTerm = term
	return l.committed.Flush()
}

// Splice applies a follower-side ReplicateEntries batch: entries must be
// contiguous and start at index <= LastIndex()+1. For each entry, an
// existing entry at the same index with the same term is left alone
// (idempotent re-delivery); otherwise everything at or after that index is
// discarded and the new entry (and everything after it in the batch) is
// appended. Discarding anything at or below commit_index is forbidden.
func (l *Log) Splice(entries []Entry) error {
	for _, e := range entries {
		if e.Index > l.lastIndex+1 {
			return errs.Internalf("splice entry %d is not contiguous with log tail %d", e.Index, l.lastIndex)
		}
		existing, ok, err := l.Get(e.Index)
		if err != nil {
			return err
		}
		if ok && existing.Term == e.Term {
			continue
		}
		if e.Index <= l.commitIndex {
			return errs.Internalf("splice would truncate committed entry %d (commit_index=%d)", e.Index, l.commitIndex)
		}
		if err := l.truncateFrom(e.Index); err != nil {
			return err
		}
		l.uncommitted = append(l.uncommitted, e)
		l.lastIndex = e.Index
		l.lastTerm = e.Term
	}
	return nil
}

// truncateFrom discards every buffered entry at or after index. index is
// guaranteed by Splice's caller to be above commit_index, so only the
// uncommitted tail is ever touched; the committed store's Truncate is
// still invoked defensively in case a prior crash left stale committed
// entries beyond commit_index (which should never happen, but a fresh
// rebuild from a torn log tail is exactly the scenario this guards).
func (l *Log) truncateFrom(index uint64) error {
	kept := l.uncommitted[:0]
	for _, e := range l.uncommitted {
		if e.Index < index {
			kept = append(kept, e)
		}
	}
	l.uncommitted = kept
	if index <= l.commitIndex {
		return errs.Internalf("refusing to truncate committed entries at or after %d", index)
	}
	if truncator, ok := l.committed.(interface{ Truncate(uint64) error }); ok {
		return truncator.Truncate(index)
	}
	return nil
}

// Get returns the entry at index, checking the uncommitted tail first.
func (l *Log) Get(index uint64) (Entry, bool, error) {
	if index == 0 || index > l.lastIndex {
		return Entry{}, false, nil
	}
	if index > l.commitIndex {
		for _, e := range l.uncommitted {
			if e.Index == index {
				return e, true, nil
			}
		}
		return Entry{}, false, nil
	}
	value, err := l.committed.Get(indexKey(index))
	if err != nil {
		return Entry{}, false, errs.Wrap(errs.KindInternal, err, "read raft log entry %d", index)
	}
	if value == nil {
		return Entry{}, false, nil
	}
	e, err := decodeEntry(value)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Has reports whether an entry with the given (index, term) exists, used
// for log-matching checks and heartbeat commit validation.
func (l *Log) Has(index, term uint64) bool {
	if index == 0 {
		return true
	}
	e, ok, err := l.Get(index)
	if err != nil || !ok {
		return false
	}
	return e.Term == term
}

// Scan returns every entry with index in [from, to], inclusive, spanning
// both the durable store and the uncommitted tail.
func (l *Log) Scan(from, to uint64) ([]Entry, error) {
	var out []Entry
	it := l.committed.Scan(store.KeyRange(indexKey(from), indexKey(to)))
	for {
		_, value, ok := it.Next()
		if !ok {
			break
		}
		e, err := decodeEntry(value)
		if err != nil {
			it.Close()
			return nil, err
		}
		out = append(out, e)
	}
	it.Close()
	for _, e := range l.uncommitted {
		if e.Index >= from && e.Index <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveTerm persists (current_term, voted_for) atomically. votedFor is
// empty for "no vote cast this term".
func (l *Log) SaveTerm(term uint64, votedFor string) error {
	var termBytes [8]byte
	binary.BigEndian.PutUint64(termBytes[:], term)
	return l.meta.Save(map[string][]byte{
		metaKeyTerm:     termBytes[:],
		metaKeyVotedFor: []byte(votedFor),
	})
}

// LoadTerm returns the persisted (current_term, voted_for), defaulting to
// (0, "") if nothing has ever been saved.
func (l *Log) LoadTerm() (uint64, string, error) {
	values, err := l.meta.LoadAll()
	if err != nil {
		return 0, "", errs.Wrap(errs.KindInternal, err, "load raft term metadata")
	}
	var term uint64
	if b, ok := values[metaKeyTerm]; ok && len(b) == 8 {
		term = binary.BigEndian.Uint64(b)
	}
	votedFor := string(values[metaKeyVotedFor])
	return term, votedFor, nil
}

// SaveAppliedIndex persists the driver's applied_index so startup replay
// (pkg/driver) knows where to resume after a restart.
func (l *Log) SaveAppliedIndex(index uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], index)
	return l.meta.Save(map[string][]byte{metaKeyApplied: b[:]})
}

// LoadAppliedIndex returns the persisted applied_index, defaulting to 0.
func (l *Log) LoadAppliedIndex() (uint64, error) {
	b, ok, err := l.meta.Load(metaKeyApplied)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "load applied index")
	}
	if !ok || len(b) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(b), nil
}
