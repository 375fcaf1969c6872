package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// frame layout on disk: u32 BE totalLen | 1 byte flag | u32 BE keyLen | key | value
// totalLen covers everything after itself (flag + keyLen field + key + value).
const (
	flagLive      byte = 0
	flagTombstone byte = 1
)

type framePos struct {
	offset int64
	size   uint32
}

// LogStore is an append-only, disk-backed Store. Entries are framed with a
// length prefix; a committed-entry index (key -> file offset/size) is
// rebuilt by a full scan at open time. It is used to
// hold the Raft log's durable (committed) entries; the in-memory
// uncommitted tail is managed by pkg/raft.Log on top of this store.
type LogStore struct {
	mu    sync.RWMutex
	file  *os.File
	sync  bool
	index map[string]framePos
	tail  int64 // next write offset
}

// OpenLogStore opens (creating if absent) the append-only log file at path.
// When sync is true, Flush and Truncate fsync the file; Set and Delete only
// write, leaving durability to the next Flush.
func OpenLogStore(path string, sync bool) (*LogStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	ls := &LogStore{file: f, sync: sync, index: make(map[string]framePos)}
	if err := ls.rebuild(); err != nil {
		f.Close()
		return nil, err
	}
	return ls, nil
}

func (ls *LogStore) rebuild() error {
	if _, err := ls.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(ls.file)
	var offset int64
	hdr := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err == io.EOF {
				break
			}
			return ls.truncateTornTail(offset)
		}
		total := binary.BigEndian.Uint32(hdr)
		body := make([]byte, total)
		if _, err := io.ReadFull(r, body); err != nil {
			return ls.truncateTornTail(offset)
		}
		if len(body) < 5 {
			return ls.truncateTornTail(offset)
		}
		flag := body[0]
		keyLen := binary.BigEndian.Uint32(body[1:5])
		if uint32(len(body)) < 5+keyLen {
			return ls.truncateTornTail(offset)
		}
		key := string(body[5 : 5+keyLen])
		if flag == flagTombstone {
			delete(ls.index, key)
		} else {
			ls.index[key] = framePos{offset: offset, size: total}
		}
		offset += 4 + int64(total)
	}
	ls.tail = offset
	_, err := ls.file.Seek(0, io.SeekEnd)
	return err
}

// truncateTornTail drops a partially-written final frame (the process
// crashed mid-write) and resumes from the last complete frame.
func (ls *LogStore) truncateTornTail(offset int64) error {
	if err := ls.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate torn log tail: %w", err)
	}
	ls.tail = offset
	_, err := ls.file.Seek(0, io.SeekEnd)
	return err
}

func (ls *LogStore) appendFrame(flag byte, key, value []byte) (framePos, error) {
	body := make([]byte, 5+len(key)+len(value))
	body[0] = flag
	binary.BigEndian.PutUint32(body[1:5], uint32(len(key)))
	copy(body[5:], key)
	copy(body[5+len(key):], value)

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))

	offset := ls.tail
	if _, err := ls.file.Write(hdr); err != nil {
		return framePos{}, err
	}
	if _, err := ls.file.Write(body); err != nil {
		return framePos{}, err
	}
	ls.tail += int64(len(hdr) + len(body))
	return framePos{offset: offset, size: uint32(len(body))}, nil
}

func (ls *LogStore) Set(key, value []byte) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	pos, err := ls.appendFrame(flagLive, key, value)
	if err != nil {
		return err
	}
	ls.index[string(key)] = pos
	return nil
}

func (ls *LogStore) Get(key []byte) ([]byte, error) {
	ls.mu.RLock()
	pos, ok := ls.index[string(key)]
	ls.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return ls.readValue(pos)
}

func (ls *LogStore) readValue(pos framePos) ([]byte, error) {
	body := make([]byte, pos.size)
	if _, err := ls.file.ReadAt(body, pos.offset+4); err != nil {
		return nil, fmt.Errorf("read log frame at %d: %w", pos.offset, err)
	}
	keyLen := binary.BigEndian.Uint32(body[1:5])
	return append([]byte(nil), body[5+keyLen:]...), nil
}

func (ls *LogStore) Delete(key []byte) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if _, ok := ls.index[string(key)]; !ok {
		return nil
	}
	if _, err := ls.appendFrame(flagTombstone, key, nil); err != nil {
		return err
	}
	delete(ls.index, string(key))
	return nil
}

// Truncate removes every key >= from's big-endian uint64 value, used by
// pkg/raft.Log.Splice to discard a divergent suffix. It truncates the
// backing file so a later rebuild does not resurrect the discarded entries.
func (ls *LogStore) Truncate(from uint64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	var keep int64 = ls.tail
	for key, pos := range ls.index {
		if len(key) != 8 {
			continue
		}
		if binary.BigEndian.Uint64([]byte(key)) >= from {
			if pos.offset < keep {
				keep = pos.offset
			}
			delete(ls.index, key)
		}
	}
	if keep == ls.tail {
		return nil
	}
	if err := ls.file.Truncate(keep); err != nil {
		return fmt.Errorf("truncate log at %d: %w", keep, err)
	}
	ls.tail = keep
	if _, err := ls.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if ls.sync {
		return ls.file.Sync()
	}
	return nil
}

func (ls *LogStore) Scan(r Range) Iterator {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	keys := make([]string, 0, len(ls.index))
	for k := range ls.index {
		if r.Lo != nil && k < string(r.Lo) {
			continue
		}
		if r.Hi != nil && k > string(r.Hi) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &logIterator{store: ls, keys: keys}
}

// Flush forces buffered writes to disk when the store was opened in sync
// mode; otherwise it relies on OS buffering. pkg/raft.Log calls it once per
// commit group, so sync mode pays one fsync per commit rather than one per
// appended frame.
func (ls *LogStore) Flush() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.sync {
		return nil
	}
	return ls.file.Sync()
}

// Close releases the underlying file handle.
func (ls *LogStore) Close() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.file.Close()
}

type logIterator struct {
	store       *LogStore
	keys        []string
	front, back int
	inited      bool
	closed      bool
}

func (it *logIterator) ensureInit() {
	if !it.inited {
		it.front, it.back = -1, len(it.keys)
		it.inited = true
	}
}

func (it *logIterator) Next() ([]byte, []byte, bool) {
	if it.closed {
		return nil, nil, false
	}
	it.ensureInit()
	if it.front+1 >= it.back {
		return nil, nil, false
	}
	it.front++
	key := it.keys[it.front]
	it.store.mu.RLock()
	pos, ok := it.store.index[key]
	it.store.mu.RUnlock()
	if !ok {
		return it.Next()
	}
	val, err := it.store.readValue(pos)
	if err != nil {
		return nil, nil, false
	}
	return []byte(key), val, true
}

func (it *logIterator) Prev() ([]byte, []byte, bool) {
	if it.closed {
		return nil, nil, false
	}
	it.ensureInit()
	if it.back-1 <= it.front {
		return nil, nil, false
	}
	it.back--
	key := it.keys[it.back]
	it.store.mu.RLock()
	pos, ok := it.store.index[key]
	it.store.mu.RUnlock()
	if !ok {
		return it.Prev()
	}
	val, err := it.store.readValue(pos)
	if err != nil {
		return nil, nil, false
	}
	return []byte(key), val, true
}

func (it *logIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
}
