package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var metaBucket = []byte("metadata")

// MetadataStore is the small persistent key/value facility backing Raft's
// current_term/voted_for/applied_index: a binary-serialized map held outside
// the log file proper. It is backed by bbolt, an embedded transactional
// store that already fsyncs each committed transaction, a closer fit than
// hand-rolling the same guarantee.
type MetadataStore struct {
	db *bolt.DB
}

// OpenMetadataStore opens (creating if absent) the metadata file at path.
// When sync is false, bbolt's NoSync is set so writes are not forced to
// disk immediately, matching the core's sync configuration option.
func OpenMetadataStore(path string, sync bool) (*MetadataStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata store %s: %w", path, err)
	}
	db.NoSync = !sync

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata bucket: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Save writes every key/value in values atomically, fsync'ing once (in sync
// mode) for the whole batch, used to persist (current_term, voted_for)
// together so they are updated atomically before any message acting on
// that term is sent.
func (m *MetadataStore) Save(values map[string][]byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		for k, v := range values {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the value for key, and whether it was present.
func (m *MetadataStore) Load(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		v := b.Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return value, found, err
}

// LoadAll returns every key/value currently persisted.
func (m *MetadataStore) LoadAll() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying bbolt database.
func (m *MetadataStore) Close() error { return m.db.Close() }
