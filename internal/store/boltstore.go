package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// PartitionFunc maps a key to a partition id, used to pick which bucket
// a key's write-through copy lands in. Passing nil to Open
// collapses every key into a single bucket.
type PartitionFunc func(key string) int

// BoltStore is the bbolt-backed Store implementation, following
// cuemby-warren's BoltStore: a long-lived *bolt.DB, one bucket per
// keyspace (here, per partition), JSON-free raw byte values since cache
// entries are already serialized by the caller.
type BoltStore struct {
	db        *bolt.DB
	partition PartitionFunc
}

// Open opens (creating if absent) a bbolt database at path and prepares
// it for partitioned storage. numPartitions buckets are created eagerly
// so PutAll/RemoveAll never need to create a bucket mid-transaction.
func Open(path string, numPartitions int, partition PartitionFunc) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for p := 0; p < numPartitions; p++ {
			if _, err := tx.CreateBucketIfNotExists(bucketName(p)); err != nil {
				return fmt.Errorf("store: create bucket for partition %d: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if partition == nil {
		partition = func(string) int { return 0 }
	}
	return &BoltStore{db: db, partition: partition}, nil
}

func bucketName(partition int) []byte {
	return []byte(fmt.Sprintf("p%08d", partition))
}

// PutAll implements Store. Entries are grouped by destination bucket so
// a batch spanning several partitions still commits as one bbolt
// transaction.
func (s *BoltStore) PutAll(entries map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for key, value := range entries {
			b := tx.Bucket(bucketName(s.partition(key)))
			if b == nil {
				return fmt.Errorf("store: bucket for key %q not found", key)
			}
			if err := b.Put([]byte(key), value); err != nil {
				return fmt.Errorf("store: put %q: %w", key, err)
			}
		}
		return nil
	})
}

// RemoveAll implements Store.
func (s *BoltStore) RemoveAll(keys []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, key := range keys {
			b := tx.Bucket(bucketName(s.partition(key)))
			if b == nil {
				return fmt.Errorf("store: bucket for key %q not found", key)
			}
			if err := b.Delete([]byte(key)); err != nil {
				return fmt.Errorf("store: delete %q: %w", key, err)
			}
		}
		return nil
	})
}

// Get implements Store.
func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(s.partition(key)))
		if b == nil {
			return ErrKeyNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
