package entrystore

import (
	"sync"
	"testing"
	"time"

	"github.com/nodeforge/dkv/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireInOrderSingleKey(t *testing.T) {
	s := NewPartitionStore(nil)
	locked := s.AcquireInOrder([]string{"k1"})
	require.Len(t, locked.Entries(), 1)
	assert.Equal(t, "k1", locked.Entries()[0].Key)
	locked.Unlock()
}

func TestAcquireInOrderPreservesRequestOrder(t *testing.T) {
	s := NewPartitionStore(nil)
	keys := []string{"c", "a", "b"}
	locked := s.AcquireInOrder(keys)
	defer locked.Unlock()

	got := make([]string, 0, len(keys))
	for _, e := range locked.Entries() {
		got = append(got, e.Key)
	}
	assert.Equal(t, keys, got)
}

func TestAcquireInOrderReplacesObsoleteEntry(t *testing.T) {
	s := NewPartitionStore(nil)

	// Pre-create "b" and mark it obsolete; the batch acquisition must
	// lock a fresh replacement for "b" rather than the obsolete entry.
	first := s.getOrCreate("b")
	first.Mu.Lock()
	MarkObsolete(first)
	first.Mu.Unlock()

	locked := s.AcquireInOrder([]string{"a", "b", "c"})
	defer locked.Unlock()

	require.Len(t, locked.Entries(), 3)
	bEntry := locked.Entries()[1]
	assert.NotSame(t, first, bEntry, "obsolete entry must be replaced, not reused")
	assert.False(t, bEntry.Obsolete)
}

func TestUnlockFeedsDeferredDeleteOnlyForTombstones(t *testing.T) {
	var deleted []string
	var mu sync.Mutex
	s := NewPartitionStore(func(key string, e *Entry) {
		mu.Lock()
		defer mu.Unlock()
		deleted = append(deleted, key)
	})

	locked := s.AcquireInOrder([]string{"x", "y"})
	locked.Entries()[0].ApplyDelete(version.Version{Order: 1})
	locked.Entries()[1].ApplyWrite(version.Version{Order: 1}, "v", nil, 0, time.Now())
	locked.Unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"x"}, deleted)
}

func TestConcurrentAcquireDifferentKeysDoesNotBlock(t *testing.T) {
	s := NewPartitionStore(nil)
	done := make(chan struct{}, 2)
	for _, k := range []string{"p", "q"} {
		go func(key string) {
			l := s.AcquireInOrder([]string{key})
			time.Sleep(10 * time.Millisecond)
			l.Unlock()
			done <- struct{}{}
		}(k)
	}
	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("timed out: locks on different keys should not serialize")
		}
	}
}

func TestLockAcrossStoresLocksInRequestOrderAcrossPartitions(t *testing.T) {
	partitions := []*PartitionStore{NewPartitionStore(nil), NewPartitionStore(nil)}
	storeFor := func(key string) *PartitionStore {
		if key == "a" {
			return partitions[0]
		}
		return partitions[1]
	}

	locked := LockAcrossStores(storeFor, []string{"a", "b"})
	require.Len(t, locked, 2)
	assert.Equal(t, "a", locked[0].Key)
	assert.Same(t, partitions[0], locked[0].Store)
	assert.Equal(t, "b", locked[1].Key)
	assert.Same(t, partitions[1], locked[1].Store)
	UnlockMultiEntries(locked)
}

func TestUnlockMultiEntriesRoutesTombstonesToOwningStore(t *testing.T) {
	var deletedA, deletedB []string
	var mu sync.Mutex
	storeA := NewPartitionStore(func(key string, e *Entry) {
		mu.Lock()
		defer mu.Unlock()
		deletedA = append(deletedA, key)
	})
	storeB := NewPartitionStore(func(key string, e *Entry) {
		mu.Lock()
		defer mu.Unlock()
		deletedB = append(deletedB, key)
	})
	storeFor := func(key string) *PartitionStore {
		if key == "a" {
			return storeA
		}
		return storeB
	}

	locked := LockAcrossStores(storeFor, []string{"a", "b"})
	locked[0].Entry.ApplyDelete(version.Version{Order: 1})
	locked[1].Entry.ApplyWrite(version.Version{Order: 1}, "v", nil, 0, time.Now())
	UnlockMultiEntries(locked)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, deletedA)
	assert.Empty(t, deletedB)
}

func TestPruneExpiredMarksObsoleteAndRemoves(t *testing.T) {
	s := NewPartitionStore(nil)
	locked := s.AcquireInOrder([]string{"ttl-key"})
	locked.Entries()[0].ApplyWrite(version.Version{Order: 1}, "v", nil, time.Millisecond, time.Now())
	locked.Unlock()

	time.Sleep(5 * time.Millisecond)
	s.PruneExpired(time.Now())
	assert.Equal(t, 0, s.Len())
}
