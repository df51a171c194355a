package entrystore

import (
	"sync"
	"time"
)

// DeferredDeleteFunc is invoked for every entry that leaves a locked
// region as a tombstone. The store itself never discards tombstones; it
// only notifies a collaborator that owns the discard policy (typically
// a timer-driven sweep that waits out a grace period before calling
// Remove).
type DeferredDeleteFunc func(key string, e *Entry)

// PartitionStore owns the key→*Entry map for a single partition.
//
// Each partition in the cluster owns exactly one PartitionStore. A
// store is a self-contained unit that:
//   - Creates entries lazily, on first reference, never pre-populated.
//   - Never discards a tombstoned entry itself — it defers that
//     decision entirely to onDeferredDelete.
//   - Guarantees that once an Entry is marked Obsolete, no subsequent
//     lookup for its key will ever return that same object again.
//
// Concurrency model:
//   - mu guards only the map's shape: which keys exist, and which
//     *Entry object a key currently maps to.
//   - mu is never held across an Entry's own lock being acquired or
//     released for longer than the single map operation that needs it,
//     so two callers touching different keys never contend on mu.
//   - Per-entry state changes (value, version, obsolete, deleted) are
//     guarded exclusively by that Entry's own Mu, never by the store's
//     mu.
type PartitionStore struct {
	// mu guards entries' shape (insert/lookup/remove), never the
	// entries' own contents.
	mu sync.Mutex
	// entries maps each live key to its current *Entry.
	entries map[string]*Entry

	// onDeferredDelete is invoked, outside any entry lock, for every
	// tombstone a caller's Unlock leaves behind.
	onDeferredDelete DeferredDeleteFunc
}

// NewPartitionStore constructs an empty store for one partition.
//
// Parameters:
//   - onDeferredDelete: called for every entry that becomes a tombstone
//     as an Unlock/UnlockMultiEntries call completes; may be nil, in
//     which case tombstones accumulate until PruneExpired or Remove is
//     called directly.
//
// Returns: a ready-to-use store with no entries.
func NewPartitionStore(onDeferredDelete DeferredDeleteFunc) *PartitionStore {
	return &PartitionStore{
		entries:          make(map[string]*Entry),
		onDeferredDelete: onDeferredDelete,
	}
}

// getOrCreate returns the entry for key, creating a fresh one if absent
// or if the existing one has gone Obsolete — an obsolete entry may never
// be reanimated, so a new Entry object is substituted under the same
// key.
func (s *PartitionStore) getOrCreate(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && !e.Obsolete {
		return e
	}
	e = &Entry{Key: key}
	s.entries[key] = e
	return e
}

// peek returns the current entry for key without creating one, or nil.
func (s *PartitionStore) peek(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key]
}

// Remove deletes the map slot for key if it still refers to e. Used when
// an entry's tombstone has aged out via the deferred-delete collaborator.
func (s *PartitionStore) Remove(key string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; ok && cur == e {
		delete(s.entries, key)
	}
}

// Len reports the number of live (possibly tombstoned) entries.
func (s *PartitionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Locked is the set of entries acquired by AcquireInOrder, released by
// calling Unlock once the caller's applied-state region is finished.
type Locked struct {
	// store is the PartitionStore these entries were acquired from,
	// needed at Unlock time to reach its onDeferredDelete hook.
	store *PartitionStore
	// keys is the request's key order, preserved so Keys() can hand it
	// back without the caller re-deriving it from entries.
	keys []string
	// entries holds the acquired entries in the same order as keys,
	// each still locked until Unlock runs.
	entries []*Entry
}

// Entries returns the locked entries in request key order.
func (l *Locked) Entries() []*Entry { return l.entries }

// Keys returns the request key order the entries were locked in.
func (l *Locked) Keys() []string { return l.keys }

// Unlock releases every entry's lock in the reverse order they were
// acquired, then runs the deferred-delete hook for every entry that is
// now a tombstone. Tombstones are handed to onDeferredDelete strictly
// after every lock in the batch has been released, so the hook never
// runs while any entry in the batch is still held.
//
// Thread safety: Unlock must be called exactly once per Locked, from
// whichever goroutine called AcquireInOrder. Calling it twice double-
// unlocks the underlying mutexes and panics.
func (l *Locked) Unlock() {
	tombstones := make([]*Entry, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Deleted {
			tombstones = append(tombstones, e)
		}
		e.Mu.Unlock()
	}
	if l.store.onDeferredDelete != nil {
		for _, e := range tombstones {
			l.store.onDeferredDelete(e.Key, e)
		}
	}
}

// AcquireInOrder locks every entry named in keys, in exactly the order
// given, creating entries on demand.
//
// Parameters:
//   - keys: the batch's keys in the order the caller wants them locked;
//     every goroutine contending for an overlapping key set must submit
//     keys in the same relative order, or the ordered-acquisition
//     deadlock avoidance this function provides doesn't hold.
//
// Returns: a *Locked holding every entry, still locked, in keys' order.
// The caller must call Unlock exactly once when done.
//
// Implementation: if any later key's entry turns out to be Obsolete
// after a prefix has already been locked, every acquired lock in the
// prefix is released and the whole acquisition restarts from the first
// key. The restart loop is bounded in practice because Obsolete
// transitions are monotonic: once an entry is retired it can never come
// back, so a retry either succeeds against the entries' fresh
// incarnations or, pathologically, loops only as many times as there
// are concurrent evictions racing this exact key set.
//
// Performance: a single-key batch takes a fast path that performs no
// slice allocation beyond the one-element result.
func (s *PartitionStore) AcquireInOrder(keys []string) *Locked {
	if len(keys) == 1 {
		key := keys[0]
		for {
			e := s.getOrCreate(key)
			e.Mu.Lock()
			if e.Obsolete {
				e.Mu.Unlock()
				continue
			}
			return &Locked{store: s, keys: keys, entries: []*Entry{e}}
		}
	}

	for {
		locked := make([]*Entry, 0, len(keys))
		restart := false
		for _, key := range keys {
			e := s.getOrCreate(key)
			e.Mu.Lock()
			if e.Obsolete {
				e.Mu.Unlock()
				for i := len(locked) - 1; i >= 0; i-- {
					locked[i].Mu.Unlock()
				}
				restart = true
				break
			}
			locked = append(locked, e)
		}
		if restart {
			continue
		}
		return &Locked{store: s, keys: keys, entries: locked}
	}
}

// MultiEntry pairs a locked Entry with the PartitionStore it was locked
// in, for batches whose keys span more than one partition.
type MultiEntry struct {
	// Store is the PartitionStore Entry belongs to.
	Store *PartitionStore
	// Key is the user key this MultiEntry answers for.
	Key string
	// Entry is the locked entry itself.
	Entry *Entry
}

// LockAcrossStores generalizes AcquireInOrder to a batch whose keys may
// land in different partitions of the same node.
//
// Parameters:
//   - storeFor: resolves each key to its owning PartitionStore; called
//     once per key, in keys' order, on every acquisition attempt
//     (including restarts).
//   - keys: the batch's keys in the order to lock them.
//
// Returns: every key's locked entry, paired with the store it came
// from, in keys' order. The caller must call UnlockMultiEntries exactly
// once when done.
//
// Implementation: the same acquire-in-request-order,
// release-and-restart-on-obsolete policy AcquireInOrder uses applies
// here across the whole key list regardless of which store each key
// belongs to — the cross-store case is not a special one, it's the
// general one AcquireInOrder's single-store path specializes.
func LockAcrossStores(storeFor func(key string) *PartitionStore, keys []string) []MultiEntry {
	for {
		locked := make([]MultiEntry, 0, len(keys))
		restart := false
		for _, key := range keys {
			s := storeFor(key)
			e := s.getOrCreate(key)
			e.Mu.Lock()
			if e.Obsolete {
				e.Mu.Unlock()
				for i := len(locked) - 1; i >= 0; i-- {
					locked[i].Entry.Mu.Unlock()
				}
				restart = true
				break
			}
			locked = append(locked, MultiEntry{Store: s, Key: key, Entry: e})
		}
		if restart {
			continue
		}
		return locked
	}
}

// UnlockMultiEntries releases every entry's lock in reverse acquisition
// order, then runs each owning store's deferred-delete hook for any
// entry that is now a tombstone. Entries are grouped by store first so
// a store with no tombstones in this batch never has its hook invoked
// with an empty slice.
//
// Thread safety: must be called exactly once per []MultiEntry returned
// by LockAcrossStores.
func UnlockMultiEntries(locked []MultiEntry) {
	tombstonesByStore := make(map[*PartitionStore][]*Entry)
	for i := len(locked) - 1; i >= 0; i-- {
		m := locked[i]
		if m.Entry.Deleted {
			tombstonesByStore[m.Store] = append(tombstonesByStore[m.Store], m.Entry)
		}
		m.Entry.Mu.Unlock()
	}
	for s, tombs := range tombstonesByStore {
		if s.onDeferredDelete == nil {
			continue
		}
		for _, e := range tombs {
			s.onDeferredDelete(e.Key, e)
		}
	}
}

// MarkObsolete flags e as obsolete. Once set, getOrCreate will never
// return e again for e.Key; a subsequent reference to the same key
// allocates a new Entry.
//
// Thread safety: must be called with e.Mu held.
func MarkObsolete(e *Entry) {
	e.Obsolete = true
}

// Snapshot returns a point-in-time copy of every live entry, keyed by
// its current key, used by tests and by rebalancing to compare state
// across replicas.
//
// Returns: a map safe for the caller to read without further locking —
// it is a copy, not a view, so it never reflects writes made after
// Snapshot returns.
//
// Thread safety: briefly locks the store's own mutex to list the
// current keys, then briefly locks each entry in turn to copy its
// contents; no lock is held across more than one entry at a time, so
// Snapshot never blocks a concurrent writer for the duration of a full
// partition scan.
func (s *PartitionStore) Snapshot() map[string]Entry {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	ents := make([]*Entry, 0, len(s.entries))
	for k, e := range s.entries {
		keys = append(keys, k)
		ents = append(ents, e)
	}
	s.mu.Unlock()

	out := make(map[string]Entry, len(keys))
	for i, e := range ents {
		e.Mu.Lock()
		out[keys[i]] = *e
		e.Mu.Unlock()
	}
	return out
}

// PruneExpired marks obsolete and removes every entry whose TTL has
// elapsed as of now. It does not invoke the deferred-delete hook. This
// is the store-level half of TTL expiry; it does not itself schedule
// timers, and nothing in the module schedules calls to it.
func (s *PartitionStore) PruneExpired(now time.Time) {
	s.mu.Lock()
	candidates := make([]*Entry, 0)
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	s.mu.Unlock()

	for _, e := range candidates {
		e.Mu.Lock()
		expired := e.IsExpired(now)
		if expired {
			MarkObsolete(e)
		}
		e.Mu.Unlock()
		if expired {
			s.Remove(e.Key, e)
		}
	}
}
