// Package entrystore owns the per-partition key→entry map and the
// per-entry exclusion lock that everything above it — the primary
// engine, the backup receiver, TTL expiry — serializes its mutations
// through.
//
// # Overview
//
// Each partition hosts exactly one PartitionStore, a map from user key
// to *Entry. Every entry carries its own intrinsic lock (an explicit
// sync.Mutex, since Go has no object-monitor primitive): updates
// acquire it before mutating state, and reads that need a consistent
// view of version/value must acquire it too. The store's own mutex
// protects only the map's shape (insert/lookup/remove), never an
// individual entry's contents, so that concurrent writers to different
// keys never contend on it.
//
// Locking more than one entry in a batch follows a fixed policy to
// avoid deadlock: acquire in the order the request's key list gives
// them. If any entry observed while acquiring the prefix has gone
// obsolete, every lock acquired so far is released and the whole
// acquisition is retried from scratch. The retry loop is bounded in
// practice because obsolete transitions are monotonic — an obsolete
// entry never un-obsoletes, so a retry either lands on the fresh
// incarnation or loses a race to exactly one more eviction.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│               PartitionStore                 │
//	├───────────────────────────────────────────── ┤
//	│  mu       sync.Mutex   guards entries' shape  │
//	│  entries  map[key]*Entry                     │
//	└──────────────────┬────────────────────────────┘
//	                    │ getOrCreate / peek / Remove
//	                    ▼
//	┌─────────────────────────────────────────────┐
//	│                   Entry                      │
//	├───────────────────────────────────────────── ┤
//	│  Mu         sync.Mutex  (per-entry lock)      │
//	│  Value / ValueBytes / Version                 │
//	│  Obsolete   bool  (terminal, never cleared)   │
//	│  Deleted    bool  (tombstone)                 │
//	│  CreatedAt / TTL / ExpiresAt                   │
//	└───────────────────────────────────────────────┘
//
// # Multi-key acquisition
//
// AcquireInOrder handles a batch confined to one store; LockAcrossStores
// generalizes the identical acquire-in-order / release-and-restart
// policy to a batch whose keys land in different PartitionStores on the
// same node. Both return a handle (Locked / []MultiEntry) whose Unlock
// releases every lock in reverse acquisition order and then forwards
// any tombstoned entries it passed over to the store's configured
// DeferredDeleteFunc — outside the lock region, never while the entry
// itself is still held.
//
// # Concurrency model
//
//   - Two goroutines locking disjoint key sets never block each other
//     beyond the brief map-shape critical section.
//   - Two goroutines locking overlapping key sets in the same order make
//     progress in lock-step; a goroutine observing a key go obsolete
//     mid-acquisition backs off entirely rather than holding a partial
//     lock set and retrying only the tail.
//   - PruneExpired and Snapshot each take a short map-shape lock to copy
//     out the entry pointers, then visit each entry's own lock
//     independently, so neither holds the map lock for the duration of a
//     full partition scan.
package entrystore
