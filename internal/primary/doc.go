// Package primary implements the primary-update engine: the component
// that, given a NearUpdateRequest already routed to this node because
// it owns every key's partition, locks the target entries in request
// order, validates the request's topology version against the current
// one, assigns a write version, applies the update (or filter/transform)
// rule to each entry, optionally writes through to the persistence
// store, and builds the per-backup-node write buckets the backup-update
// coordinator sends out next.
//
// # Overview
//
// Engine owns one entrystore.PartitionStore per partition up front,
// since a node may be asked to act as primary or backup for any
// partition across a rebalance and neither role can afford to allocate
// a store lazily mid-request. Everything Apply needs beyond the store
// itself — current ownership, version assignment, optional durability —
// is delegated to an injected collaborator, so Engine's own state is
// limited to the partition table and two optional callback hooks
// (FilterFunc, TransformFunc).
//
// # Architecture
//
//	┌─────────────────────────────────────────────────┐
//	│                      Engine                        │
//	├─────────────────────────────────────────────────┤
//	│  partition []*entrystore.PartitionStore            │
//	│  top *topology.Topology      (ownership, version)   │
//	│  affinity *affinity.Func     (key → partition)      │
//	│  versions *version.Domain    (write-version stamps) │
//	│  persist store.Store         (optional write-through)│
//	│  filter FilterFunc / transform TransformFunc         │
//	└───────────────────┬─────────────────────────────────┘
//	                     │ Apply(ctx, req)
//	                     ▼
//	        1. reject if stopping / malformed request
//	        2. remap if topology version or local ownership stale
//	        3. lock every target entry, in request key order
//	        4. per entry: filter → apply op (or transform) → stamp version
//	        5. write-through to persist, if enabled
//	        6. build BackupBuckets for every non-primary owner
//	        7. unlock, in reverse order
//
// # Concurrency model
//
// Apply never holds more than one request's worth of entry locks at a
// time, acquired via entrystore.LockAcrossStores and released via
// UnlockMultiEntries in a defer, so a panic mid-apply still releases
// every lock the batch acquired. Two concurrent Apply calls touching
// disjoint keys proceed independently; two calls touching overlapping
// keys serialize through entrystore's per-entry locks, not through
// anything in this package.
//
// The engine's shape follows a small struct owning per-partition state
// behind per-entry locks, exposing coarse entry points that internally
// delegate to finer-grained locking — generalized here so the
// fine-grained locking is entrystore's per-entry monitor and
// LockAcrossStores' ordered multi-key acquisition, rather than a single
// coarse per-shard lock.
package primary
