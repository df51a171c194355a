// Package topology tracks partition ownership at a given topology version
// and arbitrates reads/writes to it with a single RWMutex.
//
// # Overview
//
// A Topology holds, for each partition, the ordered list of owning node
// ids (primary first, backups next) current as of its version. Membership
// changes bump the version under the write lock; every other path
// (affinity lookups, the primary engine's topology check, the near
// coordinator's remap resolution) takes the read lock, so reads never
// block on each other and writers are serialized against both.
//
//	┌─────────────────────────────────────────┐
//	│              Topology                    │
//	├─────────────────────────────────────────┤
//	│ mu sync.RWMutex                          │
//	│ version uint64                           │
//	│ owners  [partition] → []nodeID            │
//	└─────────────────────────────────────────┘
//	        ▲ read lock                 ▲ write lock
//	        │ (routing, affinity,       │ (membership
//	        │  primary topology check)  │  change only)
//
// Grounded on internal/coordinator/shard_registry.go
// (ShardRegistry, RWMutex-guarded assignments map), split into two
// distinct collaborators here — affinity computes ownership, topology
// only stores and arbitrates access to the result (see internal/affinity).
package topology
