// Package version implements the cache version domain: the totally (within
// a data center) ordered stamp a primary assigns to every applied write.
//
// # Overview
//
// A Version is the 4-tuple (topology version, order, node order, data
// center id) diagrammed below. Lexicographic ordering on the first
// three components gives every primary a monotonically increasing stamp
// for its own writes, while the topology version component lets a backup
// or a conflict resolver tell which membership epoch produced a write
// without consulting anything else.
//
//	┌─────────────────────────────────────────────┐
//	│                  Version                     │
//	├───────────────┬───────────────┬─────────────┤
//	│ TopologyVer    │ Order          │ NodeOrder   │  DataCenterID
//	│ (bumped on     │ (per-node      │ (ordinal in │  (compared only
//	│  membership    │  monotonic     │  membership)│   for equality)
//	│  change)       │  counter)      │             │
//	└───────────────┴───────────────┴─────────────┘
//
// Two versions are only orderable when their DataCenterID matches; a
// mismatch is handed to an external conflict-resolution collaborator,
// which is out of scope here.
package version
