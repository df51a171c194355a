// Package near implements the client-facing update coordinator: given a
// user batch, split it by current primary ownership, dispatch one
// request per owning node (in-process for the local primary, over
// internal/transport for every other one), and fold the terminal
// responses back into a single result.
//
// # Overview
//
// A response carrying a remap set is not a failure — those keys are
// re-grouped against a freshly read topology version and redispatched,
// bounded by a configurable attempt limit so a pathological flapping
// membership can't spin forever.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────┐
//	│                   Coordinator.Update                │
//	├──────────────────────────────────────────────────┤
//	│  groupByPrimary(keys)  →  []keyGroup                │
//	│        │                                            │
//	│        ▼  (one goroutine per group, errgroup)        │
//	│  ┌──────────────┐      ┌──────────────┐             │
//	│  │ local primary │      │ remote node  │  ...        │
//	│  │ Dispatcher    │      │ transport.Send│             │
//	│  └──────┬───────┘      └──────┬───────┘             │
//	│         ▼                     ▼                      │
//	│   merge into Result under mu; collect RemapKeys        │
//	│         │                                            │
//	│         ▼ (remapped keys only)                         │
//	│   loop until pending is empty or attempt limit hit      │
//	└──────────────────────────────────────────────────┘
//
// # Remap handling
//
// Every dispatch round reads the topology's current version once, before
// fanning out, and stamps every sub-request with it. A node that finds
// the stamped version stale relative to its own returns the affected
// keys in RemapKeys instead of applying them; the coordinator regroups
// those keys by a freshly read topology and tries again, up to
// Config.MaxRemapAttempts rounds before giving up and reporting them
// failed.
//
// # Concurrency model
//
// dispatchRound fans out one goroutine per primary group via
// golang.org/x/sync/errgroup, merging every response into a single
// Result under one mutex. The errgroup's derived context carries the
// caller's cancellation to every send; a group's dispatch failure is
// merged into the Result as failed keys rather than returned, so it
// does not cancel the other groups' in-flight sends.
//
// Grounded on a cluster-level fan-out shape (split work by owner,
// dispatch concurrently, merge) and a replicated in-memory cache's
// concurrent-dispatch-then-merge pattern, generalized here to a
// multi-round remap loop neither precedent needed.
package near
