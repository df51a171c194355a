// Package backup implements backup-update coordination, split across
// the two roles a node plays for any given partition.
//
// # Overview
//
//   - Coordinator runs on the primary. Once internal/primary.Engine.Apply
//     has produced a Result, Coordinator fans its per-node BackupBuckets
//     out over internal/transport. FULL_SYNC registers an
//     internal/futures.Entry and blocks the near-update reply on every
//     backup's direct acknowledgment (or a node-left event); PRIMARY_SYNC
//     and FULL_ASYNC dispatch the same DhtUpdateRequest but return to the
//     caller immediately, without registering anything to wait on.
//   - Receiver runs on the backup. It applies an inbound DhtUpdateRequest
//     against the same per-partition entrystore state the node's own
//     internal/primary.Engine would use if it were primary for that
//     partition, then either answers synchronously (FULL_SYNC) or queues
//     the future version onto an internal/deferredack.Aggregator and
//     answers the transport round trip immediately (PRIMARY_SYNC,
//     FULL_ASYNC).
//
// # Architecture
//
//	┌────────────────────┐   DhtUpdateRequest    ┌────────────────────┐
//	│      Primary        │ ─────────────────────►│      Backup         │
//	│  primary.Engine      │                       │  primary.Engine      │
//	│  (applies locally)    │                       │  (applies again,     │
//	│        │               │                       │   same partition)    │
//	│        ▼               │                       │        │              │
//	│  backup.Coordinator    │◄──────────────────────│  backup.Receiver     │
//	│  (fans out, awaits     │   DhtUpdateResponse    │  (sync reply, or     │
//	│   acks under           │   or deferred ack      │   queues onto        │
//	│   FULL_SYNC)           │                       │   deferredack)       │
//	└────────────────────┘                       └────────────────────┘
//
// # Write-sync modes
//
//   - FULL_SYNC: the primary's caller waits for every backup's
//     acknowledgment (or an explicit failure) before the near-update
//     response is built.
//   - PRIMARY_SYNC: the primary replies as soon as it has applied the
//     write locally; each backup's acknowledgment is collected later,
//     batched through internal/deferredack, and never blocks the caller.
//   - FULL_ASYNC: the primary dispatches to backups and forgets; nothing
//     is collected, and a backup's failure is only visible in logs and
//     metrics, never in a response.
//
// # Concurrency model
//
//   - Coordinator bounds outbound concurrency with a weighted semaphore
//     (defaultMaxConcurrentBackupSends) so a batch touching many backup
//     nodes never spawns an unbounded goroutine burst.
//   - Coordinator's pendingKeys map, guarded by its own mutex, is the
//     only state shared between HandleNearUpdate's FULL_SYNC wait and
//     HandleNodeLeft's membership-driven future cancellation; everything
//     else routes through internal/futures.Registry, which has its own
//     synchronization.
//
// Grounded on other_examples' replicated in-memory cache (Node.Replicate:
// fan out, count acks against a sync target, treat a send error as a
// failed replica), generalized from "N of M acked" to the full
// Ack/FailNode/Wait lifecycle internal/futures already provides.
package backup
