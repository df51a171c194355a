package primary

import (
	"context"
	"errors"
	"time"

	"github.com/nodeforge/dkv/internal/affinity"
	"github.com/nodeforge/dkv/internal/entrystore"
	"github.com/nodeforge/dkv/internal/metrics"
	"github.com/nodeforge/dkv/internal/store"
	"github.com/nodeforge/dkv/internal/topology"
	"github.com/nodeforge/dkv/internal/version"
	"github.com/nodeforge/dkv/internal/wire"
	"go.uber.org/atomic"
)

// ErrReturnValueOnBatch is returned when a multi-key request sets
// ReturnValue, which is only meaningful for a single-key request — a
// batch has no one value to hand back.
var ErrReturnValueOnBatch = errors.New("primary: return_value is only legal for a single-key request")

// ErrStopped is returned by Apply once the engine has been asked to
// shut down; any request already admitted is allowed to finish, but new
// ones are rejected immediately.
var ErrStopped = errors.New("primary: engine is stopping")

// FilterFunc evaluates an opaque filter payload against a key's current
// value, returning true to accept the update and false to skip it. A
// nil FilterFunc (the default) accepts every entry regardless of
// req.Filter.
type FilterFunc func(filter []byte, key string, oldValue []byte) bool

// TransformFunc applies a user-supplied read-modify-write step for
// TRANSFORM operations.
//
// Parameters:
//   - key: the entry being transformed.
//   - oldValue: the entry's current value, nil if it has none.
//   - arg: the caller-supplied transform argument for this key.
//
// Returns:
//   - isDelete=true converts the operation to a DELETE for this key,
//     newValue is ignored in that case.
//   - isDelete=false and a non-nil newValue converts the operation to
//     an UPDATE with that value.
//   - a non-nil err fails this key only; the rest of the batch
//     continues unaffected.
type TransformFunc func(key string, oldValue []byte, arg []byte) (newValue []byte, isDelete bool, err error)

// BackupWrite is one entry's contribution to a backup node's write
// bucket, built while Apply walks the batch and handed to
// internal/backup.Coordinator once Apply returns.
type BackupWrite struct {
	Key          string
	Value        []byte
	WriteVersion version.Version
	TTLMillis    int64
	// DRVersion carries a cross-replication version stamp through when
	// this write originated from a disaster-recovery replay rather than
	// a local client; nil otherwise.
	DRVersion *wire.CacheVersion
}

// Result is everything the primary engine hands back to the caller
// (the near-update reply path) and to the backup-update coordinator.
type Result struct {
	FutureVersion uint64
	// WriteVersion is the version this batch was stamped with; zero
	// (version.Zero) when the whole batch was remapped before any
	// write version was assigned.
	WriteVersion version.Version
	// ReturnValue is populated only for a single-key request with
	// ReturnValue set — the value the entry held immediately before
	// this write.
	ReturnValue []byte
	// FailedKeys lists keys that did not end up applied: a failed
	// filter, a failed transform, or a missing registered transform.
	// Parallel in content, not index, to Errors.
	FailedKeys []string
	// Errors carries one reason per entry in FailedKeys, same order.
	Errors []string
	// RemapKeys lists every key the caller must re-dispatch against a
	// freshly read topology, because this node's ownership or topology
	// version no longer matches the request's. Non-empty RemapKeys
	// means nothing in the batch was applied.
	RemapKeys []string

	// BackupBuckets maps a backup node id to the writes it must receive
	// for this batch. Empty when every affected partition has no backup
	// owners, or when the whole request was remapped.
	BackupBuckets map[string][]BackupWrite
}

// Config controls Engine's handling of optional collaborators.
type Config struct {
	// NodeID is this node's own id, compared against topology ownership
	// to decide whether a key is still locally primary.
	NodeID string
	// AtomicOrderMode is this node's configured ordering mode. Engine
	// stores it; Apply takes the mode from each request's AtomicOrder
	// instead. Under wire.Primary a request stamped with a topology
	// version other than the current one is returned for remap. In both
	// modes a write whose version is not newer than the entry's current
	// version is discarded.
	AtomicOrderMode wire.AtomicOrderMode
}

// Engine is the primary-update engine for one node. It owns one
// entrystore.PartitionStore per partition (a node may be asked to act as
// primary or backup for any partition across rebalances, so all are
// created up front) and delegates ownership/version/persistence
// questions to the injected collaborators.
//
// Concurrency model:
//   - stopping is an atomic flag checked once at the top of Apply;
//     Stop may be called concurrently with in-flight Apply calls, which
//     are allowed to run to completion.
//   - filter and transform are set once during setup (SetFilter,
//     SetTransform) before concurrent traffic begins; Apply reads them
//     without synchronization, so installing either concurrently with
//     live traffic is a data race by construction.
//   - Everything else Apply touches per call (locks, version
//     assignment, persistence) is either per-entry-locked or owned by a
//     collaborator with its own synchronization.
type Engine struct {
	nodeID      string
	atomicOrder wire.AtomicOrderMode

	top      *topology.Topology
	affinity *affinity.Func
	versions *version.Domain
	// persist is nil when the node's persistence store is disabled;
	// Apply skips the write-through step entirely in that case.
	persist store.Store
	// partition holds one PartitionStore per partition index, created
	// up front at construction time so Apply never allocates one
	// mid-request.
	partition []*entrystore.PartitionStore

	filter    FilterFunc
	transform TransformFunc

	stopping atomic.Bool
}

// New constructs an Engine with one PartitionStore per partition known
// to aff.
//
// Parameters:
//   - cfg: NodeID and AtomicOrderMode for this engine.
//   - top, aff, versions: the ownership, key-routing, and
//     version-assignment collaborators Apply consults on every call.
//   - persist: the optional write-through store; pass nil to disable
//     persistence entirely.
//   - onDeferredDelete: shared by every partition's store, invoked for
//     every entry a lock release leaves behind as a tombstone.
//
// Returns: an Engine with every partition's store pre-allocated and
// ready for Apply calls.
func New(cfg Config, top *topology.Topology, aff *affinity.Func, versions *version.Domain, persist store.Store, onDeferredDelete entrystore.DeferredDeleteFunc) *Engine {
	partitions := make([]*entrystore.PartitionStore, aff.NumPartitions())
	for i := range partitions {
		partitions[i] = entrystore.NewPartitionStore(onDeferredDelete)
	}
	return &Engine{
		nodeID:      cfg.NodeID,
		atomicOrder: cfg.AtomicOrderMode,
		top:         top,
		affinity:    aff,
		versions:    versions,
		persist:     persist,
		partition:   partitions,
	}
}

// SetFilter installs the FilterFunc used to evaluate NearUpdateRequest.Filter.
func (e *Engine) SetFilter(f FilterFunc) { e.filter = f }

// SetTransform installs the TransformFunc used for TRANSFORM operations.
func (e *Engine) SetTransform(f TransformFunc) { e.transform = f }

// Stop marks the engine as shutting down; in-flight Apply calls run to
// completion, but every call made afterward fails fast with ErrStopped.
func (e *Engine) Stop() { e.stopping.Store(true) }

// storeFor resolves the PartitionStore owning key.
func (e *Engine) storeFor(key string) *entrystore.PartitionStore {
	return e.partition[e.affinity.Partition(key)]
}

// PartitionStore exposes partition p's entry store directly, for the
// backup-update coordinator's apply path and for tests/snapshots.
func (e *Engine) PartitionStore(p int) *entrystore.PartitionStore {
	return e.partition[p]
}

// PartitionFor resolves the PartitionStore owning key, for the backup
// receiver applying an inbound DhtUpdateRequest against the same
// per-partition state this engine serves as primary.
func (e *Engine) PartitionFor(key string) *entrystore.PartitionStore {
	return e.storeFor(key)
}

// NodeID returns the node id this engine was constructed with.
func (e *Engine) NodeID() string { return e.nodeID }

// Apply runs the full primary-update algorithm against req, which the
// near-update coordinator has already determined maps entirely to this
// node (modulo a possible topology race, re-checked below).
//
// Parameters:
//   - ctx: accepted for the standard blocking-operation signature; Apply
//     itself never blocks on anything ctx-cancellable — entry
//     acquisition is uncontended in the common case and bounded by
//     obsolete-entry retries otherwise, never by I/O.
//   - req: a NearUpdateRequest whose Keys the caller believes this node
//     is primary for, stamped with the topology version the caller
//     last observed.
//
// Returns:
//   - ErrStopped if the engine has been told to shut down.
//   - ErrReturnValueOnBatch if ReturnValue is set on a multi-key
//     request.
//   - otherwise a *Result and a nil error, except when the configured
//     persistence store's PutAll/RemoveAll itself fails, in which case
//     the in-memory entries have already been mutated and are not
//     rolled back — the persistence write-through runs inside the same
//     locked region as the in-memory apply, and its failure is simply
//     surfaced to the caller.
//
// Implementation: validates the request's topology version and this
// node's local ownership of every key first — either check failing
// remaps the whole batch with no locks taken. It then locks every
// target entry in request key order via entrystore.LockAcrossStores,
// assigns one write version for the whole batch (or per-entry, for
// disaster-recovery replays carrying their own DRVersion), applies each
// entry's filter/transform/op, writes through to persist if configured,
// and builds BackupBuckets for every partition with backup owners,
// before releasing every lock.
//
// Thread safety: safe for concurrent calls; calls touching disjoint key
// sets proceed independently, calls touching overlapping keys serialize
// through entrystore's per-entry locks.
func (e *Engine) Apply(ctx context.Context, req *wire.NearUpdateRequest) (*Result, error) {
	if e.stopping.Load() {
		return nil, ErrStopped
	}
	if req.ReturnValue && len(req.Keys) > 1 {
		return nil, ErrReturnValueOnBatch
	}

	result := &Result{
		FutureVersion: req.FutureVersion,
		BackupBuckets: make(map[string][]BackupWrite),
	}

	curTopoVer := e.top.Version()
	if curTopoVer != req.TopologyVersion && req.AtomicOrder == wire.Primary {
		result.RemapKeys = append(result.RemapKeys, req.Keys...)
		metrics.RemapsTotal.Inc()
		return result, nil
	}

	for _, key := range req.Keys {
		p := e.affinity.Partition(key)
		if !e.top.IsLocalPrimary(p, e.nodeID) {
			result.RemapKeys = append([]string(nil), req.Keys...)
			metrics.RemapsTotal.Inc()
			return result, nil
		}
	}

	lockTimer := metrics.NewTimer()
	locked := entrystore.LockAcrossStores(e.storeFor, req.Keys)
	lockTimer.ObserveDuration(metrics.EntryLockWaitDuration)
	defer entrystore.UnlockMultiEntries(locked)

	baseVersion := e.versions.Next(curTopoVer)
	result.WriteVersion = baseVersion

	putMap := make(map[string][]byte)
	removeKeys := make([]string, 0)
	now := time.Now()
	ttl := time.Duration(req.TTLMillis) * time.Millisecond

	for i, m := range locked {
		key := m.Key
		entry := m.Entry
		op := req.Operation

		if req.Filter != nil && e.filter != nil && !e.filter(req.Filter, key, entry.ValueBytes) {
			if req.ReturnValue {
				result.FailedKeys = append(result.FailedKeys, key)
				result.Errors = append(result.Errors, "filter failed")
			}
			continue
		}

		var newValue []byte
		switch op {
		case wire.OpUpdate:
			if i < len(req.ValueBytes) {
				newValue = req.ValueBytes[i]
			}
		case wire.OpDelete:
			// no value
		case wire.OpTransform:
			var arg []byte
			if i < len(req.TransformArgs) {
				arg = req.TransformArgs[i]
			}
			if e.transform == nil {
				result.FailedKeys = append(result.FailedKeys, key)
				result.Errors = append(result.Errors, "no transform registered")
				continue
			}
			out, isDelete, err := e.transform(key, entry.ValueBytes, arg)
			if err != nil {
				result.FailedKeys = append(result.FailedKeys, key)
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if isDelete {
				op = wire.OpDelete
			} else {
				op = wire.OpUpdate
				newValue = out
			}
		}

		writeVersion := baseVersion
		if i < len(req.DRVersion) && req.DRVersion[i] != (wire.CacheVersion{}) {
			drv := req.DRVersion[i]
			writeVersion = version.Version{
				TopologyVer:  drv.TopologyVer,
				Order:        drv.Order,
				NodeOrder:    drv.NodeOrder,
				DataCenterID: drv.DataCenterID,
			}
		}

		if entry.Version.Comparable(writeVersion) && writeVersion.Compare(entry.Version) <= 0 {
			// Stale/duplicate write under CLOCK: discard silently and
			// report success to the originator, whose write has been
			// subsumed by a more recent one.
			if req.ReturnValue {
				result.ReturnValue = entry.ValueBytes
			}
			continue
		}

		var oldBytes []byte
		if op == wire.OpDelete {
			_, oldBytes = entry.ApplyDelete(writeVersion)
			removeKeys = append(removeKeys, key)
		} else {
			_, oldBytes = entry.ApplyWrite(writeVersion, nil, newValue, ttl, now)
			putMap[key] = newValue
		}
		if req.ReturnValue {
			result.ReturnValue = oldBytes
		}

		opName := "put"
		if op == wire.OpDelete {
			opName = "remove"
		} else if req.Operation == wire.OpTransform {
			opName = "transform"
		}
		metrics.OperationsTotal.WithLabelValues(opName, "ok").Inc()

		owners, _, err := e.affinity.Owners(e.affinity.Partition(key))
		if err != nil || len(owners) < 2 {
			continue
		}
		bw := BackupWrite{Key: key, Value: newValue, WriteVersion: writeVersion, TTLMillis: req.TTLMillis}
		if i < len(req.DRVersion) && req.DRVersion[i] != (wire.CacheVersion{}) {
			v := req.DRVersion[i]
			bw.DRVersion = &v
		}
		for _, backup := range owners[1:] {
			result.BackupBuckets[backup] = append(result.BackupBuckets[backup], bw)
		}
	}

	if e.persist != nil {
		if len(putMap) > 0 {
			if err := e.persist.PutAll(putMap); err != nil {
				return nil, err
			}
		}
		if len(removeKeys) > 0 {
			if err := e.persist.RemoveAll(removeKeys); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}
