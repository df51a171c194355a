package backup

import (
	"context"
	"sync"

	"github.com/nodeforge/dkv/internal/futures"
	"github.com/nodeforge/dkv/internal/metrics"
	"github.com/nodeforge/dkv/internal/primary"
	"github.com/nodeforge/dkv/internal/transport"
	"github.com/nodeforge/dkv/internal/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// defaultMaxConcurrentBackupSends bounds how many outbound DhtUpdateRequest
// sends a single Coordinator runs at once, so a batch touching many backup
// nodes doesn't spawn an unbounded goroutine burst.
const defaultMaxConcurrentBackupSends = 64

// Coordinator runs on a primary node: it takes the primary engine's
// per-request Result and drives the backup leg of replication, fanning
// the per-node write buckets out over transport and, for FULL_SYNC,
// blocking the caller's response until every backup has acknowledged (or
// is declared failed by a node-left event).
//
// Concurrency model:
//   - sendSem bounds the number of in-flight outbound sends across every
//     concurrent call to HandleNearUpdate, not per-call, so a node
//     fielding many concurrent batched writes still caps its total
//     outbound fan-out.
//   - pendingKeys is mutated only from HandleNearUpdate (register/clear)
//     and read only from HandleNodeLeft, both under mu; futures itself
//     has independent synchronization and is safe to touch from either
//     path without mu held.
type Coordinator struct {
	// engine is this node's local primary engine, used to apply an
	// inbound near-update request before any replication is attempted.
	engine *primary.Engine
	// transport is how DhtUpdateRequest/Response round-trips to and
	// from backup nodes.
	transport transport.Transport
	// futures tracks in-flight FULL_SYNC waits, one futures.Entry per
	// outstanding future version.
	futures *futures.Registry
	// sendSem caps concurrent outbound backup sends at
	// defaultMaxConcurrentBackupSends.
	sendSem *semaphore.Weighted
	logger  zerolog.Logger

	mu sync.Mutex
	// pendingKeys maps a FULL_SYNC future version to the keys each
	// backup node owes an acknowledgment for, so HandleNodeLeft knows
	// exactly which keys to fail when a node disappears mid-wait.
	pendingKeys map[uint64]map[string][]string
}

// New constructs a Coordinator for one node's primary engine.
//
// Parameters:
//   - engine: this node's primary.Engine; HandleNearUpdate applies every
//     request against it before replicating.
//   - tp: the transport used to reach backup nodes.
//   - logger: used for warnings on send/decode failures; never for the
//     happy path.
//
// Returns: a Coordinator ready to accept HandleNearUpdate calls.
func New(engine *primary.Engine, tp transport.Transport, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		engine:      engine,
		transport:   tp,
		futures:     futures.NewRegistry(),
		sendSem:     semaphore.NewWeighted(defaultMaxConcurrentBackupSends),
		logger:      logger,
		pendingKeys: make(map[uint64]map[string][]string),
	}
}

// HandleNearUpdate applies req locally via the primary engine and, if
// accepted, replicates it to every backup owner before building the
// response the near-update coordinator (or a directly-addressed local
// client) hands back to the caller.
//
// Parameters:
//   - ctx: governs both the local apply and, under FULL_SYNC, the wait
//     for backup acknowledgments; a ctx that ends the wait early is
//     reported in the response's Errors rather than as a returned error.
//   - req: the near-update request already routed to this node as
//     primary for every key it names.
//
// Returns:
//   - nil error and a response reflecting the primary engine's own
//     RemapKeys/FailedKeys when the local apply itself couldn't proceed
//     (stale topology version, filter rejection) — replication is never
//     attempted in that case.
//   - nil error and a response with FailedKeys populated per backup
//     when FULL_SYNC completes with one or more backups failed or
//     gone.
//   - a non-nil error only when the local primary-engine apply itself
//     returns one.
//
// Thread safety: safe for concurrent calls across different keys and
// across overlapping keys alike — per-key serialization happens inside
// the primary engine, not here.
func (c *Coordinator) HandleNearUpdate(ctx context.Context, req *wire.NearUpdateRequest) (*wire.NearUpdateResponse, error) {
	result, err := c.engine.Apply(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &wire.NearUpdateResponse{
		FutureVersion: result.FutureVersion,
		ReturnValue:   result.ReturnValue,
		FailedKeys:    append([]string(nil), result.FailedKeys...),
		Errors:        append([]string(nil), result.Errors...),
		RemapKeys:     append([]string(nil), result.RemapKeys...),
	}
	if len(result.RemapKeys) > 0 || len(result.BackupBuckets) == 0 {
		return resp, nil
	}

	nodes := make([]string, 0, len(result.BackupBuckets))
	for node := range result.BackupBuckets {
		nodes = append(nodes, node)
	}

	drVersion := wire.CacheVersion{
		TopologyVer:  result.WriteVersion.TopologyVer,
		Order:        result.WriteVersion.Order,
		NodeOrder:    result.WriteVersion.NodeOrder,
		DataCenterID: result.WriteVersion.DataCenterID,
	}

	if req.WriteSync != wire.FullSync {
		for _, node := range nodes {
			node := node
			go c.sendFireAndForget(node, result, req, drVersion)
		}
		return resp, nil
	}

	entry := futures.NewEntry(result.FutureVersion, nodes)
	c.registerPending(result.FutureVersion, nodes, result)
	c.futures.Register(result.FutureVersion, entry)

	timer := metrics.NewTimer()
	for _, node := range nodes {
		node := node
		go c.sendAndAck(ctx, node, result, req, drVersion, entry)
	}

	state, failed := entry.Wait(ctx)
	timer.ObserveDurationVec(metrics.BackupAckDuration, "full_sync")
	c.futures.Remove(result.FutureVersion)
	c.clearPending(result.FutureVersion)

	if state != futures.Done {
		resp.Errors = append(resp.Errors, "backup replication cancelled")
	}
	for key, reason := range failed {
		resp.FailedKeys = append(resp.FailedKeys, key)
		resp.Errors = append(resp.Errors, reason)
	}
	return resp, nil
}

// HandleNodeLeft fails every pending FULL_SYNC future waiting on
// nodeID, so a Coordinator blocked in HandleNearUpdate's entry.Wait is
// released instead of hanging until the caller's context expires.
//
// Parameters:
//   - nodeID: the node membership has just reported gone, via either a
//     graceful leave or a failure detector.
//
// Thread safety: safe to call from the discovery event-handling
// goroutine while other goroutines are concurrently inside
// HandleNearUpdate; iterates a snapshot of the futures registry rather
// than the registry itself, so a future removed concurrently is simply
// skipped rather than racing.
func (c *Coordinator) HandleNodeLeft(nodeID string) {
	for _, entry := range c.futures.Snapshot() {
		keys := c.pendingKeysFor(entry.Version, nodeID)
		if keys == nil {
			continue
		}
		entry.FailNode(nodeID, keys, "node left")
	}
}

func (c *Coordinator) registerPending(version uint64, nodes []string, result *primary.Result) {
	byNode := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		keys := make([]string, 0, len(result.BackupBuckets[node]))
		for _, bw := range result.BackupBuckets[node] {
			keys = append(keys, bw.Key)
		}
		byNode[node] = keys
	}
	c.mu.Lock()
	c.pendingKeys[version] = byNode
	c.mu.Unlock()
}

func (c *Coordinator) clearPending(version uint64) {
	c.mu.Lock()
	delete(c.pendingKeys, version)
	c.mu.Unlock()
}

func (c *Coordinator) pendingKeysFor(version uint64, nodeID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	byNode, ok := c.pendingKeys[version]
	if !ok {
		return nil
	}
	return byNode[nodeID]
}

func (c *Coordinator) buildRequest(result *primary.Result, req *wire.NearUpdateRequest, node string, drVersion wire.CacheVersion) *wire.DhtUpdateRequest {
	writes := result.BackupBuckets[node]
	entries := make([]wire.DhtEntry, 0, len(writes))
	for _, w := range writes {
		var v *wire.CacheVersion
		if w.DRVersion != nil {
			v = w.DRVersion
		}
		entries = append(entries, wire.DhtEntry{
			Key:         w.Key,
			Value:       w.Value,
			DRTTLMillis: w.TTLMillis,
			DRVersion:   v,
		})
	}
	return &wire.DhtUpdateRequest{
		FutureVersion:   result.FutureVersion,
		WriteVersion:    drVersion,
		WriteSync:       req.WriteSync,
		TopologyVersion: req.TopologyVersion,
		TTLMillis:       req.TTLMillis,
		Entries:         entries,
	}
}

func (c *Coordinator) sendAndAck(ctx context.Context, node string, result *primary.Result, req *wire.NearUpdateRequest, drVersion wire.CacheVersion, entry *futures.Entry) {
	if err := c.sendSem.Acquire(ctx, 1); err != nil {
		entry.FailNode(node, backupWriteKeys(result.BackupBuckets[node]), err.Error())
		return
	}
	defer c.sendSem.Release(1)

	dreq := c.buildRequest(result, req, node, drVersion)
	w := wire.NewWriter()
	dreq.Encode(w)

	respEnv, err := c.transport.Send(ctx, node, transport.Envelope{Kind: wire.KindDhtUpdateRequest, Payload: w.Bytes()})
	if err != nil {
		entry.FailNode(node, keysOf(dreq.Entries), err.Error())
		c.logger.Warn().Err(err).Str("node", node).Msg("backup update send failed")
		return
	}

	dresp, err := wire.DecodeDhtUpdateResponse(wire.NewReader(respEnv.Payload))
	if err != nil {
		entry.FailNode(node, keysOf(dreq.Entries), err.Error())
		c.logger.Warn().Err(err).Str("node", node).Msg("backup update response decode failed")
		return
	}
	if len(dresp.FailedKeys) > 0 {
		entry.FailNode(node, dresp.FailedKeys, "backup reported failure")
		return
	}
	entry.Ack(node)
}

func (c *Coordinator) sendFireAndForget(node string, result *primary.Result, req *wire.NearUpdateRequest, drVersion wire.CacheVersion) {
	ctx := context.Background()
	if err := c.sendSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sendSem.Release(1)

	dreq := c.buildRequest(result, req, node, drVersion)
	w := wire.NewWriter()
	dreq.Encode(w)

	if _, err := c.transport.Send(ctx, node, transport.Envelope{Kind: wire.KindDhtUpdateRequest, Payload: w.Bytes()}); err != nil {
		c.logger.Warn().Err(err).Str("node", node).Msg("backup update dispatch failed")
	}
}

func keysOf(entries []wire.DhtEntry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func backupWriteKeys(writes []primary.BackupWrite) []string {
	keys := make([]string, len(writes))
	for i, w := range writes {
		keys[i] = w.Key
	}
	return keys
}
