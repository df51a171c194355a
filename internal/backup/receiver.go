package backup

import (
	"context"
	"time"

	"github.com/nodeforge/dkv/internal/deferredack"
	"github.com/nodeforge/dkv/internal/entrystore"
	"github.com/nodeforge/dkv/internal/metrics"
	"github.com/nodeforge/dkv/internal/primary"
	"github.com/nodeforge/dkv/internal/transport"
	"github.com/nodeforge/dkv/internal/version"
	"github.com/nodeforge/dkv/internal/wire"
	"github.com/rs/zerolog"
)

// Receiver runs on a node acting as backup for one or more partitions.
// It applies inbound DhtUpdateRequest messages against the same
// per-partition entrystore state the node's primary.Engine would serve
// if it were primary, and answers according to the request's
// write-sync mode. A backup never writes through to the persistence
// store — that happens once, on the primary, before backup replication
// is even dispatched.
//
// Conflict handling: apply compares the incoming write's version
// against the entry's current version and silently discards the
// incoming write if it is not strictly newer, so a backup that receives
// the same DhtUpdateRequest twice (a primary retry after a timed-out
// send, for instance) never regresses state.
type Receiver struct {
	// engine supplies PartitionFor, used only to reach each key's
	// entrystore.PartitionStore — the receiver never calls
	// engine.Apply, since that would re-run primary-only logic
	// (version assignment, backup fan-out) on a node acting as backup.
	engine *primary.Engine
	// acks batches this node's own outgoing deferred-ack telemetry for
	// non-FULL_SYNC writes it has received.
	acks   *deferredack.Aggregator
	logger zerolog.Logger
}

// NewReceiver constructs a Receiver.
//
// Parameters:
//   - engine: supplies the per-partition entrystore state to apply
//     inbound writes against.
//   - acks: the node's single outbound deferred-ack aggregator, shared
//     across every primary this node backs — there is one Receiver per
//     node, not one per primary it serves.
//   - logger: used for deferred-ack debug logging only.
func NewReceiver(engine *primary.Engine, acks *deferredack.Aggregator, logger zerolog.Logger) *Receiver {
	return &Receiver{engine: engine, acks: acks, logger: logger}
}

// RegisterHandlers installs this receiver's handlers on tp: the
// DhtUpdateRequest handler backups replication writes land on, and the
// DhtDeferredAckResponse handler, since a node that backs other nodes
// also originates near updates and must observe acks coming back for
// its own writes.
func (r *Receiver) RegisterHandlers(tp transport.Transport) {
	tp.RegisterHandler(wire.KindDhtUpdateRequest, r.handleDhtUpdate)
	tp.RegisterHandler(wire.KindDhtDeferredAckRequest, r.handleDeferredAck)
}

func (r *Receiver) handleDhtUpdate(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
	req, err := wire.DecodeDhtUpdateRequest(wire.NewReader(env.Payload))
	if err != nil {
		return transport.Envelope{}, err
	}

	resp := r.apply(req)

	if req.WriteSync != wire.FullSync {
		r.acks.Add(peer, req.FutureVersion)
		resp = &wire.DhtUpdateResponse{FutureVersion: req.FutureVersion}
	}

	w := wire.NewWriter()
	resp.Encode(w)
	return transport.Envelope{Kind: wire.KindDhtUpdateResponse, Payload: w.Bytes()}, nil
}

func (r *Receiver) apply(req *wire.DhtUpdateRequest) *wire.DhtUpdateResponse {
	resp := &wire.DhtUpdateResponse{FutureVersion: req.FutureVersion}

	keys := make([]string, len(req.Entries))
	for i, e := range req.Entries {
		keys[i] = e.Key
	}

	locked := entrystore.LockAcrossStores(r.engine.PartitionFor, keys)
	defer entrystore.UnlockMultiEntries(locked)

	for i, m := range locked {
		e := req.Entries[i]
		writeVersion := version.Version{
			TopologyVer:  req.WriteVersion.TopologyVer,
			Order:        req.WriteVersion.Order,
			NodeOrder:    req.WriteVersion.NodeOrder,
			DataCenterID: req.WriteVersion.DataCenterID,
		}
		if e.DRVersion != nil {
			writeVersion = version.Version{
				TopologyVer:  e.DRVersion.TopologyVer,
				Order:        e.DRVersion.Order,
				NodeOrder:    e.DRVersion.NodeOrder,
				DataCenterID: e.DRVersion.DataCenterID,
			}
		}

		entry := m.Entry
		if entry.Version.Comparable(writeVersion) && writeVersion.Compare(entry.Version) <= 0 {
			continue
		}

		if e.Value == nil {
			entry.ApplyDelete(writeVersion)
		} else {
			ttl := time.Duration(req.TTLMillis) * time.Millisecond
			entry.ApplyWrite(writeVersion, nil, e.Value, ttl, time.Now())
		}
		metrics.OperationsTotal.WithLabelValues("backup_apply", "ok").Inc()
	}

	return resp
}

// handleDeferredAck is the best-effort telemetry sink for
// DhtDeferredAckResponse flushes: this node's backups have already
// answered the original DhtUpdateRequest round trip immediately, so
// there's no pending internal/futures.Entry to drain for non-FULL_SYNC
// writes, and the coalesced versions only drive observability.
func (r *Receiver) handleDeferredAck(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
	ack, err := wire.DecodeDhtDeferredAckResponse(wire.NewReader(env.Payload))
	if err != nil {
		return transport.Envelope{}, err
	}
	r.logger.Debug().Str("node", peer).Int("count", len(ack.FutureVersions)).Msg("received deferred ack batch")
	return transport.Envelope{Kind: wire.KindDhtDeferredAckRequest}, nil
}
