package cachefacade

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nodeforge/dkv/internal/affinity"
	"github.com/nodeforge/dkv/internal/backup"
	"github.com/nodeforge/dkv/internal/config"
	"github.com/nodeforge/dkv/internal/deferredack"
	"github.com/nodeforge/dkv/internal/discovery"
	"github.com/nodeforge/dkv/internal/grpctransport"
	"github.com/nodeforge/dkv/internal/near"
	"github.com/nodeforge/dkv/internal/primary"
	"github.com/nodeforge/dkv/internal/store"
	"github.com/nodeforge/dkv/internal/timerservice"
	"github.com/nodeforge/dkv/internal/topology"
	"github.com/nodeforge/dkv/internal/transport"
	"github.com/nodeforge/dkv/internal/version"
	"github.com/nodeforge/dkv/internal/wire"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Cache is the single object a dkvnode process embeds. It owns every
// collaborator the cluster needs and exposes the three operations a
// client actually calls: Put, Remove, Transform. Nothing outside this
// package needs to know about topology, affinity, the wire codec, or
// any of the per-component coordinators.
type Cache struct {
	cfg    config.Config
	logger zerolog.Logger

	top      *topology.Topology
	aff      *affinity.Func
	versions *version.Domain
	persist  store.Store

	engine     *primary.Engine
	backupCrd  *backup.Coordinator
	receiver   *backup.Receiver
	acks       *deferredack.Aggregator
	nearCrd    *near.Coordinator
	disc       *discovery.Service
	timers     *timerservice.Service
	grpcXport *grpctransport.GRPCTransport
	futureSeq atomic.Uint64
	addr      string
}

// New wires every collaborator in dependency order: topology, affinity,
// version, the persistence store (if enabled), the primary engine (which
// allocates its entrystore partitions), the timer service, the gRPC
// transport, the backup coordinator, the deferred-ack aggregator, the
// backup receiver, the near coordinator, and discovery. The returned
// Cache is not yet serving — call Start.
func New(cfg config.Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("cachefacade: config is missing node_id")
	}

	top := topology.New(cfg.NumPartitions)
	aff := affinity.New(cfg.NumPartitions, top)
	versions := version.NewDomain(0, 0)

	var persist store.Store
	if cfg.StoreEnabled {
		bstore, err := store.Open(cfg.StorePath, cfg.NumPartitions, aff.Partition)
		if err != nil {
			return nil, fmt.Errorf("cachefacade: open store: %w", err)
		}
		persist = bstore
	}

	engine := primary.New(primary.Config{
		NodeID:          cfg.NodeID,
		AtomicOrderMode: wireAtomicOrder(cfg.AtomicOrderMode),
	}, top, aff, versions, persist, nil)

	timers := timerservice.New()

	c := &Cache{
		cfg:        cfg,
		logger:     logger,
		top:        top,
		aff:        aff,
		versions:   versions,
		persist:    persist,
		engine:   engine,
		timers:   timers,
	}

	xport := grpctransport.NewGRPCTransport(c.resolveAddr)
	c.grpcXport = xport

	c.backupCrd = backup.New(engine, xport, logger)
	c.acks = deferredack.New(
		cfg.DeferredAckBufferSize,
		time.Duration(cfg.DeferredAckTimeoutMillis)*time.Millisecond,
		time.Duration(cfg.NetworkTimeoutMillis)*time.Millisecond,
		timers,
		c.sendDeferredAck,
		logger,
	)
	c.receiver = backup.NewReceiver(engine, c.acks, logger)
	c.receiver.RegisterHandlers(xport)

	near.RegisterHandler(xport, c.backupCrd)
	c.nearCrd = near.New(near.Config{NodeID: cfg.NodeID}, top, aff, c.backupCrd, xport, logger)

	c.disc = discovery.New(3*time.Second, 3, c.probeMember)
	c.disc.OnEvent(c.onMembershipEvent)

	return c, nil
}

func wireAtomicOrder(m config.AtomicOrderMode) wire.AtomicOrderMode {
	if m == config.Primary {
		return wire.Primary
	}
	return wire.Clock
}

func wireSyncMode(m config.WriteSyncMode) wire.WriteSyncMode {
	switch m {
	case config.PrimarySync:
		return wire.PrimarySync
	case config.FullAsync:
		return wire.FullAsync
	default:
		return wire.FullSync
	}
}

// Start binds the gRPC listener, joins the local node into the
// membership view, seeds any configured seed nodes, and starts the
// discovery probe loop. It returns once the listener is bound; serving
// and probing both continue in background goroutines until Stop.
func (c *Cache) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("cachefacade: listen %s: %w", c.cfg.Listen, err)
	}

	go func() {
		if err := c.grpcXport.Serve(lis); err != nil {
			c.logger.Error().Err(err).Msg("grpc transport stopped serving")
		}
	}()

	advertise := c.cfg.AdvertiseAddr
	if advertise == "" {
		advertise = lis.Addr().String()
	}
	c.addr = advertise
	c.disc.Join(c.cfg.NodeID, advertise)
	for _, seed := range c.cfg.SeedNodes {
		c.disc.Join(seed, seed)
	}
	c.recomputeAssignment()

	go c.disc.Start(ctx)
	return nil
}

// Addr returns this node's advertised address, valid after Start.
func (c *Cache) Addr() string { return c.addr }

// JoinPeer registers another node's id/address in this node's
// membership view and recomputes partition ownership. Used by whatever
// bootstrap mechanism introduces nodes to each other (a seed list, a
// gossip layer, or — in tests — direct wiring), since internal/discovery
// itself only tracks membership, it doesn't discover it.
func (c *Cache) JoinPeer(nodeID, addr string) {
	c.disc.Join(nodeID, addr)
	c.recomputeAssignment()
}

// NodeID returns the node id this cache was configured with.
func (c *Cache) NodeID() string { return c.cfg.NodeID }

// LeavePeer removes nodeID from this node's membership view and
// recomputes partition ownership, as if the probe loop had observed that
// peer fail. Exposed for tests that need to force a deterministic
// membership change rather than wait out the probe interval.
func (c *Cache) LeavePeer(nodeID string) {
	c.disc.Leave(nodeID)
	c.recomputeAssignment()
}

// Engine exposes the local primary engine for inspection — tests and
// administrative tooling use it to read back partition state directly
// rather than through the replicated update path.
func (c *Cache) Engine() *primary.Engine { return c.engine }

// Topology exposes this node's own view of partition ownership — tests
// use it to wait for membership changes to converge rather than guessing
// at a sleep duration.
func (c *Cache) Topology() *topology.Topology { return c.top }

// Stop halts the discovery probe loop, the timer service, and the
// underlying gRPC server, in roughly the reverse order Start brought
// them up.
func (c *Cache) Stop() {
	c.disc.Stop()
	c.timers.Stop()
	c.grpcXport.Stop()
	c.engine.Stop()
	if c.persist != nil {
		_ = c.persist.Close()
	}
}

func (c *Cache) resolveAddr(nodeID string) (string, error) {
	for _, m := range c.disc.Members() {
		if m.NodeID == nodeID {
			return m.Addr, nil
		}
	}
	return "", fmt.Errorf("cachefacade: no known address for node %q", nodeID)
}

func (c *Cache) probeMember(ctx context.Context, addr string) error {
	// A lightweight reachability probe: dialing succeeds/fails fast and
	// doesn't require a registered transport.Handler round trip.
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Cache) onMembershipEvent(evt discovery.Event) {
	if evt.Kind == discovery.NodeLeft || evt.Kind == discovery.NodeFailed {
		c.backupCrd.HandleNodeLeft(evt.NodeID)
	}
	c.recomputeAssignment()
}

// recomputeAssignment rebuilds the partition→owners table from the
// current membership and installs it as the next topology version.
func (c *Cache) recomputeAssignment() {
	members := c.disc.Members()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.NodeID
	}
	next := c.top.Version() + 1
	c.top.ApplyAssignment(computeAssignment(next, ids, c.cfg.NumPartitions, c.cfg.Backups))
}

func (c *Cache) sendDeferredAck(ctx context.Context, nodeID string, versions []uint64) error {
	ack := &wire.DhtDeferredAckResponse{FutureVersions: versions}
	w := wire.NewWriter()
	ack.Encode(w)
	_, err := c.grpcXport.Send(ctx, nodeID, transport.Envelope{Kind: wire.KindDhtDeferredAckRequest, Payload: w.Bytes()})
	return err
}

// PutRequest is the public single/batch write request.
type PutRequest struct {
	Keys        []string
	Values      [][]byte
	TTLMillis   int64
	ReturnValue bool
	Filter      []byte
}

// Put writes every key/value pair in req, replicated per the node's
// configured write-sync and atomic-order modes.
func (c *Cache) Put(ctx context.Context, req PutRequest) (*near.Result, error) {
	return c.nearCrd.Update(ctx, &near.Request{
		FutureVersion: c.futureSeq.Add(1),
		Operation:     wire.OpUpdate,
		WriteSync:     wireSyncMode(c.cfg.WriteSyncMode),
		AtomicOrder:   wireAtomicOrder(c.cfg.AtomicOrderMode),
		Keys:          req.Keys,
		ValueBytes:    req.Values,
		TTLMillis:     req.TTLMillis,
		ReturnValue:   req.ReturnValue,
		Filter:        req.Filter,
	})
}

// Remove deletes every key in keys, replicated the same way Put is.
func (c *Cache) Remove(ctx context.Context, keys []string, returnValue bool) (*near.Result, error) {
	return c.nearCrd.Update(ctx, &near.Request{
		FutureVersion: c.futureSeq.Add(1),
		Operation:     wire.OpDelete,
		WriteSync:     wireSyncMode(c.cfg.WriteSyncMode),
		AtomicOrder:   wireAtomicOrder(c.cfg.AtomicOrderMode),
		Keys:          keys,
		ReturnValue:   returnValue,
	})
}

// TransformFunc is re-exported so callers registering a transform don't
// need to import internal/primary directly.
type TransformFunc = primary.TransformFunc

// SetTransform installs fn as the registered transform callback for
// TRANSFORM operations.
func (c *Cache) SetTransform(fn TransformFunc) { c.engine.SetTransform(fn) }

// Transform applies fn (already registered via SetTransform) to every
// key in keys, each against its own current value.
func (c *Cache) Transform(ctx context.Context, keys []string, args [][]byte) (*near.Result, error) {
	return c.nearCrd.Update(ctx, &near.Request{
		FutureVersion: c.futureSeq.Add(1),
		Operation:     wire.OpTransform,
		WriteSync:     wireSyncMode(c.cfg.WriteSyncMode),
		AtomicOrder:   wireAtomicOrder(c.cfg.AtomicOrderMode),
		Keys:          keys,
		TransformArgs: args,
	})
}
