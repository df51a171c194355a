package backup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nodeforge/dkv/internal/affinity"
	"github.com/nodeforge/dkv/internal/deferredack"
	"github.com/nodeforge/dkv/internal/primary"
	"github.com/nodeforge/dkv/internal/timerservice"
	"github.com/nodeforge/dkv/internal/topology"
	"github.com/nodeforge/dkv/internal/transport"
	"github.com/nodeforge/dkv/internal/version"
	"github.com/nodeforge/dkv/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// network is a test-only transport fabric that routes Send calls between
// several named nodes, each with its own handler set, mirroring
// grpctransport's real per-connection peer identity instead of
// internal/transport.Memory's single-process shared-handler shortcut.
type network struct {
	mu       sync.Mutex
	handlers map[string]map[string]transport.Handler
}

func newNetwork() *network {
	return &network{handlers: make(map[string]map[string]transport.Handler)}
}

func (n *network) nodeTransport(nodeID string) *nodeTransport {
	return &nodeTransport{net: n, self: nodeID}
}

type nodeTransport struct {
	net  *network
	self string
}

var _ transport.Transport = (*nodeTransport)(nil)

func (t *nodeTransport) RegisterHandler(kind string, h transport.Handler) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	m, ok := t.net.handlers[t.self]
	if !ok {
		m = make(map[string]transport.Handler)
		t.net.handlers[t.self] = m
	}
	m[kind] = h
}

func (t *nodeTransport) Send(ctx context.Context, nodeID string, env transport.Envelope) (transport.Envelope, error) {
	t.net.mu.Lock()
	h, ok := t.net.handlers[nodeID][env.Kind]
	t.net.mu.Unlock()
	if !ok {
		return transport.Envelope{}, transport.ErrUnknownNode
	}
	return h(ctx, t.self, env)
}

func (t *nodeTransport) SendOrdered(ctx context.Context, nodeID, topic string, messageID uint64, env transport.Envelope, pool int, timeout time.Duration, skipOnTimeout bool) (transport.Envelope, error) {
	return t.Send(ctx, nodeID, env)
}

// cluster wires one primary and a set of backups sharing a single
// partition, for exercising Coordinator/Receiver together.
type cluster struct {
	net       *network
	top       *topology.Topology
	aff       *affinity.Func
	primary   *primary.Engine
	coord     *Coordinator
	receivers map[string]*Receiver
}

func newCluster(t *testing.T, primaryID string, backupIDs ...string) *cluster {
	t.Helper()
	top := topology.New(1)
	owners := append([]string{primaryID}, backupIDs...)
	top.ApplyAssignment(topology.Assignment{Version: 1, Owners: [][]string{owners}})
	aff := affinity.New(1, top)

	net := newNetwork()
	versions := version.NewDomain(0, 0)
	engine := primary.New(primary.Config{NodeID: primaryID, AtomicOrderMode: wire.Primary}, top, aff, versions, nil, nil)

	coord := New(engine, net.nodeTransport(primaryID), zerolog.Nop())

	receivers := make(map[string]*Receiver, len(backupIDs))
	timers := timerservice.New()
	t.Cleanup(timers.Stop)
	for _, id := range backupIDs {
		backupEngine := primary.New(primary.Config{NodeID: id, AtomicOrderMode: wire.Primary}, top, aff, versions, nil, nil)
		acks := deferredack.New(256, 50*time.Millisecond, time.Second, timers, func(ctx context.Context, nodeID string, versions []uint64) error {
			return nil
		}, zerolog.Nop())
		recv := NewReceiver(backupEngine, acks, zerolog.Nop())
		recv.RegisterHandlers(net.nodeTransport(id))
		receivers[id] = recv
	}

	return &cluster{net: net, top: top, aff: aff, primary: engine, coord: coord, receivers: receivers}
}

func TestHandleNearUpdateFullSyncWaitsForBothBackupAcks(t *testing.T) {
	c := newCluster(t, "p1", "b1", "b2")

	req := &wire.NearUpdateRequest{
		FutureVersion:   1,
		TopologyVersion: 1,
		WriteSync:       wire.FullSync,
		AtomicOrder:     wire.Primary,
		Operation:       wire.OpUpdate,
		Keys:            []string{"k1"},
		ValueBytes:      [][]byte{[]byte("v1")},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.coord.HandleNearUpdate(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, resp.FailedKeys)
	assert.Empty(t, resp.RemapKeys)

	for _, id := range []string{"b1", "b2"} {
		e := c.receivers[id].engine.PartitionFor("k1")
		snap := e.Snapshot()
		entry, ok := snap["k1"]
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), entry.ValueBytes)
	}
}

func TestHandleNearUpdateFullSyncReportsUnreachableBackupAsFailed(t *testing.T) {
	c := newCluster(t, "p1", "b1") // "b2" is never registered with the network

	c.top.ApplyAssignment(topology.Assignment{Version: 2, Owners: [][]string{{"p1", "b1", "b2"}}})

	req := &wire.NearUpdateRequest{
		FutureVersion:   1,
		TopologyVersion: 2,
		WriteSync:       wire.FullSync,
		AtomicOrder:     wire.Primary,
		Operation:       wire.OpUpdate,
		Keys:            []string{"k1"},
		ValueBytes:      [][]byte{[]byte("v1")},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.coord.HandleNearUpdate(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, resp.FailedKeys, "k1")
}

func TestHandleNearUpdatePrimarySyncReturnsBeforeBackupsAck(t *testing.T) {
	c := newCluster(t, "p1", "b1")

	req := &wire.NearUpdateRequest{
		FutureVersion:   1,
		TopologyVersion: 1,
		WriteSync:       wire.PrimarySync,
		AtomicOrder:     wire.Primary,
		Operation:       wire.OpUpdate,
		Keys:            []string{"k1"},
		ValueBytes:      [][]byte{[]byte("v1")},
	}

	resp, err := c.coord.HandleNearUpdate(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.FailedKeys)

	require.Eventually(t, func() bool {
		snap := c.receivers["b1"].engine.PartitionFor("k1").Snapshot()
		entry, ok := snap["k1"]
		return ok && string(entry.ValueBytes) == "v1"
	}, time.Second, time.Millisecond)
}

func TestHandleNodeLeftUnblocksPendingFullSyncWait(t *testing.T) {
	c := newCluster(t, "p1", "b1", "b2")
	// replace b2's handler with one that blocks so its send will hang until
	// we fail it out explicitly via HandleNodeLeft rather than erroring immediately.
	blockedSend := make(chan struct{})
	c.net.nodeTransport("b2").RegisterHandler(wire.KindDhtUpdateRequest, func(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
		<-blockedSend
		return transport.Envelope{}, context.Canceled
	})

	req := &wire.NearUpdateRequest{
		FutureVersion:   1,
		TopologyVersion: 1,
		WriteSync:       wire.FullSync,
		AtomicOrder:     wire.Primary,
		Operation:       wire.OpUpdate,
		Keys:            []string{"k1"},
		ValueBytes:      [][]byte{[]byte("v1")},
	}

	done := make(chan struct{})
	var resp *wire.NearUpdateResponse
	go func() {
		defer close(done)
		resp, _ = c.coord.HandleNearUpdate(context.Background(), req)
	}()

	require.Eventually(t, func() bool { return c.coord.futures.Len() == 1 }, time.Second, time.Millisecond)
	c.coord.HandleNodeLeft("b2")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleNearUpdate did not unblock after HandleNodeLeft")
	}
	close(blockedSend)
	assert.Contains(t, resp.FailedKeys, "k1")
}

func TestReceiverDiscardsStaleDuplicateApply(t *testing.T) {
	c := newCluster(t, "p1", "b1")
	bt := c.net.nodeTransport("p1")

	send := func(value []byte) *wire.DhtUpdateResponse {
		dreq := &wire.DhtUpdateRequest{
			FutureVersion:   1,
			WriteVersion:    wire.CacheVersion{TopologyVer: 1, Order: 5, NodeOrder: 0, DataCenterID: 0},
			WriteSync:       wire.FullSync,
			TopologyVersion: 1,
			Entries:         []wire.DhtEntry{{Key: "k1", Value: value}},
		}
		w := wire.NewWriter()
		dreq.Encode(w)
		respEnv, err := bt.Send(context.Background(), "b1", transport.Envelope{Kind: wire.KindDhtUpdateRequest, Payload: w.Bytes()})
		require.NoError(t, err)
		resp, err := wire.DecodeDhtUpdateResponse(wire.NewReader(respEnv.Payload))
		require.NoError(t, err)
		return resp
	}

	send([]byte("v1"))
	send([]byte("v2-should-be-discarded"))

	snap := c.receivers["b1"].engine.PartitionFor("k1").Snapshot()
	entry := snap["k1"]
	assert.Equal(t, []byte("v1"), entry.ValueBytes, "replay of an already-applied write version must not overwrite the entry")
}
