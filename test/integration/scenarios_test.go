package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nodeforge/dkv/internal/affinity"
	"github.com/nodeforge/dkv/internal/config"
	"github.com/nodeforge/dkv/internal/metrics"
	"github.com/nodeforge/dkv/internal/near"
	"github.com/nodeforge/dkv/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// Scenario 1: single put, one primary, two backups, FULL_SYNC.
func TestSinglePutReplicatesToEveryOwnerUnderFullSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caches := newCluster(t, ctx, 3, clusterOpts{numPartitions: 8, backups: 2, writeSync: config.FullSync})
	defer stopAll(caches)

	resp, err := caches[0].Put(ctx, putRequest("widget", "v1"))
	require.NoError(t, err)
	assert.Empty(t, resp.FailedKeys)
	assert.Empty(t, resp.Errors)

	for _, c := range caches {
		c := c
		require.Eventually(t, func() bool {
			e, ok := c.Engine().PartitionFor("widget").Snapshot()["widget"]
			return ok && string(e.ValueBytes) == "v1"
		}, time.Second, 5*time.Millisecond, "node %s never converged", c.NodeID())
	}
}

// Scenario 2: a batched putAll spanning two distinct primaries completes
// as a single merged success.
func TestBatchedPutAcrossTwoPrimariesMergesIntoOneSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caches := newCluster(t, ctx, 2, clusterOpts{numPartitions: 16, backups: 0, writeSync: config.FullSync})
	defer stopAll(caches)

	aff := affinity.New(caches[0].Topology().NumPartitions(), caches[0].Topology())
	k1, k2, p1, p2 := findKeysWithDistinctPrimaries(t, aff)
	require.NotEqual(t, p1, p2)

	resp, err := caches[0].Put(ctx, putAllRequest([]string{k1, k2}, []string{"a", "b"}))
	require.NoError(t, err)
	assert.Empty(t, resp.FailedKeys)
	assert.Empty(t, resp.Errors)

	owner1 := byNodeID(caches, p1)
	owner2 := byNodeID(caches, p2)
	require.NotNil(t, owner1)
	require.NotNil(t, owner2)

	require.Eventually(t, func() bool {
		e, ok := owner1.Engine().PartitionFor(k1).Snapshot()[k1]
		return ok && string(e.ValueBytes) == "a"
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		e, ok := owner2.Engine().PartitionFor(k2).Snapshot()[k2]
		return ok && string(e.ValueBytes) == "b"
	}, time.Second, 5*time.Millisecond)
}

// Scenario 3: a request carrying a topology version the primary has
// since moved past is remapped rather than applied, and a retry at the
// current version succeeds.
func TestStaleTopologyVersionUnderPrimaryModeTriggersRemap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caches := newCluster(t, ctx, 2, clusterOpts{numPartitions: 4, backups: 1, atomicOrder: config.Primary})
	defer stopAll(caches)

	aff := affinity.New(caches[0].Topology().NumPartitions(), caches[0].Topology())
	key := "account-7"
	primaryID, currentVer, err := aff.Primary(aff.Partition(key))
	require.NoError(t, err)

	primary := byNodeID(caches, primaryID)
	require.NotNil(t, primary)

	staleReq := &wire.NearUpdateRequest{
		FutureVersion:   1,
		TopologyVersion: currentVer - 1,
		WriteSync:       wire.FullSync,
		AtomicOrder:     wire.Primary,
		Operation:       wire.OpUpdate,
		Keys:            []string{key},
		ValueBytes:      [][]byte{[]byte("v1")},
	}
	result, err := primary.Engine().Apply(ctx, staleReq)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, result.RemapKeys)
	assert.Empty(t, result.FailedKeys)

	freshReq := &wire.NearUpdateRequest{
		FutureVersion:   2,
		TopologyVersion: primary.Topology().Version(),
		WriteSync:       wire.FullSync,
		AtomicOrder:     wire.Primary,
		Operation:       wire.OpUpdate,
		Keys:            []string{key},
		ValueBytes:      [][]byte{[]byte("v1")},
	}
	result, err = primary.Engine().Apply(ctx, freshReq)
	require.NoError(t, err)
	assert.Empty(t, result.RemapKeys)
	assert.Empty(t, result.FailedKeys)
}

// Scenario 4: two concurrent writers to the same key through the same
// primary both observe success, and the per-entry lock leaves the final
// value as whichever write was serialized last — never a mix of both.
func TestConcurrentUpdatesToSameKeySerializeThroughEntryLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caches := newCluster(t, ctx, 2, clusterOpts{numPartitions: 4, backups: 1, writeSync: config.FullSync})
	defer stopAll(caches)

	key := "counter"
	values := []string{"v1", "v2"}
	results := make([]*near.Result, len(values))
	errs := make([]error, len(values))

	var wg sync.WaitGroup
	wg.Add(len(values))
	for i, v := range values {
		i, v := i, v
		go func() {
			defer wg.Done()
			results[i], errs[i] = caches[i%len(caches)].Put(ctx, putRequest(key, v))
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Empty(t, results[i].FailedKeys)
	}

	aff := affinity.New(caches[0].Topology().NumPartitions(), caches[0].Topology())
	primaryID, _, err := aff.Primary(aff.Partition(key))
	require.NoError(t, err)
	primary := byNodeID(caches, primaryID)
	require.NotNil(t, primary)

	e, ok := primary.Engine().PartitionFor(key).Snapshot()[key]
	require.True(t, ok)
	assert.Contains(t, values, string(e.ValueBytes))
}

// Scenario 5: a backup goes unreachable while a FULL_SYNC write is in
// flight. The near response comes back with that backup's keys marked
// failed instead of hanging, and the surviving backup stays consistent
// with the primary.
func TestUnreachableBackupDuringFullSyncIsMarkedFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caches := newCluster(t, ctx, 3, clusterOpts{numPartitions: 8, backups: 2, writeSync: config.FullSync})
	defer stopAll(caches)

	key := "session-42"
	aff := affinity.New(caches[0].Topology().NumPartitions(), caches[0].Topology())
	owners, _, err := aff.Owners(aff.Partition(key))
	require.NoError(t, err)
	require.Len(t, owners, 3)

	primary := byNodeID(caches, owners[0])
	dropped := byNodeID(caches, owners[1])
	survivor := byNodeID(caches, owners[2])
	require.NotNil(t, primary)
	require.NotNil(t, dropped)
	require.NotNil(t, survivor)

	dropped.Stop()

	resp, err := primary.Put(ctx, putRequest(key, "v1"))
	require.NoError(t, err)
	assert.Contains(t, resp.FailedKeys, key)
	assert.NotEmpty(t, resp.Errors)

	require.Eventually(t, func() bool {
		primaryEntry, ok := primary.Engine().PartitionFor(key).Snapshot()[key]
		if !ok {
			return false
		}
		survivorEntry, ok := survivor.Engine().PartitionFor(key).Snapshot()[key]
		return ok && string(primaryEntry.ValueBytes) == string(survivorEntry.ValueBytes)
	}, time.Second, 5*time.Millisecond)
}

// Scenario 6: under PRIMARY_SYNC, 260 writes to the same backup coalesce
// into one size-triggered deferred ack of 256 versions, with the
// remaining 4 shipped by the flush timer.
func TestDeferredAckCoalescesAtBufferSizeThenFlushesRemainderOnTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caches := newCluster(t, ctx, 2, clusterOpts{numPartitions: 1, backups: 1, writeSync: config.PrimarySync})
	defer stopAll(caches)

	primary := byNodeID(caches, "a")
	require.NotNil(t, primary)

	beforeSize := counterValue(t, metrics.DeferredAckFlushesTotal.WithLabelValues("size"))
	beforeTimeout := counterValue(t, metrics.DeferredAckFlushesTotal.WithLabelValues("timeout"))

	const total = 260
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("ack-key-%d", i)
		resp, err := primary.Put(ctx, putRequest(key, "v"))
		require.NoError(t, err)
		require.Empty(t, resp.FailedKeys)
	}

	require.Eventually(t, func() bool {
		return counterValue(t, metrics.DeferredAckFlushesTotal.WithLabelValues("size")) > beforeSize
	}, time.Second, 5*time.Millisecond, "expected a size-triggered deferred ack flush")

	require.Eventually(t, func() bool {
		return counterValue(t, metrics.DeferredAckFlushesTotal.WithLabelValues("timeout")) > beforeTimeout
	}, 2*time.Second, 10*time.Millisecond, "expected the flush timer to ship the remainder")
}
