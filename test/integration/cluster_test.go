// Package integration exercises end-to-end scenarios
// against real cachefacade.Cache instances bound to real, ephemeral TCP
// listeners and talking over the real gRPC transport — nothing here is
// swapped for an in-memory fake, unlike the unit tests in internal/near
// and internal/backup.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/nodeforge/dkv/internal/affinity"
	"github.com/nodeforge/dkv/internal/cachefacade"
	"github.com/nodeforge/dkv/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// clusterOpts configures newCluster beyond the one-size-fits-all
// defaults every scenario doesn't care about.
type clusterOpts struct {
	numPartitions int
	backups       int
	writeSync     config.WriteSyncMode
	atomicOrder   config.AtomicOrderMode
}

func (o clusterOpts) withDefaults() clusterOpts {
	if o.numPartitions == 0 {
		o.numPartitions = 32
	}
	if o.writeSync == "" {
		o.writeSync = config.FullSync
	}
	if o.atomicOrder == "" {
		o.atomicOrder = config.Clock
	}
	return o
}

// newCluster builds n cachefacade.Cache nodes, starts each of them on an
// ephemeral loopback port, and introduces every node to every other node
// via JoinPeer so they converge on one partition table before returning.
func newCluster(t *testing.T, ctx context.Context, n int, opts clusterOpts) []*cachefacade.Cache {
	t.Helper()
	opts = opts.withDefaults()

	caches := make([]*cachefacade.Cache, n)
	for i := 0; i < n; i++ {
		cfg := config.Default()
		cfg.NodeID = nodeName(i)
		cfg.Listen = "127.0.0.1:0"
		cfg.NumPartitions = opts.numPartitions
		cfg.Backups = opts.backups
		cfg.WriteSyncMode = opts.writeSync
		cfg.AtomicOrderMode = opts.atomicOrder

		logger := zerolog.Nop()
		cache, err := cachefacade.New(cfg, logger)
		require.NoError(t, err)
		require.NoError(t, cache.Start(ctx))
		caches[i] = cache
	}

	for i, a := range caches {
		for j, b := range caches {
			if i == j {
				continue
			}
			a.JoinPeer(b.NodeID(), b.Addr())
		}
	}

	for _, c := range caches {
		waitForMemberCount(t, c, n)
	}
	return caches
}

func nodeName(i int) string {
	return string(rune('a' + i))
}

// waitForMemberCount polls a cache's own partition table until the set
// of distinct owner node ids across every partition reaches n, since
// JoinPeer's recompute on one node races the others' own JoinPeer calls.
func waitForMemberCount(t *testing.T, c *cachefacade.Cache, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		seen := make(map[string]struct{})
		c.Topology().ReadLocked(func(_ uint64, owners [][]string) {
			for _, o := range owners {
				for _, id := range o {
					seen[id] = struct{}{}
				}
			}
		})
		return len(seen) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func stopAll(caches []*cachefacade.Cache) {
	for _, c := range caches {
		c.Stop()
	}
}

func byNodeID(caches []*cachefacade.Cache, id string) *cachefacade.Cache {
	for _, c := range caches {
		if c.NodeID() == id {
			return c
		}
	}
	return nil
}

func putRequest(key, value string) cachefacade.PutRequest {
	return cachefacade.PutRequest{Keys: []string{key}, Values: [][]byte{[]byte(value)}}
}

func putAllRequest(keys, values []string) cachefacade.PutRequest {
	vals := make([][]byte, len(values))
	for i, v := range values {
		vals[i] = []byte(v)
	}
	return cachefacade.PutRequest{Keys: keys, Values: vals}
}

// findKeysWithDistinctPrimaries scans a small range of candidate keys
// until it finds two whose current primary owner differs, returning the
// keys and their respective primary node ids.
func findKeysWithDistinctPrimaries(t *testing.T, aff *affinity.Func) (k1, k2, p1, p2 string) {
	t.Helper()
	type hit struct {
		key, primary string
	}
	var first *hit
	for i := 0; i < 64; i++ {
		key := nodeName(i % 26)
		if i >= 26 {
			key = key + nodeName(i/26%26)
		}
		key = "key-" + key
		primaryID, _, err := aff.Primary(aff.Partition(key))
		require.NoError(t, err)
		if first == nil {
			first = &hit{key: key, primary: primaryID}
			continue
		}
		if primaryID != first.primary {
			return first.key, key, first.primary, primaryID
		}
	}
	t.Fatal("could not find two keys with distinct primaries")
	return
}
