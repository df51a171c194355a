package deferredack

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nodeforge/dkv/internal/timerservice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []call
}

type call struct {
	nodeID   string
	versions []uint64
}

func (f *fakeSender) send(ctx context.Context, nodeID string, versions []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]uint64(nil), versions...)
	f.calls = append(f.calls, call{nodeID: nodeID, versions: cp})
	return nil
}

func (f *fakeSender) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newTestAggregator(t *testing.T, bufferSize int, flushTimeout time.Duration) (*Aggregator, *fakeSender, *timerservice.Service) {
	t.Helper()
	timers := timerservice.New()
	t.Cleanup(timers.Stop)
	fs := &fakeSender{}
	agg := New(bufferSize, flushTimeout, time.Second, timers, fs.send, zerolog.Nop())
	return agg, fs, timers
}

func TestAddFlushesOnSizeThreshold(t *testing.T) {
	agg, fs, _ := newTestAggregator(t, 3, time.Hour)

	agg.Add("node-1", 1)
	agg.Add("node-1", 2)
	assert.Empty(t, fs.snapshot())

	agg.Add("node-1", 3)

	require.Eventually(t, func() bool { return len(fs.snapshot()) == 1 }, time.Second, time.Millisecond)
	calls := fs.snapshot()
	assert.Equal(t, "node-1", calls[0].nodeID)
	assert.Equal(t, []uint64{1, 2, 3}, calls[0].versions)
	assert.Equal(t, 0, agg.Pending())
}

func TestAddFlushesOnTimeoutWhenBelowThreshold(t *testing.T) {
	agg, fs, _ := newTestAggregator(t, 100, 20*time.Millisecond)

	agg.Add("node-1", 7)
	assert.Empty(t, fs.snapshot())

	require.Eventually(t, func() bool { return len(fs.snapshot()) == 1 }, time.Second, 2*time.Millisecond)
	calls := fs.snapshot()
	assert.Equal(t, []uint64{7}, calls[0].versions)
}

func TestBuffersAreIndependentPerNode(t *testing.T) {
	agg, fs, _ := newTestAggregator(t, 2, time.Hour)

	agg.Add("node-1", 1)
	agg.Add("node-2", 100)
	agg.Add("node-1", 2) // flushes node-1 only

	require.Eventually(t, func() bool { return len(fs.snapshot()) == 1 }, time.Second, time.Millisecond)
	calls := fs.snapshot()
	assert.Equal(t, "node-1", calls[0].nodeID)
	assert.Equal(t, 1, agg.Pending()) // node-2's buffer is still open
}

func TestFreshBufferStartsAfterFlush(t *testing.T) {
	agg, fs, _ := newTestAggregator(t, 2, time.Hour)

	agg.Add("node-1", 1)
	agg.Add("node-1", 2)
	require.Eventually(t, func() bool { return len(fs.snapshot()) == 1 }, time.Second, time.Millisecond)

	agg.Add("node-1", 3)
	agg.Add("node-1", 4)
	require.Eventually(t, func() bool { return len(fs.snapshot()) == 2 }, time.Second, time.Millisecond)

	calls := fs.snapshot()
	assert.Equal(t, []uint64{1, 2}, calls[0].versions)
	assert.Equal(t, []uint64{3, 4}, calls[1].versions)
}

func TestEachVersionIsShippedExactlyOnce(t *testing.T) {
	agg, fs, _ := newTestAggregator(t, 10, time.Hour)

	var wg sync.WaitGroup
	for i := uint64(1); i <= 100; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			agg.Add("node-1", v)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		total := 0
		for _, c := range fs.snapshot() {
			total += len(c.versions)
		}
		return total == 100
	}, time.Second, time.Millisecond)

	seen := make(map[uint64]int)
	for _, c := range fs.snapshot() {
		for _, v := range c.versions {
			seen[v]++
		}
	}
	for v := uint64(1); v <= 100; v++ {
		assert.Equal(t, 1, seen[v], "version %d should ship exactly once", v)
	}
}

func TestTimeoutFlushIsNoOpWhenSizeAlreadySealedIt(t *testing.T) {
	agg, fs, _ := newTestAggregator(t, 1, 5*time.Millisecond)

	agg.Add("node-1", 1) // immediately seals via size threshold of 1

	time.Sleep(30 * time.Millisecond) // let the scheduled timeout fire too

	calls := fs.snapshot()
	assert.Len(t, calls, 1, "the timeout callback must not double-ship the same buffer")
	assert.Equal(t, []uint64{1}, calls[0].versions)
}
