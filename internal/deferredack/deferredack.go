package deferredack

import (
	"context"
	"sync"
	"time"

	"github.com/nodeforge/dkv/internal/metrics"
	"github.com/nodeforge/dkv/internal/timerservice"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Sender ships a coalesced batch of future versions to nodeID, the
// source of the original backup-update requests these versions
// acknowledge.
type Sender func(ctx context.Context, nodeID string, versions []uint64) error

// buffer accumulates future versions for one node until it is sealed by
// either the size threshold or the scheduled timeout, whichever fires
// first.
type buffer struct {
	capacity int
	mu       sync.Mutex
	versions []uint64
	sealed   atomic.Bool
}

func newBuffer(capacity int) *buffer {
	return &buffer{capacity: capacity}
}

// add appends version if the buffer has not yet sealed. If this call
// crosses the capacity threshold, add itself wins the seal race and
// returns the snapshot the caller must ship; accepted is false only
// when the buffer had already sealed (the caller must retry against a
// freshly created buffer).
func (b *buffer) add(version uint64) (toFlush []uint64, accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed.Load() {
		return nil, false
	}
	b.versions = append(b.versions, version)
	if len(b.versions) >= b.capacity && b.sealed.CompareAndSwap(false, true) {
		return append([]uint64(nil), b.versions...), true
	}
	return nil, true
}

// sealForTimeout seals the buffer for the scheduled timeout flush. It
// returns ok=false if a concurrent size-triggered add already sealed it
// first, in which case the timeout flush is a no-op.
func (b *buffer) sealForTimeout() (versions []uint64, ok bool) {
	if !b.sealed.CompareAndSwap(false, true) {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.versions...), true
}

// Aggregator owns one buffer per remote node
type Aggregator struct {
	bufferSize   int
	flushTimeout time.Duration
	sendTimeout  time.Duration

	timers *timerservice.Service
	send   Sender
	logger zerolog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
}

// New constructs an Aggregator. bufferSize and flushTimeout correspond
// to the deferred_ack_buffer_size / deferred_ack_timeout_ms
// configuration options; sendTimeout bounds each flush's network call.
func New(bufferSize int, flushTimeout, sendTimeout time.Duration, timers *timerservice.Service, send Sender, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		bufferSize:   bufferSize,
		flushTimeout: flushTimeout,
		sendTimeout:  sendTimeout,
		timers:       timers,
		send:         send,
		logger:       logger,
		buffers:      make(map[string]*buffer),
	}
}

// Add enqueues version as owed to nodeID. It creates a fresh buffer (and
// schedules its timeout flush) the first time nodeID is seen since the
// last flush, and retries against a new buffer if it raced a concurrent
// seal.
func (a *Aggregator) Add(nodeID string, version uint64) {
	for {
		a.mu.Lock()
		buf, ok := a.buffers[nodeID]
		if !ok {
			buf = newBuffer(a.bufferSize)
			a.buffers[nodeID] = buf
			deadline := time.Now().Add(a.flushTimeout)
			a.timers.Schedule(deadline, func() { a.flushOnTimeout(nodeID, buf) })
		}
		a.mu.Unlock()

		versions, accepted := buf.add(version)
		if !accepted {
			continue
		}
		if versions != nil {
			a.removeAndSend(nodeID, buf, versions, "size")
		}
		return
	}
}

func (a *Aggregator) flushOnTimeout(nodeID string, buf *buffer) {
	versions, ok := buf.sealForTimeout()
	if !ok {
		return
	}
	if len(versions) == 0 {
		a.removeIfCurrent(nodeID, buf)
		return
	}
	a.removeAndSend(nodeID, buf, versions, "timeout")
}

func (a *Aggregator) removeAndSend(nodeID string, buf *buffer, versions []uint64, trigger string) {
	a.removeIfCurrent(nodeID, buf)
	metrics.DeferredAckFlushesTotal.WithLabelValues(trigger).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
	defer cancel()
	if err := a.send(ctx, nodeID, versions); err != nil {
		a.logger.Warn().Err(err).Str("node", nodeID).Int("count", len(versions)).Msg("deferred ack flush failed")
	}
}

func (a *Aggregator) removeIfCurrent(nodeID string, buf *buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.buffers[nodeID]; ok && cur == buf {
		delete(a.buffers, nodeID)
	}
}

// Pending reports how many nodes currently have an open, unflushed
// buffer, used by tests and by shutdown draining.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
