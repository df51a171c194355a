package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Memory is an in-process Transport that dispatches directly to
// registered handlers, used by package primary/near/backup tests to
// exercise the update pipeline without a network. Ordered sends are
// routed through one of a fixed set of per-pool worker goroutines keyed
// by (topic, nodeID), mirroring the ordering domain grpctransport
// provides over real connections.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	workersOnce sync.Once
	workers     []chan orderedJob
	numWorkers  int
}

type orderedJob struct {
	ctx      context.Context
	nodeID   string
	env      Envelope
	respCh   chan orderedResult
}

type orderedResult struct {
	env Envelope
	err error
}

// NewMemory returns a Memory transport with no handlers registered.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]Handler), numWorkers: 8}
}

// RegisterHandler installs h for inbound envelopes of kind.
func (m *Memory) RegisterHandler(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

func (m *Memory) handlerFor(kind string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[kind]
	return h, ok
}

// Send dispatches env to nodeID's registered handler directly, with no
// ordering relative to other sends.
func (m *Memory) Send(ctx context.Context, nodeID string, env Envelope) (Envelope, error) {
	h, ok := m.handlerFor(env.Kind)
	if !ok {
		return Envelope{}, ErrUnknownNode
	}
	return h(ctx, nodeID, env)
}

func (m *Memory) ensureWorkers() {
	m.workersOnce.Do(func() {
		m.workers = make([]chan orderedJob, m.numWorkers)
		for i := range m.workers {
			ch := make(chan orderedJob, 256)
			m.workers[i] = ch
			go m.runWorker(ch)
		}
	})
}

func (m *Memory) runWorker(ch chan orderedJob) {
	for job := range ch {
		h, ok := m.handlerFor(job.env.Kind)
		if !ok {
			job.respCh <- orderedResult{err: ErrUnknownNode}
			continue
		}
		env, err := h(job.ctx, job.nodeID, job.env)
		job.respCh <- orderedResult{env: env, err: err}
	}
}

// SendOrdered routes env to the worker owning (topic, nodeID), which
// processes its queue strictly in enqueue order. messageID and pool are
// accepted per the Transport contract but the in-memory implementation
// always has exactly numWorkers pools and relies on the caller already
// presenting messages in order; it does not reorder by messageID.
func (m *Memory) SendOrdered(ctx context.Context, nodeID, topic string, messageID uint64, env Envelope, pool int, timeout time.Duration, skipOnTimeout bool) (Envelope, error) {
	m.ensureWorkers()
	idx := xxhash.Sum64String(topic+"|"+nodeID) % uint64(len(m.workers))
	job := orderedJob{ctx: ctx, nodeID: nodeID, env: env, respCh: make(chan orderedResult, 1)}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case m.workers[idx] <- job:
		case <-timer.C:
			if skipOnTimeout {
				return Envelope{}, ErrTimeout
			}
			select {
			case m.workers[idx] <- job:
			case <-ctx.Done():
				return Envelope{}, ctx.Err()
			}
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	} else {
		select {
		case m.workers[idx] <- job:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}

	select {
	case res := <-job.respCh:
		return res.env, res.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}
