package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status is a member's last-observed health.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Member is one entry in the current membership list.
type Member struct {
	NodeID           string
	Addr             string
	Status           Status
	ConsecutiveFails int
	LastCheck        time.Time
}

// EventKind discriminates the three membership transitions
// names.
type EventKind int

const (
	NodeJoined EventKind = iota
	NodeLeft
	NodeFailed
)

func (k EventKind) String() string {
	switch k {
	case NodeJoined:
		return "node_joined"
	case NodeLeft:
		return "node_left"
	case NodeFailed:
		return "node_failed"
	default:
		return "unknown"
	}
}

// Event is published to every registered listener on a membership
// transition.
type Event struct {
	Kind   EventKind
	NodeID string
}

// CheckFunc probes a single member's liveness. Returning a non-nil
// error counts as one consecutive failure.
type CheckFunc func(ctx context.Context, addr string) error

// Service maintains the membership list and runs the periodic liveness
// probe loop once Start is called.
type Service struct {
	mu        sync.RWMutex
	members   map[string]*Member
	listeners []func(Event)

	checkFunc   CheckFunc
	interval    time.Duration
	maxFailures int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Service that probes members every interval using
// checkFunc, marking a member failed (and removing it) after
// maxFailures consecutive probe failures.
func New(interval time.Duration, maxFailures int, checkFunc CheckFunc) *Service {
	return &Service{
		members:     make(map[string]*Member),
		checkFunc:   checkFunc,
		interval:    interval,
		maxFailures: maxFailures,
		stop:        make(chan struct{}),
	}
}

// OnEvent registers fn to be invoked, synchronously, for every
// subsequent membership transition.
func (s *Service) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) publish(evt Event) {
	s.mu.RLock()
	listeners := make([]func(Event), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(evt)
	}
}

// Join adds nodeID to the membership list (or refreshes its address if
// already present) and publishes NodeJoined for a genuinely new member.
func (s *Service) Join(nodeID, addr string) {
	s.mu.Lock()
	_, existed := s.members[nodeID]
	s.members[nodeID] = &Member{NodeID: nodeID, Addr: addr, Status: StatusUnknown}
	s.mu.Unlock()

	if !existed {
		log.Info().Str("node_id", nodeID).Str("addr", addr).Msg("discovery: node joined")
		s.publish(Event{Kind: NodeJoined, NodeID: nodeID})
	}
}

// Leave removes nodeID from the membership list and publishes NodeLeft,
// used for a graceful/explicit departure as opposed to a failure
// detected by the probe loop.
func (s *Service) Leave(nodeID string) {
	s.mu.Lock()
	_, existed := s.members[nodeID]
	delete(s.members, nodeID)
	s.mu.Unlock()

	if existed {
		log.Info().Str("node_id", nodeID).Msg("discovery: node left")
		s.publish(Event{Kind: NodeLeft, NodeID: nodeID})
	}
}

// Members returns a snapshot of the current membership list.
func (s *Service) Members() []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	return out
}

// IsMember reports whether nodeID currently belongs to the cluster.
func (s *Service) IsMember(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[nodeID]
	return ok
}

// Start runs the periodic probe loop until ctx is done or Stop is
// called. It blocks, so callers typically run it in its own goroutine.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.probeAll(ctx)
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Stop halts the probe loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Service) probeAll(ctx context.Context) {
	for _, m := range s.Members() {
		s.probeOne(ctx, m.NodeID, m.Addr)
	}
}

func (s *Service) probeOne(ctx context.Context, nodeID, addr string) {
	err := s.checkFunc(ctx, addr)

	s.mu.Lock()
	m, ok := s.members[nodeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	m.LastCheck = time.Now()

	if err == nil {
		m.Status = StatusHealthy
		m.ConsecutiveFails = 0
		s.mu.Unlock()
		return
	}

	m.ConsecutiveFails++
	failed := m.ConsecutiveFails >= s.maxFailures
	if failed {
		m.Status = StatusUnhealthy
		delete(s.members, nodeID)
	}
	s.mu.Unlock()

	if failed {
		log.Warn().Str("node_id", nodeID).Int("consecutive_fails", m.ConsecutiveFails).Msg("discovery: node marked failed, removing")
		s.publish(Event{Kind: NodeFailed, NodeID: nodeID})
	}
}
