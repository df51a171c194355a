package grpctransport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nodeforge/dkv/internal/transport"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Server is the inbound half of a node's RawTransport endpoint: it owns
// the registered transport.Handler table and dispatches decoded
// envelopes to them.
type Server struct {
	grpcServer *grpc.Server

	mu       sync.RWMutex
	handlers map[string]transport.Handler
}

// NewServer constructs a Server with its gRPC listener forced onto the
// raw codec (see codec.go); no transport.Handler is registered yet.
func NewServer() *Server {
	s := &Server{handlers: make(map[string]transport.Handler)}
	s.grpcServer = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	s.grpcServer.RegisterService(&rawTransportServiceDesc, s)
	return s
}

// RegisterHandler installs h for inbound envelopes of kind.
func (s *Server) RegisterHandler(kind string, h transport.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Exchange implements rawServer: it is the single RPC method every
// inbound Send/SendOrdered call ultimately invokes on the remote peer.
func (s *Server) Exchange(ctx context.Context, in *Frame) (*Frame, error) {
	env, err := decodeEnvelope(in.Data)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "grpctransport: malformed envelope: %v", err)
	}

	s.mu.RLock()
	h, ok := s.handlers[env.Kind]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "grpctransport: no handler registered for kind %q", env.Kind)
	}

	peerAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		peerAddr = p.Addr.String()
	}

	resp, err := h(ctx, peerAddr, env)
	if err != nil {
		return nil, err
	}
	return &Frame{Data: encodeEnvelope(resp)}, nil
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop gracefully drains in-flight RPCs and stops serving.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

var _ transport.Transport = (*GRPCTransport)(nil)

type orderedJob struct {
	ctx    context.Context
	nodeID string
	env    transport.Envelope
	respCh chan orderedResult
}

type orderedResult struct {
	env transport.Envelope
	err error
}

// Resolver maps a node id to the dial address of its RawTransport
// endpoint, backed in practice by internal/discovery's membership view.
type Resolver func(nodeID string) (addr string, err error)

// GRPCTransport is the real network transport.Transport implementation:
// an embedded *Server handles inbound RPCs, and a pool of lazily-dialed
// client connections handles outbound Send/SendOrdered calls.
type GRPCTransport struct {
	*Server

	resolve  Resolver
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	workersOnce sync.Once
	workers     []chan orderedJob
	numWorkers  int
}

// NewGRPCTransport constructs a transport that dials peers on demand
// using resolve to turn a node id into a host:port.
func NewGRPCTransport(resolve Resolver) *GRPCTransport {
	return &GRPCTransport{
		Server:  NewServer(),
		resolve: resolve,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		},
		conns:      make(map[string]*grpc.ClientConn),
		numWorkers: 8,
	}
}

func (t *GRPCTransport) clientFor(nodeID string) (*rawClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[nodeID]; ok {
		return newRawClient(conn), nil
	}
	addr, err := t.resolve(nodeID)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[nodeID] = conn
	log.Debug().Str("node_id", nodeID).Str("addr", addr).Msg("grpctransport: dialed peer")
	return newRawClient(conn), nil
}

// Send implements transport.Transport.
func (t *GRPCTransport) Send(ctx context.Context, nodeID string, env transport.Envelope) (transport.Envelope, error) {
	c, err := t.clientFor(nodeID)
	if err != nil {
		return transport.Envelope{}, err
	}
	out, err := c.Exchange(ctx, &Frame{Data: encodeEnvelope(env)})
	if err != nil {
		return transport.Envelope{}, err
	}
	return decodeEnvelope(out.Data)
}

func (t *GRPCTransport) ensureWorkers() {
	t.workersOnce.Do(func() {
		t.workers = make([]chan orderedJob, t.numWorkers)
		for i := range t.workers {
			ch := make(chan orderedJob, 256)
			t.workers[i] = ch
			go t.runWorker(ch)
		}
	})
}

func (t *GRPCTransport) runWorker(ch chan orderedJob) {
	for job := range ch {
		env, err := t.Send(job.ctx, job.nodeID, job.env)
		job.respCh <- orderedResult{env: env, err: err}
	}
}

// SendOrdered implements transport.Transport, preserving delivery order
// per (topic, nodeID) by routing every call for that pair through the
// same worker goroutine.
func (t *GRPCTransport) SendOrdered(ctx context.Context, nodeID, topic string, messageID uint64, env transport.Envelope, pool int, timeout time.Duration, skipOnTimeout bool) (transport.Envelope, error) {
	t.ensureWorkers()
	idx := xxhash.Sum64String(topic+"|"+nodeID) % uint64(len(t.workers))
	job := orderedJob{ctx: ctx, nodeID: nodeID, env: env, respCh: make(chan orderedResult, 1)}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case t.workers[idx] <- job:
		case <-timer.C:
			if skipOnTimeout {
				return transport.Envelope{}, transport.ErrTimeout
			}
			select {
			case t.workers[idx] <- job:
			case <-ctx.Done():
				return transport.Envelope{}, ctx.Err()
			}
		case <-ctx.Done():
			return transport.Envelope{}, ctx.Err()
		}
	} else {
		select {
		case t.workers[idx] <- job:
		case <-ctx.Done():
			return transport.Envelope{}, ctx.Err()
		}
	}

	select {
	case res := <-job.respCh:
		return res.env, res.err
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

// Close stops the embedded server and tears down all outbound
// connections.
func (t *GRPCTransport) Close() error {
	t.Server.Stop()
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, id)
	}
	return firstErr
}
