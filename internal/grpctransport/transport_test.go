package grpctransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nodeforge/dkv/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPeer brings up a GRPCTransport listening on an ephemeral loopback
// port and registers kind's handler on it, returning the transport and
// its dial address.
func startPeer(t *testing.T, kind string, h transport.Handler, resolve Resolver) (*GRPCTransport, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gt := NewGRPCTransport(resolve)
	gt.RegisterHandler(kind, h)

	go gt.Serve(lis)
	t.Cleanup(func() { gt.Close() })

	return gt, lis.Addr().String()
}

func TestGRPCTransportSendRoundTrip(t *testing.T) {
	var serverAddr string
	server, addr := startPeer(t, "echo", func(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
		return transport.Envelope{Kind: "echo-reply", Payload: append([]byte("reply:"), env.Payload...)}, nil
	}, func(nodeID string) (string, error) { return "", assert.AnError })
	serverAddr = addr
	_ = server

	client := NewGRPCTransport(func(nodeID string) (string, error) {
		if nodeID == "peer-1" {
			return serverAddr, nil
		}
		return "", assert.AnError
	})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, "peer-1", transport.Envelope{Kind: "echo", Payload: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "echo-reply", resp.Kind)
	assert.Equal(t, "reply:hello", string(resp.Payload))
}

func TestGRPCTransportSendUnknownKindReturnsError(t *testing.T) {
	_, addr := startPeer(t, "known", func(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
		return transport.Envelope{}, nil
	}, nil)

	client := NewGRPCTransport(func(nodeID string) (string, error) { return addr, nil })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Send(ctx, "peer-1", transport.Envelope{Kind: "unknown-kind"})
	assert.Error(t, err)
}

func TestGRPCTransportSendOrderedRoutesToSamePool(t *testing.T) {
	_, addr := startPeer(t, "seq", func(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
		return transport.Envelope{Kind: "seq-ack", Payload: env.Payload}, nil
	}, nil)

	client := NewGRPCTransport(func(nodeID string) (string, error) { return addr, nil })
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		resp, err := client.SendOrdered(ctx, "peer-1", "partition-7", uint64(i), transport.Envelope{Kind: "seq", Payload: []byte{byte(i)}}, 0, time.Second, false)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, resp.Payload)
	}
}
