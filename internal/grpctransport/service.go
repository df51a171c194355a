package grpctransport

import (
	"context"

	"google.golang.org/grpc"
)

// rawServer is the interface the hand-written ServiceDesc below dispatches
// to; Server (in transport.go) implements it. There is no .proto file and
// no generated stub: RawTransport exposes exactly one RPC, Exchange, which
// moves an opaque Frame in and an opaque Frame out.
type rawServer interface {
	Exchange(ctx context.Context, in *Frame) (*Frame, error)
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rawServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/dkv.raw.RawTransport/Exchange",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rawServer).Exchange(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// rawTransportServiceDesc stands in for the grpc.ServiceDesc a .proto
// file would normally generate.
var rawTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: "dkv.raw.RawTransport",
	HandlerType: (*rawServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dkv/rawtransport",
}

// rawClient is the hand-written equivalent of a generated *<Service>Client.
type rawClient struct {
	cc *grpc.ClientConn
}

func newRawClient(cc *grpc.ClientConn) *rawClient {
	return &rawClient{cc: cc}
}

func (c *rawClient) Exchange(ctx context.Context, in *Frame, opts ...grpc.CallOption) (*Frame, error) {
	out := new(Frame)
	if err := c.cc.Invoke(ctx, "/dkv.raw.RawTransport/Exchange", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
