package near

import (
	"context"

	"github.com/nodeforge/dkv/internal/transport"
	"github.com/nodeforge/dkv/internal/wire"
)

// RegisterHandler installs the inbound side of the near-update protocol on
// tp: a remote Coordinator's request for a key this node is primary for
// arrives as a KindNearUpdateRequest envelope and is handed straight to
// local, the same Dispatcher a local Coordinator would call in-process.
func RegisterHandler(tp transport.Transport, local Dispatcher) {
	tp.RegisterHandler(wire.KindNearUpdateRequest, func(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
		req, err := wire.DecodeNearUpdateRequest(wire.NewReader(env.Payload))
		if err != nil {
			return transport.Envelope{}, err
		}
		resp, err := local.HandleNearUpdate(ctx, req)
		if err != nil {
			return transport.Envelope{}, err
		}
		w := wire.NewWriter()
		resp.Encode(w)
		return transport.Envelope{Kind: wire.KindNearUpdateResponse, Payload: w.Bytes()}, nil
	})
}
