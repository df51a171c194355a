package grpctransport

import (
	"github.com/nodeforge/dkv/internal/transport"
	"github.com/nodeforge/dkv/internal/wire"
)

// encodeEnvelope packs env's Kind/Payload into a single Frame body using
// internal/wire's length-prefixed primitives.
func encodeEnvelope(env transport.Envelope) []byte {
	w := wire.NewWriter()
	w.String(env.Kind)
	w.PutBytes(env.Payload)
	return w.Bytes()
}

// decodeEnvelope reverses encodeEnvelope.
func decodeEnvelope(data []byte) (transport.Envelope, error) {
	r := wire.NewReader(data)
	kind, err := r.String()
	if err != nil {
		return transport.Envelope{}, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return transport.Envelope{}, err
	}
	return transport.Envelope{Kind: kind, Payload: payload}, nil
}
