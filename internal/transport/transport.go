package transport

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by SendOrdered when a message could not be
// delivered within the caller's timeout and skipOnTimeout selected
// "drop rather than retry forever" semantics.
var ErrTimeout = errors.New("transport: send timed out")

// ErrUnknownNode is returned when nodeID has no registered address or
// handler, e.g. because it left the cluster between affinity resolution
// and send.
var ErrUnknownNode = errors.New("transport: unknown node")

// Envelope is the opaque unit of transmission. Kind discriminates the
// wire.* message type it carries so the remote handler can pick the
// right Decode function; Payload is that message's encoded body.
type Envelope struct {
	Kind    string
	Payload []byte
}

// Handler processes an inbound Envelope from peer and returns the
// response envelope to send back, or an error to surface to the caller
// of Send/SendOrdered on the sending side.
type Handler func(ctx context.Context, peer string, env Envelope) (Envelope, error)

// Transport sends typed messages to a remote node identified by node id,
// send is unordered (fire against whatever connection is
// available), sendOrdered serializes delivery per (topic, node) pair so
// that, e.g., successive DhtUpdateRequests to the same backup for the
// same key are applied in the order they were sent.
type Transport interface {
	// Send delivers env to nodeID and returns its response. No ordering
	// guarantee relative to other concurrent sends to the same node.
	Send(ctx context.Context, nodeID string, env Envelope) (Envelope, error)

	// SendOrdered delivers env to nodeID as part of the (topic, nodeID)
	// ordering domain: messageID must be monotonically increasing per
	// (topic, nodeID) and the implementation applies them in that order
	// at the receiver. pool selects which of a small set of ordering
	// workers handles this (topic, nodeID) pair, bounding the number of
	// goroutines used for ordering without serializing unrelated topics.
	// If timeout elapses before env is accepted for delivery and
	// skipOnTimeout is true, SendOrdered returns ErrTimeout rather than
	// blocking indefinitely; if skipOnTimeout is false the deadline is
	// advisory only and the call keeps waiting on ctx instead.
	SendOrdered(ctx context.Context, nodeID, topic string, messageID uint64, env Envelope, pool int, timeout time.Duration, skipOnTimeout bool) (Envelope, error)

	// RegisterHandler installs the handler invoked for inbound envelopes
	// of the given kind. Implementations call this once per message kind
	// during wiring, before any Send/SendOrdered traffic begins.
	RegisterHandler(kind string, h Handler)
}

var _ Transport = (*Memory)(nil)
