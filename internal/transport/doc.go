// Package transport defines the node-to-node messaging contract used by
// the update pipeline: send(node_id, message) for unordered delivery and
// sendOrdered(node_id, topic, message_id, message, ...) for delivery that
// must preserve per-(topic, node) order.
//
// The interface is transport-agnostic; internal/grpctransport supplies a
// real network implementation, and this package also exposes Memory, an
// in-memory single-process implementation exercised by this package's own
// tests.
package transport
