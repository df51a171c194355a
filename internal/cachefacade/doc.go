// Package cachefacade assembles every collaborator named across
// entrystore, version, topology, affinity, wire, transport, store,
// timerservice, futures, discovery, primary, backup, deferredack, and
// near into the single Cache a dkvnode process embeds: one constructor
// wires the graph in dependency order, and three methods (Put, Remove,
// Transform) are the only entry points a caller needs.
//
// Grounded on the top-level Node type in cmd/torua-node and
// internal/cluster, which plays the same "one struct owns every
// collaborator, one constructor wires them" role for a much smaller
// graph.
package cachefacade
