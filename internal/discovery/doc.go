// Package discovery tracks cluster membership and raises node-join,
// node-left and node-failed events: it publishes the current
// membership list and raises node-join/node-left/node-failed events.
//
// The periodic-probe, consecutive-failure-threshold design follows
// johnjansen-torua's coordinator.HealthMonitor (ticker-driven checks,
// a per-node consecutive-failure counter, an onUnhealthy callback) and
// other_examples' replicated-cache Node.HeartbeatLoop/bumpFail (removing
// a peer outright once it exceeds the failure threshold, rather than
// merely flagging it unhealthy) — here generalized into discrete
// join/left/failed events a topology listener can subscribe to.
package discovery
