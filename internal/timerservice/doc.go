// Package timerservice implements a timer collaborator:
// schedule(end_time, callback) -> id, cancel(id). In the update pipeline
// it backs the deferred-ack aggregator's flush timeout; TTL expiry and
// backup-ack waits are not scheduled through it.
//
// The min-heap-of-deadlines design follows
// joeycumines-go-utilpkg/eventloop's timerHeap (container/heap over a
// []timer ordered by when), generalized from the event loop's single
// in-process Task callback to an arbitrary registered callback with a
// cancelable id, since this collaborator is shared across many
// unrelated callers rather than owned by one loop.
package timerservice
