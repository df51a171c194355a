// Package deferredack implements the per-backup-node coalesced
// acknowledgment buffer: PRIMARY_SYNC and FULL_ASYNC backup applies
// don't reply to their source node one at a time, they accumulate
// future versions into a buffer that flushes either when it crosses a
// size threshold or when a scheduled timeout elapses, whichever comes
// first, and ships exactly one coalesced message per flush.
//
// The "sealed" guard this package provides (a single atomic boolean so
// a buffer ships at most once, with new adds after sealing starting a
// fresh buffer) is implemented with go.uber.org/atomic.Bool's
// CompareAndSwap, from the same typed-atomics package internal/version
// uses for its order counter.
package deferredack
