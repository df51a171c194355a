package entrystore

import (
	"sync"
	"time"

	"github.com/nodeforge/dkv/internal/version"
)

// Entry is a single key's value and metadata, guarded by its own lock.
// Fields other than Mu must only be read or written while Mu is held,
// except for the identity field (Key), which is immutable after
// creation.
//
// Lifecycle:
//   - An Entry begins empty (zero Value, zero Version) the moment a key
//     is first referenced, before any write has ever landed on it.
//   - ApplyWrite and ApplyDelete both stamp a strictly increasing
//     Version; nothing in this package enforces that monotonicity, it's
//     a contract the caller (the primary engine) upholds by construction.
//   - Once Obsolete is set, the Entry is retired forever: getOrCreate
//     will never hand it out again for its Key, and the same key can
//     only be reintroduced by way of a brand new Entry object.
//   - Deleted implies Value/ValueBytes are cleared but Version is kept
//     as a tombstone stamp, so a later read can still answer "deleted at
//     version N" rather than "never existed", until the deferred-delete
//     queue discards the tombstone outright.
//
// Invariants:
//   - Version is strictly monotonic for the lifetime of the Entry.
//   - Once Obsolete is set, the Entry is never reanimated; the same key
//     may only be re-inserted by constructing a new Entry.
//   - Deleted implies Value/ValueBytes are cleared but Version is kept as
//     a tombstone stamp until the deferred-delete queue discards it.
type Entry struct {
	// Mu is the entry's intrinsic lock. Every other field on this
	// struct, Key excepted, requires Mu held for both reads and writes.
	Mu sync.Mutex

	// Key is the user-visible key this entry answers for. Immutable
	// after construction; never touched again once set.
	Key string
	// Value is the decoded application value, set by ApplyWrite and
	// cleared by ApplyDelete. Nil before the first write or after a
	// delete.
	Value any
	// ValueBytes is the wire-encoded form of Value, kept alongside it
	// so replication and read paths that only need bytes never pay to
	// re-encode.
	ValueBytes []byte
	// Version is the write stamp of the most recent ApplyWrite or
	// ApplyDelete. Strictly increasing for the Entry's lifetime.
	Version version.Version

	// CreatedAt is set once, on the first ApplyWrite, and never
	// overwritten by subsequent writes.
	CreatedAt time.Time
	// TTL is the duration supplied by the most recent ApplyWrite; zero
	// means the entry never expires.
	TTL time.Duration
	// ExpiresAt is derived from TTL at write time; IsExpired compares
	// against it directly rather than recomputing from CreatedAt+TTL.
	ExpiresAt time.Time

	// Obsolete is a one-way flag: once true, this Entry object is dead
	// and must never be returned to a caller asking for its Key again.
	Obsolete bool
	// Deleted marks the entry as a tombstone: Value/ValueBytes are
	// cleared but Version still records when the delete happened.
	Deleted bool
}

// IsExpired reports whether the entry's TTL has elapsed as of now.
//
// Parameters:
//   - now: the instant to compare ExpiresAt against; callers pass a
//     single captured time.Now() across a batch so a whole partition
//     scan judges every entry against the same instant.
//
// Returns:
//   - false for an entry with a zero ExpiresAt (no TTL was ever set).
//   - true once now is at or after ExpiresAt.
//
// Thread safety: the caller must hold e.Mu; IsExpired does not lock.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// ApplyWrite stamps a new version and value onto the entry as the
// result of an accepted UPDATE.
//
// Parameters:
//   - v: the version to stamp; the caller is responsible for ensuring
//     it is strictly greater than e.Version.
//   - value, valueBytes: the decoded value and its wire encoding.
//   - ttl: zero means the write never expires; otherwise ExpiresAt is
//     set to now.Add(ttl).
//   - now: the instant CreatedAt is set to, the first time only.
//
// Returns: the value and bytes the entry held immediately before this
// write, for callers implementing a return-previous-value option.
//
// Thread safety: must be called with e.Mu held.
func (e *Entry) ApplyWrite(v version.Version, value any, valueBytes []byte, ttl time.Duration, now time.Time) (oldValue any, oldValueBytes []byte) {
	oldValue, oldValueBytes = e.Value, e.ValueBytes
	e.Value = value
	e.ValueBytes = valueBytes
	e.Version = v
	e.TTL = ttl
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	} else {
		e.ExpiresAt = time.Time{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.Deleted = false
	return oldValue, oldValueBytes
}

// ApplyDelete stamps a tombstone version onto the entry as the result
// of an accepted DELETE.
//
// Parameters:
//   - v: the version to stamp; must be strictly greater than e.Version.
//
// Returns: the value and bytes the entry held immediately before the
// delete, for callers implementing a return-previous-value option.
//
// Thread safety: must be called with e.Mu held.
func (e *Entry) ApplyDelete(v version.Version) (oldValue any, oldValueBytes []byte) {
	oldValue, oldValueBytes = e.Value, e.ValueBytes
	e.Value = nil
	e.ValueBytes = nil
	e.Version = v
	e.Deleted = true
	return oldValue, oldValueBytes
}
