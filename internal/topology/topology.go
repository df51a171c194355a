package topology

import (
	"fmt"
	"sync"
)

// ErrUnknownPartition is returned when a partition id outside [0, P) is
// requested.
var ErrUnknownPartition = fmt.Errorf("topology: unknown partition")

// Topology tracks, for every partition, the ordered list of owning node
// ids at the current topology version. Position 0 is always the primary.
type Topology struct {
	mu      sync.RWMutex
	version uint64
	owners  [][]string // index: partition id
}

// New constructs a Topology with numPartitions slots, all unowned, at
// version 0. Callers typically follow construction with an immediate
// ApplyAssignment once the discovery collaborator reports initial
// membership.
func New(numPartitions int) *Topology {
	return &Topology{
		owners: make([][]string, numPartitions),
	}
}

// NumPartitions returns the fixed partition count P.
func (t *Topology) NumPartitions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.owners)
}

// Version returns the current topology version under the read lock.
func (t *Topology) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Owners returns a copy of the owning-node list for partition, primary
// first, and the topology version it was read at. Returns
// ErrUnknownPartition if partition is out of range.
func (t *Topology) Owners(partition int) (owners []string, ver uint64, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if partition < 0 || partition >= len(t.owners) {
		return nil, t.version, ErrUnknownPartition
	}
	src := t.owners[partition]
	cp := make([]string, len(src))
	copy(cp, src)
	return cp, t.version, nil
}

// Primary returns the primary node id for partition at the current
// version, or "" if the partition has no owners yet.
func (t *Topology) Primary(partition int) (string, uint64, error) {
	owners, ver, err := t.Owners(partition)
	if err != nil {
		return "", ver, err
	}
	if len(owners) == 0 {
		return "", ver, nil
	}
	return owners[0], ver, nil
}

// IsLocalPrimary reports whether nodeID is the primary for partition at
// the current version — the primary engine's partition-state probe uses
// this to decide whether a request must be marked for remap.
func (t *Topology) IsLocalPrimary(partition int, nodeID string) bool {
	primary, _, err := t.Primary(partition)
	return err == nil && primary != "" && primary == nodeID
}

// Assignment is a full partition→owners table for one topology version,
// produced by an affinity function and applied atomically.
type Assignment struct {
	Version uint64
	Owners  [][]string
}

// ApplyAssignment installs a's owner table as the new topology state
// under the write lock, bumping Version. Called by the membership
// integration layer whenever discovery reports a node join/leave/fail
// and the affinity function recomputes ownership.
//
// ApplyAssignment holds the write lock only long enough to swap the
// table and counter.
func (t *Topology) ApplyAssignment(a Assignment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owners = a.Owners
	t.version = a.Version
}

// ReadLocked runs fn while holding the topology read lock, for callers
// (the primary engine's topology check) that must read multiple fields
// consistently.
func (t *Topology) ReadLocked(fn func(version uint64, owners [][]string)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.version, t.owners)
}
