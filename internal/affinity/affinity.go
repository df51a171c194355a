package affinity

import (
	"github.com/cespare/xxhash/v2"
	"github.com/nodeforge/dkv/internal/topology"
)

// Func implements the two collaborator contracts callers name:
// affinity.partition(key) -> int and affinity.owners(partition,
// topology_version) -> [node_id].
type Func struct {
	numPartitions int
	top           *topology.Topology
}

// New constructs an affinity function over numPartitions partitions,
// delegating ownership resolution to top.
func New(numPartitions int, top *topology.Topology) *Func {
	return &Func{numPartitions: numPartitions, top: top}
}

// Partition maps key to a partition id in [0, numPartitions) via xxhash,
// replacing hash/fnv-based GetShardForKey.
func (f *Func) Partition(key string) int {
	h := xxhash.Sum64String(key)
	return int(h % uint64(f.numPartitions))
}

// Owners returns the ordered owner list (primary first) for partition, at
// whatever topology version is current. The topology_version parameter in
// the contract is a read, not a selector: this implementation (like
// the source it is grounded on) only ever tracks the current assignment,
// so owners as of a past version are not retained — callers that detect a
// stale topology_version must remap instead.
func (f *Func) Owners(partition int) ([]string, uint64, error) {
	return f.top.Owners(partition)
}

// Primary returns the primary owner of partition at the current topology
// version.
func (f *Func) Primary(partition int) (string, uint64, error) {
	return f.top.Primary(partition)
}

// NumPartitions returns the fixed partition count.
func (f *Func) NumPartitions() int {
	return f.numPartitions
}
