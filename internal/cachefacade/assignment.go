package cachefacade

import (
	"sort"

	"github.com/nodeforge/dkv/internal/topology"
)

// computeAssignment builds a full partition→owners table from the
// current membership, placing each partition's primary and backups
// round-robin across the sorted member list. The rebalancing policy
// itself is otherwise unspecified — round-robin over a deterministic
// node order gives every node an even share and, crucially, yields the
// same table on every node without a coordinator, since it is a pure
// function of (members, numPartitions, backups).
func computeAssignment(version uint64, members []string, numPartitions, backups int) topology.Assignment {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	owners := make([][]string, numPartitions)
	if len(sorted) == 0 {
		return topology.Assignment{Version: version, Owners: owners}
	}

	replicas := backups + 1
	if replicas > len(sorted) {
		replicas = len(sorted)
	}

	for p := 0; p < numPartitions; p++ {
		start := p % len(sorted)
		set := make([]string, 0, replicas)
		for i := 0; i < replicas; i++ {
			set = append(set, sorted[(start+i)%len(sorted)])
		}
		owners[p] = set
	}
	return topology.Assignment{Version: version, Owners: owners}
}
