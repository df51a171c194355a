package version

import (
	"fmt"

	"go.uber.org/atomic"
)

// Version is the cache version stamp: a 4-tuple with lexicographic
// ordering on (TopologyVer, Order, NodeOrder). Two versions are only
// comparable when DataCenterID matches.
type Version struct {
	TopologyVer  uint64
	Order        uint64
	NodeOrder    uint32
	DataCenterID uint32
}

// Zero is the version held by an entry that has never been written.
var Zero = Version{}

// String renders the version for logging.
func (v Version) String() string {
	return fmt.Sprintf("v(t=%d,o=%d,n=%d,dc=%d)", v.TopologyVer, v.Order, v.NodeOrder, v.DataCenterID)
}

// Comparable reports whether two versions belong to the same data center
// and can therefore be ordered by Compare. A mismatch must be resolved by
// an external conflict-resolution collaborator — out of
// scope for this package.
func (v Version) Comparable(other Version) bool {
	return v.DataCenterID == other.DataCenterID
}

// Compare returns -1, 0, or 1 comparing v to other under the
// (TopologyVer, Order, NodeOrder) lexicographic order. Callers must check
// Comparable first; Compare does not itself validate DataCenterID.
func (v Version) Compare(other Version) int {
	if v.TopologyVer != other.TopologyVer {
		return cmpUint64(v.TopologyVer, other.TopologyVer)
	}
	if v.Order != other.Order {
		return cmpUint64(v.Order, other.Order)
	}
	if v.NodeOrder != other.NodeOrder {
		if v.NodeOrder < other.NodeOrder {
			return -1
		}
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether v is the never-written sentinel.
func (v Version) IsZero() bool {
	return v == Zero
}

// Domain generates monotonically increasing versions for writes applied
// locally by this node. One Domain exists per node process; NodeOrder and
// DataCenterID are fixed at construction (the node's ordinal in the
// current membership and its configured data center), while Order is an
// atomic counter bumped on every call to Next.
//
// TopologyVer is supplied per call rather than stored, because the
// current topology version can change between the time a request is
// accepted and the time a version is stamped; the
// caller is expected to pass the topology version read under the
// partition-topology read lock.
type Domain struct {
	order        atomic.Uint64
	nodeOrder    atomic.Uint32
	dataCenterID uint32
}

// NewDomain constructs a version domain for a node with the given ordinal
// position in the membership (nodeOrder) and data center id.
func NewDomain(nodeOrder, dataCenterID uint32) *Domain {
	d := &Domain{dataCenterID: dataCenterID}
	d.nodeOrder.Store(nodeOrder)
	return d
}

// Next returns the next version for a write accepted at topologyVer. Safe
// for concurrent use; each call returns a strictly greater Order than any
// prior call on this Domain.
func (d *Domain) Next(topologyVer uint64) Version {
	order := d.order.Add(1)
	return Version{
		TopologyVer:  topologyVer,
		Order:        order,
		NodeOrder:    d.nodeOrder.Load(),
		DataCenterID: d.dataCenterID,
	}
}

// SetNodeOrder updates the node's ordinal position, called by the
// topology listener when membership changes shift node ordinals.
func (d *Domain) SetNodeOrder(nodeOrder uint32) {
	d.nodeOrder.Store(nodeOrder)
}
