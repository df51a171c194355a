package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCompareLexicographic(t *testing.T) {
	base := Version{TopologyVer: 1, Order: 5, NodeOrder: 2, DataCenterID: 1}

	cases := []struct {
		name string
		v    Version
		want int
	}{
		{"higher topology wins", Version{TopologyVer: 2, Order: 0, NodeOrder: 0, DataCenterID: 1}, -1},
		{"same topology, higher order wins", Version{TopologyVer: 1, Order: 6, NodeOrder: 0, DataCenterID: 1}, -1},
		{"same topology+order, higher node order wins", Version{TopologyVer: 1, Order: 5, NodeOrder: 3, DataCenterID: 1}, -1},
		{"identical", base, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, base.Compare(tc.v))
			assert.Equal(t, -tc.want, tc.v.Compare(base))
		})
	}
}

func TestVersionComparableRequiresSameDataCenter(t *testing.T) {
	a := Version{DataCenterID: 1}
	b := Version{DataCenterID: 2}
	assert.False(t, a.Comparable(b))
	assert.True(t, a.Comparable(a))
}

func TestDomainNextIsMonotonic(t *testing.T) {
	d := NewDomain(3, 7)
	v1 := d.Next(10)
	v2 := d.Next(10)
	require.Equal(t, uint32(3), v1.NodeOrder)
	require.Equal(t, uint32(7), v1.DataCenterID)
	assert.Equal(t, -1, v1.Compare(v2))
}

func TestDomainConcurrentNextNeverRepeats(t *testing.T) {
	d := NewDomain(0, 0)
	const n = 200
	seen := make(chan Version, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			seen <- d.Next(1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	close(seen)

	orders := make(map[uint64]struct{}, n)
	for v := range seen {
		_, dup := orders[v.Order]
		require.False(t, dup, "duplicate order %d", v.Order)
		orders[v.Order] = struct{}{}
	}
	assert.Len(t, orders, n)
}

func TestDomainSetNodeOrder(t *testing.T) {
	d := NewDomain(1, 0)
	d.SetNodeOrder(9)
	v := d.Next(0)
	assert.Equal(t, uint32(9), v.NodeOrder)
}
