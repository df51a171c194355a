package topology

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopologyStartsAtVersionZero(t *testing.T) {
	top := New(4)
	assert.Equal(t, uint64(0), top.Version())
	assert.Equal(t, 4, top.NumPartitions())
}

func TestApplyAssignmentBumpsVersionAndOwners(t *testing.T) {
	top := New(2)
	top.ApplyAssignment(Assignment{
		Version: 1,
		Owners:  [][]string{{"n1", "n2"}, {"n2", "n1"}},
	})

	owners, ver, err := top.Owners(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ver)
	assert.Equal(t, []string{"n1", "n2"}, owners)

	primary, _, err := top.Primary(1)
	require.NoError(t, err)
	assert.Equal(t, "n2", primary)
}

func TestOwnersReturnsCopyNotAlias(t *testing.T) {
	top := New(1)
	top.ApplyAssignment(Assignment{Version: 1, Owners: [][]string{{"n1"}}})
	owners, _, err := top.Owners(0)
	require.NoError(t, err)
	owners[0] = "corrupted"

	fresh, _, _ := top.Owners(0)
	assert.Equal(t, "n1", fresh[0])
}

func TestUnknownPartitionErrors(t *testing.T) {
	top := New(1)
	_, _, err := top.Owners(5)
	assert.ErrorIs(t, err, ErrUnknownPartition)
}

func TestIsLocalPrimary(t *testing.T) {
	top := New(1)
	top.ApplyAssignment(Assignment{Version: 1, Owners: [][]string{{"n1", "n2"}}})
	assert.True(t, top.IsLocalPrimary(0, "n1"))
	assert.False(t, top.IsLocalPrimary(0, "n2"))
}

func TestConcurrentReadsDuringWrite(t *testing.T) {
	top := New(8)
	top.ApplyAssignment(Assignment{Version: 1, Owners: make([][]string, 8)})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				top.Version()
			}
		}
	}()

	for i := 2; i < 10; i++ {
		top.ApplyAssignment(Assignment{Version: uint64(i), Owners: make([][]string, 8)})
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(9), top.Version())
}
