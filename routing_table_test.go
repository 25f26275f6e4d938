package dht

import (
	"fmt"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNodeId = "01abcdefghij01234567"

func TestCommonBits(t *testing.T) {
	table := []struct {
		id        string
		proximity int
	}{
		{testNodeId, 160},
		{"01abcdefghij01234566", 159},
		{"01abcdefghij01234568", 156},
		{"01abcdefghij01234569", 156},
		{"01abcdefghij0123456a", 153},
		{"01abcdefghij0123456b", 153},
	}
	for _, v := range table {
		if c := commonBits(testNodeId, v.id); c != v.proximity {
			t.Errorf("commonBits(%q): wanted %d got %d", v.id, v.proximity, c)
		}
	}
}

func tableAddr(i int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 20000 + i}
}

// idInBucket builds an identifier landing in the given bucket of a table
// whose own id is selfId.
func idInBucket(selfId string, bucket, salt int) string {
	id := []byte(fmt.Sprintf("%020d", salt))
	for bit := 0; bit < bucket; bit++ {
		mask := byte(0x80) >> (bit % 8)
		if selfId[bit/8]&mask != 0 {
			id[bit/8] |= mask
		} else {
			id[bit/8] &^= mask
		}
	}
	mask := byte(0x80) >> (bucket % 8)
	if selfId[bucket/8]&mask != 0 {
		id[bucket/8] &^= mask
	} else {
		id[bucket/8] |= mask
	}
	return string(id)
}

func TestRoutingTableObserve(t *testing.T) {
	rt := newRoutingTable(testNodeId, 8, clock.NewMock())

	assert.False(t, rt.observe(testNodeId, tableAddr(0), statusAlive), "own id must be rejected")
	assert.False(t, rt.observe("short", tableAddr(0), statusAlive), "bogus id must be rejected")

	id := idInBucket(testNodeId, 10, 1)
	require.True(t, rt.observe(id, tableAddr(1), statusUnknown))
	assert.Equal(t, 1, rt.length())

	// Observing the same node again is idempotent.
	require.True(t, rt.observe(id, tableAddr(1), statusAlive))
	assert.Equal(t, 1, rt.length())

	got, ok := rt.idAt(tableAddr(1))
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestRoutingTableFullBucket(t *testing.T) {
	rt := newRoutingTable(testNodeId, 2, clock.NewMock())

	a := idInBucket(testNodeId, 3, 1)
	b := idInBucket(testNodeId, 3, 2)
	c := idInBucket(testNodeId, 3, 3)
	require.True(t, rt.observe(a, tableAddr(1), statusAlive))
	require.True(t, rt.observe(b, tableAddr(2), statusAlive))

	// Bucket full of live nodes: newcomers are rejected.
	assert.False(t, rt.observe(c, tableAddr(3), statusUnknown))

	// A dead entry is the first to go.
	rt.markDead(a)
	assert.True(t, rt.observe(c, tableAddr(3), statusUnknown))
	ids := nodeIds(rt.closest(testNodeId, 10))
	assert.NotContains(t, ids, a)
	assert.Contains(t, ids, b)
	assert.Contains(t, ids, c)
}

func TestRoutingTableIdChurn(t *testing.T) {
	rt := newRoutingTable(testNodeId, 8, clock.NewMock())

	old := idInBucket(testNodeId, 5, 1)
	require.True(t, rt.observe(old, tableAddr(1), statusAlive))

	// The same address answers with a new identifier; the stale record
	// must not linger.
	fresh := idInBucket(testNodeId, 7, 2)
	require.True(t, rt.observe(fresh, tableAddr(1), statusAlive))
	assert.Equal(t, 1, rt.length())
	got, ok := rt.idAt(tableAddr(1))
	require.True(t, ok)
	assert.Equal(t, fresh, got)
	assert.NotContains(t, nodeIds(rt.closest(testNodeId, 10)), old)
}

func TestRoutingTableHearsayCannotDisplace(t *testing.T) {
	rt := newRoutingTable(testNodeId, 8, clock.NewMock())

	confirmed := idInBucket(testNodeId, 5, 1)
	require.True(t, rt.observe(confirmed, tableAddr(1), statusAlive))

	// A third party claims a different node answers at that address. An
	// unconfirmed sighting must not evict the record we verified ourselves.
	claimed := idInBucket(testNodeId, 7, 2)
	assert.False(t, rt.observe(claimed, tableAddr(1), statusUnknown))

	got, ok := rt.idAt(tableAddr(1))
	require.True(t, ok)
	assert.Equal(t, confirmed, got)
	assert.NotContains(t, nodeIds(rt.closest(testNodeId, 10)), claimed)

	// A direct answer from the address is not hearsay; the id change takes.
	require.True(t, rt.observe(claimed, tableAddr(1), statusAlive))
	got, ok = rt.idAt(tableAddr(1))
	require.True(t, ok)
	assert.Equal(t, claimed, got)
}

func TestRoutingTableClosest(t *testing.T) {
	rt := newRoutingTable(testNodeId, 8, clock.NewMock())
	target := randNodeId()

	var ids []string
	for i := 0; i < 30; i++ {
		id := randNodeId()
		if rt.observe(id, tableAddr(i), statusAlive) {
			ids = append(ids, id)
		}
	}
	require.NotEmpty(t, ids)

	got := rt.closest(target, 8)
	require.True(t, len(got) <= 8)

	sort.Slice(ids, func(i, j int) bool { return distanceLess(target, ids[i], ids[j]) })
	want := ids
	if len(want) > 8 {
		want = want[:8]
	}
	assert.Equal(t, want, nodeIds(got), "closest must return the nearest nodes in ascending distance order")
}

func TestRandomIdForBucket(t *testing.T) {
	rt := newRoutingTable(testNodeId, 8, clock.NewMock())
	for _, bucket := range []int{0, 1, 7, 8, 42, 155} {
		id := rt.randomIdForBucket(bucket)
		assert.Equal(t, bucket, commonBits(testNodeId, id), "bucket %d", bucket)
	}
}

func TestRefreshTargets(t *testing.T) {
	mock := clock.NewMock()
	rt := newRoutingTable(testNodeId, 8, mock)

	require.True(t, rt.observe(idInBucket(testNodeId, 4, 1), tableAddr(1), statusAlive))
	require.True(t, rt.observe(idInBucket(testNodeId, 9, 2), tableAddr(2), statusAlive))

	// Nothing is stale yet.
	assert.Empty(t, rt.refreshTargets(time.Minute))

	mock.Add(2 * time.Minute)
	targets := rt.refreshTargets(time.Minute)
	require.Len(t, targets, 2)
	for _, tgt := range targets {
		require.Len(t, tgt.nodes, 1)
		// The random target must land in the bucket being refreshed.
		assert.Equal(t, commonBits(testNodeId, tgt.nodes[0].ID), commonBits(testNodeId, tgt.target))
	}

	// Issuing the refresh stamped the buckets; they are not stale again
	// until another period passes.
	assert.Empty(t, rt.refreshTargets(time.Minute))
}

func nodeIds(nodes []NodeInfo) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
