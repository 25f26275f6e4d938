package dht

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
)

const numBuckets = nodeIdLen * 8

type nodeStatus int

const (
	// statusUnknown nodes were heard about but never answered us.
	statusUnknown nodeStatus = iota
	statusAlive
	statusDead
)

// remoteNode is the routing table's record of another participant.
type remoteNode struct {
	id       string
	addr     *net.UDPAddr
	status   nodeStatus
	lastSeen time.Time
}

type bucket struct {
	nodes       []*remoteNode
	lastChanged time.Time
}

// routingTable tracks known nodes in 160 k-buckets, indexed by how long a
// prefix their identifier shares with ours. It is the only structure here
// that outlives a lookup cycle, and it is mutated from several goroutines,
// so everything goes through the mutex.
type routingTable struct {
	mu     sync.RWMutex
	nodeId string
	k      int
	clk    clock.Clock

	buckets [numBuckets]bucket
	// addresses maps "host:port" to the node currently answering there,
	// which is how identifier churn at a fixed address gets noticed.
	addresses map[string]*remoteNode
}

func newRoutingTable(nodeId string, k int, clk clock.Clock) *routingTable {
	return &routingTable{
		nodeId:    nodeId,
		k:         k,
		clk:       clk,
		addresses: make(map[string]*remoteNode),
	}
}

// observe records a sighting of id at addr. Alive sightings refresh
// existing entries; a full bucket replaces a dead entry or else rejects
// the newcomer, keeping long-lived nodes in place. If addr was known under
// a different identifier, the stale record is dropped first, but only an
// alive sighting may do that: a different id at a known address is
// otherwise just hearsay, and any node could fabricate such pairs in its
// replies to push confirmed entries out of the table.
func (rt *routingTable) observe(id string, addr *net.UDPAddr, status nodeStatus) bool {
	if bogusId(id) || id == rt.nodeId || addr == nil {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	key := addr.String()
	if n, ok := rt.addresses[key]; ok {
		if n.id == id {
			if status == statusAlive {
				n.status = statusAlive
				n.lastSeen = rt.clk.Now()
			}
			return true
		}
		if status != statusAlive {
			return false
		}
		log.V(3).Infof("DHT: node at %v changed ids %x => %x", key, n.id, id)
		rt.removeLocked(n)
	}
	b := &rt.buckets[commonBits(rt.nodeId, id)]
	if len(b.nodes) >= rt.k {
		replaced := false
		for _, n := range b.nodes {
			if n.status == statusDead {
				rt.removeLocked(n)
				replaced = true
				break
			}
		}
		if !replaced {
			return false
		}
	}
	n := &remoteNode{id: id, addr: addr, status: status, lastSeen: rt.clk.Now()}
	b.nodes = append(b.nodes, n)
	b.lastChanged = rt.clk.Now()
	rt.addresses[key] = n
	return true
}

// markAlive records that n answered a query of ours.
func (rt *routingTable) markAlive(n NodeInfo) {
	rt.observe(n.ID, n.Addr, statusAlive)
}

// markDead flags the entry for id without removing it; dead entries are
// the first to be displaced when their bucket fills up.
func (rt *routingTable) markDead(id string) {
	if bogusId(id) || id == rt.nodeId {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, n := range rt.buckets[commonBits(rt.nodeId, id)].nodes {
		if n.id == id {
			n.status = statusDead
			return
		}
	}
}

// idAt returns the identifier the table currently associates with addr.
func (rt *routingTable) idAt(addr *net.UDPAddr) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n, ok := rt.addresses[addr.String()]
	if !ok {
		return "", false
	}
	return n.id, true
}

// closest returns up to count nodes sorted by ascending XOR distance to
// target. Dead nodes are not handed out.
func (rt *routingTable) closest(target string, count int) []NodeInfo {
	rt.mu.RLock()
	all := make([]NodeInfo, 0, count*2)
	for i := range rt.buckets {
		for _, n := range rt.buckets[i].nodes {
			if n.status == statusDead {
				continue
			}
			all = append(all, NodeInfo{ID: n.id, Addr: n.addr})
		}
	}
	rt.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		return distanceLess(target, all[i].ID, all[j].ID)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

func (rt *routingTable) length() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.addresses)
}

// refreshTarget names one random identifier inside a bucket that hasn't
// seen changes lately, plus the nodes currently in that bucket.
type refreshTarget struct {
	target string
	nodes  []NodeInfo
}

// refreshTargets picks the buckets untouched for at least staleAfter and
// stamps them as refreshed, so the caller doesn't re-pick them while its
// queries are still in flight.
func (rt *routingTable) refreshTargets(staleAfter time.Duration) []refreshTarget {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := rt.clk.Now()
	var targets []refreshTarget
	for i := range rt.buckets {
		b := &rt.buckets[i]
		if len(b.nodes) == 0 || now.Sub(b.lastChanged) < staleAfter {
			continue
		}
		t := refreshTarget{target: rt.randomIdForBucket(i)}
		for _, n := range b.nodes {
			if n.status == statusDead {
				continue
			}
			t.nodes = append(t.nodes, NodeInfo{ID: n.id, Addr: n.addr})
		}
		if len(t.nodes) > 0 {
			targets = append(targets, t)
			b.lastChanged = now
		}
	}
	return targets
}

// randomIdForBucket generates an identifier sharing exactly i leading bits
// with ours, so a lookup for it lands in bucket i.
func (rt *routingTable) randomIdForBucket(i int) string {
	id := []byte(randNodeId())
	for bit := 0; bit < i; bit++ {
		mask := byte(0x80) >> (bit % 8)
		if rt.nodeId[bit/8]&mask != 0 {
			id[bit/8] |= mask
		} else {
			id[bit/8] &^= mask
		}
	}
	mask := byte(0x80) >> (i % 8)
	if rt.nodeId[i/8]&mask != 0 {
		id[i/8] &^= mask
	} else {
		id[i/8] |= mask
	}
	return string(id)
}

// removeLocked drops n from its bucket and the address index. Caller holds
// the write lock.
func (rt *routingTable) removeLocked(victim *remoteNode) {
	b := &rt.buckets[commonBits(rt.nodeId, victim.id)]
	for i, n := range b.nodes {
		if n == victim {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			break
		}
	}
	delete(rt.addresses, victim.addr.String())
}
