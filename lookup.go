package dht

import (
	"net"
	"sort"
	"sync"

	log "github.com/golang/glog"
)

// boundedSet keeps the capacity closest elements seen so far, ordered by
// ascending XOR distance to a fixed target. Duplicates by identifier are
// rejected, and once the set is full an element no closer than the current
// maximum is a no-op.
type boundedSet struct {
	target   string
	capacity int
	nodes    []NodeInfo // sorted ascending by distance to target
}

func newBoundedSet(target string, capacity int) *boundedSet {
	return &boundedSet{target: target, capacity: capacity}
}

// insert places n in distance order, reporting whether the set changed.
func (s *boundedSet) insert(n NodeInfo) bool {
	for _, m := range s.nodes {
		if m.ID == n.ID {
			return false
		}
	}
	i := sort.Search(len(s.nodes), func(i int) bool {
		return distanceLess(s.target, n.ID, s.nodes[i].ID)
	})
	if len(s.nodes) >= s.capacity {
		if i >= s.capacity {
			return false
		}
		s.nodes = s.nodes[:s.capacity-1]
	}
	s.nodes = append(s.nodes, NodeInfo{})
	copy(s.nodes[i+1:], s.nodes[i:])
	s.nodes[i] = n
	return true
}

// contents returns the elements in ascending distance order.
func (s *boundedSet) contents() []NodeInfo {
	out := make([]NodeInfo, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// nodeFinder is the one slice of the query engine the iterative lookup
// needs, split out so tests can run lookups over a synthetic network.
type nodeFinder interface {
	findNode(addr *net.UDPAddr, target string) (NodeInfo, []NodeInfo, error)
}

// lookup is one run of the iterative closest-node search: alpha workers
// repeatedly query the closest not-yet-queried candidate and fold the
// answers back into a bounded set, until no unqueried candidate remains.
// Best effort: on a sparse patch of the network it can finish with fewer
// than capacity nodes, and that is success.
type lookup struct {
	target string
	finder nodeFinder
	table  *routingTable
	alpha  int

	mu      sync.Mutex
	set     *boundedSet
	queried map[string]bool
}

func newLookup(target string, finder nodeFinder, table *routingTable, k, alpha int) *lookup {
	return &lookup{
		target:  target,
		finder:  finder,
		table:   table,
		alpha:   alpha,
		set:     newBoundedSet(target, k),
		queried: make(map[string]bool),
	}
}

// run performs the search and returns the closest nodes found, sorted by
// ascending distance to the target. When seeds is non-empty the search
// starts from those instead of from local routing table knowledge.
func (l *lookup) run(seeds []NodeInfo) []NodeInfo {
	if len(seeds) == 0 && l.table != nil {
		seeds = l.table.closest(l.target, l.set.capacity)
	}
	l.mu.Lock()
	for _, s := range seeds {
		l.set.insert(s)
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < l.alpha; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.worker()
		}()
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set.contents()
}

func (l *lookup) worker() {
	for {
		n, ok := l.next()
		if !ok {
			return
		}
		resp, found, err := l.finder.findNode(n.Addr, l.target)
		if err != nil {
			// Unreachable or unhelpful; move on to the next candidate.
			log.V(3).Infof("DHT: lookup %x: node %x@%v: %v", l.target, n.ID, n.Addr, err)
			continue
		}
		if l.table != nil {
			// The reply names who actually answered; the id we dialed with
			// may be stale.
			l.table.markAlive(resp)
		}
		l.mu.Lock()
		for _, f := range found {
			l.set.insert(f)
		}
		l.mu.Unlock()
	}
}

// next claims the closest candidate that hasn't been queried yet. ok is
// false when every node currently in the set has been asked, which is this
// worker's signal to stop.
func (l *lookup) next() (NodeInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.set.nodes {
		if !l.queried[n.ID] {
			l.queried[n.ID] = true
			return n, true
		}
	}
	return NodeInfo{}, false
}
