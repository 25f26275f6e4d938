package dht

import (
	"expvar"
	"fmt"
	"net"

	log "github.com/golang/glog"
)

var (
	totalSentPing         = expvar.NewInt("totalSentPing")
	totalSentFindNode     = expvar.NewInt("totalSentFindNode")
	totalSentGetPeers     = expvar.NewInt("totalSentGetPeers")
	totalSentAnnouncePeer = expvar.NewInt("totalSentAnnouncePeer")
)

// queryEngine issues the four query kinds and type-checks the replies. One
// call means one network round-trip; the calling goroutine blocks until a
// reply, timeout or transport failure resolves it.
type queryEngine struct {
	localId string
	tr      *transport
}

func (e *queryEngine) call(addr *net.UDPAddr, q query) (NodeInfo, response, error) {
	method, args := encodeQuery(e.localId, q)
	m, err := e.tr.roundTrip(*addr, method, args)
	if err != nil {
		return NodeInfo{}, response{}, err
	}
	if m.Y == "e" {
		// The remote refused the query. Still only costs this exchange.
		return NodeInfo{}, response{}, fmt.Errorf("remote error from %v: %v", addr, m.E)
	}
	remoteId, r, err := decodeResponse(q, m.R)
	if err != nil {
		return NodeInfo{}, response{}, err
	}
	return NodeInfo{ID: remoteId, Addr: addr}, r, nil
}

// ping probes addr for liveness. It never returns an error: any failure,
// be it a timeout, a decode problem or a wrong reply shape, just means
// "no answer" to the caller.
func (e *queryEngine) ping(addr *net.UDPAddr) *NodeInfo {
	totalSentPing.Add(1)
	n, _, err := e.call(addr, query{kind: queryPing})
	if err != nil {
		log.V(3).Infof("DHT: ping %v: %v", addr, err)
		return nil
	}
	return &n
}

// findNode asks addr for the nodes it knows closest to target. Callers are
// expected to catch errors per node rather than let one bad node abort a
// batch.
func (e *queryEngine) findNode(addr *net.UDPAddr, target string) (NodeInfo, []NodeInfo, error) {
	totalSentFindNode.Add(1)
	log.V(4).Infof("DHT: sending find_node to %v, target %x, distance %x",
		addr, target, hashDistance(InfoHash(target), InfoHash(e.localId)))
	n, r, err := e.call(addr, query{kind: queryFindNode, target: target})
	if err != nil {
		return NodeInfo{}, nil, err
	}
	return n, r.nodes, nil
}

// getPeers asks addr for peers downloading ih. The returned token is what
// a later announcePeer to the same node must echo back.
func (e *queryEngine) getPeers(addr *net.UDPAddr, ih InfoHash) (n NodeInfo, token string, peers []string, nodes []NodeInfo, err error) {
	totalSentGetPeers.Add(1)
	log.V(4).Infof("DHT: sending get_peers to %v, ih %v", addr, ih)
	n, r, err := e.call(addr, query{kind: queryGetPeers, infoHash: ih})
	if err != nil {
		return NodeInfo{}, "", nil, nil, err
	}
	return n, r.token, r.values, r.nodes, nil
}

// announcePeer advertises that we are a peer for ih, reachable on port,
// using the token that addr handed us earlier.
func (e *queryEngine) announcePeer(addr *net.UDPAddr, port int, token string, ih InfoHash) (NodeInfo, error) {
	totalSentAnnouncePeer.Add(1)
	log.V(4).Infof("DHT: sending announce_peer to %v, ih %v port %d", addr, ih, port)
	n, _, err := e.call(addr, query{kind: queryAnnouncePeer, infoHash: ih, port: port, token: token})
	if err != nil {
		return NodeInfo{}, err
	}
	return n, nil
}
