package dht

import (
	"expvar"
	"fmt"
	"net"

	log "github.com/golang/glog"
	"github.com/nictuku/nettools"
)

var (
	totalRecvPing         = expvar.NewInt("totalRecvPing")
	totalRecvFindNode     = expvar.NewInt("totalRecvFindNode")
	totalRecvGetPeers     = expvar.NewInt("totalRecvGetPeers")
	totalRecvAnnouncePeer = expvar.NewInt("totalRecvAnnouncePeer")
	totalBadTokens        = expvar.NewInt("totalBadTokens")
)

// responder computes the reply to one decoded incoming query. It holds no
// state of its own; everything it consults lives on the node. Marking the
// requester alive in the routing table is the receive path's job, not
// ours.
type responder struct {
	localId     string
	table       *routingTable
	peers       *peerStore
	secrets     *secretPair
	k           int
	sampleLimit int
}

func (rp *responder) respond(remoteId string, q query, raddr *net.UDPAddr) (response, error) {
	switch q.kind {
	case queryPing:
		totalRecvPing.Add(1)
		return response{kind: responsePong}, nil

	case queryFindNode:
		totalRecvFindNode.Add(1)
		log.V(3).Infof("DHT: find_node from %x@%v, target %x, distance to me %x",
			remoteId, raddr, q.target, hashDistance(InfoHash(q.target), InfoHash(rp.localId)))
		return response{
			kind:  responseNodes,
			nodes: rp.table.closest(q.target, rp.k),
		}, nil

	case queryGetPeers:
		totalRecvGetPeers.Add(1)
		log.V(3).Infof("DHT: get_peers from %x@%v, ih %v, distance to me %x",
			remoteId, raddr, q.infoHash, hashDistance(q.infoHash, InfoHash(rp.localId)))
		return response{
			kind:   responsePeers,
			token:  makeToken(*raddr, q.infoHash, rp.secrets.currentSecret()),
			values: rp.peers.sample(q.infoHash, rp.sampleLimit),
			nodes:  rp.table.closest(string(q.infoHash), rp.k),
		}, nil

	case queryAnnouncePeer:
		totalRecvAnnouncePeer.Add(1)
		if !rp.secrets.validToken(*raddr, q.infoHash, q.token) {
			// The token gate is the network's only defense against
			// off-path spoofed announces, so a miss must be an explicit
			// rejection and must leave the peer store untouched.
			totalBadTokens.Add(1)
			return response{}, fmt.Errorf("%w: announce for %v from %v", ErrInvalidToken, q.infoHash, raddr)
		}
		// The peer talks on the port it announced, not the source port of
		// this query.
		peerAddr := net.TCPAddr{IP: raddr.IP, Port: q.port}
		rp.peers.store(q.infoHash, nettools.DottedPortToBinary(peerAddr.String()))
		return response{kind: responsePong}, nil
	}
	return response{}, fmt.Errorf("%w: %v", ErrUnknownMethod, q.kind)
}
