package dht

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T, hostPort string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", hostPort)
	require.NoError(t, err)
	return addr
}

func TestDecodeInfoHash(t *testing.T) {
	infoHash, err := DecodeInfoHash("d1c5676ae7ac98e8b19f63565905105e3c4c37a2")
	require.NoError(t, err)
	assert.Equal(t, InfoHash("\xd1\xc5\x67\x6a\xe7\xac\x98\xe8\xb1\x9f\x63\x56\x59\x05\x10\x5e\x3c\x4c\x37\xa2"), infoHash)

	_, err = DecodeInfoHash("d1c567")
	assert.Error(t, err)
}

func TestQueryRoundTrip(t *testing.T) {
	localId := randNodeId()
	tests := []struct {
		name string
		q    query
	}{
		{"ping", query{kind: queryPing}},
		{"find_node", query{kind: queryFindNode, target: randNodeId()}},
		{"get_peers", query{kind: queryGetPeers, infoHash: InfoHash(randNodeId())}},
		{"announce_peer", query{kind: queryAnnouncePeer, infoHash: InfoHash(randNodeId()), port: 6881, token: "abc123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, args := encodeQuery(localId, tt.q)
			assert.Equal(t, tt.name, method)
			remoteId, got, err := decodeQuery(method, args)
			require.NoError(t, err)
			assert.Equal(t, localId, remoteId)
			assert.Equal(t, tt.q, got)
		})
	}
}

// A get_peers query for the all-zero identifier must survive a full trip
// through the wire format, binary id included.
func TestQueryWireRoundTripZeroId(t *testing.T) {
	zero := strings.Repeat("\x00", nodeIdLen)
	localId := randNodeId()
	method, args := encodeQuery(localId, query{kind: queryGetPeers, infoHash: InfoHash(zero)})

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, queryMessage{T: "aa", Y: "q", Q: method, A: args}))

	var m message
	require.NoError(t, bencode.Unmarshal(&buf, &m))
	assert.Equal(t, "q", m.Y)
	remoteId, q, err := decodeQuery(m.Q, m.A)
	require.NoError(t, err)
	assert.Equal(t, localId, remoteId)
	assert.Equal(t, queryGetPeers, q.kind)
	assert.Equal(t, InfoHash(zero), q.infoHash)
}

func TestDecodeQueryErrors(t *testing.T) {
	id := randNodeId()
	tests := []struct {
		name   string
		method string
		args   map[string]interface{}
		want   error
	}{
		{"missing id", "ping", map[string]interface{}{}, ErrMalformedMessage},
		{"short id", "ping", map[string]interface{}{"id": "abc"}, ErrMalformedMessage},
		{"unknown method", "gimme_peers", map[string]interface{}{"id": id}, ErrUnknownMethod},
		{"find_node without target", "find_node", map[string]interface{}{"id": id}, ErrMalformedMessage},
		{"announce without token", "announce_peer", map[string]interface{}{"id": id, "info_hash": id, "port": int64(1)}, ErrMalformedMessage},
		{"announce with string port", "announce_peer", map[string]interface{}{"id": id, "info_hash": id, "port": "80", "token": "x"}, ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeQuery(tt.method, tt.args)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	localId := randNodeId()
	nodes := []NodeInfo{
		{ID: randNodeId(), Addr: testAddr(t, "1.2.3.4:80")},
		{ID: randNodeId(), Addr: testAddr(t, "10.0.0.9:6881")},
	}
	values := []string{"\x01\x02\x03\x04\x1a\xe1", "\x7f\x00\x00\x01\x00\x50"}

	tests := []struct {
		name string
		sent query
		r    response
	}{
		{"pong from ping", query{kind: queryPing}, response{kind: responsePong}},
		{"pong from announce", query{kind: queryAnnouncePeer}, response{kind: responsePong}},
		{"nodes", query{kind: queryFindNode, target: randNodeId()}, response{kind: responseNodes, nodes: nodes}},
		{"peers", query{kind: queryGetPeers, infoHash: InfoHash(randNodeId())}, response{kind: responsePeers, token: "tok", values: values, nodes: nodes}},
		{"peers without values", query{kind: queryGetPeers, infoHash: InfoHash(randNodeId())}, response{kind: responsePeers, token: "tok", nodes: nodes}},
		{"peers without nodes", query{kind: queryGetPeers, infoHash: InfoHash(randNodeId())}, response{kind: responsePeers, token: "tok", values: values}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, bencode.Marshal(&buf, replyMessage{T: "aa", Y: "r", R: encodeResponse(localId, tt.r)}))
			var m message
			require.NoError(t, bencode.Unmarshal(&buf, &m))

			remoteId, got, err := decodeResponse(tt.sent, m.R)
			require.NoError(t, err)
			assert.Equal(t, localId, remoteId)
			assert.Equal(t, tt.r.kind, got.kind)
			assert.Equal(t, tt.r.token, got.token)
			assert.Equal(t, tt.r.values, got.values)
			require.Len(t, got.nodes, len(tt.r.nodes))
			for i := range tt.r.nodes {
				assert.Equal(t, tt.r.nodes[i].ID, got.nodes[i].ID)
				assert.Equal(t, tt.r.nodes[i].Addr.String(), got.nodes[i].Addr.String())
			}
		})
	}
}

func TestDecodeResponseWrongVariant(t *testing.T) {
	// find_node replies must carry nodes; get_peers replies must carry a
	// token.
	_, _, err := decodeResponse(query{kind: queryFindNode}, map[string]interface{}{"id": randNodeId()})
	assert.True(t, errors.Is(err, ErrWrongResponseVariant), "got %v", err)

	_, _, err = decodeResponse(query{kind: queryGetPeers}, map[string]interface{}{"id": randNodeId()})
	assert.True(t, errors.Is(err, ErrWrongResponseVariant), "got %v", err)

	// An absent nodes key is fine for get_peers.
	_, r, err := decodeResponse(query{kind: queryGetPeers}, map[string]interface{}{"id": randNodeId(), "token": "t"})
	require.NoError(t, err)
	assert.Empty(t, r.nodes)
	assert.Empty(t, r.values)
}

// A compact node string whose length is not a multiple of the record size
// keeps its complete records; the final partial one is dropped. Lenient on
// purpose: the field is only self-delimited at the message boundary.
func TestParseCompactNodesPartialRecord(t *testing.T) {
	nodes := []NodeInfo{
		{ID: randNodeId(), Addr: testAddr(t, "1.2.3.4:80")},
		{ID: randNodeId(), Addr: testAddr(t, "5.6.7.8:90")},
	}
	s := compactNodes(nodes) + "partial"
	parsed := parseCompactNodes(s)
	require.Len(t, parsed, 2)
	for i := range nodes {
		assert.Equal(t, nodes[i].ID, parsed[i].ID)
		assert.Equal(t, nodes[i].Addr.String(), parsed[i].Addr.String())
	}

	assert.Empty(t, parseCompactNodes("too short"))
}
