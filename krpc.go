package dht

// KRPC message codec.
//
// Wire messages are bencoded dictionaries with two top-level shapes: a
// query (y="q" with a method name and argument dictionary) and a response
// (y="r" with a result dictionary). A response is not self-describing: its
// expected shape comes from the query that produced it.
//
// Reference:
//     http://www.bittorrent.org/beps/bep_0005.html

import (
	"fmt"
	"net"
	"strings"

	"github.com/nictuku/nettools"
)

const (
	// Fixed-width record sizes for the compact encodings.
	compactAddrLen = 6
	nodeContactLen = nodeIdLen + compactAddrLen
)

type queryKind int

const (
	queryPing queryKind = iota
	queryFindNode
	queryGetPeers
	queryAnnouncePeer
)

func (k queryKind) String() string {
	switch k {
	case queryPing:
		return "ping"
	case queryFindNode:
		return "find_node"
	case queryGetPeers:
		return "get_peers"
	case queryAnnouncePeer:
		return "announce_peer"
	}
	return fmt.Sprintf("queryKind(%d)", int(k))
}

// query is one decoded protocol query. Only the fields relevant to its
// kind are set; immutable once constructed.
type query struct {
	kind     queryKind
	target   string   // find_node
	infoHash InfoHash // get_peers, announce_peer
	port     int      // announce_peer
	token    string   // announce_peer
}

type responseKind int

const (
	responsePong responseKind = iota
	responseNodes
	responsePeers
)

// response is one decoded protocol response. values holds peer contacts in
// the 6-byte compact address form.
type response struct {
	kind   responseKind
	nodes  []NodeInfo
	token  string
	values []string
}

// Messages as they go out on the wire. Must not have any extra fields.
type queryMessage struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q"`
	A map[string]interface{} `bencode:"a"`
}

type replyMessage struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	R map[string]interface{} `bencode:"r"`
}

type errorMessage struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	E []interface{} `bencode:"e"`
}

// message is the generic envelope we read from the wire, not knowing yet
// what it is. The argument dictionaries stay untyped here; they only become
// typed values through decodeQuery/decodeResponse.
type message struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q"`
	A map[string]interface{} `bencode:"a"`
	R map[string]interface{} `bencode:"r"`
	E []interface{}          `bencode:"e"`
}

// encodeQuery produces the method name and argument dictionary for q. The
// local id is always included under "id".
func encodeQuery(localId string, q query) (method string, args map[string]interface{}) {
	args = map[string]interface{}{"id": localId}
	switch q.kind {
	case queryFindNode:
		args["target"] = q.target
	case queryGetPeers:
		args["info_hash"] = string(q.infoHash)
	case queryAnnouncePeer:
		args["info_hash"] = string(q.infoHash)
		args["port"] = q.port
		args["token"] = q.token
	}
	return q.kind.String(), args
}

// decodeQuery interprets an incoming argument dictionary according to the
// query method name. Structural problems come back as ErrMalformedMessage
// and unrecognized names as ErrUnknownMethod; neither must ever take down
// more than this one exchange.
func decodeQuery(method string, args map[string]interface{}) (remoteId string, q query, err error) {
	remoteId, err = idField(args, "id")
	if err != nil {
		return "", query{}, err
	}
	switch method {
	case "ping":
		q.kind = queryPing
	case "find_node":
		q.kind = queryFindNode
		if q.target, err = idField(args, "target"); err != nil {
			return "", query{}, err
		}
	case "get_peers":
		q.kind = queryGetPeers
		ih, err := idField(args, "info_hash")
		if err != nil {
			return "", query{}, err
		}
		q.infoHash = InfoHash(ih)
	case "announce_peer":
		q.kind = queryAnnouncePeer
		ih, err := idField(args, "info_hash")
		if err != nil {
			return "", query{}, err
		}
		q.infoHash = InfoHash(ih)
		if q.port, err = intField(args, "port"); err != nil {
			return "", query{}, err
		}
		if q.token, err = stringField(args, "token"); err != nil {
			return "", query{}, err
		}
	default:
		return "", query{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return remoteId, q, nil
}

// encodeResponse produces the result dictionary for r, mirroring
// encodeQuery. Node lists use the compact node encoding; peer lists the
// compact address encoding. Empty optional fields are omitted.
func encodeResponse(localId string, r response) map[string]interface{} {
	out := map[string]interface{}{"id": localId}
	switch r.kind {
	case responseNodes:
		out["nodes"] = compactNodes(r.nodes)
	case responsePeers:
		out["token"] = r.token
		if len(r.values) > 0 {
			out["values"] = r.values
		}
		if len(r.nodes) > 0 {
			out["nodes"] = compactNodes(r.nodes)
		}
	}
	return out
}

// decodeResponse interprets a result dictionary according to the query we
// sent, since replies don't describe their own shape. A reply that can't
// be read as the expected variant fails with ErrWrongResponseVariant.
func decodeResponse(sent query, args map[string]interface{}) (remoteId string, r response, err error) {
	remoteId, err = idField(args, "id")
	if err != nil {
		return "", response{}, err
	}
	switch sent.kind {
	case queryPing, queryAnnouncePeer:
		r.kind = responsePong
	case queryFindNode:
		r.kind = responseNodes
		v, ok := args["nodes"]
		if !ok {
			return "", response{}, fmt.Errorf("%w: find_node reply without nodes", ErrWrongResponseVariant)
		}
		s, ok := v.(string)
		if !ok {
			return "", response{}, fmt.Errorf("%w: nodes is not a string", ErrMalformedMessage)
		}
		r.nodes = parseCompactNodes(s)
	case queryGetPeers:
		r.kind = responsePeers
		if r.token, err = stringField(args, "token"); err != nil {
			return "", response{}, fmt.Errorf("%w: get_peers reply without token", ErrWrongResponseVariant)
		}
		// Both values and nodes are optional here; absent means empty.
		if v, ok := args["values"]; ok {
			list, ok := v.([]interface{})
			if !ok {
				return "", response{}, fmt.Errorf("%w: values is not a list", ErrMalformedMessage)
			}
			for _, e := range list {
				s, ok := e.(string)
				if !ok || len(s) != compactAddrLen {
					continue
				}
				r.values = append(r.values, s)
			}
		}
		if v, ok := args["nodes"]; ok {
			s, ok := v.(string)
			if !ok {
				return "", response{}, fmt.Errorf("%w: nodes is not a string", ErrMalformedMessage)
			}
			r.nodes = parseCompactNodes(s)
		}
	}
	return remoteId, r, nil
}

// compactNodes packs nodes as concatenated 26-byte records: 20 identifier
// bytes followed by the 6-byte compact address, no separators.
func compactNodes(nodes []NodeInfo) string {
	var b strings.Builder
	for _, n := range nodes {
		contact := nettools.DottedPortToBinary(n.Addr.String())
		if bogusId(n.ID) || contact == "" {
			continue
		}
		b.WriteString(n.ID)
		b.WriteString(contact)
	}
	return b.String()
}

// parseCompactNodes walks the byte string consuming fixed-size records.
// Trailing bytes that don't form a complete record are silently dropped: a
// tolerated interoperability quirk, since plenty of clients on the network
// pad or truncate this field.
func parseCompactNodes(s string) []NodeInfo {
	var parsed []NodeInfo
	for i := 0; i+nodeContactLen <= len(s); i += nodeContactLen {
		hostPort := nettools.BinaryToDottedPort(s[i+nodeIdLen : i+nodeContactLen])
		addr, err := net.ResolveUDPAddr("udp4", hostPort)
		if err != nil {
			continue
		}
		parsed = append(parsed, NodeInfo{ID: s[i : i+nodeIdLen], Addr: addr})
	}
	return parsed
}

func stringField(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrMalformedMessage, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a string", ErrMalformedMessage, key)
	}
	return s, nil
}

func idField(args map[string]interface{}, key string) (string, error) {
	s, err := stringField(args, key)
	if err != nil {
		return "", err
	}
	if bogusId(s) {
		return "", fmt.Errorf("%w: %q has length %d, want %d", ErrMalformedMessage, key, len(s), nodeIdLen)
	}
	return s, nil
}

func intField(args map[string]interface{}, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformedMessage, key)
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedMessage, key)
}
