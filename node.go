package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/nictuku/nettools"
)

const nodeIdLen = 20

// InfoHash is the 160-bit identifier of a content item. Node identifiers
// have the same shape and share the XOR distance metric, so both are
// carried as immutable 20-byte strings.
type InfoHash string

func (i InfoHash) String() string {
	return fmt.Sprintf("%x", string(i))
}

// DecodeInfoHash transforms a hex-encoded 20-characters string to a binary
// infohash.
func DecodeInfoHash(x string) (b InfoHash, err error) {
	h, err := hex.DecodeString(x)
	if err != nil {
		return "", err
	}
	if len(h) != nodeIdLen {
		return "", fmt.Errorf("DecodeInfoHash: expected InfoHash len=20, got %d", len(h))
	}
	return InfoHash(h), nil
}

// DecodePeerAddress transforms a binary-encoded host:port address into a
// human-readable format. So, "abcdef" becomes 97.98.99.100:25958.
func DecodePeerAddress(x string) string {
	return nettools.BinaryToDottedPort(x)
}

// NodeInfo is an (identifier, UDP address) pair learned from the wire. It
// is ephemeral: longer-term retention is the routing table's business.
type NodeInfo struct {
	ID   string
	Addr *net.UDPAddr
}

func randNodeId() string {
	b := make([]byte, nodeIdLen)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("dht: nodeId rand: %v", err))
	}
	return string(b)
}

func bogusId(id string) bool {
	return len(id) != nodeIdLen
}

// distanceLess reports whether a is strictly closer to target than b,
// comparing the XOR distances lexicographically.
func distanceLess(target, a, b string) bool {
	for i := 0; i < len(target) && i < len(a) && i < len(b); i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// hashDistance calculates the XOR distance between two identifiers. Slower
// than necessary; only used for friendly log messages.
func hashDistance(id1, id2 InfoHash) string {
	if len(id1) != len(id2) {
		return ""
	}
	d := make([]byte, len(id1))
	for i := 0; i < len(id1); i++ {
		d[i] = id1[i] ^ id2[i]
	}
	return string(d)
}

// commonBits is the number of leading bits shared by s1 and s2.
func commonBits(s1, s2 string) int {
	// copied from jch's dht.cc.
	id1, id2 := []byte(s1), []byte(s2)

	i := 0
	for ; i < nodeIdLen; i++ {
		if id1[i] != id2[i] {
			break
		}
	}
	if i == nodeIdLen {
		return nodeIdLen * 8
	}

	xor := id1[i] ^ id2[i]
	j := 0
	for (xor & 0x80) == 0 {
		xor <<= 1
		j++
	}
	return 8*i + j
}
