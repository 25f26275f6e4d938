package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
)

// secretPair holds the two rotating announce-token secrets. Rotation is
// lazy: every read runs the deadline check first, so there is no separate
// rotation timer and an idle node still converges to fresh secrets on its
// next query. A secret stays usable for token validation for one full
// period after it stops being the generating secret, which gives announce
// tokens a validity window between one and two periods.
type secretPair struct {
	mu       sync.Mutex
	clk      clock.Clock
	period   time.Duration
	current  string
	previous string
	deadline time.Time
}

func newSecretPair(clk clock.Clock, period time.Duration) *secretPair {
	return &secretPair{
		clk:      clk,
		period:   period,
		current:  newTokenSecret(),
		previous: newTokenSecret(),
		deadline: clk.Now().Add(period),
	}
}

func newTokenSecret() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		// This would return a string with up to 5 null chars.
		log.Warningf("DHT: failed to generate random token secret: %v", err)
	}
	return string(b)
}

// checkedRead rotates as many whole periods as have elapsed, then returns
// both secrets. Every accessor goes through here; rotation is a side
// effect of access, not of a timer.
func (s *secretPair) checkedRead() (current, previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	for !now.Before(s.deadline) {
		s.previous = s.current
		s.current = newTokenSecret()
		s.deadline = s.deadline.Add(s.period)
	}
	return s.current, s.previous
}

func (s *secretPair) currentSecret() string {
	c, _ := s.checkedRead()
	return c
}

// makeToken derives the announce token handed out with get_peers replies.
// Only the requester IP takes part, not the port: some peers announce from
// a different source port than the one they queried from, and the token
// has to survive that. The digest only needs to resist casual forgery.
func makeToken(addr net.UDPAddr, ih InfoHash, secret string) string {
	h := sha1.New()
	h.Write(addr.IP.To16())
	io.WriteString(h, string(ih))
	io.WriteString(h, secret)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// validToken accepts a token minted with either the current or the
// previous secret. Matching against both is what gives freshly rotated-out
// secrets their grace window.
func (s *secretPair) validToken(addr net.UDPAddr, ih InfoHash, token string) bool {
	current, previous := s.checkedRead()
	return token == makeToken(addr, ih, current) || token == makeToken(addr, ih, previous)
}
