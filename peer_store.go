package dht

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/groupcache/lru"
)

// peerStore records which peers announced each infohash, with one absolute
// expiry timestamp per contact. Contacts are keyed by their 6-byte compact
// address form. Entries past their expiry are logically dead the moment
// the clock passes them; physical removal happens in the periodic sweep.
type peerStore struct {
	mu  sync.Mutex
	clk clock.Clock
	ttl time.Duration

	// contacts is the authoritative store. The lru cache only tracks
	// recency over infohash keys to enforce maxInfoHashes: evicting a key
	// there drops it here too, through the eviction hook.
	contacts map[InfoHash]map[string]time.Time
	recency  *lru.Cache
}

func newPeerStore(clk clock.Clock, ttl time.Duration, maxInfoHashes int) *peerStore {
	s := &peerStore{
		clk:      clk,
		ttl:      ttl,
		contacts: make(map[InfoHash]map[string]time.Time),
		recency:  lru.New(maxInfoHashes),
	}
	s.recency.OnEvicted = func(key lru.Key, _ interface{}) {
		delete(s.contacts, InfoHash(key.(string)))
	}
	return s
}

// store inserts or refreshes contact as a peer for ih, with expiry pushed
// out to now + ttl. Idempotent. Returns false for contacts that aren't a
// well-formed compact address.
func (s *peerStore) store(ih InfoHash, contact string) bool {
	if len(contact) != compactAddrLen {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.contacts[ih]
	if !ok {
		set = make(map[string]time.Time)
		s.contacts[ih] = set
	}
	// May evict the least recently touched infohash, never ih itself.
	s.recency.Add(string(ih), nil)
	set[contact] = s.clk.Now().Add(s.ttl)
	return true
}

// sample returns the stored contacts for ih when there are at most limit
// of them, and a uniformly random subset of exactly limit otherwise.
// Contacts past their expiry are skipped even if the sweeper hasn't caught
// up with them yet.
func (s *peerStore) sample(ih InfoHash, limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.contacts[ih]
	if len(set) == 0 {
		return nil
	}
	now := s.clk.Now()
	alive := make([]string, 0, len(set))
	for contact, expiry := range set {
		if expiry.After(now) {
			alive = append(alive, contact)
		}
	}
	if len(alive) > limit {
		// Shuffle then truncate, so the subset isn't biased toward map
		// iteration quirks or insertion order.
		rand.Shuffle(len(alive), func(i, j int) {
			alive[i], alive[j] = alive[j], alive[i]
		})
		alive = alive[:limit]
	}
	return alive
}

// count is the number of live contacts known for ih.
func (s *peerStore) count(ih InfoHash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	n := 0
	for _, expiry := range s.contacts[ih] {
		if expiry.After(now) {
			n++
		}
	}
	return n
}

// sweep removes every contact whose expiry has passed and forgets any
// infohash left without contacts, so no empty inner set ever dangles.
// Returns how many contacts were removed and how many were scanned.
func (s *peerStore) sweep(now time.Time) (removed, scanned int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ih, set := range s.contacts {
		for contact, expiry := range set {
			scanned++
			if !expiry.After(now) {
				delete(set, contact)
				removed++
			}
		}
		if len(set) == 0 {
			// Hands the delete from s.contacts to the eviction hook.
			s.recency.Remove(string(ih))
		}
	}
	return removed, scanned
}
