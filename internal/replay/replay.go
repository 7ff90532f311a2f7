// Package replay implements the short-TTL set of seen request fingerprints
// used to suppress duplicate in-flight and recently-completed requests.
package replay

import (
	"sync"
	"time"

	"github.com/agentmeter/paygate/internal/clock"
)

// Store is a concurrent set of fingerprints with per-entry expiry. Only one
// caller racing on the same fingerprint within the TTL window observes
// seen=false.
type Store struct {
	clk     clock.Clock
	mu      sync.Mutex
	entries map[string]time.Time
}

// New constructs an empty Store backed by clk.
func New(clk clock.Clock) *Store {
	return &Store{
		clk:     clk,
		entries: make(map[string]time.Time),
	}
}

// Seen reports whether fp is currently remembered (not yet expired).
func (s *Store) Seen(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(fp)
	_, ok := s.entries[fp]
	return ok
}

// Remember records fp as seen for ttl. Idempotent: calling it again for the
// same fingerprint simply refreshes the deadline.
//
// RememberIfAbsent is the atomic check-and-insert primitive the pipeline
// actually needs for replay suppression: it reports whether this call is the
// first to observe fp within the window.
func (s *Store) Remember(fp string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fp] = s.clk.Now().Add(ttl)
}

// RememberIfAbsent atomically checks and inserts fp. It returns true if fp
// was not already present (the caller proceeds), false if it was (the caller
// must treat this as a replay).
func (s *Store) RememberIfAbsent(fp string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(fp)
	if _, ok := s.entries[fp]; ok {
		return false
	}
	s.entries[fp] = s.clk.Now().Add(ttl)
	return true
}

// evictLocked removes fp if its deadline has passed. Caller holds s.mu.
func (s *Store) evictLocked(fp string) {
	deadline, ok := s.entries[fp]
	if ok && !s.clk.Now().Before(deadline) {
		delete(s.entries, fp)
	}
}

// Sweep removes all expired entries. Callers may run this periodically to
// bound memory; Seen/RememberIfAbsent are correct without it since eviction
// is also lazy per-key.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	for fp, deadline := range s.entries {
		if !now.Before(deadline) {
			delete(s.entries, fp)
		}
	}
}

// Len reports the number of tracked entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
