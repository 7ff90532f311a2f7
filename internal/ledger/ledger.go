// Package ledger implements the two spend ledgers (spec §3.3): a daily
// per-mandate-id ledger that rolls over at UTC date boundaries, and a
// lifetime per-intent-mandate-id ledger that never resets.
package ledger

import (
	"strconv"
	"sync"

	"github.com/agentmeter/paygate/internal/clock"
)

// FormatUSDC renders a ledger amount as a fixed 6-decimal USDC string, the
// same precision the route table enforces on prices (spec §3.1 invariant
// iii).
func FormatUSDC(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 6, 64)
}

// keyLock is a per-key mutex shard so unrelated mandate ids never contend;
// this is the "compute primitive" the spec's design notes call for.
type keyLock struct {
	mu sync.Mutex
}

type shardedLocks struct {
	mu     sync.Mutex
	shards map[string]*keyLock
}

func newShardedLocks() *shardedLocks {
	return &shardedLocks{shards: make(map[string]*keyLock)}
}

func (s *shardedLocks) lockFor(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.shards[key]
	if !ok {
		l = &keyLock{}
		s.shards[key] = l
	}
	return l
}

// compute runs fn while holding the per-key lock for key, giving callers a
// linearizable check+increment(+revert) sequence without a global mutex.
func (s *shardedLocks) compute(key string, fn func()) {
	l := s.lockFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

type dailyEntry struct {
	utcDate string
	amount  float64
}

// Daily is the mandate_id → (utc_date, amount) ledger for Bounded mandates.
type Daily struct {
	clk    clock.Clock
	locks  *shardedLocks
	mu     sync.Mutex
	values map[string]dailyEntry
}

// NewDaily constructs an empty Daily ledger backed by clk.
func NewDaily(clk clock.Clock) *Daily {
	return &Daily{
		clk:    clk,
		locks:  newShardedLocks(),
		values: make(map[string]dailyEntry),
	}
}

func (d *Daily) todayLocked(mandateID string) float64 {
	today := d.clk.Now().UTC().Format("2006-01-02")
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.values[mandateID]
	if !ok || e.utcDate != today {
		return 0
	}
	return e.amount
}

// Spent returns today's (UTC) accumulated spend for mandateID, 0 if none or
// if the last entry was on a prior UTC date.
func (d *Daily) Spent(mandateID string) float64 {
	return d.todayLocked(mandateID)
}

// TryIncrement atomically checks spent+amount against limit and, if it fits,
// commits the increment. It returns ok=false (no mutation) when the budget
// would be exceeded. The whole check-then-increment runs under the
// mandate's per-key lock.
func (d *Daily) TryIncrement(mandateID string, amount, limit float64) (ok bool) {
	d.locks.compute(mandateID, func() {
		spent := d.todayLocked(mandateID)
		if spent+amount > limit {
			ok = false
			return
		}
		today := d.clk.Now().UTC().Format("2006-01-02")
		d.mu.Lock()
		d.values[mandateID] = dailyEntry{utcDate: today, amount: spent + amount}
		d.mu.Unlock()
		ok = true
	})
	return ok
}

// Revert subtracts amount from today's entry for mandateID (used when a
// later stage denies or the proxy errors without charge, spec §4.4 step 8).
func (d *Daily) Revert(mandateID string, amount float64) {
	d.locks.compute(mandateID, func() {
		today := d.clk.Now().UTC().Format("2006-01-02")
		d.mu.Lock()
		defer d.mu.Unlock()
		e, ok := d.values[mandateID]
		if !ok || e.utcDate != today {
			return
		}
		e.amount -= amount
		if e.amount < 0 {
			e.amount = 0
		}
		d.values[mandateID] = e
	})
}

// Lifetime is the intent_mandate_id → amount ledger for Intent mandates.
type Lifetime struct {
	locks  *shardedLocks
	mu     sync.Mutex
	values map[string]float64
}

// NewLifetime constructs an empty Lifetime ledger.
func NewLifetime() *Lifetime {
	return &Lifetime{
		locks:  newShardedLocks(),
		values: make(map[string]float64),
	}
}

// Spent returns the all-time accumulated spend for intentMandateID.
func (l *Lifetime) Spent(intentMandateID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.values[intentMandateID]
}

// TryIncrement is Lifetime's analogue of Daily.TryIncrement.
func (l *Lifetime) TryIncrement(intentMandateID string, amount, limit float64) (ok bool) {
	l.locks.compute(intentMandateID, func() {
		l.mu.Lock()
		spent := l.values[intentMandateID]
		if spent+amount > limit {
			l.mu.Unlock()
			ok = false
			return
		}
		l.values[intentMandateID] = spent + amount
		l.mu.Unlock()
		ok = true
	})
	return ok
}

// Revert subtracts amount from intentMandateID's lifetime total.
func (l *Lifetime) Revert(intentMandateID string, amount float64) {
	l.locks.compute(intentMandateID, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		v := l.values[intentMandateID] - amount
		if v < 0 {
			v = 0
		}
		l.values[intentMandateID] = v
	})
}
