// Package policy implements the Agent Policy stage (C6): wallet blacklist
// checks plus an optional on-chain reputation gate.
package policy

import (
	"context"
	"strings"
	"sync"

	"github.com/agentmeter/paygate/internal/reason"
)

// Blacklist is a concurrent set of blocked wallet addresses. Readers are
// allowed during writes (spec §5).
type Blacklist struct {
	mu   sync.RWMutex
	addrs map[string]bool
}

// NewBlacklist constructs an empty Blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{addrs: make(map[string]bool)}
}

func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Add blocks addr.
func (b *Blacklist) Add(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[normalizeAddr(addr)] = true
}

// Remove unblocks addr. It reports whether addr was present.
func (b *Blacklist) Remove(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := normalizeAddr(addr)
	if !b.addrs[key] {
		return false
	}
	delete(b.addrs, key)
	return true
}

// Contains reports whether addr is blocked.
func (b *Blacklist) Contains(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addrs[normalizeAddr(addr)]
}

// List returns all blocked addresses.
func (b *Blacklist) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.addrs))
	for a := range b.addrs {
		out = append(out, a)
	}
	return out
}

// Verdict is the outcome of the Agent Policy stage.
type Verdict struct {
	Allowed    bool
	ReasonCode reason.Code
}

// Engine bundles the blacklist and an optional reputation oracle with the
// minimum score threshold (spec §4.6).
type Engine struct {
	Blacklist        *Blacklist
	Reputation       ReputationOracle
	MinScore         float64
}

// Check runs both policy checks in order: blacklist, then reputation.
// agentAddress/agentID are the raw X-Agent-Address/X-Agent-Id header values;
// an empty value skips the corresponding check.
func (e *Engine) Check(ctx context.Context, agentAddress, agentID string) Verdict {
	if agentAddress != "" && e.Blacklist != nil && e.Blacklist.Contains(agentAddress) {
		return Verdict{Allowed: false, ReasonCode: reason.AgentBlocked}
	}

	if agentID != "" && e.Reputation != nil {
		rep, err := e.Reputation.QueryReputation(ctx, normalizeAgentID(agentID))
		if err == nil && rep.Count > 0 && rep.Score < e.MinScore {
			return Verdict{Allowed: false, ReasonCode: reason.ReputationTooLow}
		}
	}

	return Verdict{Allowed: true, ReasonCode: reason.OK}
}
