package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/paygate/internal/reason"
)

type fakeOracle struct {
	rep Reputation
	err error
}

func (f *fakeOracle) QueryReputation(ctx context.Context, agentID string) (Reputation, error) {
	return f.rep, f.err
}

func TestBlacklist_AddContainsRemove(t *testing.T) {
	b := NewBlacklist()
	assert.False(t, b.Contains("0xABC"))
	b.Add("0xABC")
	assert.True(t, b.Contains("0xabc"), "lookup must be case-insensitive")
	require.True(t, b.Remove("0xabc"))
	assert.False(t, b.Contains("0xabc"))
	assert.False(t, b.Remove("0xabc"))
}

func TestEngine_BlacklistDenies(t *testing.T) {
	b := NewBlacklist()
	b.Add("0xBAD")
	e := &Engine{Blacklist: b}
	v := e.Check(context.Background(), "0xbad", "")
	assert.False(t, v.Allowed)
	assert.Equal(t, reason.AgentBlocked, v.ReasonCode)
}

func TestEngine_ReputationTooLowDenies(t *testing.T) {
	e := &Engine{Blacklist: NewBlacklist(), Reputation: &fakeOracle{rep: Reputation{Count: 5, Score: 0.1}}, MinScore: 0.5}
	v := e.Check(context.Background(), "", "123")
	assert.False(t, v.Allowed)
	assert.Equal(t, reason.ReputationTooLow, v.ReasonCode)
}

func TestEngine_ZeroCountSkipsReputationDenial(t *testing.T) {
	e := &Engine{Blacklist: NewBlacklist(), Reputation: &fakeOracle{rep: Reputation{Count: 0, Score: 0}}, MinScore: 0.5}
	v := e.Check(context.Background(), "", "123")
	assert.True(t, v.Allowed)
}

func TestEngine_MissingHeadersSkipChecks(t *testing.T) {
	e := &Engine{Blacklist: NewBlacklist(), Reputation: &fakeOracle{rep: Reputation{Count: 99, Score: 0}}, MinScore: 0.5}
	v := e.Check(context.Background(), "", "")
	assert.True(t, v.Allowed, "missing headers must skip both checks")
}
