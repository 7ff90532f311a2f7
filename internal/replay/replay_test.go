package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/paygate/internal/clock"
)

func TestRememberIfAbsent_FirstWins(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(clock.Fixed{T: now})

	require.True(t, s.RememberIfAbsent("fp1", time.Second))
	require.False(t, s.RememberIfAbsent("fp1", time.Second))
	assert.True(t, s.Seen("fp1"))
}

func TestSeen_ExpiresAfterTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	current := now
	clk := clock.Func(func() time.Time { return current })
	s := New(clk)

	s.Remember("fp1", 100*time.Millisecond)
	assert.True(t, s.Seen("fp1"))

	current = now.Add(150 * time.Millisecond)
	assert.False(t, s.Seen("fp1"))
}

func TestSweep_RemovesExpiredOnly(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	current := now
	clk := clock.Func(func() time.Time { return current })
	s := New(clk)

	s.Remember("expired", 10*time.Millisecond)
	s.Remember("fresh", time.Hour)

	current = now.Add(50 * time.Millisecond)
	s.Sweep()

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Seen("fresh"))
}
