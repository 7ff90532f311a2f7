package receipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/paygate/internal/reason"
)

func latency(ms int64) *int64 { return &ms }

func TestStore_EmitAndStats(t *testing.T) {
	s := NewStore(0)
	s.Emit(&Receipt{RequestID: "1", Outcome: reason.Success, ReasonCode: reason.OK, PriceUSDC: "0.01", LatencyMs: latency(10)})
	s.Emit(&Receipt{RequestID: "2", Outcome: reason.Denied, ReasonCode: reason.ReplayDetected})
	s.Emit(&Receipt{RequestID: "3", Outcome: reason.Error, ReasonCode: reason.UpstreamErrorNoCharge})

	stats := s.Stats()
	assert.EqualValues(t, 3, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.SuccessCount)
	assert.EqualValues(t, 1, stats.DeniedCount)
	assert.EqualValues(t, 1, stats.ErrorCount)
	assert.Equal(t, "33.33%", stats.SuccessRate)
	assert.Equal(t, "0.010000", stats.TotalRevenueUSDC)
}

func TestStore_RingBufferEvictsOldest(t *testing.T) {
	s := NewStore(2)
	s.Emit(&Receipt{RequestID: "1", Outcome: reason.Success, ReasonCode: reason.OK, LatencyMs: latency(1)})
	s.Emit(&Receipt{RequestID: "2", Outcome: reason.Success, ReasonCode: reason.OK, LatencyMs: latency(1)})
	s.Emit(&Receipt{RequestID: "3", Outcome: reason.Success, ReasonCode: reason.OK, LatencyMs: latency(1)})

	all := s.Query(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "3", all[0].RequestID)
	assert.Equal(t, "2", all[1].RequestID)

	stats := s.Stats()
	assert.EqualValues(t, 3, stats.TotalRequests, "stat counters are incremental, unaffected by eviction")
}

func TestStore_QueryFilterAndPagination(t *testing.T) {
	s := NewStore(0)
	s.Emit(&Receipt{RequestID: "1", ToolID: "a", Outcome: reason.Success, ReasonCode: reason.OK, LatencyMs: latency(1)})
	s.Emit(&Receipt{RequestID: "2", ToolID: "b", Outcome: reason.Denied, ReasonCode: reason.RouteNotFound})
	s.Emit(&Receipt{RequestID: "3", ToolID: "a", Outcome: reason.Denied, ReasonCode: reason.ReplayDetected})

	byTool := s.Query(Filter{ToolID: "a"})
	require.Len(t, byTool, 2)

	byOutcome := s.Query(Filter{Outcome: reason.Denied})
	require.Len(t, byOutcome, 2)

	paged := s.Query(Filter{Limit: 1, Offset: 1})
	require.Len(t, paged, 1)
	assert.Equal(t, "2", paged[0].RequestID)
}

func TestReceipt_ValidateInvariants(t *testing.T) {
	success := &Receipt{Outcome: reason.Success, ReasonCode: reason.OK, ResponseHash: "abc", LatencyMs: latency(1)}
	assert.NoError(t, success.Validate())

	missingHash := &Receipt{Outcome: reason.Success, ReasonCode: reason.OK, LatencyMs: latency(1)}
	assert.Error(t, missingHash.Validate())

	deniedWithOK := &Receipt{Outcome: reason.Denied, ReasonCode: reason.OK}
	assert.Error(t, deniedWithOK.Validate())
}
