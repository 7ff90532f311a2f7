package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/paygate/internal/admin"
	"github.com/agentmeter/paygate/internal/clock"
	"github.com/agentmeter/paygate/internal/config"
	"github.com/agentmeter/paygate/internal/ledger"
	"github.com/agentmeter/paygate/internal/mandate"
	"github.com/agentmeter/paygate/internal/metrics"
	"github.com/agentmeter/paygate/internal/middleware"
	"github.com/agentmeter/paygate/internal/payment"
	"github.com/agentmeter/paygate/internal/pipeline"
	"github.com/agentmeter/paygate/internal/policy"
	"github.com/agentmeter/paygate/internal/receipt"
	"github.com/agentmeter/paygate/internal/replay"
	"github.com/agentmeter/paygate/internal/route"
)

type noopDoer struct{}

func (noopDoer) Do(r *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Header: http.Header{}, Body: http.NoBody}, nil
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	clk := clock.Real{}
	tbl, err := route.NewTable([]*route.Rule{
		{Method: "GET", PathTemplate: "/echo", ToolID: "echo", PriceUSDC: "0.00", ProviderID: "demo", BackendURL: "https://example.com", SkipSSRF: true},
	})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	cfg := &config.Config{Env: "test", AdminKey: "test-admin-key", RateLimitPerMin: 2, MaxBodyBytes: 1 << 20}

	p := &pipeline.Pipeline{
		Routes:          tbl,
		Replay:          replay.New(clk),
		Ledgers:         mandate.Ledgers{Daily: ledger.NewDaily(clk), Lifetime: ledger.NewLifetime()},
		Gate:            payment.NewGate(nil, "exact", "base-sepolia", "0xPayTo", true),
		Policy:          &policy.Engine{Blacklist: policy.NewBlacklist()},
		Upstream:        noopDoer{},
		Receipts:        receipt.NewStore(0),
		Metrics:         metrics.New(registry),
		Clock:           clk,
		Log:             zerolog.Nop(),
		ReplayTTL:       300 * time.Millisecond,
		RequestDeadline: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
		Chain:           "base-sepolia",
	}

	return Deps{
		Config: cfg,
		Pipeline: p,
		Admin: &admin.Handler{
			Config:    cfg,
			Routes:    tbl,
			Receipts:  p.Receipts,
			Blacklist: p.Policy.Blacklist,
			Ledgers:   p.Ledgers,
			Upstream:  noopDoer{},
			Clock:     clk,
			StartedAt: clk.Now(),
		},
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimitPerMin, nil),
		Registry:    registry,
		Logger:      zerolog.Nop(),
	}
}

func TestRouter_PublicHealth(t *testing.T) {
	h := New(newTestDeps(t))
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestRouter_APIDispatchesToPipeline(t *testing.T) {
	h := New(newTestDeps(t))
	req := httptest.NewRequest("GET", "/api/echo", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestRouter_AdminRequiresBearerToken(t *testing.T) {
	h := New(newTestDeps(t))
	req := httptest.NewRequest("GET", "/admin/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)
}

func TestRouter_AdminAcceptsValidBearerToken(t *testing.T) {
	h := New(newTestDeps(t))
	req := httptest.NewRequest("GET", "/admin/health", nil)
	req.Header.Set("Authorization", "Bearer test-admin-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestRouter_MetricsRequiresNoBearerToken(t *testing.T) {
	h := New(newTestDeps(t))
	req := httptest.NewRequest("GET", "/admin/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestRouter_RateLimitReturns429WithDeniedReceipt(t *testing.T) {
	deps := newTestDeps(t)
	h := New(deps)

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/echo", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec
	}
	assert.Equal(t, 429, last.Code)
}
