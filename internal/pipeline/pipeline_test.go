package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/paygate/internal/clock"
	"github.com/agentmeter/paygate/internal/ledger"
	"github.com/agentmeter/paygate/internal/mandate"
	"github.com/agentmeter/paygate/internal/payment"
	"github.com/agentmeter/paygate/internal/policy"
	"github.com/agentmeter/paygate/internal/reason"
	"github.com/agentmeter/paygate/internal/receipt"
	"github.com/agentmeter/paygate/internal/replay"
	"github.com/agentmeter/paygate/internal/route"
)

type fakeDoer struct {
	handler func(*http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(r *http.Request) (*http.Response, error) { return f.handler(r) }

func okResponse(body string) (*http.Response, error) {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       httpBody(body),
	}, nil
}

func httpBody(s string) *responseBody { return &responseBody{data: []byte(s)} }

type responseBody struct {
	data []byte
	pos  int
}

func (b *responseBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, errEOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
func (b *responseBody) Close() error { return nil }

type eofErr struct{}

func (eofErr) Error() string { return "EOF" }

var errEOF = eofErr{}

type fakeFacilitator struct {
	settleCalled bool
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload json.RawMessage, accept payment.Accept) (payment.VerifyResult, error) {
	return payment.VerifyResult{IsValid: true}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload json.RawMessage, accept payment.Accept) (payment.SettleResult, error) {
	f.settleCalled = true
	return payment.SettleResult{Success: true, Transaction: "0xtx"}, nil
}

func paymentHeader() string {
	return base64.StdEncoding.EncodeToString([]byte(`{"sig":"x"}`))
}

func newTestPipeline(t *testing.T, priceUSDC string, doer *fakeDoer) *Pipeline {
	t.Helper()
	tbl, err := route.NewTable([]*route.Rule{
		{Method: "GET", PathTemplate: "/echo", ToolID: "echo", PriceUSDC: priceUSDC, ProviderID: "demo", BackendURL: "https://example.com", SkipSSRF: true},
	})
	require.NoError(t, err)

	clk := clock.Real{}
	return &Pipeline{
		Routes:          tbl,
		Replay:          replay.New(clk),
		Ledgers:         mandate.Ledgers{Daily: ledger.NewDaily(clk), Lifetime: ledger.NewLifetime()},
		Gate:            payment.NewGate(nil, "exact", "base-sepolia", "0xPayTo", true),
		Policy:          &policy.Engine{Blacklist: policy.NewBlacklist()},
		Upstream:        doer,
		Receipts:        receipt.NewStore(0),
		Clock:           clk,
		Log:             zerolog.Nop(),
		ReplayTTL:       300 * time.Millisecond,
		RequestDeadline: 5 * time.Second,
		MaxBodyBytes:    1 << 20,
		Chain:           "base-sepolia",
	}
}

func TestPipeline_FreeRouteHappyPath(t *testing.T) {
	doer := &fakeDoer{handler: func(r *http.Request) (*http.Response, error) { return okResponse("ok") }}
	p := newTestPipeline(t, "0.00", doer)

	req := httptest.NewRequest("GET", "/api/echo", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Receipt"))

	receipts := p.Receipts.Query(receipt.Filter{})
	require.Len(t, receipts, 1)
	assert.Equal(t, reason.Success, receipts[0].Outcome)
	assert.Equal(t, reason.OK, receipts[0].ReasonCode)
	assert.Equal(t, "0.00", receipts[0].PriceUSDC)
	assert.Len(t, receipts[0].ResponseHash, 64)
}

func TestPipeline_ReplayDetected(t *testing.T) {
	doer := &fakeDoer{handler: func(r *http.Request) (*http.Response, error) { return okResponse("ok") }}
	p := newTestPipeline(t, "0.00", doer)

	mk := func() *http.Request {
		req := httptest.NewRequest("GET", "/api/echo", nil)
		req.Header.Set("X-Request-Idempotency-Key", "K")
		return req
	}

	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, mk())
	assert.Equal(t, 200, rec1.Code)

	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, mk())
	assert.Equal(t, 409, rec2.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	assert.Equal(t, "REPLAY_DETECTED", body["reason_code"])
}

func TestPipeline_RouteNotFound(t *testing.T) {
	p := newTestPipeline(t, "0.00", &fakeDoer{})
	req := httptest.NewRequest("GET", "/api/missing", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestPipeline_PaidRouteNoPaymentHeaderChallenges(t *testing.T) {
	p := newTestPipeline(t, "0.01", &fakeDoer{})
	p.Gate = payment.NewGate(nil, "exact", "base-sepolia", "0xPayTo", false)

	req := httptest.NewRequest("GET", "/api/echo", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 402, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("payment-required"))

	var reqs payment.Requirements
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reqs))
	assert.Equal(t, "0xPayTo", reqs.PayTo)
	assert.Equal(t, "0.01", reqs.MaxAmountRequired)
	assert.Equal(t, "/api/echo", reqs.Resource)
}

func TestPipeline_UpstreamErrorAfterVerifiedSkipsChargeAndSettle(t *testing.T) {
	doer := &fakeDoer{handler: func(r *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	}}
	p := newTestPipeline(t, "0.01", doer)
	fac := &fakeFacilitator{}
	p.Gate = payment.NewGate(fac, "exact", "base-sepolia", "0xPayTo", false)

	req := httptest.NewRequest("GET", "/api/echo", nil)
	req.Header.Set("X-Payment", paymentHeader())
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 502, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ERROR", body["outcome"])
	assert.Equal(t, "UPSTREAM_ERROR_NO_CHARGE", body["reason_code"])
	assert.Equal(t, "0.00", body["price_usdc"])
	assert.False(t, fac.settleCalled, "settle must not run after an upstream failure")
}

func TestPipeline_Upstream5xxSkipsChargeAndSettle(t *testing.T) {
	doer := &fakeDoer{handler: func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 500, Header: http.Header{}, Body: httpBody("boom")}, nil
	}}
	p := newTestPipeline(t, "0.01", doer)
	fac := &fakeFacilitator{}
	p.Gate = payment.NewGate(fac, "exact", "base-sepolia", "0xPayTo", false)

	req := httptest.NewRequest("GET", "/api/echo", nil)
	req.Header.Set("X-Payment", paymentHeader())
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 502, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ERROR", body["outcome"])
	assert.Equal(t, "UPSTREAM_ERROR_NO_CHARGE", body["reason_code"])
	assert.Equal(t, "0.00", body["price_usdc"])
	assert.False(t, fac.settleCalled, "settle must not run after an upstream 5xx")
}

func TestPipeline_MandateWithBadSignatureDeniedBeforeUpstream(t *testing.T) {
	called := false
	doer := &fakeDoer{handler: func(r *http.Request) (*http.Response, error) {
		called = true
		return okResponse("ok")
	}}
	p := newTestPipeline(t, "0.03", doer)

	m := mandate.Bounded{
		MandateID:          "m1",
		OwnerPubkey:        "0x1111111111111111111111111111111111111111",
		ExpiresAt:          time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		MaxSpendUSDCPerDay: "0.05",
		AllowlistedToolIDs: []string{"*"},
		Signature:          "deadbeef",
	}

	header := base64.StdEncoding.EncodeToString(mustJSON(m))
	req := httptest.NewRequest("GET", "/api/echo", nil)
	req.Header.Set("X-Mandate", header)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, 403, rec.Code)
	assert.False(t, called, "upstream must never be called once the mandate stage denies")
	assert.Equal(t, float64(0), p.Ledgers.Daily.Spent("m1"), "a denied mandate must not leave a spend increment behind")
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
