// Package pipeline wires the fixed admission pipeline (C9): route-match →
// idempotency → mandate → payment → agent-policy → upstream-proxy →
// receipt. It is the Orchestrator of spec §4.9.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmeter/paygate/internal/clock"
	"github.com/agentmeter/paygate/internal/hashing"
	"github.com/agentmeter/paygate/internal/ledger"
	"github.com/agentmeter/paygate/internal/mandate"
	"github.com/agentmeter/paygate/internal/metrics"
	"github.com/agentmeter/paygate/internal/payment"
	"github.com/agentmeter/paygate/internal/policy"
	"github.com/agentmeter/paygate/internal/proxy"
	"github.com/agentmeter/paygate/internal/reason"
	"github.com/agentmeter/paygate/internal/receipt"
	"github.com/agentmeter/paygate/internal/replay"
	"github.com/agentmeter/paygate/internal/route"
)

// Pipeline holds every process-wide resource the Orchestrator dispatches
// across (spec §5 "Process-wide state S").
type Pipeline struct {
	Routes     *route.Table
	Replay     *replay.Store
	Ledgers    mandate.Ledgers
	Gate       *payment.Gate
	Policy     *policy.Engine
	Upstream   proxy.Doer
	Receipts   *receipt.Store
	Metrics    *metrics.Collectors
	Clock      clock.Clock
	Log        zerolog.Logger

	ReplayTTL       time.Duration
	RequestDeadline time.Duration
	MaxBodyBytes    int64
	GatewayDomain   string
	Chain           string
}

// requestState is the explicit request-scoped context object (spec §9): it
// is threaded through the stages instead of mutating the incoming
// *http.Request.
type requestState struct {
	requestID   string
	start       time.Time
	rule        *route.Rule
	params      map[string]string
	requestHash string
	mandateV    mandate.Verdict
	paymentCtx  payment.Context
}

// ServeHTTP implements the fixed pipeline order for one /api/* request.
// Every route, replay, mandate, payment-verification, agent-policy and
// upstream verdict emits exactly one receipt before the response completes.
// Four paths respond without emitting a receipt: an oversized request body
// (413), a malformed X-Mandate header (400), the 402 payment challenge sent
// when a paid route carries no payment header, and a failure to build the
// payment requirements (500).
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &requestState{requestID: uuid.NewString(), start: p.Clock.Now()}

	ctx, cancel := context.WithTimeout(r.Context(), p.RequestDeadline)
	defer cancel()
	r = r.WithContext(ctx)

	fullPath := r.URL.Path
	requestPath := stripAPIPrefix(fullPath)

	match, ok := p.Routes.Match(r.Method, requestPath)
	if !ok {
		p.denyNoRoute(w, st, r.Method, requestPath)
		return
	}
	st.rule = match.Rule
	st.params = match.Params

	body, err := readBody(r, p.MaxBodyBytes)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	fingerprint := p.fingerprint(r, requestPath, body, st.rule.PriceUSDC)
	st.requestHash = fingerprint

	idempotencyKey := r.Header.Get("X-Request-Idempotency-Key")
	if idempotencyKey != "" {
		if !p.Replay.RememberIfAbsent(fingerprint, p.ReplayTTL) {
			p.deny(w, st, http.StatusConflict, reason.ReplayDetected, "duplicate request within replay window")
			return
		}
	}

	mandateHeader := r.Header.Get("X-Mandate")
	mv, err := mandate.VerifyMandate(mandateHeader, mandate.Request{
		ToolID:        st.rule.ToolID,
		PriceUSDC:     st.rule.PriceUSDC,
		Now:           p.Clock.Now(),
		GatewayDomain: gatewayDomain(r, p.GatewayDomain),
	}, p.Ledgers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st.mandateV = mv
	if mv.Status == reason.MandateDenied {
		p.deny(w, st, http.StatusForbidden, mv.ReasonCode, "mandate verification failed")
		return
	}

	price, _ := strconv.ParseFloat(st.rule.PriceUSDC, 64)
	if price > 0 {
		if !p.runPaymentGate(w, r, st, fullPath) {
			return
		}
	}

	agentVerdict := p.Policy.Check(r.Context(), r.Header.Get("X-Agent-Address"), r.Header.Get("X-Agent-Id"))
	if !agentVerdict.Allowed {
		mandate.Revert(mv, p.Ledgers)
		p.deny(w, st, http.StatusForbidden, agentVerdict.ReasonCode, "agent policy check failed")
		return
	}

	result, err := proxy.Forward(r.Context(), p.Upstream, st.rule, r.Method, requestPath, r.Header, body, p.MaxBodyBytes)
	if err != nil || result.StatusCode >= http.StatusInternalServerError {
		// Connect failure, timeout, or an upstream 5xx all count as an
		// upstream failure (spec §4.5): skip settle, revert the ledger, and
		// emit an ERROR receipt instead of charging for a failed call.
		mandate.Revert(mv, p.Ledgers)
		p.errorNoCharge(w, st)
		return
	}

	latency := p.Clock.Now().Sub(st.start).Milliseconds()

	var txHash, facilitatorReceiptID string
	if price > 0 && st.paymentCtx.State == payment.Verified {
		txHash, facilitatorReceiptID, err = p.Gate.Settle(r.Context(), st.paymentCtx)
		if err != nil {
			p.Log.Warn().Err(err).Str("request_id", st.requestID).Msg("facilitator settle failed")
		}
	}

	rec := &receipt.Receipt{
		RequestID:      st.requestID,
		ToolID:         st.rule.ToolID,
		ProviderID:     st.rule.ProviderID,
		Endpoint:       requestPath,
		Method:         r.Method,
		Timestamp:      p.Clock.Now().UTC(),
		PriceUSDC:      st.rule.PriceUSDC,
		Currency:       receipt.Currency,
		Chain:          p.Chain,
		MandateID:      mv.MandateID,
		MandateHash:    mv.MandateHash,
		MandateVerdict: mv.Status,
		ReasonCode:     reason.OK,
		PaymentTxHash:  txHash,
		FacilitatorReceiptID: facilitatorReceiptID,
		RequestHash:    st.requestHash,
		ResponseHash:   result.ResponseHash,
		LatencyMs:      &latency,
		Outcome:        reason.Success,
		Explanation:    "request admitted and proxied successfully",
	}
	p.emit(rec)

	p.writeUpstreamResponse(w, result, rec)
}

func (p *Pipeline) runPaymentGate(w http.ResponseWriter, r *http.Request, st *requestState, resource string) bool {
	header := payment.GetPaymentHeader(r)
	reqs, err := p.Gate.Challenge(resource, st.rule.PriceUSDC)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}

	if header == "" {
		mandate.Revert(st.mandateV, p.Ledgers)
		payment.WriteChallenge(w, reqs)
		return false
	}

	pc, err := p.Gate.Verify(r.Context(), header, reqs)
	if err != nil {
		mandate.Revert(st.mandateV, p.Ledgers)
		p.deny(w, st, http.StatusPaymentRequired, reason.InvalidPayment, "payment verification failed")
		return false
	}
	st.paymentCtx = pc
	return true
}

func (p *Pipeline) fingerprint(r *http.Request, requestPath string, body []byte, priceUSDC string) string {
	windowMs := hashing.TimeWindow(p.Clock.Now().UnixMilli(), p.ReplayTTL.Milliseconds())
	return hashing.Fingerprint(hashing.Fields{
		Method:         r.Method,
		Path:           requestPath,
		Query:          r.URL.Query(),
		Body:           body,
		PriceUSDC:      priceUSDC,
		IdempotencyKey: r.Header.Get("X-Request-Idempotency-Key"),
		TimeWindow:     windowMs,
	})
}

func (p *Pipeline) denyNoRoute(w http.ResponseWriter, st *requestState, method, path string) {
	rec := &receipt.Receipt{
		RequestID:      st.requestID,
		Method:         method,
		Endpoint:       path,
		Timestamp:      p.Clock.Now().UTC(),
		Currency:       receipt.Currency,
		Chain:          p.Chain,
		MandateVerdict: reason.MandateSkipped,
		ReasonCode:     reason.RouteNotFound,
		Outcome:        reason.Denied,
		Explanation:    "no route matched method and path",
	}
	p.emit(rec)
	writeReceiptBody(w, http.StatusNotFound, rec)
}

func (p *Pipeline) deny(w http.ResponseWriter, st *requestState, status int, code reason.Code, explanation string) {
	rec := &receipt.Receipt{
		RequestID:      st.requestID,
		ToolID:         toolID(st.rule),
		Endpoint:       st.rule.PathTemplate,
		Timestamp:      p.Clock.Now().UTC(),
		PriceUSDC:      st.rule.PriceUSDC,
		Currency:       receipt.Currency,
		Chain:          p.Chain,
		MandateID:      st.mandateV.MandateID,
		MandateHash:    st.mandateV.MandateHash,
		MandateVerdict: verdictOrSkipped(st.mandateV),
		ReasonCode:     code,
		RequestHash:    st.requestHash,
		Outcome:        reason.Denied,
		Explanation:    explanation,
	}
	p.emit(rec)
	writeReceiptBody(w, status, rec)
}

func (p *Pipeline) errorNoCharge(w http.ResponseWriter, st *requestState) {
	rec := &receipt.Receipt{
		RequestID:      st.requestID,
		ToolID:         toolID(st.rule),
		Endpoint:       st.rule.PathTemplate,
		Timestamp:      p.Clock.Now().UTC(),
		PriceUSDC:      "0.00",
		Currency:       receipt.Currency,
		Chain:          p.Chain,
		MandateID:      st.mandateV.MandateID,
		MandateHash:    st.mandateV.MandateHash,
		MandateVerdict: verdictOrSkipped(st.mandateV),
		ReasonCode:     reason.UpstreamErrorNoCharge,
		RequestHash:    st.requestHash,
		Outcome:        reason.Error,
		Explanation:    "upstream call failed; payment not captured",
	}
	p.emit(rec)
	writeReceiptBody(w, http.StatusBadGateway, rec)
}

func (p *Pipeline) emit(rec *receipt.Receipt) {
	p.Receipts.Emit(rec)
	if p.Metrics != nil {
		p.Metrics.Observe(rec.Outcome, rec.ReasonCode, rec.ToolID, rec.LatencyMs, priceFloat(rec.PriceUSDC))
	}
}

func (p *Pipeline) writeUpstreamResponse(w http.ResponseWriter, result proxy.Result, rec *receipt.Receipt) {
	receiptJSON, _ := json.Marshal(rec)
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Receipt", base64.StdEncoding.EncodeToString(receiptJSON))
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

func writeReceiptBody(w http.ResponseWriter, status int, rec *receipt.Receipt) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(rec)
}

func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := io.LimitReader(r.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return data, nil
}

var errBodyTooLarge = httpError("request body too large")

type httpError string

func (e httpError) Error() string { return string(e) }

func stripAPIPrefix(p string) string {
	const prefix = "/api"
	if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
		return p[len(prefix):]
	}
	return p
}

func gatewayDomain(r *http.Request, configured string) string {
	if configured != "" {
		return configured
	}
	return r.Host
}

func toolID(rule *route.Rule) string {
	if rule == nil {
		return ""
	}
	return rule.ToolID
}

func verdictOrSkipped(v mandate.Verdict) reason.MandateVerdict {
	if v.Status == "" {
		return reason.MandateSkipped
	}
	return v.Status
}

func priceFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// NewLedgers builds a mandate.Ledgers from a fresh ledger.NewDaily(clk) and
// ledger.NewLifetime(), for callers that do not import the ledger package
// directly.
func NewLedgers(clk clock.Clock) mandate.Ledgers {
	return mandate.Ledgers{
		Daily:    ledger.NewDaily(clk),
		Lifetime: ledger.NewLifetime(),
	}
}
