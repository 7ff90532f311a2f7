package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// State is a point in the Payment Gate's state machine (spec §4.5).
type State string

const (
	Idle       State = "IDLE"
	Challenged State = "CHALLENGED"
	Verified   State = "VERIFIED"
	Settled    State = "SETTLED"
	Done       State = "DONE"
	Rejected   State = "REJECTED"
)

// Context is the request-scoped payment state threaded through a single
// request's lifetime (spec §9 "payment_ctx").
type Context struct {
	State        State
	Requirements Requirements
	Payload      json.RawMessage
	Payer        string
}

// Gate wraps a Facilitator with the challenge/verify/settle orchestration.
// When Degraded is true (facilitator unreachable at startup), Verify accepts
// any payment header without a facilitator round-trip and Settle is a no-op
// that returns no tx hash. Degraded mode does not skip the challenge: a paid
// request that carries no payment header still receives the 402 response.
type Gate struct {
	Facilitator Facilitator
	Scheme      string
	Network     string
	PayTo       string
	Degraded    bool
}

// NewGate constructs a Gate. Pass a nil Facilitator (or set degraded=true)
// to start in pass-through mode.
func NewGate(f Facilitator, scheme, network, payTo string, degraded bool) *Gate {
	return &Gate{Facilitator: f, Scheme: scheme, Network: network, PayTo: payTo, Degraded: degraded || f == nil}
}

// GetPaymentHeader extracts the payment payload header, checking
// Payment-Signature first and falling back to X-Payment for x402 compat.
func GetPaymentHeader(r *http.Request) string {
	if h := r.Header.Get("Payment-Signature"); h != "" {
		return h
	}
	return r.Header.Get("X-Payment")
}

// Challenge builds the 402 payment requirements for resource at priceUSDC.
func (g *Gate) Challenge(resource, priceUSDC string) (Requirements, error) {
	return BuildRequirements(g.Scheme, g.Network, g.PayTo, resource, priceUSDC, 6)
}

// WriteChallenge writes the 402 response body and payment-required header.
func WriteChallenge(w http.ResponseWriter, reqs Requirements) error {
	body, err := reqs.Marshal()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("payment-required", base64.StdEncoding.EncodeToString(body))
	w.WriteHeader(http.StatusPaymentRequired)
	_, err = w.Write(body)
	return err
}

// Verify decodes paymentHeader and calls the facilitator's /verify. In
// degraded (pass-through) mode it synthesizes an accepted verdict without
// contacting any facilitator.
func (g *Gate) Verify(ctx context.Context, paymentHeader string, reqs Requirements) (Context, error) {
	if len(reqs.Accepts) == 0 {
		return Context{}, fmt.Errorf("payment: no accepts in requirements")
	}
	accept := reqs.Accepts[0]

	if g.Degraded {
		return Context{State: Verified, Requirements: reqs}, nil
	}

	payload, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return Context{State: Rejected}, fmt.Errorf("payment: invalid payment header encoding: %w", err)
	}
	if !json.Valid(payload) {
		return Context{State: Rejected}, fmt.Errorf("payment: payment payload is not valid json")
	}

	result, err := g.Facilitator.Verify(ctx, payload, accept)
	if err != nil {
		return Context{State: Rejected}, err
	}
	if !result.IsValid {
		reason := result.InvalidReason
		if reason == "" {
			reason = "payment not valid"
		}
		return Context{State: Rejected}, fmt.Errorf("payment: %s", reason)
	}

	return Context{State: Verified, Requirements: reqs, Payload: json.RawMessage(payload), Payer: result.Payer}, nil
}

// Settle calls the facilitator's /settle using the verification context
// established by Verify. In degraded mode it is a no-op that returns no tx
// hash, matching the pass-through contract.
func (g *Gate) Settle(ctx context.Context, pc Context) (txHash, facilitatorReceiptID string, err error) {
	if g.Degraded || pc.State != Verified {
		return "", "", nil
	}
	if len(pc.Requirements.Accepts) == 0 {
		return "", "", fmt.Errorf("payment: no accepts to settle")
	}

	result, err := g.Facilitator.Settle(ctx, pc.Payload, pc.Requirements.Accepts[0])
	if err != nil {
		return "", "", err
	}
	if !result.Success {
		reason := result.ErrorReason
		if reason == "" {
			reason = "settlement failed"
		}
		return "", "", fmt.Errorf("payment: %s", reason)
	}
	return result.Transaction, "", nil
}
