// Package receipt implements the Receipt Engine (C8): building, storing,
// and querying the signed structured record every admitted or rejected
// request produces (spec §3.6).
package receipt

import (
	"time"

	"github.com/agentmeter/paygate/internal/reason"
)

// Receipt is the full record defined by spec §3.6. Nullable string fields
// use the empty string to mean "absent"; LatencyMs uses a pointer since 0 is
// a valid latency.
type Receipt struct {
	RequestID            string              `json:"request_id"`
	ToolID               string              `json:"tool_id"`
	ProviderID           string              `json:"provider_id"`
	Endpoint             string              `json:"endpoint"`
	Method               string              `json:"method"`
	Timestamp            time.Time           `json:"timestamp"`
	PriceUSDC            string              `json:"price_usdc"`
	Currency             string              `json:"currency"`
	Chain                string              `json:"chain"`
	MandateID            string              `json:"mandate_id,omitempty"`
	MandateHash          string              `json:"mandate_hash,omitempty"`
	MandateVerdict       reason.MandateVerdict `json:"mandate_verdict"`
	ReasonCode           reason.Code          `json:"reason_code"`
	PaymentTxHash        string              `json:"payment_tx_hash,omitempty"`
	FacilitatorReceiptID string              `json:"facilitator_receipt_id,omitempty"`
	RequestHash          string              `json:"request_hash"`
	ResponseHash         string              `json:"response_hash,omitempty"`
	LatencyMs            *int64              `json:"latency_ms,omitempty"`
	Outcome              reason.Outcome       `json:"outcome"`
	Explanation          string              `json:"explanation"`

	seq uint64
}

// Currency is always USDC for this version (spec §3.6).
const Currency = "USDC"

// Validate checks the invariants of spec §3.6 a receipt must satisfy before
// being stored. It is intended for tests and defensive construction, not as
// a runtime gate (the engine trusts its own callers).
func (r *Receipt) Validate() error {
	if r.Outcome == reason.Success {
		if r.ReasonCode != reason.OK {
			return errInvariant("SUCCESS receipt must have reason_code=OK")
		}
		if r.ResponseHash == "" {
			return errInvariant("SUCCESS receipt must have a response_hash")
		}
		if r.LatencyMs == nil {
			return errInvariant("SUCCESS receipt must have latency_ms")
		}
	}
	if r.Outcome == reason.Denied && r.ReasonCode == reason.OK {
		return errInvariant("DENIED receipt must have a non-OK reason_code")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
