package mandate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentmeter/paygate/internal/ledger"
	"github.com/agentmeter/paygate/internal/reason"
)

// Verdict is the outcome of VerifyMandate: whether the mandate was approved,
// denied, or skipped, and everything the receipt needs to record.
type Verdict struct {
	Kind        Kind
	Status      reason.MandateVerdict
	ReasonCode  reason.Code
	MandateID   string
	MandateHash string
	Charged     float64
}

// Ledgers bundles the two spend tables VerifyMandate needs; kept distinct
// per spec §3.3 (a mandate only ever touches one of the two).
type Ledgers struct {
	Daily    *ledger.Daily
	Lifetime *ledger.Lifetime
}

// Request is the request-scoped context VerifyMandate needs beyond the raw
// header (spec §4.4 input).
type Request struct {
	ToolID        string
	PriceUSDC     string
	Now           time.Time
	GatewayDomain string
}

// VerifyMandate implements the full flow of spec §4.4. A nil error and
// Status==SKIPPED means the header was absent and the pipeline should
// proceed with no mandate in effect. A non-nil error means the header was
// malformed (HTTP 400, no receipt per spec). Otherwise the Verdict's Status
// is APPROVED or DENIED and ReasonCode explains it.
func VerifyMandate(header string, req Request, ledgers Ledgers) (Verdict, error) {
	if header == "" {
		return Verdict{Status: reason.MandateSkipped, ReasonCode: reason.OK}, nil
	}

	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return Verdict{}, fmt.Errorf("mandate: invalid base64: %w", err)
	}

	kind, err := Sniff(data)
	if err != nil {
		return Verdict{}, fmt.Errorf("mandate: invalid json: %w", err)
	}

	price, err := strconv.ParseFloat(req.PriceUSDC, 64)
	if err != nil {
		return Verdict{}, fmt.Errorf("mandate: invalid route price: %w", err)
	}

	switch kind {
	case KindIntent:
		return verifyIntent(data, req, price, ledgers.Lifetime)
	default:
		return verifyBounded(data, req, price, ledgers.Daily)
	}
}

func verifyBounded(data []byte, req Request, price float64, daily *ledger.Daily) (Verdict, error) {
	var m Bounded
	if err := json.Unmarshal(data, &m); err != nil {
		return Verdict{}, fmt.Errorf("mandate: invalid bounded mandate json: %w", err)
	}

	hash := BoundedHash(m)
	v := Verdict{Kind: KindBounded, MandateID: m.MandateID, MandateHash: fmt.Sprintf("%x", hash)}

	if err := VerifySignature(hash, m.Signature, m.OwnerPubkey); err != nil {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.InvalidSignature
		return v, nil
	}

	expiresAt, err := time.Parse(time.RFC3339, m.ExpiresAt)
	if err != nil {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.MandateExpired
		return v, nil
	}
	if !req.Now.Before(expiresAt) {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.MandateExpired
		return v, nil
	}

	if !allowlisted(m.AllowlistedToolIDs, req.ToolID) {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.EndpointNotAllowlisted
		return v, nil
	}

	maxDaily, err := strconv.ParseFloat(m.MaxSpendUSDCPerDay, 64)
	if err != nil {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.MandateBudgetExceeded
		return v, nil
	}

	if !daily.TryIncrement(m.MandateID, price, maxDaily) {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.MandateBudgetExceeded
		return v, nil
	}

	if m.RequireConfirmOver != nil {
		threshold, err := strconv.ParseFloat(*m.RequireConfirmOver, 64)
		if err == nil && price > threshold {
			daily.Revert(m.MandateID, price)
			v.Status, v.ReasonCode = reason.MandateDenied, reason.MandateConfirmRequired
			return v, nil
		}
	}

	v.Status, v.ReasonCode, v.Charged = reason.MandateApproved, reason.OK, price
	return v, nil
}

func verifyIntent(data []byte, req Request, price float64, lifetime *ledger.Lifetime) (Verdict, error) {
	var m Intent
	if err := json.Unmarshal(data, &m); err != nil {
		return Verdict{}, fmt.Errorf("mandate: invalid intent mandate json: %w", err)
	}

	hash, err := IntentHash(m.Contents)
	if err != nil {
		return Verdict{}, fmt.Errorf("mandate: %w", err)
	}
	intentID := IntentMandateID(hash)
	v := Verdict{Kind: KindIntent, MandateID: intentID, MandateHash: fmt.Sprintf("%x", hash)}

	if err := VerifySignature(hash, m.UserSignature, m.SignerAddress); err != nil {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.InvalidSignature
		return v, nil
	}

	expiry, err := time.Parse(time.RFC3339, m.Contents.IntentExpiry)
	if err != nil {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.MandateExpired
		return v, nil
	}
	if !req.Now.Before(expiry) {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.MandateExpired
		return v, nil
	}

	domain := normalizeDomain(req.GatewayDomain)
	if !merchantMatches(m.Contents.Merchants, domain) {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.MerchantNotMatched
		return v, nil
	}

	budget, err := strconv.ParseFloat(m.Contents.Budget.Amount, 64)
	if err != nil {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.IntentBudgetExceeded
		return v, nil
	}

	if !lifetime.TryIncrement(intentID, price, budget) {
		v.Status, v.ReasonCode = reason.MandateDenied, reason.IntentBudgetExceeded
		return v, nil
	}

	v.Status, v.ReasonCode, v.Charged = reason.MandateApproved, reason.OK, price
	return v, nil
}

func allowlisted(ids []string, toolID string) bool {
	for _, id := range ids {
		if id == "*" || id == toolID {
			return true
		}
	}
	return false
}

func merchantMatches(merchants []string, domain string) bool {
	for _, m := range merchants {
		if m == "*" || strings.EqualFold(strings.TrimSpace(m), domain) {
			return true
		}
	}
	return false
}

// normalizeDomain lowercases and strips a trailing :port, per spec §4.4.
func normalizeDomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// Revert undoes the ledger increment VerifyMandate made for an APPROVED
// verdict, used when a later stage denies or the proxy errors without
// charge (spec §4.4 step 8, §4.5 upstream-error rule).
func Revert(v Verdict, ledgers Ledgers) {
	if v.Status != reason.MandateApproved || v.Charged == 0 {
		return
	}
	switch v.Kind {
	case KindBounded:
		ledgers.Daily.Revert(v.MandateID, v.Charged)
	case KindIntent:
		ledgers.Lifetime.Revert(v.MandateID, v.Charged)
	}
}
