// Package mandate verifies AP2 spending mandates: the Bounded Mandate (kind
// A, daily budget + allowlist) and the Intent Mandate (kind B, lifetime
// budget + merchant allowlist).
package mandate

import "encoding/json"

// Kind tags which mandate variant a decoded header produced.
type Kind string

const (
	KindBounded Kind = "BOUNDED"
	KindIntent  Kind = "INTENT"
)

// Bounded is mandate kind A (spec §3.4).
type Bounded struct {
	MandateID            string   `json:"mandate_id"`
	OwnerPubkey          string   `json:"owner_pubkey"`
	ExpiresAt             string   `json:"expires_at"`
	MaxSpendUSDCPerDay    string   `json:"max_spend_usdc_per_day"`
	AllowlistedToolIDs    []string `json:"allowlisted_tool_ids"`
	RequireConfirmOver    *string  `json:"require_confirm_over,omitempty"`
	Signature             string   `json:"signature"`
}

// IntentBudget is the budget sub-object of an Intent Mandate's contents.
type IntentBudget struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// IntentContents is the signed payload of an Intent Mandate.
type IntentContents struct {
	NaturalLanguageDescription string                 `json:"natural_language_description"`
	Budget                     IntentBudget            `json:"budget"`
	Merchants                  []string                `json:"merchants"`
	IntentExpiry               string                  `json:"intent_expiry"`
	RequiresRefundability      bool                    `json:"requires_refundability"`
	Constraints                map[string]interface{} `json:"constraints,omitempty"`
}

// Intent is mandate kind B (spec §3.5).
type Intent struct {
	Type          string         `json:"type"`
	Contents      IntentContents `json:"contents"`
	UserSignature string         `json:"user_signature"`
	Timestamp     string         `json:"timestamp"`
	SignerAddress string         `json:"signer_address"`
}

// raw is used only to sniff the "type" discriminator before fully decoding
// into the concrete variant (spec §4.4 step 3, tie-break in §4.4 final note).
type raw struct {
	Type string `json:"type"`
}

// Sniff decodes just enough of data to decide which Kind it represents.
// Kind B takes precedence whenever type=="IntentMandate" is present, even if
// Kind-A-shaped fields also happen to be present (tie-break rule).
func Sniff(data []byte) (Kind, error) {
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return "", err
	}
	if r.Type == "IntentMandate" {
		return KindIntent, nil
	}
	return KindBounded, nil
}
