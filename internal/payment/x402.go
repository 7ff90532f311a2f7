// Package payment implements the Payment Gate (C5): the 402
// challenge/verify/settle state machine that sits in front of paid routes,
// speaking the x402 facilitator protocol.
package payment

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Extra carries asset metadata in the x402 accept schema.
type Extra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Accept is a single accepted payment method, passed verbatim to the
// facilitator's /verify and /settle endpoints.
type Accept struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset,omitempty"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Requirements is the 402 response body and the decoded payment-required
// response header (spec §4.5/§6.1). The flat fields mirror the spec's
// `{scheme, price, network, payTo, resource}` shape; Accepts additionally
// carries the full x402-style accept array for facilitator compatibility.
type Requirements struct {
	X402Version       int      `json:"x402Version"`
	Scheme            string   `json:"scheme"`
	Network           string   `json:"network"`
	PayTo             string   `json:"payTo"`
	Resource          string   `json:"resource"`
	MaxAmountRequired string   `json:"maxAmountRequired"`
	Accepts           []Accept `json:"accepts"`
}

// HumanToAtomicUnits converts a human-readable decimal amount (e.g. "0.01")
// into the integer atomic-unit string a chain expects, using exact rational
// arithmetic so no floating-point rounding enters a payment amount.
func HumanToAtomicUnits(amount string, decimals int) (string, error) {
	if amount == "" {
		return "", fmt.Errorf("payment: empty amount")
	}
	rat := new(big.Rat)
	if _, ok := rat.SetString(amount); !ok {
		return "", fmt.Errorf("payment: invalid amount %q", amount)
	}
	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(multiplier))
	if !rat.IsInt() {
		return "", fmt.Errorf("payment: amount %q has more than %d decimal places", amount, decimals)
	}
	return rat.Num().String(), nil
}

// BuildRequirements constructs the Requirements object for a paid route.
func BuildRequirements(scheme, network, payTo, resource, priceUSDC string, decimals int) (Requirements, error) {
	atomic, err := HumanToAtomicUnits(priceUSDC, decimals)
	if err != nil {
		return Requirements{}, err
	}
	return Requirements{
		X402Version:       1,
		Scheme:            scheme,
		Network:           network,
		PayTo:             payTo,
		Resource:          resource,
		MaxAmountRequired: priceUSDC,
		Accepts: []Accept{{
			Scheme:            scheme,
			Network:           network,
			MaxAmountRequired: atomic,
			PayTo:             payTo,
			Resource:          resource,
			MaxTimeoutSeconds: 300,
			Extra:             &Extra{Name: "USDC", Version: "2"},
		}},
	}, nil
}

// Marshal is used both for the response body and the base64-encoded
// payment-required header — both encode the same Requirements value.
func (r Requirements) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
