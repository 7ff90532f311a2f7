package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VerifyResult is the facilitator's answer to /verify.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult is the facilitator's answer to /settle.
type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
}

// Facilitator is the pluggable capability set the Payment Gate depends on
// (spec §9): verify a payment payload, then settle it once the upstream call
// has succeeded. Tests substitute an in-process fake.
type Facilitator interface {
	Verify(ctx context.Context, payload json.RawMessage, accept Accept) (VerifyResult, error)
	Settle(ctx context.Context, payload json.RawMessage, accept Accept) (SettleResult, error)
}

type facilitatorRequest struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements *Accept         `json:"paymentRequirements"`
}

// HTTPFacilitator is a Facilitator backed by a remote facilitator service
// speaking the x402 /verify and /settle HTTP contract.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFacilitator constructs a client for the facilitator at baseURL.
func NewHTTPFacilitator(baseURL string) *HTTPFacilitator {
	return &HTTPFacilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Ping checks the facilitator is reachable, used at startup to decide
// whether the gate degrades to pass-through (spec §4.5).
func (f *HTTPFacilitator) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment: facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func (f *HTTPFacilitator) Verify(ctx context.Context, payload json.RawMessage, accept Accept) (VerifyResult, error) {
	var out VerifyResult
	err := f.post(ctx, "/verify", facilitatorRequest{PaymentPayload: payload, PaymentRequirements: &accept}, &out)
	return out, err
}

func (f *HTTPFacilitator) Settle(ctx context.Context, payload json.RawMessage, accept Accept) (SettleResult, error) {
	var out SettleResult
	err := f.post(ctx, "/settle", facilitatorRequest{PaymentPayload: payload, PaymentRequirements: &accept}, &out)
	return out, err
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("payment: marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("payment: read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payment: facilitator %s returned status %d: %s", path, resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("payment: unmarshal %s response: %w", path, err)
	}
	return nil
}
