package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// X402Probe performs the upstream pre-check run at route creation (spec
// §4.7): HEAD the backend URL once, falling back to GET if the HEAD request
// fails with a transport error, and refuse routes whose upstream already advertises its own
// x402 payment-required challenge (prevents double-charge loops).
func X402Probe(ctx context.Context, doer Doer, backendURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, header, err := probeOnce(ctx, doer, http.MethodHead, backendURL)
	if err != nil {
		status, header, err = probeOnce(ctx, doer, http.MethodGet, backendURL)
		if err != nil {
			// The pre-check is advisory; an unreachable upstream is the
			// proxy's problem at request time, not route-creation time.
			return nil
		}
	}

	if status == http.StatusPaymentRequired || header.Get("payment-required") != "" || header.Get("PAYMENT-REQUIRED") != "" {
		return fmt.Errorf("proxy: upstream already advertises a payment-required challenge")
	}
	return nil
}

func probeOnce(ctx context.Context, doer Doer, method, url string) (int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := doer.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Header, nil
}
