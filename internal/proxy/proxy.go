// Package proxy forwards an admitted request to its upstream provider
// (C7): SSRF-checked URL construction, hop-by-hop header filtering, auth
// header injection, and response hashing.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/agentmeter/paygate/internal/hashing"
	"github.com/agentmeter/paygate/internal/route"
)

// hopByHop lists headers that must never be copied across a proxy boundary
// (RFC 7230 §6.1 plus the de-facto extensions most proxies also strip).
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Doer is the pluggable capability the proxy depends on for making the
// upstream HTTP call (spec §9 "{Do(http.Request)}"). *http.Client satisfies
// it; tests substitute an in-process fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is the shaped outcome of a proxied call.
type Result struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	ResponseHash string
}

// Forward builds the upstream URL from rule.BackendURL + requestPath (the
// matched inbound path, unexpanded — spec §4.7), copies non-hop-by-hop
// headers, injects the provider auth header if configured, and forwards the
// body verbatim for non-GET/HEAD methods.
func Forward(ctx context.Context, doer Doer, rule *route.Rule, method, requestPath string, header http.Header, body []byte, maxBodyBytes int64) (Result, error) {
	// Re-validate at dial time, not just at route-compile time: the
	// backend's DNS answer can change between the two (DNS rebinding), so
	// the compile-time pre-check alone doesn't cover a host that starts
	// resolving to a private address after the route was created.
	if err := rule.ValidateSSRF(net.LookupIP); err != nil {
		return Result{}, fmt.Errorf("proxy: %w", err)
	}

	url := strings.TrimRight(rule.BackendURL, "/") + requestPath

	var bodyReader io.Reader
	if method != http.MethodGet && method != http.MethodHead && len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return Result{}, fmt.Errorf("proxy: build upstream request: %w", err)
	}

	for k, vs := range header {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if rule.Auth != nil && rule.Auth.HeaderName != "" {
		req.Header.Set(rule.Auth.HeaderName, rule.Auth.HeaderValue)
	}

	resp, err := doer.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("proxy: upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxBodyBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return Result{}, fmt.Errorf("proxy: read upstream response: %w", err)
	}
	if int64(len(respBody)) > maxBodyBytes {
		return Result{}, fmt.Errorf("proxy: upstream response exceeds %d bytes", maxBodyBytes)
	}

	return Result{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		Body:         respBody,
		ResponseHash: hashing.Keccak256Hex(respBody),
	}, nil
}
