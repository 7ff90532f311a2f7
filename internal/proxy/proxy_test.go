package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/paygate/internal/route"
)

func TestForward_InjectsAuthAndStripsHopByHop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.Header.Get("X-Api-Key"))
		assert.Empty(t, r.Header.Get("Connection"))
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	rule := &route.Rule{
		BackendURL: srv.URL,
		Auth:       &route.Auth{HeaderName: "X-Api-Key", HeaderValue: "secret-token"},
		SkipSSRF:   true,
	}

	header := http.Header{}
	header.Set("Connection", "keep-alive")
	header.Set("X-Custom", "value")

	result, err := Forward(context.Background(), http.DefaultClient, rule, "GET", "/echo", header, nil, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "hello", string(result.Body))
	assert.Len(t, result.ResponseHash, 64)
}

func TestForward_RejectsOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	rule := &route.Rule{BackendURL: srv.URL, SkipSSRF: true}
	_, err := Forward(context.Background(), http.DefaultClient, rule, "GET", "/", nil, nil, 10)
	assert.Error(t, err)
}

func TestForward_RejectsPrivateBackendAtDialTime(t *testing.T) {
	rule := &route.Rule{BackendURL: "http://127.0.0.1:9"}
	_, err := Forward(context.Background(), http.DefaultClient, rule, "GET", "/", nil, nil, 1<<20)
	assert.Error(t, err)
}

func TestX402Probe_RejectsAlreadyPricedUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("payment-required", "eyJ4NDAyIjp0cnVlfQ==")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	err := X402Probe(context.Background(), http.DefaultClient, srv.URL)
	assert.Error(t, err)
}

func TestX402Probe_AllowsOrdinaryUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := X402Probe(context.Background(), http.DefaultClient, srv.URL)
	assert.NoError(t, err)
}
