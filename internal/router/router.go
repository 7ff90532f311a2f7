// Package router wires the gateway's chi router: the public /api/* surface
// (rate limit pre-filter → pipeline orchestrator), the bearer-gated
// /admin/* surface, and the Prometheus /admin/metrics endpoint.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentmeter/paygate/internal/admin"
	"github.com/agentmeter/paygate/internal/config"
	"github.com/agentmeter/paygate/internal/middleware"
	"github.com/agentmeter/paygate/internal/pipeline"
	"github.com/agentmeter/paygate/internal/reason"
	"github.com/agentmeter/paygate/internal/receipt"
)

// Deps bundles everything New needs to mount the full HTTP surface.
type Deps struct {
	Config      *config.Config
	Pipeline    *pipeline.Pipeline
	Admin       *admin.Handler
	RateLimiter *middleware.RateLimiter
	Registry    *prometheus.Registry
	Logger      zerolog.Logger
}

// New builds the top-level chi.Router (spec §4.9, §4.10, §6.1, §6.2).
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(d.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(d.Config.MaxBodyBytes))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware(rateLimitedHandler(d.Pipeline)))
		}
		r.Mount("/", d.Pipeline)
	})

	if d.Registry != nil && !d.Config.MetricsDisabled {
		// Ungated per SPEC_FULL.md §6: metrics scrapers run inside the trust
		// perimeter and carry no bearer token, unlike the rest of /admin/*.
		r.Get("/admin/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	if d.Config.AdminEnabled() {
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.RequireAdminKey(d.Config.AdminKey))
			d.Admin.Mount(r)
		})
	}

	return r
}

// rateLimitedHandler writes the HTTP 429 + minimal DENIED receipt the spec
// requires for the global rate-limit pre-filter (§4.9), ahead of route
// matching — so no tool_id/price is known yet.
func rateLimitedHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &receipt.Receipt{
			Method:         r.Method,
			Endpoint:       r.URL.Path,
			Timestamp:      time.Now().UTC(),
			Currency:       receipt.Currency,
			Chain:          p.Chain,
			MandateVerdict: reason.MandateSkipped,
			ReasonCode:     reason.RateLimited,
			Outcome:        reason.Denied,
			Explanation:    "rate limit exceeded",
		}
		if p.Clock != nil {
			rec.Timestamp = p.Clock.Now().UTC()
		}
		p.Receipts.Emit(rec)
		if p.Metrics != nil {
			p.Metrics.Observe(rec.Outcome, rec.ReasonCode, "", nil, 0)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rec)
	}
}
