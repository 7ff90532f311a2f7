package admin

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentmeter/paygate/internal/clock"
	"github.com/agentmeter/paygate/internal/config"
	"github.com/agentmeter/paygate/internal/ledger"
	"github.com/agentmeter/paygate/internal/mandate"
	"github.com/agentmeter/paygate/internal/policy"
	"github.com/agentmeter/paygate/internal/proxy"
	"github.com/agentmeter/paygate/internal/reason"
	"github.com/agentmeter/paygate/internal/receipt"
	"github.com/agentmeter/paygate/internal/route"
)

// Handler wires every admin endpoint (C10) to the process-wide state S it
// introspects and mutates.
type Handler struct {
	Config    *config.Config
	Routes    *route.Table
	Receipts  *receipt.Store
	Blacklist *policy.Blacklist
	Ledgers   mandate.Ledgers
	Upstream  proxy.Doer
	Clock     clock.Clock
	StartedAt time.Time

	// Persist, when non-nil, is called after every successful route mutation
	// so the routes file on disk stays in sync (spec §6.4). A nil Persist
	// means mutations are in-memory only for the life of the process.
	Persist func(rules []*route.Rule) error
}

// Mount attaches every admin route under r (already scoped to "/admin" with
// the bearer-token middleware applied by the caller).
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/config", h.GetConfig)

	r.Get("/routes", h.ListRoutes)
	r.Post("/routes", h.CreateRoute)
	r.Post("/routes/import", h.ImportOpenAPI)
	r.Put("/routes/{toolID}", h.UpdateRoute)
	r.Delete("/routes/{toolID}", h.DeleteRoute)

	r.Get("/receipts", h.ListReceipts)
	r.Get("/receipts/stats", h.ReceiptStats)

	r.Get("/blacklist", h.ListBlacklist)
	r.Post("/blacklist", h.AddBlacklist)
	r.Delete("/blacklist/{addr}", h.RemoveBlacklist)

	r.Get("/spend/{mandateID}", h.GetSpend)
}

// Health reports operational counters (spec §4.10).
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptime_ms":     h.Clock.Now().Sub(h.StartedAt).Milliseconds(),
		"route_count":   len(h.Routes.List()),
		"receipt_count": h.Receipts.Stats().TotalRequests,
	})
}

// GetConfig returns gateway configuration with secrets masked.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"env":                  h.Config.Env,
		"pay_to_address":       maskAddress(h.Config.PayToAddress),
		"base_network":         h.Config.BaseNetwork,
		"facilitator_url":      h.Config.FacilitatorURL,
		"facilitator_scheme":   h.Config.FacilitatorScheme,
		"replay_ttl_ms":        h.Config.ReplayTTL.Milliseconds(),
		"rate_limit_per_min":   h.Config.RateLimitPerMin,
		"reputation_enabled":   h.Config.ReputationEnabled(),
		"reputation_min_score": h.Config.ReputationMinScore,
		"gateway_domain":       h.Config.GatewayDomain,
	})
}

// maskAddress shows only the first and last 4 characters of a secret-ish
// value, per spec §4.10 ("pay-to address shows first/last 4 chars").
func maskAddress(addr string) string {
	if len(addr) <= 8 {
		return "****"
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}

// ListRoutes returns every rule (including restricted ones, for admin
// introspection) with auth.value redacted.
func (h *Handler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	rules := h.Routes.List()
	out := make([]map[string]interface{}, 0, len(rules))
	for _, rule := range rules {
		out = append(out, redactRule(rule))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": out})
}

func redactRule(rule *route.Rule) map[string]interface{} {
	m := map[string]interface{}{
		"method":       rule.Method,
		"pathTemplate": rule.PathTemplate,
		"toolId":       rule.ToolID,
		"priceUsdc":    rule.PriceUSDC,
		"providerId":   rule.ProviderID,
		"backendUrl":   rule.BackendURL,
		"group":        rule.Group,
		"description":  rule.Description,
		"restricted":   rule.Restricted,
	}
	if rule.Auth != nil {
		m["auth"] = map[string]string{"headerName": rule.Auth.HeaderName, "headerValue": "***redacted***"}
	}
	return m
}

// CreateRoute handles POST /admin/routes: SSRF + upstream-402 pre-checks,
// then an atomic route-table swap.
func (h *Handler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var rule route.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid route JSON"})
		return
	}

	if _, exists := h.Routes.ByToolID(rule.ToolID); exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "tool_id already exists"})
		return
	}

	if err := rule.ValidateSSRF(net.LookupIP); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "SSRF_BLOCKED", "detail": err.Error()})
		return
	}
	if !h.Config.SkipX402Probe {
		if err := proxy.X402Probe(r.Context(), h.Upstream, rule.BackendURL); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "X402_UPSTREAM_BLOCKED", "detail": err.Error()})
			return
		}
	}

	now := h.Clock.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	rules := append(h.Routes.List(), &rule)
	if err := h.Routes.Replace(rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.persist()
	writeJSON(w, http.StatusCreated, redactRule(&rule))
}

// UpdateRoute handles PUT /admin/routes/:tool_id (price/description only,
// per spec §3.1 lifecycle).
func (h *Handler) UpdateRoute(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	existing, ok := h.Routes.ByToolID(toolID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tool_id not found"})
		return
	}

	var patch struct {
		PriceUSDC   *string `json:"priceUsdc"`
		Description *string `json:"description"`
	}
	if err := decodeJSON(r, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid patch JSON"})
		return
	}

	updated := *existing
	if patch.PriceUSDC != nil {
		updated.PriceUSDC = *patch.PriceUSDC
	}
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	updated.UpdatedAt = h.Clock.Now().UTC()

	rules := replaceRule(h.Routes.List(), toolID, &updated)
	if err := h.Routes.Replace(rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.persist()
	writeJSON(w, http.StatusOK, redactRule(&updated))
}

// DeleteRoute handles DELETE /admin/routes/:tool_id.
func (h *Handler) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, ok := h.Routes.ByToolID(toolID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tool_id not found"})
		return
	}

	rules := make([]*route.Rule, 0)
	for _, rule := range h.Routes.List() {
		if rule.ToolID != toolID {
			rules = append(rules, rule)
		}
	}
	if err := h.Routes.Replace(rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.persist()
	w.WriteHeader(http.StatusNoContent)
}

func replaceRule(rules []*route.Rule, toolID string, updated *route.Rule) []*route.Rule {
	out := make([]*route.Rule, len(rules))
	for i, rule := range rules {
		if rule.ToolID == toolID {
			out[i] = updated
		} else {
			out[i] = rule
		}
	}
	return out
}

func (h *Handler) persist() {
	if h.Persist == nil {
		return
	}
	_ = h.Persist(h.Routes.List())
}

// ListReceipts handles GET /admin/receipts.
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	f := receipt.Filter{
		ToolID:  r.URL.Query().Get("tool_id"),
		Outcome: reason.Outcome(r.URL.Query().Get("outcome")),
	}
	f.Limit = queryInt(r, "limit", 100)
	f.Offset = queryInt(r, "offset", 0)
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": h.Receipts.Query(f)})
}

// ReceiptStats handles GET /admin/receipts/stats.
func (h *Handler) ReceiptStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Receipts.Stats())
}

// ListBlacklist handles GET /admin/blacklist.
func (h *Handler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"addresses": h.Blacklist.List()})
}

// AddBlacklist handles POST /admin/blacklist.
func (h *Handler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address required"})
		return
	}
	h.Blacklist.Add(body.Address)
	writeJSON(w, http.StatusCreated, map[string]string{"address": body.Address})
}

// RemoveBlacklist handles DELETE /admin/blacklist/:addr.
func (h *Handler) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	if !h.Blacklist.Remove(addr) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "address not blacklisted"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSpend handles GET /admin/spend/:mandate_id, reporting whichever ledger
// has a non-zero entry for the mandate (daily takes precedence, matching
// the Bounded-Mandate-is-the-common-case assumption). A mandate with no
// spend in either ledger reports a zero spent_today_usdc.
func (h *Handler) GetSpend(w http.ResponseWriter, r *http.Request) {
	mandateID := chi.URLParam(r, "mandateID")
	daily := h.Ledgers.Daily.Spent(mandateID)
	lifetime := h.Ledgers.Lifetime.Spent(mandateID)
	if daily == 0 && lifetime != 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"spent_lifetime_usdc": ledger.FormatUSDC(lifetime),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spent_today_usdc": ledger.FormatUSDC(daily),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}
