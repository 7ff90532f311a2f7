package admin

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/agentmeter/paygate/internal/proxy"
	"github.com/agentmeter/paygate/internal/route"
)

var pathParamRe = regexp.MustCompile(`\{([^{}]+)\}`)

type openAPIDoc struct {
	Paths map[string]map[string]struct {
		OperationID string `json:"operationId"`
	} `json:"paths"`
}

type importRequest struct {
	Document   openAPIDoc `json:"document"`
	ProviderID string     `json:"providerId"`
	BackendURL string     `json:"backendUrl"`
	PriceUSDC  string     `json:"priceUsdc"`
	Auth       *route.Auth `json:"auth,omitempty"`
}

var importMethods = map[string]bool{
	"get": true, "post": true, "put": true, "delete": true, "patch": true, "head": true,
}

// ImportOpenAPI handles POST /admin/routes/import (spec §4.10): flattens a
// loose OpenAPI 3.0 document's paths × methods into route rules, deriving
// tool_id from operationId (slugified) or a method+path slug, and converting
// `{name}` path templates to `:name`.
func (h *Handler) ImportOpenAPI(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid import document"})
		return
	}

	existing := h.Routes.List()
	seen := make(map[string]bool, len(existing))
	for _, rule := range existing {
		seen[rule.ToolID] = true
	}

	var created []map[string]interface{}
	for path, methods := range req.Document.Paths {
		template := toolPathTemplate(path)
		for method, op := range methods {
			if !importMethods[strings.ToLower(method)] {
				continue
			}
			toolID := op.OperationID
			if toolID == "" {
				toolID = route.Slugify(fmt.Sprintf("%s-%s", method, path))
			} else {
				toolID = route.Slugify(toolID)
			}
			if seen[toolID] {
				continue
			}
			seen[toolID] = true

			rule := &route.Rule{
				Method:       strings.ToUpper(method),
				PathTemplate: template,
				ToolID:       toolID,
				PriceUSDC:    req.PriceUSDC,
				ProviderID:   req.ProviderID,
				BackendURL:   req.BackendURL,
				Auth:         req.Auth,
			}
			if err := rule.ValidateSSRF(net.LookupIP); err != nil {
				continue
			}
			if !h.Config.SkipX402Probe {
				if err := proxy.X402Probe(r.Context(), h.Upstream, rule.BackendURL); err != nil {
					continue
				}
			}
			existing = append(existing, rule)
			created = append(created, redactRule(rule))
		}
	}

	if err := h.Routes.Replace(existing); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.persist()
	writeJSON(w, http.StatusCreated, map[string]interface{}{"created": created, "count": len(created)})
}

// toolPathTemplate converts OpenAPI's {name} path parameter syntax to the
// route table's :name syntax.
func toolPathTemplate(path string) string {
	return pathParamRe.ReplaceAllString(path, ":$1")
}
