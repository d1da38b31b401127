package app

import (
	"net/http"
	"strings"
)

// adminAuthorized gates the quota introspection endpoints behind the same
// gateway bearer token as the inference routes.
func (g *Gateway) adminAuthorized(w http.ResponseWriter, r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeDetail(w, http.StatusUnauthorized, "Missing Bearer token")
		return false
	}
	if token != g.settings.GatewayAPIKey {
		writeDetail(w, http.StatusForbidden, "Invalid API key")
		return false
	}
	return true
}

func (g *Gateway) handleQuota(w http.ResponseWriter, r *http.Request) {
	if !g.adminAuthorized(w, r) {
		return
	}
	tenant := r.PathValue("tenant")
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant": tenant,
		"usage":  g.ledger.Usage(tenant),
	})
}

func (g *Gateway) handleQuotas(w http.ResponseWriter, r *http.Request) {
	if !g.adminAuthorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": g.ledger.AllUsage(),
		"cache":   g.cache.Stats(),
		"circuit": g.breakers.States(),
	})
}
