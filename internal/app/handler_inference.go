package app

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/caravel-gw/caravel/internal/adapter/cache"
	"github.com/caravel-gw/caravel/internal/core/domain"
	"github.com/caravel-gw/caravel/internal/util"
)

// Approximate completion tokens charged for streaming responses, where no
// usage block arrives.
const (
	streamChatCompletionEstimate     = 500
	streamText2SQLCompletionEstimate = 200
)

// route binds an inbound endpoint to a backend role and path.
type route struct {
	role        domain.Role
	backendPath string
	streamable  bool
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	g.serveInference(w, r, route{role: domain.RoleChat, backendPath: "/v1/chat/completions", streamable: true})
}

func (g *Gateway) handleCompletions(w http.ResponseWriter, r *http.Request) {
	g.serveInference(w, r, route{role: domain.RoleText2SQL, backendPath: "/v1/completions", streamable: true})
}

func (g *Gateway) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	g.serveInference(w, r, route{role: domain.RoleEmbed, backendPath: "/v1/embeddings"})
}

func (g *Gateway) handleRerank(w http.ResponseWriter, r *http.Request) {
	g.serveInference(w, r, route{role: domain.RoleRerank, backendPath: "/v1/rerank"})
}

// serveInference is the admission pipeline every inference route runs:
// rate limit, auth, concurrency gate, quota, backend selection, dispatch.
func (g *Gateway) serveInference(w http.ResponseWriter, r *http.Request, rt route) {
	log := requestLogger(r.Context())
	tenant := util.TenantKey(r)

	if err := g.limiter.Allow(tenant); err != nil {
		w.Header().Set("Retry-After", "1")
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.limiter.Limit()))
		writeDetail(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	if !g.authorize(w, r) {
		return
	}

	release, err := g.gate.Acquire(r.Context(), tenant)
	if err != nil {
		if errors.Is(err, domain.ErrQueueTimeout) {
			w.Header().Set("Retry-After", "5")
			writeDetail(w, http.StatusTooManyRequests, "Too many concurrent requests; please retry")
			return
		}
		// Client went away while queued.
		return
	}
	defer release()

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if model, ok := payload["model"].(string); ok {
		payload["model"] = resolveModel(model)
	}

	prompt := promptTokens(rt.role, payload)
	estimated := prompt + completionBudget(rt.role, payload)

	if err := g.ledger.Check(tenant, int64(estimated)); err != nil {
		var qerr *domain.QuotaError
		if errors.As(err, &qerr) {
			w.Header().Set("X-Quota-Reset", qerr.ResetAt)
		}
		writeDetail(w, http.StatusTooManyRequests, "Quota exceeded")
		return
	}

	backend, err := g.selectBackend(rt.role)
	if err != nil {
		writeDetail(w, http.StatusServiceUnavailable, "No healthy backend available")
		return
	}
	url := backend + rt.backendPath

	if rt.streamable && wantsStream(payload) {
		g.proxy.Stream(r.Context(), w, url, payload, rt.role, log)

		// Streams carry no usage block; charge the prompt estimate plus a
		// fixed per-role completion figure.
		total := int64(prompt + streamCompletionEstimate(rt.role))
		g.ledger.Record(tenant, total)
		g.telemetry.TokensProcessed.WithLabelValues(tenant, modelLabel(payload), string(rt.role)).Add(float64(total))
		return
	}

	cacheable := cache.Cacheable(payload)
	var cacheKey string
	if cacheable {
		cacheKey = cache.Key(payload)
		if cached, ok := g.cache.Get(cacheKey); ok {
			g.telemetry.CacheHits.Inc()
			g.ledger.Record(tenant, 0)
			w.Header().Set(contentTypeHeader, contentTypeJSON)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
		g.telemetry.CacheMisses.Inc()
	}

	body, err := g.proxy.DoJSON(r.Context(), url, payload, rt.role)
	if err != nil {
		g.writeProxyError(w, log, err)
		return
	}

	if cacheable {
		g.cache.Set(cacheKey, body)
	}

	total := gjson.GetBytes(body, "usage.total_tokens").Int()
	g.ledger.Record(tenant, total)
	g.telemetry.TokensProcessed.WithLabelValues(tenant, modelLabel(payload), string(rt.role)).Add(float64(total))

	w.Header().Set(contentTypeHeader, contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// authorize enforces the gateway bearer token: 401 when missing or
// malformed, 403 on mismatch.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if header == "" || !ok || token == "" {
		writeDetail(w, http.StatusUnauthorized, "Missing Bearer token")
		return false
	}
	if token != g.settings.GatewayAPIKey {
		writeDetail(w, http.StatusForbidden, "Invalid API key")
		return false
	}
	return true
}

// selectBackend picks a healthy backend for the role. Chat advances the
// round-robin counter once per admitted request; other roles have one backend.
func (g *Gateway) selectBackend(role domain.Role) (string, error) {
	var index uint64
	if role == domain.RoleChat {
		index = g.chatRR.Add(1) - 1
	}
	return g.monitor.GetHealthy(role, index)
}

func (g *Gateway) writeProxyError(w http.ResponseWriter, log *slog.Logger, err error) {
	var upstream *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		writeDetail(w, http.StatusServiceUnavailable, "Backend temporarily unavailable")
	case errors.Is(err, domain.ErrGatewayTimeout):
		log.Warn("backend timeout", "error", g.redact(err.Error()))
		writeDetail(w, http.StatusGatewayTimeout, "Backend request timeout")
	case errors.Is(err, domain.ErrBadGateway):
		log.Error("backend connection failed", "error", g.redact(err.Error()))
		writeDetail(w, http.StatusBadGateway, "Backend connection failed")
	case errors.As(err, &upstream):
		// Upstream 4xx/5xx pass through with their body, 429s included.
		w.Header().Set(contentTypeHeader, contentTypeJSON)
		w.WriteHeader(upstream.Status)
		_, _ = w.Write(upstream.Body)
	default:
		log.Error("proxy failure", "error", g.redact(err.Error()))
		writeDetail(w, http.StatusBadGateway, "Backend request failed")
	}
}

func wantsStream(payload map[string]any) bool {
	stream, ok := payload["stream"].(bool)
	return ok && stream
}

func modelLabel(payload map[string]any) string {
	if model, ok := payload["model"].(string); ok && model != "" {
		return model
	}
	return "unknown"
}

// promptTokens approximates the prompt cost of a request per role.
func promptTokens(role domain.Role, payload map[string]any) int {
	switch role {
	case domain.RoleChat:
		return util.EstimateChatTokens(chatMessages(payload))
	case domain.RoleText2SQL:
		prompt, _ := payload["prompt"].(string)
		return util.EstimatePromptTokens(prompt)
	default:
		// Embeddings and rerank consume input only.
		input, _ := payload["input"].(string)
		query, _ := payload["query"].(string)
		return util.EstimatePromptTokens(input + " " + query)
	}
}

// completionBudget is the estimated completion allowance added at quota
// admission. Non-generative roles produce no completion.
func completionBudget(role domain.Role, payload map[string]any) int {
	switch role {
	case domain.RoleChat, domain.RoleText2SQL:
		return util.EstimateCompletionTokens(intField(payload, "max_tokens"))
	default:
		return 0
	}
}

func chatMessages(payload map[string]any) []util.ChatMessage {
	raw, ok := payload["messages"].([]any)
	if !ok {
		return nil
	}
	messages := make([]util.ChatMessage, 0, len(raw))
	for _, m := range raw {
		entry, ok := m.(map[string]any)
		if !ok {
			continue
		}
		msg := util.ChatMessage{}
		msg.Role, _ = entry["role"].(string)
		msg.Content, _ = entry["content"].(string)
		msg.Name, _ = entry["name"].(string)
		messages = append(messages, msg)
	}
	return messages
}

func intField(payload map[string]any, key string) int {
	if v, ok := payload[key].(float64); ok {
		return int(v)
	}
	return 0
}

func streamCompletionEstimate(role domain.Role) int {
	if role == domain.RoleChat {
		return streamChatCompletionEstimate
	}
	return streamText2SQLCompletionEstimate
}
