package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caravel-gw/caravel/internal/core/domain"
)

const (
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json"
)

func (g *Gateway) startWebServer() {
	addr := fmt.Sprintf("%s:%d", g.settings.Host, g.settings.Port)
	g.logger.Info("Starting WebServer...", "host", g.settings.Host, "port", g.settings.Port)

	g.server = &http.Server{
		Addr:    addr,
		Handler: g.handler(),

		// No WriteTimeout: SSE responses stay open for the life of the
		// generation and are bounded by the stream idle timeout instead.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("HTTP server error", "error", err)
			g.errCh <- err
		}
	}()

	g.logger.Info("Started WebServer", "bind", addr)
}

// handler wires every route behind the observability middleware.
func (g *Gateway) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("POST /v1/completions", g.handleCompletions)
	mux.HandleFunc("POST /v1/embeddings", g.handleEmbeddings)
	mux.HandleFunc("POST /v1/rerank", g.handleRerank)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", g.telemetry.Handler())
	mux.HandleFunc("GET /v1/models", g.handleModels)
	mux.HandleFunc("GET /api/v1/models", g.handleModelsOpenRouter)

	mux.HandleFunc("GET /admin/quota/{tenant}", g.handleQuota)
	mux.HandleFunc("GET /admin/quotas", g.handleQuotas)

	mux.HandleFunc("GET /{$}", g.handleRoot)

	return g.withObservability(mux)
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Caravel Inference Gateway",
		"status":  "healthy",
	})
}

// handleHealth reports degraded (503) unless every role has at least one
// healthy backend.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := g.monitor.Snapshot()

	allHealthy := true
	backends := make(map[string][]string, len(domain.Roles))
	for _, role := range domain.Roles {
		healthy := snapshot[role]
		if healthy == nil {
			healthy = []string{}
		}
		backends[string(role)] = healthy
		if len(healthy) == 0 {
			allHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":   status,
		"backends": backends,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(contentTypeHeader, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
