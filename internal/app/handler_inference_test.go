package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-gw/caravel/internal/config"
)

const (
	testGatewayKey = "test-gateway-key"
	testBackendKey = "test-backend-key"
)

// fakeBackend is an OpenAI-shaped upstream for pipeline tests. It answers
// /health and echoes a fixed completion on the inference paths.
type fakeBackend struct {
	server *httptest.Server

	mu       sync.Mutex
	hits     int
	models   []string
	delay    time.Duration
	failWith int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}

		fb.mu.Lock()
		fb.hits++
		delay := fb.delay
		failWith := fb.failWith
		fb.mu.Unlock()

		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if model, ok := payload["model"].(string); ok {
			fb.mu.Lock()
			fb.models = append(fb.models, model)
			fb.mu.Unlock()
		}

		if delay > 0 {
			time.Sleep(delay)
		}
		if failWith != 0 {
			w.WriteHeader(failWith)
			fmt.Fprint(w, `{"error":"upstream failure"}`)
			return
		}

		if stream, _ := payload["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hi","reasoning_content":"x"}}]}`+"\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"}}],"usage":{"total_tokens":25}}`)
	}))
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) url() string { return fb.server.URL }

func (fb *fakeBackend) setDelay(d time.Duration) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.delay = d
}

func (fb *fakeBackend) setFailWith(status int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.failWith = status
}

func (fb *fakeBackend) hitCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.hits
}

func (fb *fakeBackend) seenModels() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.models...)
}

func testSettings(backends ...string) *config.Settings {
	return &config.Settings{
		GatewayAPIKey:    testGatewayKey,
		BackendAPIKey:    testBackendKey,
		ChatBackends:     backends,
		Text2SQLBackend:  backends[0],
		EmbedBackend:     backends[0],
		RerankBackend:    backends[0],
		MaxRPSPerIP:      1000,
		RPSWindowSecs:    1,
		RPSBurst:         1000,
		MaxInflightPerIP: 100,
		QueueTimeout:     time.Second,
		IPIdleTimeout:    time.Hour,

		MaxRequestTimeout: 5 * time.Second,
		StreamIdleTimeout: time.Second,
		ConnectTimeout:    time.Second,

		OrgDailyTokenLimit:   1_000_000,
		OrgDailyRequestLimit: 100_000,
		OrgMonthlyTokenLimit: 10_000_000,

		CacheTTL:     time.Minute,
		CacheMaxSize: 100,

		CircuitFailureThreshold: 5,
		CircuitRecoveryTimeout:  time.Second,

		HealthCheckInterval: time.Hour,
		HealthCheckTimeout:  time.Second,

		Host:               "127.0.0.1",
		Port:               0,
		LogLevel:           "error",
		EnablePIIRedaction: true,
	}
}

// newTestGateway builds a gateway, runs the synchronous first health sweep,
// and returns its handler.
func newTestGateway(t *testing.T, settings *config.Settings) (*Gateway, http.Handler) {
	t.Helper()
	g, err := New(settings, slog.Default())
	require.NoError(t, err)

	g.monitor.Start(context.Background())
	t.Cleanup(g.monitor.Stop)
	t.Cleanup(g.proxy.Close)

	return g, g.handler()
}

func chatRequest(body, tenant string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+testGatewayKey)
	r.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		r.Header.Set("X-Forwarded-For", tenant)
	}
	return r
}

func TestAuthMissingToken(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	r := chatRequest(`{"model":"m"}`, "1.2.3.4")
	r.Header.Del("Authorization")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Missing Bearer token"}`, rec.Body.String())
}

func TestAuthMalformedHeader(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	r := chatRequest(`{"model":"m"}`, "1.2.3.4")
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthWrongToken(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	r := chatRequest(`{"model":"m"}`, "1.2.3.4")
	r.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"detail":"Invalid API key"}`, rec.Body.String())
}

func TestRateLimitSecondRequestRejected(t *testing.T) {
	fb := newFakeBackend(t)
	settings := testSettings(fb.url())
	settings.MaxRPSPerIP = 1
	settings.RPSWindowSecs = 1
	settings.RPSBurst = 1
	_, handler := newTestGateway(t, settings)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m","messages":[]}`, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m","messages":[]}`, "1.2.3.4"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimitTenantsIndependent(t *testing.T) {
	fb := newFakeBackend(t)
	settings := testSettings(fb.url())
	settings.MaxRPSPerIP = 1
	settings.RPSWindowSecs = 1
	settings.RPSBurst = 1
	_, handler := newTestGateway(t, settings)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "5.6.7.8"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueTimeoutRejectedQuickly(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setDelay(2 * time.Second)
	settings := testSettings(fb.url())
	settings.MaxInflightPerIP = 1
	settings.QueueTimeout = 100 * time.Millisecond
	_, handler := newTestGateway(t, settings)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))
	}()

	// Let the first request occupy the gate.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Less(t, elapsed, time.Second)

	wg.Wait()
}

func TestQuotaDeniedWithResetHeader(t *testing.T) {
	fb := newFakeBackend(t)
	settings := testSettings(fb.url())
	settings.OrgDailyRequestLimit = 1
	_, handler := newTestGateway(t, settings)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Quota-Reset"))
	assert.JSONEq(t, `{"detail":"Quota exceeded"}`, rec.Body.String())
}

func TestChatRoundRobinAcrossBackends(t *testing.T) {
	a := newFakeBackend(t)
	b := newFakeBackend(t)
	c := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(a.url(), b.url(), c.url()))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2, a.hitCount())
	assert.Equal(t, 2, b.hitCount())
	assert.Equal(t, 1, c.hitCount())
}

func TestModelAliasResolvedBeforeDispatch(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"Qwen/Qwen-2.5-14B-Instruct"}`, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)

	models := fb.seenModels()
	require.Len(t, models, 1)
	assert.Equal(t, canonicalChatModel, models[0])
}

func TestUnknownModelPassesThrough(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"custom-model"}`, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"custom-model"}, fb.seenModels())
}

func TestInvalidJSONBody(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{not json`, "1.2.3.4"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpstreamStatusPassesThrough(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setFailWith(http.StatusTooManyRequests)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"upstream failure"}`, rec.Body.String())
}

func TestCacheHitSkipsBackend(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	body := `{"model":"m","temperature":0.1,"messages":[{"role":"user","content":"hi"}]}`

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(body, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)
	first := rec.Body.String()

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(body, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, fb.hitCount())
	assert.JSONEq(t, first, rec.Body.String())
}

func TestHighTemperatureNotCached(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	body := `{"model":"m","temperature":0.9,"messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, chatRequest(body, "1.2.3.4"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2, fb.hitCount())
}

func TestStreamingEndToEnd(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m","stream":true}`, "1.2.3.4"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"hi"`)
	assert.NotContains(t, body, "reasoning_content")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestCorrelationIDOnEveryResponse(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, "1.2.3.4"))
	require.Equal(t, http.StatusOK, rec.Code)
	first := rec.Header().Get("X-Correlation-ID")
	assert.NotEmpty(t, first)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	second := rec.Header().Get("X-Correlation-ID")
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second)
}

func TestCompletionsUsesText2SQLBackend(t *testing.T) {
	chat := newFakeBackend(t)
	sql := newFakeBackend(t)
	settings := testSettings(chat.url())
	settings.Text2SQLBackend = sql.url()
	_, handler := newTestGateway(t, settings)

	r := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m","prompt":"select"}`))
	r.Header.Set("Authorization", "Bearer "+testGatewayKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sql.hitCount())
	assert.Equal(t, 0, chat.hitCount())
}

func TestEmbeddingsAndRerankPassthrough(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	for _, path := range []string{"/v1/embeddings", "/v1/rerank"} {
		r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"model":"m","input":"text"}`))
		r.Header.Set("Authorization", "Bearer "+testGatewayKey)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, 2, fb.hitCount())
}

func TestConcurrentRequestsDistinctTenants(t *testing.T) {
	fb := newFakeBackend(t)
	_, handler := newTestGateway(t, testSettings(fb.url()))

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			tenant := fmt.Sprintf("10.0.0.%d", i)
			handler.ServeHTTP(rec, chatRequest(`{"model":"m"}`, tenant))
			if rec.Code != http.StatusOK {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 20, fb.hitCount())
}
