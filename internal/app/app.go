package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/caravel-gw/caravel/internal/adapter/admission"
	"github.com/caravel-gw/caravel/internal/adapter/breaker"
	"github.com/caravel-gw/caravel/internal/adapter/cache"
	"github.com/caravel-gw/caravel/internal/adapter/health"
	"github.com/caravel-gw/caravel/internal/adapter/proxy"
	"github.com/caravel-gw/caravel/internal/adapter/quota"
	"github.com/caravel-gw/caravel/internal/adapter/telemetry"
	"github.com/caravel-gw/caravel/internal/config"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

// Gateway owns every registry in the admission pipeline. All shared state
// hangs off this value; nothing in the pipeline is package-global.
type Gateway struct {
	settings  *config.Settings
	logger    *slog.Logger
	telemetry *telemetry.Telemetry

	limiter  *admission.RateLimiter
	gate     *admission.Gate
	ledger   *quota.Ledger
	cache    *cache.Cache
	breakers *breaker.Registry
	monitor  *health.Monitor
	proxy    *proxy.Proxy

	// chatRR advances exactly once per admitted chat request.
	chatRR atomic.Uint64

	server *http.Server
	errCh  chan error
}

func New(settings *config.Settings, logger *slog.Logger) (*Gateway, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	tel := telemetry.New()

	limiter := admission.NewRateLimiter(settings.MaxRPSPerIP, settings.RPSWindowSecs, settings.RPSBurst, tel)
	gate := admission.NewGate(settings.MaxInflightPerIP, settings.QueueTimeout, settings.IPIdleTimeout, tel)
	// When the gate garbage-collects an idle tenant, its rate window goes too.
	gate.OnEvict(limiter.Forget)

	ledger := quota.NewLedger(quota.Limits{
		DailyTokens:   settings.OrgDailyTokenLimit,
		DailyRequests: settings.OrgDailyRequestLimit,
		MonthlyTokens: settings.OrgMonthlyTokenLimit,
	}, tel)

	breakers := breaker.NewRegistry(settings.CircuitFailureThreshold, settings.CircuitRecoveryTimeout, tel)

	monitor := health.NewMonitor(map[domain.Role][]string{
		domain.RoleChat:     settings.ChatBackends,
		domain.RoleText2SQL: {settings.Text2SQLBackend},
		domain.RoleEmbed:    {settings.EmbedBackend},
		domain.RoleRerank:   {settings.RerankBackend},
	}, settings.HealthCheckInterval, settings.HealthCheckTimeout, tel, logger)

	g := &Gateway{
		settings:  settings,
		logger:    logger,
		telemetry: tel,
		limiter:   limiter,
		gate:      gate,
		ledger:    ledger,
		cache:     cache.New(settings.CacheMaxSize, settings.CacheTTL),
		breakers:  breakers,
		monitor:   monitor,
		proxy: proxy.New(breakers, settings.BackendAPIKey,
			settings.ConnectTimeout, settings.MaxRequestTimeout, settings.StreamIdleTimeout, tel),
		errCh: make(chan error, 1),
	}
	return g, nil
}

// Start probes every backend once before the listener opens, then serves.
func (g *Gateway) Start(ctx context.Context) error {
	g.monitor.Start(ctx)
	g.startWebServer()
	return nil
}

// Stop drains the server, then tears down the probe loop and backend pools.
func (g *Gateway) Stop(ctx context.Context) error {
	var err error
	if g.server != nil {
		err = g.server.Shutdown(ctx)
	}
	g.monitor.Stop()
	g.proxy.Close()
	return err
}

// Err exposes fatal server errors to the main goroutine.
func (g *Gateway) Err() <-chan error {
	return g.errCh
}
