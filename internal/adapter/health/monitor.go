package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caravel-gw/caravel/internal/adapter/telemetry"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

// Monitor probes every configured backend on a fixed interval and publishes
// the healthy set per role. Publication is a full-map swap through an atomic
// pointer: readers see either the previous sweep or the new one, never a
// partial update.
type Monitor struct {
	configured map[domain.Role][]string
	client     *http.Client
	interval   time.Duration
	telemetry  *telemetry.Telemetry
	logger     *slog.Logger

	healthy atomic.Pointer[map[domain.Role][]string]

	statusMu sync.RWMutex
	status   map[string]domain.Backend

	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(configured map[domain.Role][]string, interval, timeout time.Duration, tel *telemetry.Telemetry, logger *slog.Logger) *Monitor {
	m := &Monitor{
		configured: configured,
		client: &http.Client{
			Timeout: timeout,
		},
		interval:  interval,
		telemetry: tel,
		logger:    logger,
		status:    make(map[string]domain.Backend),
		done:      make(chan struct{}),
	}
	empty := make(map[domain.Role][]string)
	m.healthy.Store(&empty)
	return m
}

// Start runs one sweep synchronously so the gateway never accepts traffic
// with an unpopulated healthy set, then launches the periodic loop.
func (m *Monitor) Start(ctx context.Context) {
	m.sweep(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.sweep(loopCtx)
			}
		}
	}()
}

// Stop cancels the probe loop and closes the probe client's connections.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.client.CloseIdleConnections()
}

func (m *Monitor) sweep(ctx context.Context) {
	results := make(map[string]bool)
	var mu sync.Mutex

	g, probeCtx := errgroup.WithContext(ctx)
	for role, urls := range m.configured {
		for _, url := range urls {
			role, url := role, url
			g.Go(func() error {
				ok := m.probe(probeCtx, url, role)
				mu.Lock()
				results[url] = ok
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	// Healthy lists keep configured order so round-robin indexes stay stable
	// between sweeps.
	next := make(map[domain.Role][]string, len(m.configured))
	for role, urls := range m.configured {
		healthy := make([]string, 0, len(urls))
		for _, url := range urls {
			if results[url] {
				healthy = append(healthy, url)
			}
		}
		next[role] = healthy
	}

	m.healthy.Store(&next)
}

func (m *Monitor) probe(ctx context.Context, baseURL string, role domain.Role) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		m.recordStatus(baseURL, role, false, err.Error())
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.recordStatus(baseURL, role, false, err.Error())
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	detail := ""
	if !ok {
		detail = resp.Status
	}
	m.recordStatus(baseURL, role, ok, detail)
	return ok
}

func (m *Monitor) recordStatus(url string, role domain.Role, healthy bool, detail string) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.telemetry.BackendHealth.WithLabelValues(url, string(role)).Set(value)

	m.statusMu.Lock()
	m.status[url] = domain.Backend{
		URL:       url,
		Role:      role,
		Healthy:   healthy,
		LastCheck: time.Now().UTC(),
		LastError: detail,
	}
	m.statusMu.Unlock()

	if !healthy {
		m.logger.Warn("backend unhealthy", "backend", url, "role", role, "detail", detail)
	}
}

// Snapshot returns the current healthy map. Callers take one snapshot per
// request and make every selection decision against it.
func (m *Monitor) Snapshot() map[domain.Role][]string {
	return *m.healthy.Load()
}

// GetHealthy selects a backend for a role. Chat applies the caller's
// monotonic counter modulo the current healthy count; single-backend roles
// return their only entry.
func (m *Monitor) GetHealthy(role domain.Role, index uint64) (string, error) {
	backends := m.Snapshot()[role]
	if len(backends) == 0 {
		return "", domain.ErrNoHealthyBackend
	}
	if role == domain.RoleChat {
		return backends[index%uint64(len(backends))], nil
	}
	return backends[0], nil
}

// Status reports per-backend probe results for the health endpoint.
func (m *Monitor) Status() map[string]domain.Backend {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	out := make(map[string]domain.Backend, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}
