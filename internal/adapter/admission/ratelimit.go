package admission

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/caravel-gw/caravel/internal/adapter/telemetry"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

// RateLimiter enforces a per-tenant sliding-window admission bound: at most
// max(burst, floor(rps * window)) requests inside any window.
type RateLimiter struct {
	windows   *xsync.Map[string, *rateWindow]
	window    time.Duration
	limit     int
	maxRPS    float64
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

type rateWindow struct {
	mu   sync.Mutex
	hits []time.Time
}

func NewRateLimiter(maxRPS, windowSecs float64, burst int, tel *telemetry.Telemetry) *RateLimiter {
	limit := int(maxRPS * windowSecs)
	if burst > limit {
		limit = burst
	}
	return &RateLimiter{
		windows:   xsync.NewMap[string, *rateWindow](),
		window:    time.Duration(windowSecs * float64(time.Second)),
		limit:     limit,
		maxRPS:    maxRPS,
		telemetry: tel,
		now:       time.Now,
	}
}

// Allow admits or rejects one request for the tenant. Eviction of expired
// timestamps happens before the size check, so the bound holds for any
// window placement.
func (rl *RateLimiter) Allow(tenant string) error {
	w, ok := rl.windows.Load(tenant)
	if !ok {
		w, _ = rl.windows.LoadOrStore(tenant, &rateWindow{})
	}

	now := rl.now()
	cutoff := now.Add(-rl.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	evicted := 0
	for evicted < len(w.hits) && w.hits[evicted].Before(cutoff) {
		evicted++
	}
	if evicted > 0 {
		w.hits = append(w.hits[:0], w.hits[evicted:]...)
	}

	if len(w.hits) >= rl.limit {
		rl.telemetry.RateLimitRejections.WithLabelValues(tenant, "rps_exceeded").Inc()
		return domain.ErrRateLimited
	}

	w.hits = append(w.hits, now)
	return nil
}

// Limit reports the per-window admission bound (for X-RateLimit-Limit).
func (rl *RateLimiter) Limit() int {
	return rl.limit
}

// Forget drops a tenant's window; called by the gate's idle GC.
func (rl *RateLimiter) Forget(tenant string) {
	rl.windows.Delete(tenant)
}
