package admission

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/semaphore"

	"github.com/caravel-gw/caravel/internal/adapter/telemetry"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

// gcEvery triggers an idle-tenant sweep every N admissions.
const gcEvery = 1000

// Gate bounds per-tenant inflight requests with bounded queueing. Each tenant
// gets a weighted semaphore; waiters are served FIFO and give up after the
// queue timeout.
type Gate struct {
	tenants      *xsync.Map[string, *tenantGate]
	capacity     int64
	queueTimeout time.Duration
	idleTimeout  time.Duration
	telemetry    *telemetry.Telemetry

	admissions atomic.Uint64

	// onEvict lets other tenant-keyed registries drop their entries when the
	// gate garbage-collects an idle tenant.
	onEvict []func(tenant string)
}

type tenantGate struct {
	sem      *semaphore.Weighted
	lastSeen atomic.Int64 // unix nano
}

func NewGate(capacity int, queueTimeout, idleTimeout time.Duration, tel *telemetry.Telemetry) *Gate {
	return &Gate{
		tenants:      xsync.NewMap[string, *tenantGate](),
		capacity:     int64(capacity),
		queueTimeout: queueTimeout,
		idleTimeout:  idleTimeout,
		telemetry:    tel,
	}
}

// OnEvict registers a callback invoked with each tenant pruned by GC.
func (g *Gate) OnEvict(fn func(tenant string)) {
	g.onEvict = append(g.onEvict, fn)
}

// Acquire admits the request into the tenant's inflight set, queueing up to
// the configured timeout. The returned release function is safe to call on
// every exit path and exactly once.
func (g *Gate) Acquire(ctx context.Context, tenant string) (release func(), err error) {
	tg := g.get(tenant)

	if n := g.admissions.Add(1); n%gcEvery == 0 {
		g.pruneIdle()
	}

	g.telemetry.QueueDepth.WithLabelValues(tenant).Inc()
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, g.queueTimeout)
	defer cancel()

	if err := tg.sem.Acquire(waitCtx, 1); err != nil {
		g.telemetry.QueueDepth.WithLabelValues(tenant).Dec()
		if errors.Is(err, context.DeadlineExceeded) {
			g.telemetry.RateLimitRejections.WithLabelValues(tenant, "queue_timeout").Inc()
			return nil, domain.ErrQueueTimeout
		}
		return nil, err
	}

	g.telemetry.QueueWaitTime.WithLabelValues(tenant).Observe(time.Since(start).Seconds())

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.telemetry.QueueDepth.WithLabelValues(tenant).Dec()
			tg.sem.Release(1)
		}
	}, nil
}

func (g *Gate) get(tenant string) *tenantGate {
	tg, ok := g.tenants.Load(tenant)
	if !ok {
		tg, _ = g.tenants.LoadOrStore(tenant, &tenantGate{
			sem: semaphore.NewWeighted(g.capacity),
		})
	}
	tg.lastSeen.Store(time.Now().UnixNano())
	return tg
}

// pruneIdle drops tenants idle beyond the idle timeout, along with their
// entries in the registries hooked via OnEvict.
func (g *Gate) pruneIdle() {
	cutoff := time.Now().Add(-g.idleTimeout).UnixNano()
	g.tenants.Range(func(tenant string, tg *tenantGate) bool {
		if tg.lastSeen.Load() < cutoff {
			g.tenants.Delete(tenant)
			for _, fn := range g.onEvict {
				fn(tenant)
			}
		}
		return true
	})
}
