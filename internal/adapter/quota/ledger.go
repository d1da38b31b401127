package quota

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/caravel-gw/caravel/internal/adapter/telemetry"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

// Limits are the per-tenant quota bounds.
type Limits struct {
	DailyTokens   int64
	DailyRequests int64
	MonthlyTokens int64
}

// Ledger tracks per-tenant daily and monthly consumption. Records live for
// the process lifetime; rollover is applied lazily on every access so reads
// always reflect the current window.
type Ledger struct {
	records   *xsync.Map[string, *record]
	limits    Limits
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

type record struct {
	mu             sync.Mutex
	dailyTokens    int64
	dailyRequests  int64
	monthlyTokens  int64
	dailyResetAt   time.Time
	monthlyResetAt time.Time
}

// Usage is a point-in-time snapshot for the admin surface.
type Usage struct {
	DailyTokens    int64  `json:"daily_tokens"`
	DailyRequests  int64  `json:"daily_requests"`
	MonthlyTokens  int64  `json:"monthly_tokens"`
	DailyLimit     int64  `json:"daily_limit_tokens"`
	RequestLimit   int64  `json:"daily_limit_requests"`
	MonthlyLimit   int64  `json:"monthly_limit_tokens"`
	DailyResetAt   string `json:"daily_reset_at"`
	MonthlyResetAt string `json:"monthly_reset_at"`
}

func NewLedger(limits Limits, tel *telemetry.Telemetry) *Ledger {
	return &Ledger{
		records:   xsync.NewMap[string, *record](),
		limits:    limits,
		telemetry: tel,
		now:       time.Now,
	}
}

// Check admits the request if every quota dimension has room for the
// estimate. Denials carry the reason and the relevant reset boundary.
func (l *Ledger) Check(tenant string, estimatedTokens int64) error {
	rec := l.get(tenant)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	l.rollover(rec)

	if rec.dailyRequests >= l.limits.DailyRequests {
		l.telemetry.QuotaExceeded.WithLabelValues(tenant, "daily_requests").Inc()
		return &domain.QuotaError{Reason: "daily_requests", ResetAt: rec.dailyResetAt.Format(time.RFC3339)}
	}
	if rec.dailyTokens+estimatedTokens > l.limits.DailyTokens {
		l.telemetry.QuotaExceeded.WithLabelValues(tenant, "daily_tokens").Inc()
		return &domain.QuotaError{Reason: "daily_tokens", ResetAt: rec.dailyResetAt.Format(time.RFC3339)}
	}
	if rec.monthlyTokens+estimatedTokens > l.limits.MonthlyTokens {
		l.telemetry.QuotaExceeded.WithLabelValues(tenant, "monthly_tokens").Inc()
		return &domain.QuotaError{Reason: "monthly_tokens", ResetAt: rec.monthlyResetAt.Format(time.RFC3339)}
	}
	return nil
}

// Record charges consumed tokens and one request against the tenant.
// A cache hit records zero tokens but still counts the request.
func (l *Ledger) Record(tenant string, tokens int64) {
	rec := l.get(tenant)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	l.rollover(rec)

	rec.dailyTokens += tokens
	rec.monthlyTokens += tokens
	rec.dailyRequests++

	l.telemetry.QuotaUsage.WithLabelValues(tenant, "daily_tokens").Set(float64(rec.dailyTokens))
	l.telemetry.QuotaUsage.WithLabelValues(tenant, "daily_requests").Set(float64(rec.dailyRequests))
	l.telemetry.QuotaUsage.WithLabelValues(tenant, "monthly_tokens").Set(float64(rec.monthlyTokens))
}

// Usage snapshots the tenant's counters after applying rollover.
func (l *Ledger) Usage(tenant string) Usage {
	rec := l.get(tenant)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	l.rollover(rec)

	return Usage{
		DailyTokens:    rec.dailyTokens,
		DailyRequests:  rec.dailyRequests,
		MonthlyTokens:  rec.monthlyTokens,
		DailyLimit:     l.limits.DailyTokens,
		RequestLimit:   l.limits.DailyRequests,
		MonthlyLimit:   l.limits.MonthlyTokens,
		DailyResetAt:   rec.dailyResetAt.Format(time.RFC3339),
		MonthlyResetAt: rec.monthlyResetAt.Format(time.RFC3339),
	}
}

// AllUsage snapshots every known tenant.
func (l *Ledger) AllUsage() map[string]Usage {
	out := make(map[string]Usage)
	l.records.Range(func(tenant string, _ *record) bool {
		out[tenant] = l.Usage(tenant)
		return true
	})
	return out
}

func (l *Ledger) get(tenant string) *record {
	if rec, ok := l.records.Load(tenant); ok {
		return rec
	}
	now := l.now().UTC()
	rec, _ := l.records.LoadOrStore(tenant, &record{
		dailyResetAt:   nextDayStart(now),
		monthlyResetAt: nextMonthStart(now),
	})
	return rec
}

// rollover must be called with rec.mu held.
func (l *Ledger) rollover(rec *record) {
	now := l.now().UTC()
	if !now.Before(rec.dailyResetAt) {
		rec.dailyTokens = 0
		rec.dailyRequests = 0
		rec.dailyResetAt = nextDayStart(now)
	}
	if !now.Before(rec.monthlyResetAt) {
		rec.monthlyTokens = 0
		rec.monthlyResetAt = nextMonthStart(now)
	}
}

// nextDayStart is the next UTC midnight. AddDate normalises day overflow, so
// month and year boundaries are safe.
func nextDayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// nextMonthStart is 00:00 UTC on the 1st of the following month.
func nextMonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
