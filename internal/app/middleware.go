package app

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-gw/caravel/internal/util"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	loggerKey        contextKey = "logger"
)

const correlationIDHeader = "X-Correlation-ID"

// responseWriter captures status and size for access logging and metrics.
// Flush must pass through or streaming responses buffer and arrive choppy.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

func (rw *responseWriter) WriteHeader(s int) {
	rw.status = s
	rw.ResponseWriter.WriteHeader(s)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// withObservability assigns a correlation ID at the edge, attaches a
// request-scoped logger to the context, and records request metrics.
func (g *Gateway) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := uuid.NewString()
		w.Header().Set(correlationIDHeader, correlationID)

		tenant := util.TenantKey(r)
		reqLogger := g.logger.With(
			"correlation_id", correlationID,
			"tenant", tenant,
			"method", r.Method,
			"path", r.URL.Path,
		)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		ctx = context.WithValue(ctx, loggerKey, reqLogger)

		reqLogger.Info("request_started")
		g.telemetry.ActiveRequests.WithLabelValues(tenant).Inc()
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w}
		next.ServeHTTP(rw, r.WithContext(ctx))

		duration := time.Since(start)
		g.telemetry.ActiveRequests.WithLabelValues(tenant).Dec()
		g.telemetry.RequestCount.WithLabelValues(r.URL.Path, r.Method, statusLabel(rw.status)).Inc()
		g.telemetry.RequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(duration.Seconds())

		if rw.status >= http.StatusBadRequest {
			reqLogger.Warn("request_failed", "status", rw.status, "duration_ms", duration.Milliseconds(), "bytes", rw.size)
		} else {
			reqLogger.Info("request_completed", "status", rw.status, "duration_ms", duration.Milliseconds(), "bytes", rw.size)
		}
	})
}

func statusLabel(status int) string {
	if status == 0 {
		status = http.StatusOK
	}
	return strconv.Itoa(status)
}

// requestLogger returns the request-scoped logger installed by the middleware.
func requestLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// redact applies PII redaction to error text bound for logs when enabled.
func (g *Gateway) redact(text string) string {
	if g.settings.EnablePIIRedaction {
		return util.RedactPII(text)
	}
	return text
}
