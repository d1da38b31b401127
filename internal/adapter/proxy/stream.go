package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/caravel-gw/caravel/internal/adapter/breaker"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// maxErrorBodyBytes caps how much of a failed backend response we read
	// before synthesising the SSE error frame.
	maxErrorBodyBytes = 64 * 1024

	// maxErrorMessageLen truncates backend error text in emitted frames.
	maxErrorMessageLen = 500

	scanBufferSize = 64 * 1024
	maxLineSize    = 1024 * 1024
)

// Stream proxies a streaming request to the backend, transforming the SSE
// stream on the way through: only data: lines propagate, backend-specific
// fields are stripped, errors are normalised, and the stream always ends
// with a [DONE] frame. Failures after the 200 is committed are encoded as
// SSE error frames, never HTTP errors.
func (p *Proxy) Stream(ctx context.Context, w http.ResponseWriter, url string, payload map[string]any, role domain.Role, log *slog.Logger) {
	payload["stream"] = true

	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	b := p.breakers.Get(url)
	if err := b.Allow(); err != nil {
		p.emitError(w, flusher, "Backend temporarily unavailable", "service_unavailable", "backend_unavailable")
		p.emitDone(w, flusher)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.emitError(w, flusher, truncate(err.Error()), "api_error", "stream_proxy_exception")
		p.emitDone(w, flusher)
		return
	}

	// The upstream read is bounded by an idle timer, not a total deadline:
	// each received chunk resets it, and firing cancels the upstream context.
	var idleFired atomic.Bool
	upCtx, cancelUpstream := context.WithCancel(ctx)
	defer cancelUpstream()

	idleTimer := time.AfterFunc(p.streamIdleTimeout, func() {
		idleFired.Store(true)
		cancelUpstream()
	})
	defer idleTimer.Stop()

	req, err := http.NewRequestWithContext(upCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		b.Record(err)
		p.emitError(w, flusher, truncate(err.Error()), "api_error", "stream_proxy_exception")
		p.emitDone(w, flusher)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.backendAPIKey)

	p.telemetry.BackendRequests.WithLabelValues(url, string(role), "started").Inc()
	start := time.Now()

	resp, err := p.streamClient.Do(req)
	if err != nil {
		p.streamFailure(ctx, w, flusher, b, url, role, err, idleFired.Load(), log)
		return
	}
	defer resp.Body.Close()

	// Backend failed before any SSE content: translate the body into exactly
	// one error frame and end the stream.
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		msg, errType, code := extractUpstreamError(raw, resp.StatusCode)
		log.Error("backend rejected stream", "backend", url, "role", role, "status", resp.StatusCode, "message", truncate(msg))
		b.Record(&domain.UpstreamError{Status: resp.StatusCode, Body: raw})
		p.telemetry.BackendRequests.WithLabelValues(url, string(role), "error").Inc()
		p.emitError(w, flusher, truncate(msg), errType, code)
		p.emitDone(w, flusher)
		return
	}

	p.telemetry.BackendDuration.WithLabelValues(url, string(role)).Observe(time.Since(start).Seconds())

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scanBufferSize), maxLineSize)

	for scanner.Scan() {
		idleTimer.Reset(p.streamIdleTimeout)
		line := scanner.Text()

		// Only data: lines propagate; event:, id:, retry: and comment lines
		// are dropped.
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := line[len(dataPrefix):]

		if strings.TrimSpace(data) == doneSentinel {
			b.Record(nil)
			p.telemetry.BackendRequests.WithLabelValues(url, string(role), "success").Inc()
			p.emitDone(w, flusher)
			return
		}

		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Best-effort passthrough for non-JSON data payloads.
			p.emitRaw(w, flusher, line)
			continue
		}

		if _, hasErr := chunk["error"]; hasErr {
			p.emitChunk(w, flusher, NormalizeErrorChunk(chunk))
			continue
		}
		p.emitChunk(w, flusher, CleanChunk(chunk))
	}

	if err := scanner.Err(); err != nil {
		p.streamFailure(ctx, w, flusher, b, url, role, err, idleFired.Load(), log)
		return
	}

	// Upstream closed without a [DONE]; terminate the stream properly anyway.
	b.Record(nil)
	p.telemetry.BackendRequests.WithLabelValues(url, string(role), "success").Inc()
	p.emitDone(w, flusher)
}

// streamFailure maps a mid-stream error onto its SSE error frame. A client
// disconnect produces no frames at all; nobody is listening.
func (p *Proxy) streamFailure(clientCtx context.Context, w http.ResponseWriter, flusher http.Flusher, b *breaker.Breaker, url string, role domain.Role, err error, idle bool, log *slog.Logger) {
	p.telemetry.BackendRequests.WithLabelValues(url, string(role), "error").Inc()

	switch {
	case idle:
		log.Warn("stream idle timeout exceeded", "backend", url, "role", role, "timeout", p.streamIdleTimeout)
		b.Record(domain.ErrGatewayTimeout)
		p.emitError(w, flusher, truncate(fmt.Sprintf("stream idle for %s", p.streamIdleTimeout)), "timeout", "stream_timeout")
		p.emitDone(w, flusher)
	case clientCtx.Err() != nil:
		// Disconnected client: cancel upstream and stop emitting. The
		// backend didn't fail us.
		b.Record(nil)
	default:
		log.Error("stream error", "backend", url, "role", role, "error", err)
		b.Record(err)
		p.emitError(w, flusher, truncate(err.Error()), "api_error", "stream_proxy_exception")
		p.emitDone(w, flusher)
	}
}

// extractUpstreamError pulls {message, type, code} out of a failed backend
// body, accepting {"error": {...}}, {"error": "..."} and {"message": "..."}
// shapes before falling back to the raw text.
func extractUpstreamError(raw []byte, status int) (msg, errType, code string) {
	msg = string(raw)
	errType = "api_error"
	code = fmt.Sprintf("%d", status)

	if !gjson.ValidBytes(raw) {
		return msg, errType, code
	}

	if errField := gjson.GetBytes(raw, "error"); errField.Exists() {
		if errField.IsObject() {
			if m := errField.Get("message"); m.Exists() {
				msg = m.String()
			}
			if t := errField.Get("type"); t.Exists() {
				errType = t.String()
			}
			if c := errField.Get("code"); c.Exists() {
				code = c.String()
			}
		} else if errField.Type == gjson.String {
			msg = errField.String()
		}
	} else if m := gjson.GetBytes(raw, "message"); m.Exists() {
		msg = m.String()
	}

	return msg, errType, code
}

// SetSSEHeaders applies the streaming response headers. SSE responses must
// never pass through a compressing or buffering layer.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Connection", "keep-alive")
}

func (p *Proxy) emitChunk(w io.Writer, flusher http.Flusher, chunk map[string]any) {
	encoded, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", encoded)
	if flusher != nil {
		flusher.Flush()
	}
}

func (p *Proxy) emitError(w io.Writer, flusher http.Flusher, message, errType, code string) {
	frame := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}
	encoded, _ := json.Marshal(frame)
	fmt.Fprintf(w, "data: %s\n\n", encoded)
	if flusher != nil {
		flusher.Flush()
	}
}

func (p *Proxy) emitDone(w io.Writer, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (p *Proxy) emitRaw(w io.Writer, flusher http.Flusher, line string) {
	fmt.Fprintf(w, "%s\n\n", line)
	if flusher != nil {
		flusher.Flush()
	}
}

func truncate(s string) string {
	if len(s) > maxErrorMessageLen {
		return s[:maxErrorMessageLen]
	}
	return s
}
