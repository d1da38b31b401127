package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/caravel-gw/caravel/internal/adapter/breaker"
	"github.com/caravel-gw/caravel/internal/adapter/telemetry"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Proxy dispatches requests to inference backends under circuit-breaker
// guard. The JSON path is one-shot; the stream path lives in stream.go.
type Proxy struct {
	client            *http.Client
	streamClient      *http.Client
	breakers          *breaker.Registry
	backendAPIKey     string
	maxRequestTimeout time.Duration
	streamIdleTimeout time.Duration
	telemetry         *telemetry.Telemetry
}

func New(breakers *breaker.Registry, backendAPIKey string, connectTimeout, maxRequestTimeout, streamIdleTimeout time.Duration, tel *telemetry.Telemetry) *Proxy {
	return &Proxy{
		// The non-stream total deadline is applied per request via context;
		// streams have no overall deadline at all (idle detection bounds them).
		client:            &http.Client{Transport: newTransport(connectTimeout)},
		streamClient:      &http.Client{Transport: newTransport(connectTimeout)},
		breakers:          breakers,
		backendAPIKey:     backendAPIKey,
		maxRequestTimeout: maxRequestTimeout,
		streamIdleTimeout: streamIdleTimeout,
		telemetry:         tel,
	}
}

// Close releases pooled backend connections.
func (p *Proxy) Close() {
	p.client.CloseIdleConnections()
	p.streamClient.CloseIdleConnections()
}

// DoJSON posts the payload to the backend and returns the raw response body.
// The circuit breaker observes every outcome; non-2xx statuses surface as
// *domain.UpstreamError so the pipeline can pass them through.
func (p *Proxy) DoJSON(ctx context.Context, url string, payload map[string]any, role domain.Role) ([]byte, error) {
	b := p.breakers.Get(url)
	if err := b.Allow(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding backend payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.maxRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.backendAPIKey)

	p.telemetry.BackendRequests.WithLabelValues(url, string(role), "started").Inc()
	start := time.Now()

	resp, err := p.client.Do(req)
	if err != nil {
		mapped := classifyTransportError(err)
		b.Record(mapped)
		p.telemetry.BackendRequests.WithLabelValues(url, string(role), "error").Inc()
		return nil, mapped
	}
	defer resp.Body.Close()

	p.telemetry.BackendDuration.WithLabelValues(url, string(role)).Observe(time.Since(start).Seconds())

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		mapped := classifyTransportError(err)
		b.Record(mapped)
		return nil, mapped
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstreamErr := &domain.UpstreamError{Status: resp.StatusCode, Body: respBody}
		b.Record(upstreamErr)
		p.telemetry.BackendRequests.WithLabelValues(url, string(role), "error").Inc()
		return nil, upstreamErr
	}

	b.Record(nil)
	p.telemetry.BackendRequests.WithLabelValues(url, string(role), "success").Inc()
	return respBody, nil
}

// classifyTransportError maps network failures onto the gateway error kinds:
// timeouts become 504s, connection failures 502s.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrGatewayTimeout
	}
	return fmt.Errorf("%w: %v", domain.ErrBadGateway, err)
}
