package proxy

import (
	"context"
	"net"
	"net/http"
	"time"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxConnsPerHost     = 50
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultKeepAlive           = 30 * time.Second
)

// newTransport builds an HTTP transport tuned for inference traffic:
// compression disabled (a compression layer would buffer SSE frames and break
// real-time delivery), long keep-alives and no-delay for token streams.
func newTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: defaultKeepAlive,
			}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				// Errors for these tuning knobs are ignored on purpose
				_ = tcpConn.SetNoDelay(true)
				_ = tcpConn.SetKeepAlive(true)
				_ = tcpConn.SetKeepAlivePeriod(defaultKeepAlive)
			}
			return conn, nil
		},
		MaxResponseHeaderBytes: 32 << 10,
		WriteBufferSize:        64 << 10,
		ReadBufferSize:         64 << 10,
	}
}
