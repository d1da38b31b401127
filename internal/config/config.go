package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8080
)

// Settings is the env-supplied configuration record for the gateway.
// Environment variable names are part of the external contract; each one is
// bound verbatim rather than derived from a prefix.
type Settings struct {
	// Auth
	GatewayAPIKey string
	BackendAPIKey string

	// Backends
	ChatBackends    []string
	Text2SQLBackend string
	EmbedBackend    string
	RerankBackend   string

	// Rate limiting
	MaxRPSPerIP   float64
	RPSWindowSecs float64
	RPSBurst      int

	// Concurrency control
	MaxInflightPerIP int
	QueueTimeout     time.Duration
	IPIdleTimeout    time.Duration

	// Request timeouts
	MaxRequestTimeout time.Duration
	StreamIdleTimeout time.Duration
	ConnectTimeout    time.Duration

	// Quota
	OrgDailyTokenLimit   int64
	OrgDailyRequestLimit int64
	OrgMonthlyTokenLimit int64

	// Cache
	CacheTTL     time.Duration
	CacheMaxSize int

	// Circuit breaker
	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration

	// Health checks
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	// Server
	Host           string
	Port           int
	GatewayWorkers int

	// Logging
	LogLevel           string
	LogDir             string
	LogToFile          bool
	EnablePIIRedaction bool
}

// Load reads settings from the environment via viper.
func Load() (*Settings, error) {
	v := viper.New()

	envKeys := []string{
		"GATEWAY_API_KEY", "BACKEND_API_KEY",
		"CHAT_BACKENDS", "TEXT2SQL_BACKEND", "EMBED_BACKEND", "RERANK_BACKEND",
		"MAX_RPS_PER_IP", "RPS_WINDOW_SECS", "RPS_BURST",
		"MAX_INFLIGHT_PER_IP", "QUEUE_TIMEOUT_SECS", "IP_IDLE_SECS",
		"MAX_REQUEST_SECS", "STREAM_IDLE_TIMEOUT_SECS",
		"ORG_DAILY_TOKEN_LIMIT", "ORG_DAILY_REQUEST_LIMIT", "ORG_MONTHLY_TOKEN_LIMIT",
		"CACHE_TTL_SECS", "CACHE_MAX_SIZE",
		"CIRCUIT_FAILURE_THRESHOLD", "CIRCUIT_RECOVERY_TIMEOUT",
		"HEALTH_CHECK_INTERVAL_SECS", "HEALTH_CHECK_TIMEOUT_SECS",
		"GATEWAY_HOST", "GATEWAY_PORT", "GATEWAY_WORKERS",
		"LOG_LEVEL", "LOG_DIR", "LOG_TO_FILE", "ENABLE_PII_REDACTION",
	}
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	v.SetDefault("MAX_RPS_PER_IP", 50.0)
	v.SetDefault("RPS_WINDOW_SECS", 1.0)
	v.SetDefault("RPS_BURST", 100)
	v.SetDefault("MAX_INFLIGHT_PER_IP", 120)
	v.SetDefault("QUEUE_TIMEOUT_SECS", 2.0)
	v.SetDefault("IP_IDLE_SECS", 900.0)
	v.SetDefault("MAX_REQUEST_SECS", 5400.0)
	v.SetDefault("STREAM_IDLE_TIMEOUT_SECS", 180.0)
	v.SetDefault("ORG_DAILY_TOKEN_LIMIT", 10_000_000)
	v.SetDefault("ORG_DAILY_REQUEST_LIMIT", 100_000)
	v.SetDefault("ORG_MONTHLY_TOKEN_LIMIT", 300_000_000)
	v.SetDefault("CACHE_TTL_SECS", 60)
	v.SetDefault("CACHE_MAX_SIZE", 10000)
	v.SetDefault("CIRCUIT_FAILURE_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_RECOVERY_TIMEOUT", 30)
	v.SetDefault("HEALTH_CHECK_INTERVAL_SECS", 10)
	v.SetDefault("HEALTH_CHECK_TIMEOUT_SECS", 2.0)
	v.SetDefault("GATEWAY_HOST", DefaultHost)
	v.SetDefault("GATEWAY_PORT", DefaultPort)
	v.SetDefault("GATEWAY_WORKERS", 4)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DIR", "./logs")
	v.SetDefault("LOG_TO_FILE", false)
	v.SetDefault("ENABLE_PII_REDACTION", true)

	s := &Settings{
		GatewayAPIKey: strings.TrimSpace(v.GetString("GATEWAY_API_KEY")),
		BackendAPIKey: strings.TrimSpace(v.GetString("BACKEND_API_KEY")),

		ChatBackends:    splitBackends(v.GetString("CHAT_BACKENDS")),
		Text2SQLBackend: normaliseBaseURL(v.GetString("TEXT2SQL_BACKEND")),
		EmbedBackend:    normaliseBaseURL(v.GetString("EMBED_BACKEND")),
		RerankBackend:   normaliseBaseURL(v.GetString("RERANK_BACKEND")),

		MaxRPSPerIP:   v.GetFloat64("MAX_RPS_PER_IP"),
		RPSWindowSecs: v.GetFloat64("RPS_WINDOW_SECS"),
		RPSBurst:      v.GetInt("RPS_BURST"),

		MaxInflightPerIP: v.GetInt("MAX_INFLIGHT_PER_IP"),
		QueueTimeout:     secs(v.GetFloat64("QUEUE_TIMEOUT_SECS")),
		IPIdleTimeout:    secs(v.GetFloat64("IP_IDLE_SECS")),

		MaxRequestTimeout: secs(v.GetFloat64("MAX_REQUEST_SECS")),
		StreamIdleTimeout: secs(v.GetFloat64("STREAM_IDLE_TIMEOUT_SECS")),
		ConnectTimeout:    5 * time.Second,

		OrgDailyTokenLimit:   v.GetInt64("ORG_DAILY_TOKEN_LIMIT"),
		OrgDailyRequestLimit: v.GetInt64("ORG_DAILY_REQUEST_LIMIT"),
		OrgMonthlyTokenLimit: v.GetInt64("ORG_MONTHLY_TOKEN_LIMIT"),

		CacheTTL:     time.Duration(v.GetInt("CACHE_TTL_SECS")) * time.Second,
		CacheMaxSize: v.GetInt("CACHE_MAX_SIZE"),

		CircuitFailureThreshold: v.GetInt("CIRCUIT_FAILURE_THRESHOLD"),
		CircuitRecoveryTimeout:  time.Duration(v.GetInt("CIRCUIT_RECOVERY_TIMEOUT")) * time.Second,

		HealthCheckInterval: time.Duration(v.GetInt("HEALTH_CHECK_INTERVAL_SECS")) * time.Second,
		HealthCheckTimeout:  secs(v.GetFloat64("HEALTH_CHECK_TIMEOUT_SECS")),

		Host:           v.GetString("GATEWAY_HOST"),
		Port:           v.GetInt("GATEWAY_PORT"),
		GatewayWorkers: v.GetInt("GATEWAY_WORKERS"),

		LogLevel:           v.GetString("LOG_LEVEL"),
		LogDir:             v.GetString("LOG_DIR"),
		LogToFile:          v.GetBool("LOG_TO_FILE"),
		EnablePIIRedaction: v.GetBool("ENABLE_PII_REDACTION"),
	}

	return s, nil
}

// Validate rejects configurations the gateway cannot start with.
func (s *Settings) Validate() error {
	if s.GatewayAPIKey == "" || s.BackendAPIKey == "" {
		return errors.New("GATEWAY_API_KEY and BACKEND_API_KEY must be set")
	}
	if len(s.ChatBackends) == 0 {
		return errors.New("CHAT_BACKENDS must be set")
	}
	if s.Text2SQLBackend == "" {
		return errors.New("TEXT2SQL_BACKEND must be set")
	}
	if s.EmbedBackend == "" {
		return errors.New("EMBED_BACKEND must be set")
	}
	if s.RerankBackend == "" {
		return errors.New("RERANK_BACKEND must be set")
	}
	return nil
}

// RPSLimit is the admissions allowed per sliding window.
func (s *Settings) RPSLimit() int {
	limit := int(s.MaxRPSPerIP * s.RPSWindowSecs)
	if s.RPSBurst > limit {
		return s.RPSBurst
	}
	return limit
}

func splitBackends(raw string) []string {
	if raw == "" {
		return nil
	}
	var backends []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			backends = append(backends, normaliseBaseURL(b))
		}
	}
	return backends
}

// normaliseBaseURL ensures the base URL ends without a trailing slash
func normaliseBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if len(baseURL) > 1 && baseURL[len(baseURL)-1] == '/' {
		return baseURL[:len(baseURL)-1]
	}
	return baseURL
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
