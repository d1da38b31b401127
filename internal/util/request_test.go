package util

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantKeyPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:52311"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")

	assert.Equal(t, "1.2.3.4", TenantKey(r))
}

func TestTenantKeyFallsBackToPeerAddress(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = "10.0.0.1:52311"

	assert.Equal(t, "10.0.0.1", TenantKey(r))
}

func TestTenantKeyUnknownWhenUnparseable(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.RemoteAddr = ""

	assert.Equal(t, "unknown", TenantKey(r))
}

func TestTenantKeyTrimsForwardedEntry(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("X-Forwarded-For", "  1.2.3.4  ,5.6.7.8")

	assert.Equal(t, "1.2.3.4", TenantKey(r))
}
