package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, capacity int, ttl time.Duration) (*Cache, *time.Time) {
	t.Helper()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(capacity, ttl)
	c.now = func() time.Time { return current }
	return c, &current
}

func TestCacheableRequiresExplicitLowTemperature(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    bool
	}{
		{"temperature at threshold", map[string]any{"temperature": 0.3}, true},
		{"temperature zero", map[string]any{"temperature": 0.0}, true},
		{"temperature above threshold", map[string]any{"temperature": 0.7}, false},
		{"temperature absent", map[string]any{"model": "m"}, false},
		{"streaming request", map[string]any{"temperature": 0.0, "stream": true}, false},
		{"stream false", map[string]any{"temperature": 0.1, "stream": false}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cacheable(tt.payload))
		})
	}
}

func TestKeyInvariantUnderFieldOrder(t *testing.T) {
	a := map[string]any{"model": "m", "temperature": 0.1, "max_tokens": 100.0, "prompt": "p"}
	b := map[string]any{"prompt": "p", "max_tokens": 100.0, "model": "m", "temperature": 0.1}

	assert.Equal(t, Key(a), Key(b))
}

func TestKeyIgnoresNonCanonicalFields(t *testing.T) {
	a := map[string]any{"model": "m", "temperature": 0.1}
	b := map[string]any{"model": "m", "temperature": 0.1, "user": "alice", "stream": false}

	assert.Equal(t, Key(a), Key(b))
}

func TestKeyDiffersOnContent(t *testing.T) {
	a := map[string]any{"model": "m", "prompt": "one"}
	b := map[string]any{"model": "m", "prompt": "two"}

	assert.NotEqual(t, Key(a), Key(b))
}

func TestCacheGetReturnsLatestSet(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)

	c.Set("k", []byte("v1"))
	c.Set("k", []byte("v2"))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestCacheExpiresByTTL(t *testing.T) {
	c, current := newTestCache(t, 10, time.Minute)

	c.Set("k", []byte("v"))

	*current = current.Add(59 * time.Second)
	_, ok := c.Get("k")
	require.True(t, ok)

	*current = current.Add(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 2, time.Minute)

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", []byte("3"))

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCacheStats(t *testing.T) {
	c, _ := newTestCache(t, 5, 30*time.Second)

	c.Set("a", []byte("1"))

	stats := c.Stats()
	assert.Equal(t, 1, stats["size"])
	assert.Equal(t, 5, stats["max_size"])
	assert.Equal(t, 30, stats["ttl_seconds"])
}
