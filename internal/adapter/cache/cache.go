package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// maxCacheableTemperature bounds admission: sampling above this is treated as
// non-deterministic and never cached.
const maxCacheableTemperature = 0.3

// keyFields is the canonical subset of the request body that addresses a
// cached response.
var keyFields = []string{"model", "messages", "prompt", "temperature", "max_tokens", "stop", "top_p"}

// Cache is a TTL+LRU store of serialized backend responses, addressed by a
// stable hash of the request payload. One mutex guards the whole structure;
// each operation is individually atomic.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	eviction *list.List // front = most recently used
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]*list.Element),
		eviction: list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Cacheable reports whether a request payload may be served from or admitted
// to the cache: an explicit temperature at or below the threshold, and not a
// streaming request. A missing temperature means backend-default sampling,
// which is not deterministic.
func Cacheable(payload map[string]any) bool {
	if stream, ok := payload["stream"].(bool); ok && stream {
		return false
	}
	temp, ok := payload["temperature"].(float64)
	return ok && temp <= maxCacheableTemperature
}

// Key computes the content address for a payload: hex SHA-256 over the
// canonical JSON encoding of the key fields. encoding/json emits map keys in
// sorted order, so the key is invariant under body key reordering.
func Key(payload map[string]any) string {
	canonical := make(map[string]any, len(keyFields))
	for _, f := range keyFields {
		if v, ok := payload[f]; ok {
			canonical[f] = v
		}
	}
	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response bytes for a key, if fresh.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	en := el.Value.(*entry)
	if c.now().After(en.expiresAt) {
		c.eviction.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.eviction.MoveToFront(el)
	return en.value, true
}

// Set stores a response under the key, evicting the least recently used
// entry when at capacity.
func (c *Cache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		en := el.Value.(*entry)
		en.value = value
		en.expiresAt = expiresAt
		c.eviction.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.eviction.Back()
		if oldest == nil {
			break
		}
		c.eviction.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}

	c.entries[key] = c.eviction.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
}

// Stats reports size/capacity/TTL for the admin surface.
func (c *Cache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"size":        len(c.entries),
		"max_size":    c.capacity,
		"ttl_seconds": int(c.ttl.Seconds()),
	}
}
