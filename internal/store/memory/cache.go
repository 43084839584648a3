package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"redemption-service/internal/redisclient"
)

// ErrCacheDown is returned by Cache while it is marked down
var ErrCacheDown = errors.New("cache unavailable")

type entry struct {
	value   string
	expires time.Time
}

// Cache mimics the idempotency scripts of redisclient.Client in process
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	down    bool
	now     func() time.Time
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]entry), now: time.Now}
}

// SetDown toggles a simulated outage
func (c *Cache) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Get returns the raw stored value
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	return e.value, ok
}

func (c *Cache) live(key string) (entry, bool) {
	e, ok := c.entries[key]
	if ok && !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, ok
}

func (c *Cache) ClaimIdempotencyKey(ctx context.Context, key string, inFlightTTL time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return "", false, ErrCacheDown
	}

	e, ok := c.live(key)
	if !ok {
		c.entries[key] = entry{value: redisclient.InFlightMarker, expires: c.now().Add(inFlightTTL)}
		return "", false, nil
	}
	if e.value == redisclient.InFlightMarker {
		return "", false, redisclient.ErrInFlight
	}
	return e.value, true, nil
}

func (c *Cache) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return ErrCacheDown
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	c.entries[key] = entry{value: s, expires: c.now().Add(ttl)}
	return nil
}

func (c *Cache) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return ErrCacheDown
	}
	if e, ok := c.live(key); ok && e.value == redisclient.InFlightMarker {
		delete(c.entries, key)
	}
	return nil
}
