// Package memcache is a process-local decision cache, used for
// single-instance deployments and in unit tests.
package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/ccollier86/catalyst-auth/pkg/cache"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache implements cache.Cache over a mutex-guarded map. Expired entries
// are reaped lazily on Get.
type Cache struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

// New returns an empty Cache. now defaults to time.Now.
func New(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{data: map[string]entry{}, now: now}
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, opts cache.SetOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl := opts.TTLSeconds
	if ttl <= 0 {
		ttl = 1
	}
	v := make([]byte, len(value))
	copy(v, value)
	c.data[key] = entry{value: v, expiresAt: c.now().Add(time.Duration(ttl) * time.Second)}
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (*Cache) Healthy(_ context.Context) error { return nil }

func (*Cache) Name() string { return "memcache" }
