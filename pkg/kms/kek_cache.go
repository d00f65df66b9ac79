package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEKCache keeps unwrapped DEKs for a short TTL so hot pastes do not hit the
// KMS on every read. Concurrent misses for the same DEK share one KMS call.
type KEKCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedDEK struct {
	mu        sync.RWMutex
	dek       []byte
	expiresAt time.Time
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	c := &KEKCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *KEKCache) DecryptDEK(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(wrapped)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if cached, ok := c.cache.Load(key); ok {
			entry := cached.(*cachedDEK)
			entry.mu.RLock()
			if time.Now().Before(entry.expiresAt) && entry.dek != nil {
				dek := append([]byte(nil), entry.dek...)
				entry.mu.RUnlock()
				return dek, nil
			}
			entry.mu.RUnlock()
			c.cache.Delete(key)
		}
		dek, err := c.adapter.Decrypt(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		c.cache.Store(key, &cachedDEK{
			dek:       append([]byte(nil), dek...),
			expiresAt: time.Now().Add(c.ttl + jitter(key, c.ttl/10)),
		})
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight hands the same slice to every waiter; callers wipe theirs.
	return append([]byte(nil), v.([]byte)...), nil
}

// Forget drops a DEK, used when its paste is deleted.
func (c *KEKCache) Forget(wrapped []byte) {
	key := cacheKey(wrapped)
	if v, ok := c.cache.LoadAndDelete(key); ok {
		entry := v.(*cachedDEK)
		entry.mu.Lock()
		wipeBytes(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
	}
}

func cacheKey(wrapped []byte) string {
	h := sha256.Sum256(wrapped)
	return hex.EncodeToString(h[:])
}

func jitter(key string, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(key) && i < 16; i++ {
		sum += int64(key[i])
	}
	return time.Duration(sum*int64(time.Millisecond)) % max
}

func (c *KEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KEKCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.RLock()
		expired := now.After(entry.expiresAt)
		entry.mu.RUnlock()
		if expired {
			c.cache.Delete(key)
		}
		return true
	})
}

func (c *KEKCache) Len() int {
	n := 0
	c.cache.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedDEK)
		entry.mu.Lock()
		wipeBytes(entry.dek)
		entry.dek = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
