package cache

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pasteforge/pkg/domain"
)

const maxEntries = 100000

// LRU is the in-process tier in front of Redis. Entries never outlive the
// paste's own expiration.
type LRU struct {
	mu  sync.Mutex
	c   *lru.Cache[string, entry]
	now func() time.Time
}

type entry struct {
	paste domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxEntries {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

// Get returns a copy so callers may mutate the result freely.
func (l *LRU) Get(id string) (*domain.Paste, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.c.Get(id)
	if !ok {
		return nil, false
	}
	if !l.now().Before(e.exp) {
		l.c.Remove(id)
		return nil, false
	}
	p := e.paste
	p.Tags = append([]string(nil), e.paste.Tags...)
	return &p, true
}

// Set stores p for ttl. Burn-after-read pastes are never cached.
func (l *LRU) Set(p *domain.Paste, ttl time.Duration) {
	if p == nil || p.BurnAfterRead || ttl <= 0 {
		return
	}
	now := l.now()
	exp := now.Add(ttl)
	if p.ExpiresAt != nil && p.ExpiresAt.Before(exp) {
		exp = *p.ExpiresAt
	}
	if !now.Before(exp) {
		return
	}
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	l.mu.Lock()
	l.c.Add(p.ID, entry{paste: cp, exp: exp})
	l.mu.Unlock()
}

func (l *LRU) Delete(id string) {
	l.mu.Lock()
	l.c.Remove(id)
	l.mu.Unlock()
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
