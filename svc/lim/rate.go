package lim

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"pasteforge/metrics"
	"pasteforge/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveWindow  = 60 * time.Second
)

// Counter is a shared fixed-window counter, implemented by db.Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Config struct {
	RPM               int
	Burst             int
	ConservativeLimit int
	TrustedProxies    []string
}

// Limiter limits per client IP and endpoint group. With a Counter the
// window is shared across instances; without one, or when it fails, a
// local token bucket is used.
type Limiter struct {
	cfg           Config
	counter       Counter
	detector      *AnomalyDetector
	adaptiveUntil int64

	mu       sync.Mutex
	locals   map[string]*localEntry
	evicting int32
	quit     chan struct{}
	stopOnce sync.Once
}

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(c Config, counter Counter) (*Limiter, error) {
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid trusted proxy CIDR %q", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid trusted proxy IP %q", proxy)
		}
	}
	if c.RPM <= 0 || c.Burst <= 0 {
		return nil, errors.New("rate limit rpm and burst must be positive")
	}
	if c.ConservativeLimit <= 0 {
		c.ConservativeLimit = c.RPM / 10
		if c.ConservativeLimit < 1 {
			c.ConservativeLimit = 1
		}
	}
	l := &Limiter{
		cfg:     c,
		counter: counter,
		locals:  make(map[string]*localEntry),
		quit:    make(chan struct{}),
	}
	l.detector = NewAnomalyDetector(5, l.TriggerAdaptiveMode)
	l.detector.Start(time.Minute)
	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveUntil, time.Now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) adaptive() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

// Check counts one request from r against endpoint's budget.
func (l *Limiter) Check(r *http.Request, endpoint string) Result {
	ip := ClientIP(r, l.cfg.TrustedProxies)
	res := l.check(r.Context(), ip, endpoint)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

func (l *Limiter) check(ctx context.Context, ip, endpoint string) Result {
	if l.counter == nil {
		return l.local(ip, endpoint, l.cfg.RPM, l.cfg.Burst)
	}
	limit := l.cfg.RPM
	if l.adaptive() {
		limit = halve(limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	usage, err := l.counter.RateLimit(ctx, endpoint+":"+ip, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using conservative local limit")
		return l.local(ip, endpoint, l.cfg.ConservativeLimit, l.cfg.ConservativeLimit)
	}
	res := Result{Limit: limit, Reset: time.Now().Add(time.Minute)}
	if usage <= limit {
		res.Allowed = true
		res.Remaining = limit - usage
	}
	return res
}

func (l *Limiter) local(ip, endpoint string, perMinute, burst int) Result {
	if l.adaptive() {
		perMinute, burst = halve(perMinute), halve(burst)
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locals) >= maxLimiters*9/10 && atomic.CompareAndSwapInt32(&l.evicting, 0, 1) {
		go l.evictOldest(len(l.locals) / 10)
	}
	key := ip + ":" + endpoint
	e, ok := l.locals[key]
	if !ok {
		if len(l.locals) >= maxLimiters {
			util.Warn().Int("limiters", len(l.locals)).Str("ip", util.RedactIP(ip)).Msg("rate limiter at capacity")
			return Result{Limit: perMinute, Reset: now.Add(time.Minute)}
		}
		e = &localEntry{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)}
		l.locals[key] = e
	}
	e.lastAccess = now
	if e.limiter == nil || !e.limiter.AllowN(now, 1) {
		return Result{Limit: perMinute, Reset: now.Add(time.Minute)}
	}
	return Result{Allowed: true, Limit: perMinute, Remaining: int(e.limiter.TokensAt(now)), Reset: now.Add(time.Minute)}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now())
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.locals {
		if now.Sub(e.lastAccess) > limiterTTL {
			delete(l.locals, k)
			n++
		}
	}
	if n > 0 {
		util.Debug().Int("evicted", n).Int("remaining", len(l.locals)).Msg("rate limiter cleanup")
	}
	return n
}

func (l *Limiter) evictOldest(count int) {
	defer atomic.StoreInt32(&l.evicting, 0)
	type kv struct {
		key string
		at  time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.locals))
	for k, e := range l.locals {
		entries = append(entries, kv{k, e.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < count && i < len(entries); i++ {
		delete(l.locals, entries[i].key)
	}
}

// ClientIP returns the first untrusted hop, walking X-Forwarded-For from
// the right, only when the direct peer is a trusted proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	remote := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remote, trustedProxies) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	if len(hops) > 100 {
		hops = hops[len(hops)-100:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip == "" || net.ParseIP(ip) == nil {
			continue
		}
		if !isTrustedProxy(ip, trustedProxies) {
			return ip
		}
	}
	return remote
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsed != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
