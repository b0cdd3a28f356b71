package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"secretboard/metrics"
	"secretboard/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisTimeout    = 100 * time.Millisecond
)

// Counter is a shared fixed-window counter. *db.Redis implements it.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Opts struct {
	RPM               int
	Burst             int
	ConservativeLimit int
	TrustedProxies    []string
}

// Limiter enforces per-client, per-endpoint request limits. It counts in
// Redis when available and falls back to conservative in-process token
// buckets when Redis is absent or failing.
type Limiter struct {
	counter           Counter
	hasher            *KeyHasher
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	rpm               int
	burst             int
	conservativeLimit int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a limiter. counter and hasher may be nil; Redis is consulted
// only when both are set, otherwise limits are kept in process.
func New(opts Opts, counter Counter, hasher *KeyHasher) *Limiter {
	for _, proxy := range opts.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
		}
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.ConservativeLimit <= 0 {
		opts.ConservativeLimit = 1
	}
	if opts.RPM <= 0 {
		opts.RPM = 60
	}
	l := &Limiter{
		counter:           counter,
		hasher:            hasher,
		trustedProxies:    opts.TrustedProxies,
		localLimiters:     make(map[string]*limiterEntry),
		rpm:               opts.RPM,
		burst:             opts.Burst,
		conservativeLimit: opts.ConservativeLimit,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, time.Now().Add(60*time.Second).Unix())
}
func (l *Limiter) isAdaptiveMode() bool {
	return time.Now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}
func (l *Limiter) RecordRequest() {
	l.detector.RecordRequest()
}
func (l *Limiter) RecordError() {
	l.detector.RecordError()
}

func halve(n int) int {
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

// CheckLimit counts r against endpoint for the requesting client.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	key := ip
	if l.hasher != nil {
		hashed, err := l.hasher.Key(ip)
		if err != nil {
			util.Warn().Err(err).Msg("client key unavailable, using local limiter")
			return l.record(endpoint, l.local(ip, endpoint, true))
		}
		key = hashed
	}
	if l.counter == nil || l.hasher == nil {
		return l.record(endpoint, l.local(key, endpoint, false))
	}
	limit := l.rpm
	if l.isAdaptiveMode() {
		limit = halve(limit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
	defer cancel()
	usage, err := l.counter.RateLimit(ctx, "rl:"+endpoint+":"+key, limit, time.Minute)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
		return l.record(endpoint, l.local(key, endpoint, true))
	}
	if usage > limit {
		return l.record(endpoint, &RateLimitResult{
			Allowed: false,
			Limit:   limit,
			Reset:   time.Now().Add(time.Minute),
		})
	}
	res := &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - usage,
		Reset:     time.Now().Add(time.Minute),
	}
	return l.record(endpoint, res)
}

func (l *Limiter) record(endpoint string, res *RateLimitResult) *RateLimitResult {
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

// local applies an in-process token bucket. degraded switches to the
// conservative limit used while Redis is failing.
func (l *Limiter) local(key, endpoint string, degraded bool) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	threshold := (maxLimiters * 9) / 10
	if len(l.localLimiters) >= threshold {
		toEvict := len(l.localLimiters) / 10
		if toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	if len(l.localLimiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.localLimiters)).
			Msg("rate limiter at capacity, rejecting request")
		return &RateLimitResult{
			Allowed: false,
			Limit:   l.conservativeLimit,
			Reset:   time.Now().Add(time.Minute),
		}
	}
	limit := l.rpm
	if degraded {
		limit = l.conservativeLimit
	}
	if l.isAdaptiveMode() {
		limit = halve(limit)
	}
	burst := l.burst
	if burst > limit {
		burst = limit
	}
	k := key + ":" + endpoint
	entry, exists := l.localLimiters[k]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(limit)/60.0, burst)}
		l.localLimiters[k] = entry
	}
	entry.lastAccess = time.Now()
	if !entry.limiter.Allow() {
		return &RateLimitResult{
			Allowed: false,
			Limit:   limit,
			Reset:   time.Now().Add(time.Minute),
		}
	}
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Minute),
	}
}
func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// GetRealIP walks X-Forwarded-For from the right and returns the first
// address that is not a trusted proxy. Headers are ignored unless the direct
// peer is trusted.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsed := 0
	remaining := xff
	for len(remaining) > 0 && parsed < maxIPsToParse {
		var ipStr string
		if i := strings.LastIndexByte(remaining, ','); i == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[i+1:])
			remaining = remaining[:i]
		}
		if ipStr == "" {
			continue
		}
		parsed++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsed >= maxIPsToParse {
		util.Warn().Int("parsed", parsed).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsedIP != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
