// Package ratelimit throttles API callers with per-key token buckets.
//
// Callers are keyed by wallet address when they send one and by client IP
// otherwise, so one wallet cannot flood dispute or funding endpoints from
// many addresses.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// WalletHeader identifies the calling wallet.
const WalletHeader = "X-Wallet-Address"

var (
	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter, by limiter name.",
	}, []string{"limiter"})

	trackedKeys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arcinvoice",
		Subsystem: "ratelimit",
		Name:      "tracked_keys",
		Help:      "Callers with a live bucket, by limiter name.",
	}, []string{"limiter"})
)

func init() {
	prometheus.MustRegister(rejectedTotal, trackedKeys)
}

// Config sizes one limiter.
type Config struct {
	Name              string        // metrics label
	RequestsPerMinute int           // sustained rate per key
	BurstSize         int           // requests allowed back to back
	CleanupInterval   time.Duration // how often idle buckets are dropped
}

// DefaultConfig is applied to every route.
func DefaultConfig() Config {
	return Config{Name: "api", RequestsPerMinute: 120, BurstSize: 20, CleanupInterval: time.Minute}
}

// WriteConfig is added on routes that move funds, open disputes or accept
// callbacks.
func WriteConfig() Config {
	return Config{Name: "write", RequestsPerMinute: 20, BurstSize: 5, CleanupInterval: time.Minute}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg   Config
	limit rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

// New returns a limiter and starts its cleanup loop; call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.Name == "" {
		cfg.Name = "api"
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock overrides time.Now.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token from key's bucket. When none is left it reports how
// long until one is.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	if l.limit <= 0 {
		return false, time.Minute
	}
	// time for the fractional balance to reach one whole token
	missing := 1 - b.lim.TokensAt(now)
	return false, time.Duration(missing / float64(l.limit) * float64(time.Second))
}

// idleAfter is how long an untouched bucket takes to refill completely, at
// which point it is indistinguishable from a new one.
func (l *Limiter) idleAfter() time.Duration {
	if l.limit <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(float64(l.cfg.BurstSize)/float64(l.limit)*float64(time.Second)) + time.Second
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.idleAfter())
	l.mu.Lock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	n := len(l.buckets)
	l.mu.Unlock()
	trackedKeys.WithLabelValues(l.cfg.Name).Set(float64(n))
}

// Key returns the bucket key for a request.
func Key(c *gin.Context) string {
	if wallet := strings.ToLower(strings.TrimSpace(c.GetHeader(WalletHeader))); wallet != "" {
		return "wallet:" + wallet
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header in whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(Key(c))
		if ok {
			c.Next()
			return
		}
		rejectedTotal.WithLabelValues(l.cfg.Name).Inc()
		secs := max(1, int(math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": secs,
		})
	}
}
