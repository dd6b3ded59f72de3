package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rpm, burst int) (*Limiter, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{Name: "test", RequestsPerMinute: rpm, BurstSize: burst}).WithClock(clk.Now)
	t.Cleanup(l.Stop)
	return l, clk
}

func drain(l *Limiter, key string, n int) int {
	allowed := 0
	for i := 0; i < n; i++ {
		if ok, _ := l.Allow(key); ok {
			allowed++
		}
	}
	return allowed
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clk := newLimiter(t, 60, 5)
	const key = "wallet:0xabc"

	assert.Equal(t, 5, drain(l, key, 8), "burst")

	ok, wait := l.Allow(key)
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))

	clk.Advance(time.Second)
	assert.Equal(t, 1, drain(l, key, 3), "one token per second at 60/min")

	clk.Advance(time.Hour)
	assert.Equal(t, 5, drain(l, key, 10), "refill caps at burst")
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 60, 3)
	drain(l, "wallet:a", 3)

	ok, _ := l.Allow("wallet:a")
	assert.False(t, ok)
	ok, _ = l.Allow("wallet:b")
	assert.True(t, ok)
}

func TestAllow_ZeroRate(t *testing.T) {
	l, clk := newLimiter(t, 0, 1)
	ok, _ := l.Allow("k")
	require.True(t, ok)

	clk.Advance(time.Hour)
	ok, wait := l.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)
}

func TestSweep_DropsIdleBuckets(t *testing.T) {
	l, clk := newLimiter(t, 60, 5)
	l.Allow("wallet:old")
	clk.Advance(10 * time.Second)
	l.Allow("wallet:new")

	l.sweep()
	assert.Len(t, l.buckets, 1)
	_, kept := l.buckets["wallet:new"]
	assert.True(t, kept)
}

func TestWriteConfigIsTighter(t *testing.T) {
	read, write := DefaultConfig(), WriteConfig()
	assert.Less(t, write.RequestsPerMinute, read.RequestsPerMinute)
	assert.Less(t, write.BurstSize, read.BurstSize)

	l := New(read)
	l.Stop()
	l.Stop()
}

func TestMiddleware_KeysByWallet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 20, 1)

	router := gin.New()
	router.Use(l.Middleware())
	router.POST("/v1/invoices/:id/dispute", func(c *gin.Context) { c.Status(http.StatusCreated) })

	post := func(wallet string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/invoices/inv_1/dispute", nil)
		if wallet != "" {
			req.Header.Set(WalletHeader, wallet)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusCreated, post("0xAAA").Code)

	w := post("0xaaa")
	require.Equal(t, http.StatusTooManyRequests, w.Code, "wallet keys ignore case")
	assert.Equal(t, "3", w.Header().Get("Retry-After"), "20/min refills every 3s")
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusCreated, post("0xbbb").Code)
}

func TestKey_FallsBackToIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "203.0.113.9:5555"

	assert.Equal(t, "ip:203.0.113.9", Key(c))
}
