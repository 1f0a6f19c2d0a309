package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// TapLimiter throttles tap submissions per client so a misbehaving reader
// cannot flood the engine. In-memory; one process owns the tap endpoint.
type TapLimiter struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
	lastGC   time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTapLimiter creates a limiter that refills perMinute tokens up to
// capacity. A non-positive capacity falls back to perMinute.
func NewTapLimiter(capacity, perMinute int) *TapLimiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TapLimiter{
		capacity: capacity,
		rate:     perMinute,
		state:    make(map[string]*bucket),
		lastGC:   time.Now(),
	}
}

// Middleware enforces the limit keyed by the reader id header when the
// client sends one, falling back to the client IP.
func (l *TapLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Reader-ID")
		if key == "" {
			key = c.ClientIP()
		}
		if key == "" {
			key = "unknown"
		}
		if !l.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many taps, slow down"})
			return
		}
		c.Next()
	}
}

func (l *TapLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.pruneLocked(now)
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// pruneLocked drops buckets idle for over an hour. Readers come and go on
// school networks with DHCP, so the map would otherwise grow unbounded.
func (l *TapLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastGC) < 10*time.Minute {
		return
	}
	for key, b := range l.state {
		if now.Sub(b.last) > time.Hour {
			delete(l.state, key)
		}
	}
	l.lastGC = now
}
