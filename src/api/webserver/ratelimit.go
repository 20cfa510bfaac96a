package webserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/moltswarm/src/x402"
)

// RateLimiter is a sliding-window limiter whose allowance is looked up per key,
// so each agent gets the burst budget of its molt stage.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	window   time.Duration
	limit    func(key string) int
	now      func() time.Time
	calls    int
}

func NewRateLimiter(limit func(key string) int) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   time.Second,
		limit:    limit,
		now:      time.Now,
	}
}

// Allow records a request for key and reports whether it fits the window.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rate := rl.limit(key)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.calls++
	if rl.calls%1024 == 0 {
		rl.cleanup(now)
	}

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if now.Sub(t) < rl.window {
			valid = append(valid, t)
		}
	}
	if rate > 0 && len(valid) >= rate {
		rl.requests[key] = valid
		return false, rate
	}
	rl.requests[key] = append(valid, now)
	return true, rate
}

func (rl *RateLimiter) cleanup(now time.Time) {
	for key, times := range rl.requests {
		if len(times) == 0 || now.Sub(times[len(times)-1]) >= rl.window {
			delete(rl.requests, key)
		}
	}
}

// RateLimitMiddleware keys requests by agent id, then X-Swarm-ID, then client IP.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("agentId")
		if key == "" {
			key = c.GetHeader(x402.HeaderSwarmID)
		}
		if key == "" {
			key = c.ClientIP()
		}

		if ok, rate := limiter.Allow(key); !ok {
			respondError(c, x402.NewError(http.StatusTooManyRequests,
				"rate limit exceeded: %d requests per %v", rate, limiter.window))
			return
		}
		c.Next()
	}
}
