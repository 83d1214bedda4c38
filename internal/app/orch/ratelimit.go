package orch

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dkeye/voicerooms/internal/domain"
)

const maxTrackedUsers = 10000

// RateLimiter keeps one token bucket per user; least recently seen users
// are forgotten first.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[domain.UserID, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	cache, err := lru.New[domain.UserID, *rate.Limiter](maxTrackedUsers)
	if err != nil {
		panic(err)
	}
	return &RateLimiter{limiters: cache, limit: limit, burst: burst}
}

func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	l, ok := rl.limiters.Get(uid)
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters.Add(uid, l)
	}
	rl.mu.Unlock()
	return l.Allow()
}
