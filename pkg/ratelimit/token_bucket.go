package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket refills tokensPerInterval tokens every interval, holding at most
// bucketSize. It starts full.
type TokenBucket struct {
	mu  sync.Mutex
	lim *rate.Limiter
	now func() time.Time
}

func NewTokenBucket(tokensPerInterval int, interval time.Duration, bucketSize int) *TokenBucket {
	if tokensPerInterval <= 0 {
		tokensPerInterval = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if bucketSize <= 0 {
		bucketSize = tokensPerInterval
	}
	every := interval / time.Duration(tokensPerInterval)
	return &TokenBucket{
		lim: rate.NewLimiter(rate.Every(every), bucketSize),
		now: time.Now,
	}
}

func (b *TokenBucket) TryRemoveTokens(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.AllowN(b.now(), n)
}

func (b *TokenBucket) DelayForTokens(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	r := b.lim.ReserveN(now, n)
	if !r.OK() {
		return MaxDelay
	}
	d := r.DelayFrom(now)
	// Only asking; hand the tokens back.
	r.CancelAt(now)
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}

// Tokens returns the number of tokens currently available.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(b.now())
}
