package ratelimit

import (
	"sync"
	"time"
)

// FixedWindow grants up to tokensPerInterval tokens in each interval-aligned
// window. The count resets at every window boundary.
type FixedWindow struct {
	mu          sync.Mutex
	limit       int
	interval    time.Duration
	windowStart time.Time
	used        int
	now         func() time.Time
}

func NewFixedWindow(tokensPerInterval int, interval time.Duration) *FixedWindow {
	if tokensPerInterval <= 0 {
		tokensPerInterval = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &FixedWindow{limit: tokensPerInterval, interval: interval, now: time.Now}
}

func (w *FixedWindow) roll(now time.Time) {
	start := now.Truncate(w.interval)
	if !start.Equal(w.windowStart) {
		w.windowStart = start
		w.used = 0
	}
}

func (w *FixedWindow) TryRemoveTokens(n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(w.now())
	if n > w.limit-w.used {
		return false
	}
	w.used += n
	return true
}

func (w *FixedWindow) DelayForTokens(n int) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.limit {
		return MaxDelay
	}
	now := w.now()
	w.roll(now)
	if n <= w.limit-w.used {
		return 0
	}
	return w.windowStart.Add(w.interval).Sub(now)
}

// RollingWindow grants up to tokensPerInterval tokens in any trailing window
// of length interval.
type RollingWindow struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	// grants holds one timestamp per granted token, oldest first.
	grants []time.Time
	now    func() time.Time
}

func NewRollingWindow(tokensPerInterval int, interval time.Duration) *RollingWindow {
	if tokensPerInterval <= 0 {
		tokensPerInterval = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &RollingWindow{
		limit:    tokensPerInterval,
		interval: interval,
		grants:   make([]time.Time, 0, tokensPerInterval),
		now:      time.Now,
	}
}

func (w *RollingWindow) expire(now time.Time) {
	cut := now.Add(-w.interval)
	i := 0
	for i < len(w.grants) && !w.grants[i].After(cut) {
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
}

func (w *RollingWindow) TryRemoveTokens(n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.expire(now)
	if n > w.limit-len(w.grants) {
		return false
	}
	for i := 0; i < n; i++ {
		w.grants = append(w.grants, now)
	}
	return true
}

func (w *RollingWindow) DelayForTokens(n int) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.limit {
		return MaxDelay
	}
	now := w.now()
	w.expire(now)
	short := n - (w.limit - len(w.grants))
	if short <= 0 {
		return 0
	}
	// The short-th oldest grant has to leave the window.
	return w.grants[short-1].Add(w.interval).Sub(now)
}
