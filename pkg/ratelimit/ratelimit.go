// Package ratelimit provides the admission oracle consulted by the throttled queue.
//
// The queue only needs two capabilities: take N tokens right now, or learn how
// long until N tokens will be available. Every limiter in this package is safe
// for concurrent use.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxDelay caps DelayForTokens when a request can never be satisfied
// (for example n exceeds the bucket size).
const MaxDelay = time.Hour

var (
	ErrUnknownKind   = errors.New("ratelimit: unknown limiter kind")
	ErrInvalidConfig = errors.New("ratelimit: invalid config")
)

// Limiter is the capability the queue requires from a rate limiter.
type Limiter interface {
	// TryRemoveTokens atomically consumes n tokens if they are available now.
	TryRemoveTokens(n int) bool
	// DelayForTokens reports how long until n tokens are available.
	// It does not consume anything.
	DelayForTokens(n int) time.Duration
}

type Kind string

const (
	KindTokenBucket   Kind = "token_bucket"
	KindFixedWindow   Kind = "fixed_window"
	KindRollingWindow Kind = "rolling_window"
	KindUnlimited     Kind = "unlimited"
)

// Config describes a limiter.
//
// Tokens are granted per Interval. Burst is the token bucket size and is
// ignored by the window limiters; 0 means Burst = Tokens.
type Config struct {
	Kind     Kind
	Tokens   int
	Interval time.Duration
	Burst    int
}

// New builds the limiter described by cfg.
func New(cfg Config) (Limiter, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(string(cfg.Kind))))
	if kind == KindUnlimited {
		return Unlimited(), nil
	}
	if cfg.Tokens <= 0 {
		return nil, fmt.Errorf("%w: tokens must be > 0 (got %d)", ErrInvalidConfig, cfg.Tokens)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0 (got %s)", ErrInvalidConfig, cfg.Interval)
	}
	switch kind {
	case KindTokenBucket, "":
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.Tokens
		}
		return NewTokenBucket(cfg.Tokens, cfg.Interval, burst), nil
	case KindFixedWindow:
		return NewFixedWindow(cfg.Tokens, cfg.Interval), nil
	case KindRollingWindow:
		return NewRollingWindow(cfg.Tokens, cfg.Interval), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

type unlimited struct{}

// Unlimited returns a limiter that always grants.
func Unlimited() Limiter { return unlimited{} }

func (unlimited) TryRemoveTokens(int) bool         { return true }
func (unlimited) DelayForTokens(int) time.Duration { return 0 }

// Func adapts a pair of functions to Limiter. Handy in tests.
type Func struct {
	Try   func(n int) bool
	Delay func(n int) time.Duration
}

func (f Func) TryRemoveTokens(n int) bool {
	if f.Try == nil {
		return true
	}
	return f.Try(n)
}

func (f Func) DelayForTokens(n int) time.Duration {
	if f.Delay == nil {
		return 0
	}
	return f.Delay(n)
}
