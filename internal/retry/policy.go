// Package retry decides whether a failed fetch is retried and how long to wait.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Config tunes the policy. Zero fields take the defaults below.
type Config struct {
	MaxAttempts         int
	Initial             time.Duration
	Factor              float64
	Max                 time.Duration
	RateLimitMultiplier float64
	RateLimitMax        time.Duration
}

// Defaults mirror the pacing of the upstream site: ten attempts, backoff
// growing by 1.7 up to thirty seconds.
const (
	DefaultMaxAttempts         = 10
	DefaultInitial             = time.Second
	DefaultFactor              = 1.7
	DefaultMax                 = 30 * time.Second
	DefaultRateLimitMultiplier = 4
	DefaultRateLimitMax        = 2 * time.Minute
)

// RateLimitSignal is implemented by errors that carry a rate-limit response.
type RateLimitSignal interface {
	RateLimited() bool
	RetryAfterHint() time.Duration
}

// Policy is an exponential backoff with jitter. Rate-limited failures wait
// longer than plain transport failures.
type Policy struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// New builds a policy, filling unset fields with defaults.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitial
	}
	if cfg.Factor < 1 {
		cfg.Factor = DefaultFactor
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.RateLimitMultiplier < 1 {
		cfg.RateLimitMultiplier = DefaultRateLimitMultiplier
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = DefaultRateLimitMax
	}
	return &Policy{cfg: cfg, jitter: randomJitter}
}

// MaxAttempts returns the attempt budget per fetch.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed with err. Caller cancellation is never retried.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.cfg.MaxAttempts {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p *Policy) Backoff(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.Initial) * math.Pow(p.cfg.Factor, float64(attempt-1))
	if delay > float64(p.cfg.Max) {
		delay = float64(p.cfg.Max)
	}
	wait := time.Duration(delay/2) + p.jitter(time.Duration(delay/2))

	var signal RateLimitSignal
	if errors.As(err, &signal) && signal.RateLimited() {
		wait = time.Duration(float64(wait) * p.cfg.RateLimitMultiplier)
		if hint := signal.RetryAfterHint(); hint > wait {
			wait = hint
		}
		if wait > p.cfg.RateLimitMax {
			wait = p.cfg.RateLimitMax
		}
	}
	return wait
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
