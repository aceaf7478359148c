package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/finboard/shared"
)

const (
	// DefaultMax is the default number of requests allowed per window.
	DefaultMax = 5
	// DefaultWindow is the default counting window.
	DefaultWindow = time.Minute
)

// Config represents the configuration for the rate limiter.
type Config struct {
	// Max is the number of requests allowed per window.
	Max int
	// Window is the counting window duration.
	Window time.Duration
	// Now returns the current time. Defaults to time.Now when nil.
	Now func() time.Time
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.Max <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max requests must be positive, got %d", cfg.Max))
	}
	if cfg.Window <= 0 {
		errs = errors.Join(errs, fmt.Errorf("window must be positive, got %v", cfg.Window))
	}

	return errs
}

// Limiter tracks a fixed per-window request budget for a single provider. It is
// advisory and shared by every caller of the guarded provider.
type Limiter struct {
	cfg       *Config
	count     int
	lastReset time.Time
	mtx       sync.Mutex
}

// NewLimiter initializes a new rate limiter.
func NewLimiter(cfg *Config) (*Limiter, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating rate limiter config: %w", err)
	}

	return &Limiter{
		cfg:       cfg,
		lastReset: cfg.Now(),
	}, nil
}

// resetIfElapsed resets the counter when more than a window has elapsed since
// the last reset. This must be called with the mutex held.
func (l *Limiter) resetIfElapsed(now time.Time) {
	if now.Sub(l.lastReset) > l.cfg.Window {
		l.count = 0
		l.lastReset = now
	}
}

// CheckAndConsume consumes a request from the budget. It returns a
// *shared.RateLimitError carrying the remaining wait when the budget is spent.
func (l *Limiter) CheckAndConsume() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	now := l.cfg.Now()
	l.resetIfElapsed(now)

	if l.count >= l.cfg.Max {
		return &shared.RateLimitError{
			RetryAfter: l.cfg.Window - now.Sub(l.lastReset),
		}
	}

	l.count++

	return nil
}

// Remaining returns the number of requests left in the current window.
func (l *Limiter) Remaining() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.resetIfElapsed(l.cfg.Now())

	return l.cfg.Max - l.count
}
