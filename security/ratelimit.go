package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skylens/trustcore/storage"
)

// Endpoint classes recognized by the windowed limiter. Each class carries
// its own ceiling and window.
const (
	ClassLogin   = "login"
	ClassRefresh = "refresh"
	ClassAPI     = "api"
)

// ClassConfig is the ceiling and window for one endpoint class.
type ClassConfig struct {
	// Ceiling is the maximum number of accepted calls per identity per
	// window. Zero disables limiting for the class.
	Ceiling int64

	// Window is the fixed counting window.
	Window time.Duration
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	// Allowed is true when the call may proceed
	Allowed bool

	// RetryAfter is how long until the current window resets. Only
	// meaningful when Allowed is false; always positive in that case.
	RetryAfter time.Duration
}

// Limiter enforces fixed-window rate limits per (identity, endpoint class)
// against a shared counter store. The store increment is a single atomic
// operation, so concurrent request handlers for the same identity can never
// slip past the ceiling through a read-then-write gap.
type Limiter struct {
	counters storage.CounterStore
	classes  map[string]ClassConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewLimiter creates a windowed limiter. Classes absent from the map are
// unlimited.
func NewLimiter(counters storage.CounterStore, classes map[string]ClassConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		counters: counters,
		classes:  classes,
		logger:   logger,
		now:      time.Now,
	}
}

// SetNowFunc overrides the limiter clock. Intended for tests.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.now = now
}

// CheckAndIncrement counts one call for (identity, class) and decides
// whether it may proceed. Crossing the ceiling yields a Throttle decision
// with the seconds remaining until the window resets; it never locks
// accounts itself, escalation belongs to the session manager.
func (l *Limiter) CheckAndIncrement(ctx context.Context, identity, class string) (Decision, error) {
	cfg, ok := l.classes[class]
	if !ok || cfg.Ceiling <= 0 {
		return Decision{Allowed: true}, nil
	}

	count, windowStart, err := l.counters.IncrementWindow(ctx, identity, class, l.now(), cfg.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	if count <= cfg.Ceiling {
		return Decision{Allowed: true}, nil
	}

	retryAfter := windowStart.Add(cfg.Window).Sub(l.now())
	if retryAfter <= 0 {
		retryAfter = time.Second
	}

	l.logger.Warn("rate limit exceeded",
		"class", class,
		"count", count,
		"ceiling", cfg.Ceiling,
		"retry_after", retryAfter)

	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
