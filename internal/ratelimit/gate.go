package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bulkflow/internal/domain"
)

// Status describes the quota of one key
type Status struct {
	Key         string    `json:"key"`
	Count       int64     `json:"count"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// Gate enforces fixed-window request quotas
type Gate struct {
	store    WindowStore
	failOpen bool
	logger   *zap.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithFailOpen makes the gate admit requests when its store is unreachable
func WithFailOpen(failOpen bool) Option {
	return func(g *Gate) { g.failOpen = failOpen }
}

// NewGate creates a gate over store
func NewGate(store WindowStore, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{store: store, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsAllowed counts one request against key and reports whether it fits
// within max requests per window.
func (g *Gate) IsAllowed(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	w, err := g.store.Increment(ctx, key, window)
	if err != nil {
		if g.failOpen {
			g.logger.Warn("Rate limit store unavailable, admitting request",
				zap.String("key", key),
				zap.Error(err))
			return true, nil
		}
		return false, err
	}

	allowed := w.Count <= int64(max)
	if !allowed {
		g.logger.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", w.Count),
			zap.Int("limit", max))
	}
	return allowed, nil
}

// Check is IsAllowed returning *domain.RateLimitExceededError on denial
func (g *Gate) Check(ctx context.Context, key string, window time.Duration, max int) error {
	allowed, err := g.IsAllowed(ctx, key, window, max)
	if err != nil {
		return fmt.Errorf("rate limit check for %q: %w", key, err)
	}
	if allowed {
		return nil
	}

	resetAt := time.Now().Add(window)
	if w, ok, err := g.store.Peek(ctx, key); err == nil && ok && !w.ResetAt.IsZero() {
		resetAt = w.ResetAt
	}
	return &domain.RateLimitExceededError{Key: key, Limit: max, Window: window, ResetAt: resetAt}
}

// RemainingQuota returns how many more requests key may make in its current window
func (g *Gate) RemainingQuota(ctx context.Context, key string, max int) (int, error) {
	w, ok, err := g.store.Peek(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return max, nil
	}
	return remaining(w.Count, max), nil
}

// Status returns the quota state of key without counting a request
func (g *Gate) Status(ctx context.Context, key string, window time.Duration, max int) (Status, error) {
	w, ok, err := g.store.Peek(ctx, key)
	if err != nil {
		return Status{}, err
	}

	st := Status{Key: key, Limit: max, Remaining: max}
	if !ok {
		return st, nil
	}
	st.Count = w.Count
	st.Remaining = remaining(w.Count, max)
	st.ResetAt = w.ResetAt
	st.WindowStart = w.Start
	if st.WindowStart.IsZero() && !w.ResetAt.IsZero() {
		st.WindowStart = w.ResetAt.Add(-window)
	}
	return st, nil
}

// Reset clears key's window
func (g *Gate) Reset(ctx context.Context, key string) error {
	return g.store.Reset(ctx, key)
}

func remaining(count int64, max int) int {
	left := int64(max) - count
	if left < 0 {
		return 0
	}
	return int(left)
}

// Guard wraps op so that every call is first counted against the key
// returned by keyFn.
func Guard[T any](g *Gate, keyFn func(ctx context.Context) string, window time.Duration, max int, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		if err := g.Check(ctx, keyFn(ctx), window, max); err != nil {
			var zero T
			return zero, err
		}
		return op(ctx)
	}
}
