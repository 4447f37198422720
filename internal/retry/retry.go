// Package retry runs operations against flaky collaborators with
// bounded exponential backoff. Only errors the caller classifies as
// transient are retried; conflicts and not-found results pass through
// on the first attempt so compare-and-swap races are never papered
// over by a replay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dkod-io/dkod-engine/internal/domain"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
}

// Defaults returns the standard budget: three attempts with jittered
// exponential backoff.
func Defaults() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Do runs fn until it succeeds, fails permanently, or the attempt
// budget runs out. transient decides which errors are worth another
// attempt; context cancellation is always permanent. When the budget
// is exhausted the last error is wrapped with domain.ErrUnavailable so
// callers can tell "retry later" from "request invalid".
func Do(ctx context.Context, cfg Config, transient func(error) bool, fn func(context.Context) error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff(cfg, attempt-1)); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !transient(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("retry: %d attempts: %w: %w", cfg.MaxAttempts, domain.ErrUnavailable, lastErr)
}

// backoff doubles the initial delay per prior attempt, caps it, and
// spreads it by the jitter fraction so synchronized callers fan out.
func backoff(cfg Config, prior int) time.Duration {
	d := cfg.InitialBackoff
	for i := 0; i < prior && d < cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	if cfg.JitterFraction > 0 {
		spread := float64(d) * cfg.JitterFraction
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
