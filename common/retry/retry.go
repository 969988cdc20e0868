// Package retry re-runs short provider calls that failed transiently.
//
// Tomo's outbound surface is a handful of JSON-over-HTTP calls per turn, so
// the point of retrying is to absorb one flaky upstream response, not to
// queue work: attempts are few and delays short by default.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls how Do re-runs a call.
type Config struct {
	// MaxAttempts counts every call, the first one included. Values below 1
	// mean a single attempt.
	MaxAttempts int

	// InitialDelay is the pause after the first failure; each following
	// pause doubles until MaxDelay caps it.
	InitialDelay time.Duration

	// MaxDelay bounds the pause between attempts.
	MaxDelay time.Duration

	// ShouldRetry classifies errors. A nil predicate retries everything;
	// returning false stops immediately with that error.
	ShouldRetry func(error) bool
}

// Defaults sized for a chat turn: a user is waiting on the reply, so the
// whole retry budget has to fit inside a few seconds.
const (
	defaultInitialDelay = 200 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error) bool { return true }
	}
	return c
}

// delay computes the pause after the given (1-based) failed attempt.
func (c Config) delay(attempt int) time.Duration {
	d := c.InitialDelay << (attempt - 1)
	if d <= 0 || d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, the attempts run out, ShouldRetry declines
// the error, or ctx ends. The error of the last attempt is returned;
// cancellation joins ctx's error onto it.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil || !cfg.ShouldRetry(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		slog.Debug("retrying failed call",
			"attempt", attempt, "of", cfg.MaxAttempts, "error", lastErr)
		if err := sleep(ctx, cfg.delay(attempt)); err != nil {
			return errors.Join(lastErr, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
