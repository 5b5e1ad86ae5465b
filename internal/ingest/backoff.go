package ingest

import (
	"context"
	"math"
	"time"
)

// BackoffConfig shapes the delay between retries of a conflicting chunk.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0..1
	Max        time.Duration
}

// DefaultBackoff is used when Options.Backoff is zero.
var DefaultBackoff = BackoffConfig{
	Initial:    50 * time.Millisecond,
	Multiplier: 2,
	Jitter:     0.2,
	Max:        2 * time.Second,
}

func (cfg BackoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(DefaultBackoff.Initial)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := cfg.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
