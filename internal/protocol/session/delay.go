package session

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DelayRange is a closed interval a randomized pause is drawn from.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// Fixed returns a range that always yields d.
func Fixed(d time.Duration) DelayRange {
	return DelayRange{Min: d, Max: d}
}

// IsZero reports an unset range.
func (r DelayRange) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

func (r DelayRange) Validate() error {
	if r.Min < 0 || r.Max < 0 {
		return fmt.Errorf("%w: negative bound %v..%v", ErrInvalidDelayRange, r.Min, r.Max)
	}
	if r.Min > r.Max {
		return fmt.Errorf("%w: min %v > max %v", ErrInvalidDelayRange, r.Min, r.Max)
	}
	return nil
}

// Pick draws a uniform delay from the range. A nil rng yields the midpoint.
func (r DelayRange) Pick(rng *rand.Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := r.Max - r.Min
	if rng == nil {
		return r.Min + span/2
	}
	return r.Min + time.Duration(rng.Int63n(int64(span)+1))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
