package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"
)

// ParseDuration parses a human-readable duration setting. Bare integers
// are taken as milliseconds; anything else must be a valid Go duration
// string ("30s", "5m", "1h30m"). Negative values are rejected.
func ParseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration: %s", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %s", value)
	}
	return d, nil
}

// RawDelay computes the uncapped exponential delay in milliseconds for
// the given 1-based attempt number.
func RawDelay(attempt int, baseMs int64, multiplier float64) float64 {
	if attempt < 1 {
		attempt = 1
	}
	return float64(baseMs) * math.Pow(multiplier, float64(attempt-1))
}

// NextDelay computes the delay in milliseconds before the next retry of
// the given attempt. Once the raw delay reaches capMs the cap is
// returned exactly, with no jitter, so capped retries never fire late.
// Below the cap a jitter of up to 10% of the raw delay is added, drawn
// from rand01, to spread out synchronized retries.
func NextDelay(attempt int, baseMs, capMs int64, multiplier float64, rand01 func() float64) int64 {
	raw := RawDelay(attempt, baseMs, multiplier)
	if raw >= float64(capMs) {
		return capMs
	}
	jitter := rand01() * 0.1 * raw
	return int64(math.Round(raw + jitter))
}

// DefaultRand is the jitter source used outside of tests.
func DefaultRand() float64 {
	return rand.Float64()
}
