package fetch

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// jitterRatio is the maximum relative deviation applied by Jitter.
	jitterRatio = 0.25
	// maxBackoffShift keeps base<<shift from overflowing.
	maxBackoffShift = 30
)

// Backoff returns min(limit, base*2^(attempt-1)) for attempt >= 1.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		return limit
	}
	wait := base << shift
	if wait > limit || wait < base {
		return limit
	}
	return wait
}

// Jitter spreads d by up to ±25% using r in [0, 1), and never returns less than base/2.
func Jitter(d, base time.Duration, r float64) time.Duration {
	spread := float64(d) * jitterRatio
	jittered := time.Duration(float64(d) - spread + 2*spread*r)
	if floor := base / 2; jittered < floor {
		return floor
	}
	return jittered
}

// ParseRetryAfter reads a Retry-After header given as delta-seconds or an HTTP date.
// Missing or malformed values yield fallback; dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return fallback
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
		return 0
	}
	return fallback
}

func randomFraction() float64 {
	return rand.Float64()
}
