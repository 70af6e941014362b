// Package backoff provides the reconnect throttle and retry-pacing
// primitives shared by the connection manager (§4.5) and invocation
// service (§4.4).
package backoff

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// ReconnectThrottle gates how often the connection manager may attempt to
// reconnect to a given member, directly reusing go-catrate's sliding-window
// limiter rather than reimplementing rate limiting.
type ReconnectThrottle struct {
	limiter *catrate.Limiter
}

// NewReconnectThrottle builds a throttle allowing at most maxPerWindow
// reconnect attempts per member within window.
func NewReconnectThrottle(window time.Duration, maxPerWindow int) *ReconnectThrottle {
	return &ReconnectThrottle{
		limiter: catrate.NewLimiter(map[time.Duration]int{window: maxPerWindow}),
	}
}

// Allow reports whether a reconnect attempt for category (typically a
// member UUID string) may proceed now, and if not, the earliest time it
// may.
func (t *ReconnectThrottle) Allow(category string) (time.Time, bool) {
	return t.limiter.Allow(category)
}

// Schedule is a capped exponential backoff generator for invocation retries
// (§4.4): new arithmetic rather than a catrate reuse, since catrate gates
// event rate per category and an invocation retry needs a per-attempt
// delay sequence instead.
type Schedule struct {
	base   time.Duration
	cap    time.Duration
	factor float64
}

// NewSchedule returns a Schedule starting at base, doubling (by factor)
// each attempt, never exceeding cap.
func NewSchedule(base, cap time.Duration) Schedule {
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	if cap <= 0 {
		cap = time.Second
	}
	return Schedule{base: base, cap: cap, factor: 2}
}

// Delay returns the pause before retry attempt number attempt (0-indexed:
// attempt 0 is the delay before the first retry, not the initial try).
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(s.base)
	for i := 0; i < attempt; i++ {
		d *= s.factor
		if d >= float64(s.cap) {
			return s.cap
		}
	}
	if time.Duration(d) > s.cap {
		return s.cap
	}
	return time.Duration(d)
}
